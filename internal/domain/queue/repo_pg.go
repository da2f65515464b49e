package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/queue/internal/platform/db"
)

// =========== Ticket Repository ===========

type ticketRepoPG struct{ pool *pgxpool.Pool }

func NewTicketRepoPG(pool *pgxpool.Pool) TicketRepository { return &ticketRepoPG{pool: pool} }

func (r *ticketRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const ticketCols = `id, number, queue_type_code, queue_date, status, service_point_id,
	transferred_from, held_at, called_at, completed_at, skipped_at, cancelled_at,
	transferred_at, created_at, updated_at`

func (r *ticketRepoPG) scanTicket(row pgx.Row) (*Ticket, error) {
	var t Ticket
	err := row.Scan(&t.ID, &t.Number, &t.QueueTypeCode, &t.QueueDate, &t.Status, &t.ServicePointID,
		&t.TransferredFrom, &t.HeldAt, &t.CalledAt, &t.CompletedAt, &t.SkippedAt, &t.CancelledAt,
		&t.TransferredAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &t, err
}

func (r *ticketRepoPG) Create(ctx context.Context, t *Ticket) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = StatusWaiting
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = t.CreatedAt
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO ticket (id, number, queue_type_code, queue_date, status, service_point_id,
			transferred_from, held_at, called_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.ID, t.Number, t.QueueTypeCode, t.QueueDate, t.Status, t.ServicePointID,
		t.TransferredFrom, t.HeldAt, t.CalledAt, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r *ticketRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Ticket, error) {
	return r.scanTicket(r.conn(ctx).QueryRow(ctx, `SELECT `+ticketCols+` FROM ticket WHERE id = $1`, id))
}

func (r *ticketRepoPG) FetchWaiting(ctx context.Context, queueDate time.Time, queueTypeCodes []string) ([]*Ticket, error) {
	query := `SELECT ` + ticketCols + ` FROM ticket WHERE status = $1 AND queue_date = $2`
	args := []interface{}{StatusWaiting, queueDate}
	if queueTypeCodes != nil {
		query += ` AND queue_type_code = ANY($3)`
		args = append(args, queueTypeCodes)
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Ticket
	for rows.Next() {
		t, err := r.scanTicket(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// ConditionalUpdate builds the SET clause from the patch and guards it with
// the expected status, so of two racing writers only one affects the row.
func (r *ticketRepoPG) ConditionalUpdate(ctx context.Context, id uuid.UUID, expected Status, p Patch) (bool, error) {
	sets := []string{"status = $3", "updated_at = NOW()"}
	args := []interface{}{id, expected, p.Status}
	idx := 4

	set := func(col string, v interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, v)
		idx++
	}
	switch {
	case p.ClearServicePoint:
		sets = append(sets, "service_point_id = NULL")
	case p.ServicePointID != nil:
		set("service_point_id", *p.ServicePointID)
	}
	if p.CalledAt != nil {
		set("called_at", *p.CalledAt)
	}
	switch {
	case p.ClearHeldAt:
		sets = append(sets, "held_at = NULL")
	case p.HeldAt != nil:
		set("held_at", *p.HeldAt)
	}
	switch {
	case p.ClearSkippedAt:
		sets = append(sets, "skipped_at = NULL")
	case p.SkippedAt != nil:
		set("skipped_at", *p.SkippedAt)
	}
	if p.CompletedAt != nil {
		set("completed_at", *p.CompletedAt)
	}
	if p.CancelledAt != nil {
		set("cancelled_at", *p.CancelledAt)
	}
	if p.TransferredAt != nil {
		set("transferred_at", *p.TransferredAt)
	}

	query := `UPDATE ticket SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 AND status = $2`
	tag, err := r.conn(ctx).Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ticketRepoPG) FetchRecentCompletions(ctx context.Context, queueTypeCode string, since time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM ticket
		WHERE queue_type_code = $1 AND status = $2 AND completed_at >= $3`,
		queueTypeCode, StatusCompleted, since).Scan(&n)
	return n, err
}

// =========== Config Repository ===========

type configRepoPG struct{ pool *pgxpool.Pool }

func NewConfigRepoPG(pool *pgxpool.Pool) ConfigRepository { return &configRepoPG{pool: pool} }

func (r *configRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *configRepoPG) ListQueueTypes(ctx context.Context) ([]*QueueType, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT code, name, priority, algorithm, enabled FROM queue_type ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*QueueType
	for rows.Next() {
		var qt QueueType
		if err := rows.Scan(&qt.Code, &qt.Name, &qt.Priority, &qt.Algorithm, &qt.Enabled); err != nil {
			return nil, err
		}
		items = append(items, &qt)
	}
	return items, rows.Err()
}

func (r *configRepoPG) ListServicePoints(ctx context.Context) ([]*ServicePoint, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, code, name, enabled FROM service_point ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ServicePoint
	for rows.Next() {
		var sp ServicePoint
		if err := rows.Scan(&sp.ID, &sp.Code, &sp.Name, &sp.Enabled); err != nil {
			return nil, err
		}
		items = append(items, &sp)
	}
	return items, rows.Err()
}

func (r *configRepoPG) ListCapabilities(ctx context.Context) ([]Capability, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT service_point_id, queue_type_code FROM service_point_capability`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Capability
	for rows.Next() {
		var c Capability
		if err := rows.Scan(&c.ServicePointID, &c.QueueTypeCode); err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *configRepoPG) UpsertQueueType(ctx context.Context, qt *QueueType) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO queue_type (code, name, priority, algorithm, enabled)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (code) DO UPDATE SET name=$2, priority=$3, algorithm=$4, enabled=$5, updated_at=NOW()`,
		qt.Code, qt.Name, qt.Priority, qt.Algorithm, qt.Enabled)
	return err
}

func (r *configRepoPG) UpsertServicePoint(ctx context.Context, sp *ServicePoint) error {
	if sp.ID == uuid.Nil {
		sp.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO service_point (id, code, name, enabled)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET code=$2, name=$3, enabled=$4, updated_at=NOW()`,
		sp.ID, sp.Code, sp.Name, sp.Enabled)
	return err
}

// ReplaceCapabilities swaps the whole relation in one transaction so readers
// never observe a half-written set, and notifies CapabilitiesChannel.
func (r *configRepoPG) ReplaceCapabilities(ctx context.Context, caps []Capability) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		c := r.conn(ctx)
		if _, err := c.Exec(ctx, `DELETE FROM service_point_capability`); err != nil {
			return err
		}
		for _, cp := range caps {
			if _, err := c.Exec(ctx, `
				INSERT INTO service_point_capability (service_point_id, queue_type_code)
				VALUES ($1,$2) ON CONFLICT DO NOTHING`,
				cp.ServicePointID, cp.QueueTypeCode); err != nil {
				return err
			}
		}
		// Delivered to listeners on commit.
		_, err := c.Exec(ctx, `SELECT pg_notify($1, '')`, CapabilitiesChannel)
		return err
	})
}
