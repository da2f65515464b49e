package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v5"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Row models for the MySQL and SQLite stores. Nullable columns use null types
// so a zero value never stands in for "unset".

type queueTypeRow struct {
	Code      string `gorm:"primaryKey;size:32"`
	Name      string `gorm:"size:255"`
	Priority  int
	Algorithm string `gorm:"size:32"`
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (queueTypeRow) TableName() string { return "queue_type" }

type servicePointRow struct {
	ID        string `gorm:"primaryKey;size:36"`
	Code      string `gorm:"size:32;uniqueIndex"`
	Name      string `gorm:"size:255"`
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (servicePointRow) TableName() string { return "service_point" }

type capabilityRow struct {
	ServicePointID string `gorm:"primaryKey;size:36"`
	QueueTypeCode  string `gorm:"primaryKey;size:32"`
}

func (capabilityRow) TableName() string { return "service_point_capability" }

type ticketRow struct {
	ID              string      `gorm:"primaryKey;size:36"`
	Number          int         `gorm:"index:ticket_number_idx"`
	QueueTypeCode   string      `gorm:"size:32;index:ticket_number_idx"`
	QueueDate       string      `gorm:"size:10;index:ticket_number_idx"`
	Status          string      `gorm:"size:16;index"`
	ServicePointID  null.String `gorm:"size:36"`
	TransferredFrom null.String `gorm:"size:36"`
	HeldAt          null.Time
	CalledAt        null.Time
	CompletedAt     null.Time
	SkippedAt       null.Time
	CancelledAt     null.Time
	TransferredAt   null.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (ticketRow) TableName() string { return "ticket" }

func uuidString(id *uuid.UUID) null.String {
	if id == nil || *id == uuid.Nil {
		return null.String{}
	}
	return null.StringFrom(id.String())
}

func parseUUIDPtr(s null.String) (*uuid.UUID, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func utcTime(t *time.Time) null.Time {
	if t == nil {
		return null.Time{}
	}
	return null.TimeFrom(t.UTC())
}

func newTicketRow(t *Ticket) ticketRow {
	return ticketRow{
		ID:              t.ID.String(),
		Number:          t.Number,
		QueueTypeCode:   t.QueueTypeCode,
		QueueDate:       t.QueueDate.Format(time.DateOnly),
		Status:          string(t.Status),
		ServicePointID:  uuidString(t.ServicePointID),
		TransferredFrom: uuidString(t.TransferredFrom),
		HeldAt:          utcTime(t.HeldAt),
		CalledAt:        utcTime(t.CalledAt),
		CompletedAt:     utcTime(t.CompletedAt),
		SkippedAt:       utcTime(t.SkippedAt),
		CancelledAt:     utcTime(t.CancelledAt),
		TransferredAt:   utcTime(t.TransferredAt),
		CreatedAt:       t.CreatedAt.UTC(),
		UpdatedAt:       t.UpdatedAt.UTC(),
	}
}

func (r ticketRow) ticket() (*Ticket, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("ticket id %q: %w", r.ID, err)
	}
	day, err := time.Parse(time.DateOnly, r.QueueDate)
	if err != nil {
		return nil, fmt.Errorf("ticket %s queue date: %w", r.ID, err)
	}
	sp, err := parseUUIDPtr(r.ServicePointID)
	if err != nil {
		return nil, fmt.Errorf("ticket %s service point: %w", r.ID, err)
	}
	from, err := parseUUIDPtr(r.TransferredFrom)
	if err != nil {
		return nil, fmt.Errorf("ticket %s transferred from: %w", r.ID, err)
	}
	return &Ticket{
		ID:              id,
		Number:          r.Number,
		QueueTypeCode:   r.QueueTypeCode,
		QueueDate:       day,
		Status:          Status(r.Status),
		ServicePointID:  sp,
		TransferredFrom: from,
		HeldAt:          r.HeldAt.Ptr(),
		CalledAt:        r.CalledAt.Ptr(),
		CompletedAt:     r.CompletedAt.Ptr(),
		SkippedAt:       r.SkippedAt.Ptr(),
		CancelledAt:     r.CancelledAt.Ptr(),
		TransferredAt:   r.TransferredAt.Ptr(),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}, nil
}

// AutoMigrateGorm creates the tables for the gorm-backed stores.
func AutoMigrateGorm(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(&queueTypeRow{}, &servicePointRow{}, &capabilityRow{}, &ticketRow{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	m := gdb.Migrator()
	if m.HasIndex(&ticketRow{}, "ticket_number_uq") {
		return nil
	}
	for _, stmt := range liveNumberDDL(gdb.Dialector.Name(), m.HasColumn(&ticketRow{}, "live_number")) {
		if err := gdb.Exec(stmt).Error; err != nil {
			return fmt.Errorf("ticket number index: %w", err)
		}
	}
	return nil
}

// liveNumberDDL returns the statements that keep a ticket number unique per
// day and queue type among tickets not transferred away. MySQL has no partial
// indexes, so it indexes a generated column that is NULL once transferred.
func liveNumberDDL(dialect string, hasLiveColumn bool) []string {
	switch dialect {
	case "sqlite":
		return []string{`CREATE UNIQUE INDEX IF NOT EXISTS ticket_number_uq
			ON ticket (queue_date, queue_type_code, number) WHERE transferred_at IS NULL`}
	case "mysql":
		var stmts []string
		if !hasLiveColumn {
			stmts = append(stmts, `ALTER TABLE ticket ADD COLUMN live_number INT
				AS (IF(transferred_at IS NULL, number, NULL)) VIRTUAL`)
		}
		return append(stmts, `CREATE UNIQUE INDEX ticket_number_uq
			ON ticket (queue_date, queue_type_code, live_number)`)
	default:
		return nil
	}
}

// =========== Ticket Repository ===========

type ticketRepoGorm struct{ db *gorm.DB }

func NewTicketRepoGorm(gdb *gorm.DB) TicketRepository { return &ticketRepoGorm{db: gdb} }

func (r *ticketRepoGorm) Create(ctx context.Context, t *Ticket) error {
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
	row := newTicketRow(t)
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *ticketRepoGorm) GetByID(ctx context.Context, id uuid.UUID) (*Ticket, error) {
	var row ticketRow
	err := r.db.WithContext(ctx).Where("id = ?", id.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.ticket()
}

func (r *ticketRepoGorm) FetchWaiting(ctx context.Context, queueDate time.Time, queueTypeCodes []string) ([]*Ticket, error) {
	q := r.db.WithContext(ctx).
		Where("status = ? AND queue_date = ?", string(StatusWaiting), queueDate.Format(time.DateOnly))
	if queueTypeCodes != nil {
		if len(queueTypeCodes) == 0 {
			return nil, nil
		}
		q = q.Where("queue_type_code IN ?", queueTypeCodes)
	}
	var rows []ticketRow
	if err := q.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	items := make([]*Ticket, 0, len(rows))
	for _, row := range rows {
		t, err := row.ticket()
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, nil
}

func (r *ticketRepoGorm) ConditionalUpdate(ctx context.Context, id uuid.UUID, expected Status, p Patch) (bool, error) {
	cols := map[string]interface{}{
		"status":     string(p.Status),
		"updated_at": time.Now().UTC(),
	}
	switch {
	case p.ClearServicePoint:
		cols["service_point_id"] = nil
	case p.ServicePointID != nil:
		cols["service_point_id"] = p.ServicePointID.String()
	}
	if p.CalledAt != nil {
		cols["called_at"] = p.CalledAt.UTC()
	}
	switch {
	case p.ClearHeldAt:
		cols["held_at"] = nil
	case p.HeldAt != nil:
		cols["held_at"] = p.HeldAt.UTC()
	}
	switch {
	case p.ClearSkippedAt:
		cols["skipped_at"] = nil
	case p.SkippedAt != nil:
		cols["skipped_at"] = p.SkippedAt.UTC()
	}
	if p.CompletedAt != nil {
		cols["completed_at"] = p.CompletedAt.UTC()
	}
	if p.CancelledAt != nil {
		cols["cancelled_at"] = p.CancelledAt.UTC()
	}
	if p.TransferredAt != nil {
		cols["transferred_at"] = p.TransferredAt.UTC()
	}

	res := r.db.WithContext(ctx).Model(&ticketRow{}).
		Where("id = ? AND status = ?", id.String(), string(expected)).
		Updates(cols)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *ticketRepoGorm) FetchRecentCompletions(ctx context.Context, queueTypeCode string, since time.Time) (int, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&ticketRow{}).
		Where("queue_type_code = ? AND status = ? AND completed_at >= ?", queueTypeCode, string(StatusCompleted), since.UTC()).
		Count(&n).Error
	return int(n), err
}

// =========== Config Repository ===========

type configRepoGorm struct{ db *gorm.DB }

func NewConfigRepoGorm(gdb *gorm.DB) ConfigRepository { return &configRepoGorm{db: gdb} }

func (r *configRepoGorm) ListQueueTypes(ctx context.Context) ([]*QueueType, error) {
	var rows []queueTypeRow
	if err := r.db.WithContext(ctx).Order("code").Find(&rows).Error; err != nil {
		return nil, err
	}
	items := make([]*QueueType, 0, len(rows))
	for _, row := range rows {
		items = append(items, &QueueType{
			Code:      row.Code,
			Name:      row.Name,
			Priority:  row.Priority,
			Algorithm: Algorithm(row.Algorithm),
			Enabled:   row.Enabled,
		})
	}
	return items, nil
}

func (r *configRepoGorm) ListServicePoints(ctx context.Context) ([]*ServicePoint, error) {
	var rows []servicePointRow
	if err := r.db.WithContext(ctx).Order("code").Find(&rows).Error; err != nil {
		return nil, err
	}
	items := make([]*ServicePoint, 0, len(rows))
	for _, row := range rows {
		id, err := uuid.Parse(row.ID)
		if err != nil {
			return nil, fmt.Errorf("service point %s id: %w", row.Code, err)
		}
		items = append(items, &ServicePoint{ID: id, Code: row.Code, Name: row.Name, Enabled: row.Enabled})
	}
	return items, nil
}

func (r *configRepoGorm) ListCapabilities(ctx context.Context) ([]Capability, error) {
	var rows []capabilityRow
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	items := make([]Capability, 0, len(rows))
	for _, row := range rows {
		id, err := uuid.Parse(row.ServicePointID)
		if err != nil {
			return nil, fmt.Errorf("capability service point %q: %w", row.ServicePointID, err)
		}
		items = append(items, Capability{ServicePointID: id, QueueTypeCode: row.QueueTypeCode})
	}
	return items, nil
}

func (r *configRepoGorm) UpsertQueueType(ctx context.Context, qt *QueueType) error {
	row := queueTypeRow{
		Code:      qt.Code,
		Name:      qt.Name,
		Priority:  qt.Priority,
		Algorithm: string(qt.Algorithm),
		Enabled:   qt.Enabled,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "priority", "algorithm", "enabled", "updated_at"}),
	}).Create(&row).Error
}

func (r *configRepoGorm) UpsertServicePoint(ctx context.Context, sp *ServicePoint) error {
	if sp.ID == uuid.Nil {
		sp.ID = uuid.New()
	}
	row := servicePointRow{ID: sp.ID.String(), Code: sp.Code, Name: sp.Name, Enabled: sp.Enabled}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"code", "name", "enabled", "updated_at"}),
	}).Create(&row).Error
}

func (r *configRepoGorm) ReplaceCapabilities(ctx context.Context, caps []Capability) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&capabilityRow{}).Error; err != nil {
			return err
		}
		if len(caps) == 0 {
			return nil
		}
		rows := make([]capabilityRow, 0, len(caps))
		for _, c := range caps {
			rows = append(rows, capabilityRow{ServicePointID: c.ServicePointID.String(), QueueTypeCode: c.QueueTypeCode})
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
}
