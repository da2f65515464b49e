package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const listenRetry = 2 * time.Second

// notifyConn is the part of *pgx.Conn a listener needs.
type notifyConn interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

type acquireFunc func(ctx context.Context) (notifyConn, func(), error)

// Listen holds one pool connection in LISTEN on channel and calls fn with the
// payload of every notification. A lost connection is replaced after a short
// pause. Listen blocks until ctx is done.
func Listen(ctx context.Context, pool *pgxpool.Pool, channel string, fn func(payload string), logger zerolog.Logger) {
	acquire := func(ctx context.Context) (notifyConn, func(), error) {
		c, err := pool.Acquire(ctx)
		if err != nil {
			return nil, nil, err
		}
		return c.Conn(), c.Release, nil
	}
	listen(ctx, acquire, channel, fn, logger, listenRetry)
}

func listen(ctx context.Context, acquire acquireFunc, channel string, fn func(string), logger zerolog.Logger, retry time.Duration) {
	for {
		err := listenOnce(ctx, acquire, channel, fn)
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Str("channel", channel).Dur("retry_in", retry).Msg("notification listener interrupted")

		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

func listenOnce(ctx context.Context, acquire acquireFunc, channel string, fn func(string)) error {
	conn, release, err := acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	// The connection goes back to the pool; stop it collecting notifications.
	defer conn.Exec(context.Background(), "UNLISTEN *")

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return err
	}
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		fn(n.Payload)
	}
}
