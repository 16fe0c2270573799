package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/localsync/internal/migrations"
	"github.com/cybertec-postgresql/localsync/internal/model"
)

// Listen opens a dedicated connection that LISTENs for sync_notify_mutation()
// calls and delivers them as mutation events. The channel is closed when ctx
// is done or the connection fails.
func (s *Store) Listen(ctx context.Context) (<-chan model.MutationEvent, error) {
	conn, err := pgx.ConnectConfig(ctx, s.pool.Config().ConnConfig.Copy())
	if err != nil {
		return nil, fmt.Errorf("failed to create LISTEN connection: %w", err)
	}
	if _, err = conn.Exec(ctx, "LISTEN "+migrations.NotifyChannel); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("failed to setup LISTEN: %w", err)
	}
	logger := logrus.WithField("component", "pgstore").WithField("channel", migrations.NotifyChannel)
	logger.Info("PostgreSQL LISTEN setup successfully")

	events := make(chan model.MutationEvent)
	go func() {
		defer close(events)
		defer func() { _ = conn.Close(context.Background()) }()
		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					logger.WithError(err).Error("LISTEN connection failed")
				}
				return
			}
			ev, err := DecodeNotification(n.Payload)
			if err != nil {
				logger.WithError(err).WithField("payload", n.Payload).Warn("Ignoring malformed mutation notification")
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// DecodeNotification parses the JSON payload built by sync_notify_mutation()
func DecodeNotification(payload string) (model.MutationEvent, error) {
	var ev model.MutationEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, err
	}
	if ev.Table == "" || ev.PrimaryKey == "" {
		return ev, errors.New("notification without table or primary key")
	}
	if !ev.Kind.Valid() {
		return ev, fmt.Errorf("unknown mutation kind %q", ev.Kind)
	}
	if string(ev.Payload) == "null" {
		ev.Payload = nil
	}
	return ev, nil
}
