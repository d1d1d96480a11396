package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/codeforge-ai/codeforge/store"
)

func (d *DB) EnqueueBusEvent(ctx context.Context, create *store.BusEvent) (*store.BusEvent, error) {
	stmt := `
		INSERT INTO bus_event (topic, payload, correlation_id, status, attempts, next_attempt_ts, lease_until_ts, last_error, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, 0, $5, 0, '', $6, $7)
		RETURNING id
	`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.Topic,
		create.Payload,
		create.CorrelationID,
		create.Status,
		create.NextAttemptTs,
		create.CreatedTs,
		create.UpdatedTs,
	).Scan(&create.ID); err != nil {
		return nil, errors.Wrap(err, "failed to enqueue bus event")
	}
	return create, nil
}

// ClaimBusEvents leases due envelopes to the caller. SKIP LOCKED keeps
// competing consumers from blocking on each other's claims.
func (d *DB) ClaimBusEvents(ctx context.Context, topic string, nowTs, leaseUntilTs int64, limit int) ([]*store.BusEvent, error) {
	stmt := `
		UPDATE bus_event
		SET status = $1, attempts = attempts + 1, lease_until_ts = $2, updated_ts = $3
		WHERE id IN (
			SELECT id FROM bus_event
			WHERE topic = $4
				AND ((status = $5 AND next_attempt_ts <= $6) OR (status = $7 AND lease_until_ts <= $8))
			ORDER BY next_attempt_ts ASC, id ASC
			LIMIT $9
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, topic, payload, correlation_id, status, attempts, next_attempt_ts, lease_until_ts, last_error, created_ts, updated_ts
	`
	rows, err := d.db.QueryContext(ctx, stmt,
		store.BusEventInflight, leaseUntilTs, nowTs,
		topic,
		store.BusEventEnqueued, nowTs,
		store.BusEventInflight, nowTs,
		limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim bus events")
	}
	defer rows.Close()

	return scanBusEvents(rows)
}

func (d *DB) AckBusEvent(ctx context.Context, id int64) error {
	if _, err := d.db.ExecContext(ctx,
		"UPDATE bus_event SET status = $1, updated_ts = $2 WHERE id = $3",
		store.BusEventDone, time.Now().Unix(), id,
	); err != nil {
		return errors.Wrap(err, "failed to ack bus event")
	}
	return nil
}

func (d *DB) FailBusEvent(ctx context.Context, fail *store.FailBusEvent) error {
	status := store.BusEventEnqueued
	if fail.Dead {
		status = store.BusEventDead
	}
	if _, err := d.db.ExecContext(ctx,
		"UPDATE bus_event SET status = $1, next_attempt_ts = $2, lease_until_ts = 0, last_error = $3, updated_ts = $4 WHERE id = $5",
		status, fail.NextAttemptTs, fail.LastError, time.Now().Unix(), fail.ID,
	); err != nil {
		return errors.Wrap(err, "failed to fail bus event")
	}
	return nil
}

func (d *DB) ListBusEvents(ctx context.Context, find *store.FindBusEvent) ([]*store.BusEvent, error) {
	where, args, argIndex := []string{"1 = 1"}, []any{}, 1
	if find.ID != nil {
		where = append(where, fmt.Sprintf("id = $%d", argIndex))
		args = append(args, *find.ID)
		argIndex++
	}
	if find.Topic != nil {
		where = append(where, fmt.Sprintf("topic = $%d", argIndex))
		args = append(args, *find.Topic)
		argIndex++
	}
	if find.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, *find.Status)
		argIndex++
	}

	query := `
		SELECT id, topic, payload, correlation_id, status, attempts, next_attempt_ts, lease_until_ts, last_error, created_ts, updated_ts
		FROM bus_event
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY id ASC
	`
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list bus events")
	}
	defer rows.Close()

	return scanBusEvents(rows)
}

func scanBusEvents(rows *sql.Rows) ([]*store.BusEvent, error) {
	list := []*store.BusEvent{}
	for rows.Next() {
		var event store.BusEvent
		if err := rows.Scan(
			&event.ID,
			&event.Topic,
			&event.Payload,
			&event.CorrelationID,
			&event.Status,
			&event.Attempts,
			&event.NextAttemptTs,
			&event.LeaseUntilTs,
			&event.LastError,
			&event.CreatedTs,
			&event.UpdatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan bus event")
		}
		list = append(list, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate bus events")
	}
	return list, nil
}
