package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/codeforge-ai/codeforge/store"
)

func (d *DB) EnqueueBusEvent(ctx context.Context, create *store.BusEvent) (*store.BusEvent, error) {
	stmt := `
		INSERT INTO bus_event (topic, payload, correlation_id, status, attempts, next_attempt_ts, lease_until_ts, last_error, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, 0, ?, 0, '', ?, ?)
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

// ClaimBusEvents picks due envelopes of the topic and leases them to the
// caller. A row is due when it is enqueued and its retry backoff has
// elapsed, or when a previous claimant's lease expired.
func (d *DB) ClaimBusEvents(ctx context.Context, topic string, nowTs, leaseUntilTs int64, limit int) ([]*store.BusEvent, error) {
	stmt := `
		UPDATE bus_event
		SET status = ?, attempts = attempts + 1, lease_until_ts = ?, updated_ts = ?
		WHERE id IN (
			SELECT id FROM bus_event
			WHERE topic = ?
				AND ((status = ? AND next_attempt_ts <= ?) OR (status = ? AND lease_until_ts <= ?))
			ORDER BY next_attempt_ts ASC, id ASC
			LIMIT ?
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
		"UPDATE bus_event SET status = ?, updated_ts = ? WHERE id = ?",
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
		"UPDATE bus_event SET status = ?, next_attempt_ts = ?, lease_until_ts = 0, last_error = ?, updated_ts = ? WHERE id = ?",
		status, fail.NextAttemptTs, fail.LastError, time.Now().Unix(), fail.ID,
	); err != nil {
		return errors.Wrap(err, "failed to fail bus event")
	}
	return nil
}

func (d *DB) ListBusEvents(ctx context.Context, find *store.FindBusEvent) ([]*store.BusEvent, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.Topic != nil {
		where, args = append(where, "topic = ?"), append(args, *find.Topic)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, *find.Status)
	}

	query := `
		SELECT id, topic, payload, correlation_id, status, attempts, next_attempt_ts, lease_until_ts, last_error, created_ts, updated_ts
		FROM bus_event
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY id ASC
	`
	if find.Limit != nil {
		query += " LIMIT ?"
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
