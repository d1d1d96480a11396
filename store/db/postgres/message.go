package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/codeforge-ai/codeforge/store"
)

func (d *DB) CreateMessage(ctx context.Context, create *store.Message) (*store.Message, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin tx")
	}
	defer tx.Rollback()

	stmt := `
		INSERT INTO message (uid, conversation_id, role, sender_id, content, correlation_id, metadata, sent_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	if err := tx.QueryRowContext(ctx, stmt,
		create.UID,
		create.ConversationID,
		create.Role,
		create.SenderID,
		create.Content,
		create.CorrelationID,
		create.Metadata,
		create.SentTs,
	).Scan(&create.ID); err != nil {
		return nil, errors.Wrap(err, "failed to create message")
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE conversation SET updated_ts = $1 WHERE id = $2",
		create.SentTs, create.ConversationID,
	); err != nil {
		return nil, errors.Wrap(err, "failed to touch conversation")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit tx")
	}
	return create, nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	where, args, argIndex := []string{"1 = 1"}, []any{}, 1
	if find.ID != nil {
		where = append(where, fmt.Sprintf("id = $%d", argIndex))
		args = append(args, *find.ID)
		argIndex++
	}
	if find.UID != nil {
		where = append(where, fmt.Sprintf("uid = $%d", argIndex))
		args = append(args, *find.UID)
		argIndex++
	}
	if find.ConversationID != nil {
		where = append(where, fmt.Sprintf("conversation_id = $%d", argIndex))
		args = append(args, *find.ConversationID)
		argIndex++
	}
	if find.AfterSentTs != nil && find.AfterID != nil {
		where = append(where, fmt.Sprintf("(sent_ts > $%d OR (sent_ts = $%d AND id > $%d))", argIndex, argIndex+1, argIndex+2))
		args = append(args, *find.AfterSentTs, *find.AfterSentTs, *find.AfterID)
		argIndex += 3
	}

	order := "ORDER BY sent_ts ASC, id ASC"
	if find.Descending {
		order = "ORDER BY sent_ts DESC, id DESC"
	}

	query := `
		SELECT id, uid, conversation_id, role, sender_id, content, correlation_id, metadata, sent_ts
		FROM message
		WHERE ` + strings.Join(where, " AND ") + `
		` + order
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	list := []*store.Message{}
	for rows.Next() {
		var message store.Message
		if err := rows.Scan(
			&message.ID,
			&message.UID,
			&message.ConversationID,
			&message.Role,
			&message.SenderID,
			&message.Content,
			&message.CorrelationID,
			&message.Metadata,
			&message.SentTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		list = append(list, &message)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate messages")
	}
	return list, nil
}

func (d *DB) CountMessages(ctx context.Context, conversationID int64) (int64, error) {
	var count int64
	if err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM message WHERE conversation_id = $1", conversationID,
	).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count messages")
	}
	return count, nil
}
