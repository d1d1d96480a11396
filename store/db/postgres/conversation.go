package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/codeforge-ai/codeforge/store"
)

func (d *DB) CreateConversation(ctx context.Context, create *store.Conversation) (*store.Conversation, error) {
	stmt := `
		INSERT INTO conversation (uid, user_id, title, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.UID,
		create.UserID,
		create.Title,
		create.CreatedTs,
		create.UpdatedTs,
	).Scan(&create.ID); err != nil {
		return nil, errors.Wrap(err, "failed to create conversation")
	}
	return create, nil
}

func conversationWhere(find *store.FindConversation, argIndex int) (string, []any, int) {
	where, args := []string{"1 = 1"}, []any{}
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
	if find.UserID != nil {
		where = append(where, fmt.Sprintf("user_id = $%d", argIndex))
		args = append(args, *find.UserID)
		argIndex++
	}
	if find.Query != nil && *find.Query != "" {
		// Substring match on the title or on any message in the
		// conversation.
		where = append(where, fmt.Sprintf("(title ILIKE $%d OR EXISTS (SELECT 1 FROM message WHERE message.conversation_id = conversation.id AND message.content ILIKE $%d))", argIndex, argIndex+1))
		pattern := "%" + *find.Query + "%"
		args = append(args, pattern, pattern)
		argIndex += 2
	}
	return strings.Join(where, " AND "), args, argIndex
}

func (d *DB) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	where, args, argIndex := conversationWhere(find, 1)
	query := `
		SELECT id, uid, user_id, title, created_ts, updated_ts
		FROM conversation
		WHERE ` + where + `
		ORDER BY updated_ts DESC, id DESC
	`
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, *find.Limit)
		argIndex++
		if find.Offset != nil {
			query += fmt.Sprintf(" OFFSET $%d", argIndex)
			args = append(args, *find.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	defer rows.Close()

	list := []*store.Conversation{}
	for rows.Next() {
		var conversation store.Conversation
		if err := rows.Scan(
			&conversation.ID,
			&conversation.UID,
			&conversation.UserID,
			&conversation.Title,
			&conversation.CreatedTs,
			&conversation.UpdatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan conversation")
		}
		list = append(list, &conversation)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate conversations")
	}
	return list, nil
}

func (d *DB) CountConversations(ctx context.Context, find *store.FindConversation) (int64, error) {
	where, args, _ := conversationWhere(find, 1)
	var count int64
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversation WHERE "+where, args...).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count conversations")
	}
	return count, nil
}

func (d *DB) UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	set, args, argIndex := []string{}, []any{}, 1
	if update.Title != nil {
		set = append(set, fmt.Sprintf("title = $%d", argIndex))
		args = append(args, *update.Title)
		argIndex++
	}
	if update.UpdatedTs != nil {
		set = append(set, fmt.Sprintf("updated_ts = $%d", argIndex))
		args = append(args, *update.UpdatedTs)
		argIndex++
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}
	args = append(args, update.ID)

	stmt := fmt.Sprintf(`
		UPDATE conversation
		SET %s
		WHERE id = $%d
		RETURNING id, uid, user_id, title, created_ts, updated_ts
	`, strings.Join(set, ", "), argIndex)

	var conversation store.Conversation
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(
		&conversation.ID,
		&conversation.UID,
		&conversation.UserID,
		&conversation.Title,
		&conversation.CreatedTs,
		&conversation.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to update conversation")
	}
	return &conversation, nil
}

// DeleteConversation removes the conversation and all of its messages.
func (d *DB) DeleteConversation(ctx context.Context, delete *store.DeleteConversation) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM message WHERE conversation_id = $1", delete.ID); err != nil {
		return errors.Wrap(err, "failed to delete conversation messages")
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM conversation WHERE id = $1", delete.ID); err != nil {
		return errors.Wrap(err, "failed to delete conversation")
	}

	return errors.Wrap(tx.Commit(), "failed to commit tx")
}
