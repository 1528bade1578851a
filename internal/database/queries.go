package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/npezzotti/residence-chat/internal/types"
)

func (db *PgRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	row := db.conn.QueryRowContext(
		ctx,
		"INSERT INTO messages (residence_id, sender_id, sender_name, body, created_at, is_read) "+
			"VALUES ($1, $2, $3, $4, $5, FALSE) "+
			"RETURNING id, residence_id, sender_id, sender_name, body, created_at, is_read",
		params.ResidenceId,
		params.SenderId,
		params.SenderName,
		params.Body,
		params.CreatedAt.UTC(),
	)

	var msg Message
	err := row.Scan(
		&msg.Id,
		&msg.ResidenceId,
		&msg.SenderId,
		&msg.SenderName,
		&msg.Body,
		&msg.CreatedAt,
		&msg.IsRead,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return msg, nil
}

func (db *PgRepository) GetMessage(ctx context.Context, id int) (Message, error) {
	row := db.conn.QueryRowContext(
		ctx,
		"SELECT id, residence_id, sender_id, sender_name, body, created_at, is_read FROM messages "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var msg Message
	err := row.Scan(
		&msg.Id,
		&msg.ResidenceId,
		&msg.SenderId,
		&msg.SenderName,
		&msg.Body,
		&msg.CreatedAt,
		&msg.IsRead,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("message %d: %w", id, types.ErrNotFound)
	}

	return msg, err
}

func (db *PgRepository) SetMessageRead(ctx context.Context, id int) error {
	res, err := db.conn.ExecContext(ctx, "UPDATE messages SET is_read = TRUE WHERE id = $1", id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message %d: %w", id, types.ErrNotFound)
	}

	return nil
}

func (db *PgRepository) ListMessages(ctx context.Context, residenceId int) ([]Message, error) {
	rows, err := db.conn.QueryContext(
		ctx,
		"SELECT id, residence_id, sender_id, sender_name, body, created_at, is_read FROM messages "+
			"WHERE residence_id = $1 ORDER BY created_at ASC, id ASC",
		residenceId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(
			&msg.Id,
			&msg.ResidenceId,
			&msg.SenderId,
			&msg.SenderName,
			&msg.Body,
			&msg.CreatedAt,
			&msg.IsRead,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}

func (db *PgRepository) IsActiveMember(ctx context.Context, residenceId, userId int) (bool, error) {
	row := db.conn.QueryRowContext(
		ctx,
		"SELECT EXISTS (SELECT 1 FROM residence_tenants "+
			"WHERE residence_id = $1 AND user_id = $2 AND is_active)",
		residenceId,
		userId,
	)

	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}

	return exists, nil
}

func (db *PgRepository) GetUserResidence(ctx context.Context, userId int) (Membership, error) {
	row := db.conn.QueryRowContext(
		ctx,
		"SELECT t.residence_id, r.name, t.user_id, t.is_active, t.joined_at "+
			"FROM residence_tenants t JOIN residences r ON r.id = t.residence_id "+
			"WHERE t.user_id = $1 AND t.is_active ORDER BY t.joined_at DESC LIMIT 1",
		userId,
	)

	var m Membership
	err := row.Scan(
		&m.ResidenceId,
		&m.ResidenceName,
		&m.UserId,
		&m.IsActive,
		&m.JoinedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Membership{}, fmt.Errorf("residence for user %d: %w", userId, types.ErrNotFound)
	}

	return m, err
}

func (db *PgRepository) GetProfile(ctx context.Context, userId int) (Profile, error) {
	row := db.conn.QueryRowContext(
		ctx,
		"SELECT id, email, first_name, last_name FROM users WHERE id = $1 LIMIT 1",
		userId,
	)

	var p Profile
	err := row.Scan(&p.UserId, &p.EmailAddress, &p.FirstName, &p.LastName)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, fmt.Errorf("user %d: %w", userId, types.ErrNotFound)
	}

	return p, err
}

func (db *PgRepository) GetDisplayName(ctx context.Context, userId int) (string, error) {
	p, err := db.GetProfile(ctx, userId)
	if err != nil {
		return "", err
	}

	name := p.DisplayName()
	if name == "" {
		return "", fmt.Errorf("user %d has no display name: %w", userId, types.ErrNotFound)
	}

	return name, nil
}
