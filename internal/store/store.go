// Package store persists one-to-one messages and reads back the history of a
// pair of users in creation order.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/4xmen/hamsokhan/internal/models"
)

var (
	ErrWriteFailed = errors.New("message store write failed")
	ErrReadFailed  = errors.New("message store read failed")
)

type MessageStore interface {
	// Append persists msg and returns its id. msg.ID is set on success.
	Append(ctx context.Context, msg *models.Message) (int64, error)
	// Query returns every message exchanged between a and b, in either
	// direction, oldest first. Query(a, b) and Query(b, a) are identical.
	Query(ctx context.Context, a, b int64) ([]*models.Message, error)
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Append(ctx context.Context, msg *models.Message) (int64, error) {
	var file sql.NullString
	if msg.File != nil {
		file = sql.NullString{String: *msg.File, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (sender_id, recipient_id, text, file, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.Sender, msg.Recipient, msg.Text, file, msg.CreatedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	msg.ID = id
	return id, nil
}

func (s *SQLiteStore) Query(ctx context.Context, a, b int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, recipient_id, text, file, created_at
		FROM messages
		WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)
		ORDER BY created_at ASC, id ASC
	`, a, b, b, a)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	defer rows.Close()

	messages := []*models.Message{}
	for rows.Next() {
		msg := &models.Message{}
		var file sql.NullString
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Recipient, &msg.Text, &file, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
		}
		if file.Valid {
			msg.File = &file.String
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	return messages, nil
}
