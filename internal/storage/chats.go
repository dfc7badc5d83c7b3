package storage

import (
	"context"
	"database/sql"
	"time"
)

// Chat is the per-conversation activity record kept alongside messages.
type Chat struct {
	ID           string    `json:"id"`
	LastActivity time.Time `json:"lastActivity"`
	MessageCount int       `json:"messageCount"`
}

// ListChats returns known chats, most recently active first.
func (s *Store) ListChats(ctx context.Context) ([]Chat, error) {
	var out []Chat
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT id, last_activity, message_count FROM chats ORDER BY last_activity DESC, id ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c Chat
			var last int64
			if err := rows.Scan(&c.ID, &last, &c.MessageCount); err != nil {
				return err
			}
			c.LastActivity = time.UnixMilli(last)
			out = append(out, c)
		}
		return rows.Err()
	})
	return out, err
}
