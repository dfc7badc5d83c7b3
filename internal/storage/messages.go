package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Status is the delivery state of a queued message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Direction separates the outbox (messages we originate) from the inbox
// (messages received from peers and not yet handed to the application).
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// MessageTypeText is the default message type.
const MessageTypeText = "text"

// Message is one queued chat message.
type Message struct {
	ID              string          `json:"id"`
	ChatID          string          `json:"chatId"`
	SenderID        string          `json:"senderId"`
	Content         string          `json:"content"`
	MessageType     string          `json:"messageType"`
	Timestamp       int64           `json:"timestamp"` // unix millis, assigned at insert
	Status          Status          `json:"status"`
	RetryCount      int             `json:"retryCount"`
	TransactionData json.RawMessage `json:"transactionData,omitempty"`
	PeerDeviceID    string          `json:"peerDeviceId,omitempty"`
	Direction       Direction       `json:"direction"`
	OriginID        string          `json:"originId,omitempty"`
	OriginTimestamp int64           `json:"originTimestamp,omitempty"`
	LastAttemptAt   int64           `json:"lastAttemptAt,omitempty"`
}

// Draft is the caller-supplied part of a message. The store fills in id,
// timestamp, status and retry count.
type Draft struct {
	ChatID          string
	SenderID        string
	Content         string
	MessageType     string
	TransactionData json.RawMessage
	PeerDeviceID    string

	// Inbound drafts carry the frame id and sender timestamp they arrived with.
	Direction       Direction
	OriginID        string
	OriginTimestamp int64
}

func (d *Draft) normalize() error {
	d.ChatID = strings.TrimSpace(d.ChatID)
	d.SenderID = strings.TrimSpace(d.SenderID)
	if d.ChatID == "" {
		return errors.New("chat id is required")
	}
	if d.SenderID == "" {
		return errors.New("sender id is required")
	}
	if d.MessageType == "" {
		d.MessageType = MessageTypeText
	}
	switch d.Direction {
	case "":
		d.Direction = Outbound
	case Outbound, Inbound:
	default:
		return fmt.Errorf("unknown direction %q", d.Direction)
	}
	return nil
}

const messageColumns = `id, chat_id, sender_id, content, message_type, timestamp, status,
	retry_count, transaction_data, peer_device_id, direction, origin_id,
	origin_timestamp, last_attempt_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (Message, error) {
	var m Message
	var tx sql.NullString
	var status, dir string
	if err := r.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.MessageType,
		&m.Timestamp, &status, &m.RetryCount, &tx, &m.PeerDeviceID, &dir,
		&m.OriginID, &m.OriginTimestamp, &m.LastAttemptAt); err != nil {
		return Message{}, err
	}
	m.Status = Status(status)
	m.Direction = Direction(dir)
	if tx.Valid && tx.String != "" {
		m.TransactionData = json.RawMessage(tx.String)
	}
	return m, nil
}

// InsertMessage persists a new pending message and returns its id. The
// chat's last-activity record is touched in the same transaction.
func (s *Store) InsertMessage(ctx context.Context, d Draft) (string, error) {
	if err := d.normalize(); err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}

	var txData any
	if len(d.TransactionData) > 0 {
		if !json.Valid(d.TransactionData) {
			return "", errors.New("insert message: transaction data is not valid JSON")
		}
		txData = string(d.TransactionData)
	}

	id := uuid.NewString()
	now := s.now()

	var existing string
	err := s.write(ctx, func(tx *sql.Tx) error {
		if d.OriginID != "" {
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM messages WHERE direction = ? AND origin_id = ?`,
				string(d.Direction), d.OriginID).Scan(&existing)
			switch {
			case err == nil:
				return ErrDuplicate
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("check origin: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, chat_id, sender_id, content, message_type, timestamp,
				status, retry_count, transaction_data, peer_device_id, direction,
				origin_id, origin_timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
			id, d.ChatID, d.SenderID, d.Content, d.MessageType, now,
			string(StatusPending), txData, d.PeerDeviceID, string(d.Direction),
			d.OriginID, d.OriginTimestamp,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chats (id, last_activity, message_count) VALUES (?, ?, 1)
			ON CONFLICT(id) DO UPDATE SET
				last_activity = MAX(last_activity, excluded.last_activity),
				message_count = message_count + 1`,
			d.ChatID, now,
		); err != nil {
			return fmt.Errorf("touch chat: %w", err)
		}
		return nil
	})
	if errors.Is(err, ErrDuplicate) {
		return existing, ErrDuplicate
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetMessage returns a single message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	var m Message
	err := s.read(func(db *sql.DB) error {
		var err error
		m, err = scanMessage(db.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return err
	})
	return m, err
}

func (s *Store) listMessages(ctx context.Context, where string, args ...any) ([]Message, error) {
	var out []Message
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE `+where+
				` ORDER BY timestamp ASC, rowid ASC`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

// ListPending returns the pending outbound messages of one chat, oldest first.
func (s *Store) ListPending(ctx context.Context, chatID string) ([]Message, error) {
	return s.listMessages(ctx, `direction = ? AND status = ? AND chat_id = ?`,
		string(Outbound), string(StatusPending), chatID)
}

// ListAllPending returns every pending outbound message, oldest first.
func (s *Store) ListAllPending(ctx context.Context) ([]Message, error) {
	return s.listMessages(ctx, `direction = ? AND status = ?`,
		string(Outbound), string(StatusPending))
}

// ListRetryable returns pending and failed outbound messages, oldest first.
// This is the input of a drain cycle.
func (s *Store) ListRetryable(ctx context.Context) ([]Message, error) {
	return s.listMessages(ctx, `direction = ? AND status IN (?, ?)`,
		string(Outbound), string(StatusPending), string(StatusFailed))
}

// ListInbox returns inbound messages that were persisted but not yet
// handed to the application, oldest first.
func (s *Store) ListInbox(ctx context.Context) ([]Message, error) {
	return s.listMessages(ctx, `direction = ? AND status = ?`,
		string(Inbound), string(StatusPending))
}

// ListChat returns every stored message of a chat, both directions, oldest first.
func (s *Store) ListChat(ctx context.Context, chatID string) ([]Message, error) {
	return s.listMessages(ctx, `chat_id = ?`, chatID)
}

// currentStatus reads the status of id inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (Status, error) {
	var st string
	err := tx.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return Status(st), err
}

// MarkSent moves a pending or failed message to sent. Marking an already
// sent message again is a no-op.
func (s *Store) MarkSent(ctx context.Context, id string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		st, err := currentStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		if st == StatusSent {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET status = ? WHERE id = ?`, string(StatusSent), id)
		return err
	})
}

// MarkFailed moves a pending or failed message to failed and counts the
// attempt. Each call is one more failed attempt, so calling it on a failed
// message increments the retry count again.
func (s *Store) MarkFailed(ctx context.Context, id string) error {
	now := s.now()
	return s.write(ctx, func(tx *sql.Tx) error {
		st, err := currentStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		if st == StatusSent {
			return fmt.Errorf("message %s is sent: %w", id, ErrInvalidTransition)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE messages
			SET status = ?, retry_count = retry_count + 1, last_attempt_at = ?
			WHERE id = ?`,
			string(StatusFailed), now, id)
		return err
	})
}

// AssignPeer records which peer link a send attempt used.
func (s *Store) AssignPeer(ctx context.Context, id, peerDeviceID string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx,
			`UPDATE messages SET peer_device_id = ? WHERE id = ?`, peerDeviceID, id)
		if err != nil {
			return err
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// Purge removes a message regardless of status. This is the explicit
// application-level way to give up on a failed message.
func (s *Store) Purge(ctx context.Context, id string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil
	})
}
