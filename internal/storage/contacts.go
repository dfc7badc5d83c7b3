package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Contact is the last known state of a nearby device. It is written on
// every discovery and only removed by GarbageCollect.
type Contact struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PeerDeviceID string    `json:"peerDeviceId"`
	LastSeen     time.Time `json:"lastSeen"`
}

// UpsertContact stores or replaces the contact for c.PeerDeviceID. LastSeen
// defaults to now and never moves backwards. An empty username never
// overwrites a known one.
func (s *Store) UpsertContact(ctx context.Context, c Contact) error {
	c.PeerDeviceID = strings.TrimSpace(c.PeerDeviceID)
	if c.PeerDeviceID == "" {
		return errors.New("upsert contact: peer device id is required")
	}
	if c.ID == "" {
		c.ID = c.PeerDeviceID
	}
	seen := s.now()
	if !c.LastSeen.IsZero() {
		seen = c.LastSeen.UnixMilli()
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO contacts (peer_device_id, id, username, last_seen)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(peer_device_id) DO UPDATE SET
				id        = excluded.id,
				username  = CASE WHEN excluded.username = '' THEN contacts.username ELSE excluded.username END,
				last_seen = MAX(contacts.last_seen, excluded.last_seen)`,
			c.PeerDeviceID, c.ID, c.Username, seen,
		)
		if err != nil {
			return fmt.Errorf("upsert contact: %w", err)
		}
		return nil
	})
}

func (s *Store) listContacts(ctx context.Context, since int64) ([]Contact, error) {
	var out []Contact
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT id, username, peer_device_id, last_seen
			FROM contacts WHERE last_seen >= ?
			ORDER BY last_seen DESC, peer_device_id ASC`, since)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c Contact
			var seen int64
			if err := rows.Scan(&c.ID, &c.Username, &c.PeerDeviceID, &seen); err != nil {
				return err
			}
			c.LastSeen = time.UnixMilli(seen)
			out = append(out, c)
		}
		return rows.Err()
	})
	return out, err
}

// ListContacts returns every stored contact, most recently seen first.
func (s *Store) ListContacts(ctx context.Context) ([]Contact, error) {
	return s.listContacts(ctx, 0)
}

// ListRecentContacts returns contacts seen within window, most recently seen
// first. A non-positive window means DefaultRecentWindow.
func (s *Store) ListRecentContacts(ctx context.Context, window time.Duration) ([]Contact, error) {
	if window <= 0 {
		window = DefaultRecentWindow
	}
	return s.listContacts(ctx, s.clk.Now().Add(-window).UnixMilli())
}
