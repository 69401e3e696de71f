// Package chatlog provides PostgreSQL-backed storage for the shared chat
// message log and the daily game score records. Messages live in JSONB
// containers keyed by a logical channel; concurrent appends from multiple
// service instances go through the store's atomic JSONB append so writers
// never overwrite each other. Report merges are read-modify-write and run
// inside a single transaction with row locks.
package chatlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
)

// ErrNotFound is returned when no document exists for the requested channel
// or game record.
var ErrNotFound = errors.New("chatlog: not found")

// Message is one chat message stored in a channel's message container.
// Fields mirror the wire shape broadcast to clients.
type Message struct {
	Nickname  string   `json:"nickname"`
	Message   string   `json:"message"`
	MsgID     string   `json:"msgId"`
	Timestamp string   `json:"timestamp"`
	UserID    string   `json:"userId"`
	Kind      string   `json:"type"`
	Report    []Report `json:"report"`
}

// Report is one moderation report attached to a message. Reports are
// append-only; duplicates from the same reporter are allowed.
type Report struct {
	UserID string `json:"userId"`
	Kind   string `json:"type"`
}

// Store manages the chat log and game records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// AppendMessage appends msg to the channel's message container using the
// store-level JSONB append, which is safe under concurrent writers. If no
// document exists for the channel, one is lazily created; a concurrent
// creator winning the unique-index race is handled by retrying the append.
// A channel matching more than one document is a data anomaly: every match
// is appended to and a warning is logged.
func (s *Store) AppendMessage(ctx context.Context, channel string, msg Message) error {
	if msg.Report == nil {
		msg.Report = []Report{}
	}
	doc, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("chatlog: marshal message: %w", err)
	}

	const appendQuery = `
		UPDATE chat_documents
		SET messages = messages || $2::jsonb
		WHERE channel = $1`

	res, err := s.db.ExecContext(ctx, appendQuery, channel, doc)
	if err != nil {
		return fmt.Errorf("chatlog: append message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chatlog: append message rows: %w", err)
	}
	if n > 1 {
		log.Printf("chatlog: channel %q matched %d documents, appended to all", channel, n)
	}
	if n > 0 {
		return nil
	}

	// No document yet. Create it with the message already in the container;
	// on conflict another writer created it first, so append there instead.
	const createQuery = `
		INSERT INTO chat_documents (channel, messages)
		VALUES ($1, jsonb_build_array($2::jsonb))
		ON CONFLICT (channel) DO NOTHING`

	res, err = s.db.ExecContext(ctx, createQuery, channel, doc)
	if err != nil {
		return fmt.Errorf("chatlog: create document: %w", err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return fmt.Errorf("chatlog: create document rows: %w", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, appendQuery, channel, doc); err != nil {
		return fmt.Errorf("chatlog: append after create race: %w", err)
	}
	return nil
}

// ListMessages returns every message for the channel: all matching documents
// in document order, each container in insertion order. A channel with no
// documents yields an empty slice, not an error.
func (s *Store) ListMessages(ctx context.Context, channel string) ([]Message, error) {
	const query = `
		SELECT messages
		FROM chat_documents
		WHERE channel = $1
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, channel)
	if err != nil {
		return nil, fmt.Errorf("chatlog: list messages: %w", err)
	}
	defer rows.Close()

	all := []Message{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("chatlog: scan container: %w", err)
		}
		var container []Message
		if err := json.Unmarshal(raw, &container); err != nil {
			return nil, fmt.Errorf("chatlog: unmarshal container: %w", err)
		}
		all = append(all, container...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatlog: list messages: %w", err)
	}
	return all, nil
}

// AddReport appends r to the report list of every message whose msgId
// matches, across every document for the channel. The whole merge is one
// transaction with row locks on the touched documents, so a failure leaves
// no container half-applied. Returns the number of messages updated; a
// msgId that matches nothing is a no-op with count 0. ErrNotFound is
// returned when the channel has no documents at all.
func (s *Store) AddReport(ctx context.Context, channel, msgID string, r Report) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("chatlog: begin report tx: %w", err)
	}
	defer tx.Rollback()

	const selectQuery = `
		SELECT id, messages
		FROM chat_documents
		WHERE channel = $1
		ORDER BY id
		FOR UPDATE`

	rows, err := tx.QueryContext(ctx, selectQuery, channel)
	if err != nil {
		return 0, fmt.Errorf("chatlog: select for report: %w", err)
	}

	type docUpdate struct {
		id        int64
		container []Message
	}

	var docs int
	var updates []docUpdate
	matched := 0

	for rows.Next() {
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return 0, fmt.Errorf("chatlog: scan for report: %w", err)
		}
		docs++

		var container []Message
		if err := json.Unmarshal(raw, &container); err != nil {
			rows.Close()
			return 0, fmt.Errorf("chatlog: unmarshal for report: %w", err)
		}

		changed := false
		for i := range container {
			if container[i].MsgID != msgID {
				continue
			}
			if container[i].Report == nil {
				container[i].Report = []Report{}
			}
			container[i].Report = append(container[i].Report, r)
			matched++
			changed = true
		}
		if changed {
			updates = append(updates, docUpdate{id: id, container: container})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("chatlog: iterate for report: %w", err)
	}
	rows.Close()

	if docs == 0 {
		return 0, ErrNotFound
	}
	if len(updates) > 1 {
		log.Printf("chatlog: msgId %q matched messages in %d documents on channel %q", msgID, len(updates), channel)
	}

	for _, u := range updates {
		raw, err := json.Marshal(u.container)
		if err != nil {
			return 0, fmt.Errorf("chatlog: marshal for report: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE chat_documents SET messages = $2::jsonb WHERE id = $1`,
			u.id, raw,
		); err != nil {
			return 0, fmt.Errorf("chatlog: write report: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("chatlog: commit report: %w", err)
	}
	return matched, nil
}
