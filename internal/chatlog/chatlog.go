// Package chatlog persists call chat locally in SQLite: one row per
// message plus a per-session conversation summary whose message counter is
// bumped in the same transaction as each insert.
package chatlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Message is one chat line. PeerName and PeerUID identify the conversation
// partner regardless of direction; FromSelf tells who wrote it. Immutable
// once written.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	PeerName  string `json:"peer_name"`
	PeerUID   string `json:"peer_uid"`
	Content   string `json:"content"`
	FromSelf  bool   `json:"from_self"`
	SentAt    int64  `json:"sent_at"` // unix millis
}

// Conversation summarizes one session's chat.
type Conversation struct {
	SessionID     string `json:"session_id"`
	PeerName      string `json:"peer_name"`
	PeerUID       string `json:"peer_uid"`
	LastMessage   string `json:"last_message"`
	LastMessageMs int64  `json:"last_message_ms"`
	TotalMessages int64  `json:"total_messages"`
}

type listener struct {
	ch        chan Message
	sessionID string // "" matches every session
}

// Log wraps the chat database for one user.
type Log struct {
	db   *sql.DB
	path string

	mu        sync.RWMutex
	listeners []*listener
}

// Open opens or creates the chat database in the given directory.
func Open(dataDir string) (*Log, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "chat.db")

	// busy_timeout and foreign_keys are per-connection pragmas; set them in
	// the DSN so every connection in the database/sql pool gets them, not
	// just the one that ran the configuration Exec below.
	dsn := "file:" + dbPath +
		"?_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id            TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL,
			peer_name     TEXT NOT NULL DEFAULT '',
			peer_uid      TEXT NOT NULL DEFAULT '',
			content       TEXT NOT NULL,
			from_self     INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session
			ON messages(session_id, created_at_ms);

		CREATE TABLE IF NOT EXISTS conversations (
			session_id      TEXT PRIMARY KEY,
			peer_name       TEXT NOT NULL DEFAULT '',
			peer_uid        TEXT NOT NULL DEFAULT '',
			last_message    TEXT NOT NULL DEFAULT '',
			last_message_ms INTEGER NOT NULL DEFAULT 0,
			total_messages  INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Log{db: db, path: dbPath}, nil
}

// Path returns the database file path.
func (l *Log) Path() string {
	return l.path
}

// Append stores a message and bumps its conversation summary in one
// transaction, then notifies subscribers. The counter update is a single
// conflict-clause statement, so total_messages stays equal to the stored
// message count even under concurrent writers.
func (l *Log) Append(m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.SentAt == 0 {
		m.SentAt = time.Now().UnixMilli()
	}

	tx, err := l.db.Begin()
	if err != nil {
		return Message{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO messages (id, session_id, peer_name, peer_uid, content, from_self, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.SessionID, m.PeerName, m.PeerUID, m.Content, m.FromSelf, m.SentAt); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO conversations (session_id, peer_name, peer_uid, last_message, last_message_ms, total_messages)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(session_id) DO UPDATE SET
			peer_name       = CASE WHEN excluded.peer_name <> '' THEN excluded.peer_name ELSE conversations.peer_name END,
			peer_uid        = CASE WHEN excluded.peer_uid <> '' THEN excluded.peer_uid ELSE conversations.peer_uid END,
			last_message    = excluded.last_message,
			last_message_ms = excluded.last_message_ms,
			total_messages  = conversations.total_messages + 1
	`, m.SessionID, m.PeerName, m.PeerUID, m.Content, m.SentAt); err != nil {
		return Message{}, fmt.Errorf("bump conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit: %w", err)
	}

	l.notify(m)
	return m, nil
}

// EnsureConversation records the conversation row for a session without
// touching its counters, so the peer shows up in the conversation list
// before any message flows.
func (l *Log) EnsureConversation(sessionID, peerName, peerUID string) error {
	_, err := l.db.Exec(`
		INSERT INTO conversations (session_id, peer_name, peer_uid)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			peer_name = CASE WHEN excluded.peer_name <> '' THEN excluded.peer_name ELSE conversations.peer_name END,
			peer_uid  = CASE WHEN excluded.peer_uid <> '' THEN excluded.peer_uid ELSE conversations.peer_uid END
	`, sessionID, peerName, peerUID)
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

// Messages returns a session's messages in send order. A positive limit
// returns only the most recent limit messages.
func (l *Log) Messages(sessionID string, limit int) ([]Message, error) {
	query := `
		SELECT id, session_id, peer_name, peer_uid, content, from_self, created_at_ms
		FROM messages WHERE session_id = ? ORDER BY created_at_ms ASC, rowid ASC`
	args := []any{sessionID}
	if limit > 0 {
		query = `
			SELECT id, session_id, peer_name, peer_uid, content, from_self, created_at_ms
			FROM (
				SELECT rowid AS rid, id, session_id, peer_name, peer_uid, content, from_self, created_at_ms
				FROM messages WHERE session_id = ?
				ORDER BY created_at_ms DESC, rowid DESC LIMIT ?
			) ORDER BY created_at_ms ASC, rid ASC`
		args = append(args, limit)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.PeerName, &m.PeerUID, &m.Content, &m.FromSelf, &m.SentAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Conversations returns all conversation summaries, most recent first.
func (l *Log) Conversations() ([]Conversation, error) {
	rows, err := l.db.Query(`
		SELECT session_id, peer_name, peer_uid, last_message, last_message_ms, total_messages
		FROM conversations ORDER BY last_message_ms DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.SessionID, &c.PeerName, &c.PeerUID, &c.LastMessage, &c.LastMessageMs, &c.TotalMessages); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// Conversation returns one session's summary.
func (l *Log) Conversation(sessionID string) (Conversation, error) {
	var c Conversation
	err := l.db.QueryRow(`
		SELECT session_id, peer_name, peer_uid, last_message, last_message_ms, total_messages
		FROM conversations WHERE session_id = ?
	`, sessionID).Scan(&c.SessionID, &c.PeerName, &c.PeerUID, &c.LastMessage, &c.LastMessageMs, &c.TotalMessages)
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// DeleteConversation removes a conversation and all its messages in one
// transaction.
func (l *Log) DeleteConversation(sessionID string) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return tx.Commit()
}

// SubscribeMessages returns a channel receiving each newly stored message
// for sessionID (empty string matches all sessions) and a cancel func.
func (l *Log) SubscribeMessages(sessionID string) (<-chan Message, func()) {
	sub := &listener{ch: make(chan Message, 10), sessionID: sessionID}
	l.mu.Lock()
	l.listeners = append(l.listeners, sub)
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.listeners {
			if s == sub {
				close(s.ch)
				l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
				return
			}
		}
	}
	return sub.ch, cancel
}

func (l *Log) notify(m Message) {
	l.mu.RLock()
	for _, s := range l.listeners {
		if s.sessionID != "" && s.sessionID != m.SessionID {
			continue
		}
		select {
		case s.ch <- m:
		default:
			// Listener buffer full, skip
		}
	}
	l.mu.RUnlock()
}

// Close closes all listener channels and the database.
func (l *Log) Close() error {
	l.mu.Lock()
	for _, s := range l.listeners {
		close(s.ch)
	}
	l.listeners = nil
	l.mu.Unlock()
	return l.db.Close()
}
