// Package historystore durably holds one chat history record per session id.
//
// The History Manager owns the records; a Store only keeps them. All
// operations are context-aware and independently fallible, and callers are
// expected to log failures rather than surface them to the user.
package historystore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// Message is a single chat line. Messages are immutable once stored.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func UserMessage(content string) Message { return Message{Role: RoleUser, Content: content} }

func BotMessage(content string) Message { return Message{Role: RoleBot, Content: content} }

// Record is the persisted history of one session.
type Record struct {
	SessionID     string    `json:"sessionId"`
	History       []Message `json:"history"`
	LastUpdatedMs int64     `json:"lastUpdated"`
}

var (
	// ErrUnavailable marks a store that could not be opened or was closed.
	ErrUnavailable = errors.New("history store unavailable")
	// ErrCorruptRecord marks a stored payload that could not be decoded.
	ErrCorruptRecord = errors.New("corrupt history record")
)

// Store is keyed by Record.SessionID. Put is an upsert.
type Store interface {
	Get(ctx context.Context, sessionID string) (Record, bool, error)
	Put(ctx context.Context, record Record) error
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

// Lister is implemented by stores that can enumerate their records, newest
// first.
type Lister interface {
	List(ctx context.Context, limit int) ([]Record, error)
}

const defaultListLimit = 200

func normalizeRecord(r Record, nowMs int64) (Record, error) {
	r.SessionID = strings.TrimSpace(r.SessionID)
	if r.SessionID == "" {
		return Record{}, errors.New("sessionID is empty")
	}
	if r.LastUpdatedMs <= 0 {
		r.LastUpdatedMs = nowMs
	}
	if r.History == nil {
		r.History = []Message{}
	}
	return r, nil
}

func cloneRecord(r Record) Record {
	out := r
	out.History = append([]Message(nil), r.History...)
	return out
}

func encodeHistory(msgs []Message) (string, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return "", errors.Wrap(err, "encode history")
	}
	return string(b), nil
}

func decodeHistory(sessionID, payload string) ([]Message, error) {
	var msgs []Message
	if err := json.Unmarshal([]byte(payload), &msgs); err != nil {
		return nil, errors.Wrapf(ErrCorruptRecord, "session %s: %v", sessionID, err)
	}
	return msgs, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }
