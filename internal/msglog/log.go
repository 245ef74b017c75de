// Package msglog provides the append-only, in-memory log of all direct
// messages. The log owns the canonical copy of every message; clients hold
// ephemeral copies reconciled by id. Entries are never deleted and only the
// read flag is ever mutated after creation (false -> true, one way).
package msglog

import (
	"strconv"
	"sync"
	"time"
)

// Message is one direct message between two identities. Timestamp is epoch
// milliseconds. The Log assigns ID and Timestamp on Append. Type holds one of
// the protocol content types (text, image, emoji); the log stores it opaquely
// and validation happens upstream in the delivery router.
type Message struct {
	ID        string
	Sender    string
	Receiver  string
	Content   string
	Type      string
	Timestamp int64
	Read      bool
}

// pairKey builds a direction-independent key for a conversation pair so that
// History(a, b) and History(b, a) hit the same index bucket.
func pairKey(a, b string) string {
	if a < b {
		return a + "\x00" + b
	}
	return b + "\x00" + a
}

// Log is a goroutine-safe append-only message store with indexes by id and by
// conversation pair. Entries within a pair bucket are in append order, which
// is also non-decreasing timestamp order.
type Log struct {
	mu     sync.RWMutex
	byID   map[string]*Message
	byPair map[string][]*Message
	all    []*Message

	// nextID is the last issued numeric id. Ids are issued from the current
	// epoch-millis scaled by 1000, bumped past the previous id so they stay
	// strictly increasing even when multiple appends land in one millisecond.
	nextID int64
}

// New creates an empty Log.
func New() *Log {
	return &Log{
		byID:   make(map[string]*Message),
		byPair: make(map[string][]*Message),
	}
}

// Append stores a new message, assigning a fresh id and the current timestamp.
// Sender, receiver, content and type are taken from msg; id, timestamp and
// read state are overwritten. The stored copy is returned by value.
func (l *Log) Append(msg Message) Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UnixMilli()

	id := now * 1000
	if id <= l.nextID {
		id = l.nextID + 1
	}
	l.nextID = id

	msg.ID = strconv.FormatInt(id, 10)
	msg.Timestamp = now
	msg.Read = false

	stored := msg
	l.byID[stored.ID] = &stored
	key := pairKey(stored.Sender, stored.Receiver)
	l.byPair[key] = append(l.byPair[key], &stored)
	l.all = append(l.all, &stored)

	return stored
}

// MarkRead flips the read flag on each listed id and returns copies of the
// messages that actually transitioned. Ids that do not exist, or that are
// already read, are skipped silently; they are expected steady-state
// conditions, not errors.
func (l *Log) MarkRead(ids []string) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	var transitioned []Message
	for _, id := range ids {
		m, ok := l.byID[id]
		if !ok || m.Read {
			continue
		}
		m.Read = true
		transitioned = append(transitioned, *m)
	}
	return transitioned
}

// History returns all messages between the two identities in ascending
// timestamp order. The result is identical regardless of argument order.
func (l *Log) History(a, b string) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	bucket := l.byPair[pairKey(a, b)]
	out := make([]Message, len(bucket))
	for i, m := range bucket {
		out[i] = *m
	}
	return out
}

// UnreadFor returns all messages addressed to the identity that are still
// unread, in append order.
func (l *Log) UnreadFor(identity string) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Message
	for _, m := range l.all {
		if m.Receiver == identity && !m.Read {
			out = append(out, *m)
		}
	}
	return out
}

// Get returns a copy of the message with the given id, or false if no such
// message exists.
func (l *Log) Get(id string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	m, ok := l.byID[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Len returns the total number of stored messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.all)
}
