package model

import (
	"encoding/hex"
	"maps"
	"time"
)

// ContactID is an opaque, stable handle to a group or a group member.
// The zero value is never a valid contact.
type ContactID uint64

// Valid reports whether c refers to a contact.
func (c ContactID) Valid() bool { return c != 0 }

// EntityID identifies a message entity inside one message registry.
type EntityID uint64

// PublicKey is the long term key of a group member.
type PublicKey [32]byte

func (k PublicKey) String() string { return hex.EncodeToString(k[:]) }

// Short returns the first bytes of the key in hex, for logs.
func (k PublicKey) Short() string { return hex.EncodeToString(k[:4]) }

// Provenance records the first time each peer was seen holding a message.
// Entries are never overwritten.
type Provenance map[ContactID]time.Time

// Add records c at t unless c already has an entry. It reports whether
// an entry was added.
func (p Provenance) Add(c ContactID, t time.Time) bool {
	if _, ok := p[c]; ok {
		return false
	}
	p[c] = t
	return true
}

// Has reports whether c has an entry.
func (p Provenance) Has(c ContactID) bool {
	_, ok := p[c]
	return ok
}

// Message is one entry of a group's message history.
type Message struct {
	ID EntityID `json:"id"`

	From ContactID `json:"from"`
	To   ContactID `json:"to"`

	// MessageID is the transport's message id; it is only unique per
	// sender and only for a while.
	MessageID uint32 `json:"message_id"`
	Text      string `json:"text"`

	// Timestamp is authoritative and may be corrected by sync.
	Timestamp time.Time `json:"ts"`
	// TimestampWritten is the first externally confirmed send time.
	TimestampWritten time.Time `json:"ts_written,omitempty"`
	// TimestampProcessed is the local receive time.
	TimestampProcessed time.Time `json:"ts_processed,omitempty"`

	Unread bool `json:"unread,omitempty"`

	SyncedBy   Provenance `json:"synced_by,omitempty"`
	ReceivedBy Provenance `json:"received_by,omitempty"`
}

// HasWritten reports whether a written timestamp was recorded.
func (m *Message) HasWritten() bool { return !m.TimestampWritten.IsZero() }

// AddSyncedBy records c in SyncedBy without overwriting.
func (m *Message) AddSyncedBy(c ContactID, t time.Time) bool {
	if m.SyncedBy == nil {
		m.SyncedBy = Provenance{}
	}
	return m.SyncedBy.Add(c, t)
}

// AddReceivedBy records c in ReceivedBy without overwriting.
func (m *Message) AddReceivedBy(c ContactID, t time.Time) bool {
	if m.ReceivedBy == nil {
		m.ReceivedBy = Provenance{}
	}
	return m.ReceivedBy.Add(c, t)
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	out := *m
	if m.SyncedBy != nil {
		out.SyncedBy = maps.Clone(m.SyncedBy)
	}
	if m.ReceivedBy != nil {
		out.ReceivedBy = maps.Clone(m.ReceivedBy)
	}
	return &out
}
