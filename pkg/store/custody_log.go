package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-evidence/pkg/canonicalize"
)

var (
	ErrEventNotFound = errors.New("custody event not found")
	ErrChainBroken   = errors.New("custody chain is broken")
)

// GenesisHash is the previous hash of the first event in a log.
const GenesisHash = "genesis"

// EventType names a step in an evidence package's chain of custody.
type EventType string

const (
	EventSealed    EventType = "sealed"
	EventUploaded  EventType = "uploaded"
	EventTimestamp EventType = "timestamped"
	EventAnchored  EventType = "anchored"
	EventVerified  EventType = "verified"
	EventFailed    EventType = "failed"
)

// CustodyEvent is one immutable entry in the custody log.
type CustodyEvent struct {
	EventID      string            `json:"eventId"`
	Sequence     uint64            `json:"sequence"`
	Timestamp    time.Time         `json:"timestamp"`
	Type         EventType         `json:"type"`
	CaseID       string            `json:"caseId"`
	CombinedHash string            `json:"combinedHash"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	PayloadHash  string            `json:"payloadHash"`
	PreviousHash string            `json:"previousHash"`
	EventHash    string            `json:"eventHash"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// EventHandler observes appended events. It runs outside the log's lock.
type EventHandler func(ev *CustodyEvent)

// CustodyLog is an append-only, hash-chained record of custody events.
type CustodyLog struct {
	mu        sync.RWMutex
	events    []*CustodyEvent
	byID      map[string]*CustodyEvent
	sequence  uint64
	chainHead string
	handlers  []EventHandler
	now       func() time.Time
}

// NewCustodyLog creates an empty log.
func NewCustodyLog() *CustodyLog {
	return &CustodyLog{
		byID:      make(map[string]*CustodyEvent),
		chainHead: GenesisHash,
		now:       time.Now,
	}
}

// WithClock sets the event time source.
func (l *CustodyLog) WithClock(now func() time.Time) *CustodyLog {
	l.now = now
	return l
}

// Append records an event for the package identified by combinedHash.
func (l *CustodyLog) Append(typ EventType, caseID, combinedHash string, payload any, metadata map[string]string) (*CustodyEvent, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := canonicalize.JCS(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize payload: %w", err)
		}
		raw = b
	}

	l.mu.Lock()
	ev := &CustodyEvent{
		EventID:      uuid.NewString(),
		Sequence:     l.sequence + 1,
		Timestamp:    l.now().UTC(),
		Type:         typ,
		CaseID:       caseID,
		CombinedHash: combinedHash,
		Payload:      raw,
		PayloadHash:  canonicalize.HashBytes(raw),
		PreviousHash: l.chainHead,
		Metadata:     metadata,
	}
	hash, err := eventHash(ev)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	ev.EventHash = hash

	l.sequence++
	l.chainHead = hash
	l.events = append(l.events, ev)
	l.byID[ev.EventID] = ev
	handlers := append([]EventHandler(nil), l.handlers...)
	l.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	return ev, nil
}

func eventHash(ev *CustodyEvent) (string, error) {
	h, err := canonicalize.CanonicalHash(struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		Type         EventType `json:"type"`
		CaseID       string    `json:"caseId"`
		CombinedHash string    `json:"combinedHash"`
		PayloadHash  string    `json:"payloadHash"`
		PreviousHash string    `json:"previousHash"`
	}{ev.Sequence, ev.Timestamp, ev.Type, ev.CaseID, ev.CombinedHash, ev.PayloadHash, ev.PreviousHash})
	if err != nil {
		return "", fmt.Errorf("failed to hash custody event: %w", err)
	}
	return h, nil
}

// Get retrieves an event by ID.
func (l *CustodyLog) Get(eventID string) (*CustodyEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ev, ok := l.byID[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return ev, nil
}

// Head returns the hash of the latest event, or GenesisHash.
func (l *CustodyLog) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chainHead
}

// Len returns the number of events.
func (l *CustodyLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// AddHandler registers h for future appends.
func (l *CustodyLog) AddHandler(h EventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// EventFilter selects events. Zero fields match everything.
type EventFilter struct {
	Type         EventType
	CaseID       string
	CombinedHash string
	Since        *time.Time
	MaxResults   int
}

func (f EventFilter) matches(ev *CustodyEvent) bool {
	switch {
	case f.Type != "" && ev.Type != f.Type:
		return false
	case f.CaseID != "" && ev.CaseID != f.CaseID:
		return false
	case f.CombinedHash != "" && ev.CombinedHash != f.CombinedHash:
		return false
	case f.Since != nil && ev.Timestamp.Before(*f.Since):
		return false
	}
	return true
}

// Query returns matching events in append order.
func (l *CustodyLog) Query(f EventFilter) []*CustodyEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*CustodyEvent
	for _, ev := range l.events {
		if !f.matches(ev) {
			continue
		}
		out = append(out, ev)
		if f.MaxResults > 0 && len(out) >= f.MaxResults {
			break
		}
	}
	return out
}

// Events returns a copy of the full log.
func (l *CustodyLog) Events() []*CustodyEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*CustodyEvent(nil), l.events...)
}

// Verify checks every event's payload hash, event hash and back link.
func (l *CustodyLog) Verify() error {
	return VerifyChain(l.Events())
}

// VerifyChain checks a contiguous slice of events starting at genesis.
func VerifyChain(events []*CustodyEvent) error {
	prev := GenesisHash
	for i, ev := range events {
		if ev.PreviousHash != prev {
			return fmt.Errorf("%w: event %d links to %s, expected %s", ErrChainBroken, i, ev.PreviousHash, prev)
		}
		if got := canonicalize.HashBytes(ev.Payload); got != ev.PayloadHash {
			return fmt.Errorf("%w: event %d payload hash mismatch", ErrChainBroken, i)
		}
		computed, err := eventHash(ev)
		if err != nil {
			return err
		}
		if computed != ev.EventHash {
			return fmt.Errorf("%w: event %d hash mismatch (computed %s, stored %s)", ErrChainBroken, i, computed, ev.EventHash)
		}
		prev = ev.EventHash
	}
	return nil
}
