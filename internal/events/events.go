// Package events defines the durable event envelope and the bus drivers that carry it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event names.
const (
	NameReviewRequested = "pr.review.requested"
	NameRepoConnected   = "repo.connected"
)

// ReviewRequested asks a worker to review one pull request.
type ReviewRequested struct {
	Owner    string `json:"owner"`
	RepoName string `json:"repoName"`
	PRNumber int    `json:"prNumber"`
	UserID   uint64 `json:"userId"`
}

// RepoConnected asks a worker to index a newly connected repository.
type RepoConnected struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	UserID uint64 `json:"userId"`
}

// Event is the envelope stored on the bus. ID is stable across redeliveries and retries.
type Event struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Attempt   int             `json:"attempt"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// NewEvent wraps payload in a fresh envelope.
func NewEvent(name string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: marshal %s payload: %w", name, err)
	}
	return Event{
		ID:        uuid.NewString(),
		Name:      name,
		Attempt:   1,
		Payload:   raw,
		EmittedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into out.
func (e Event) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("events: decode %s payload: %w", e.Name, err)
	}
	return nil
}

// Next returns the envelope for the following delivery attempt.
func (e Event) Next() Event {
	next := e
	next.Attempt++
	next.EmittedAt = time.Now().UTC()
	return next
}

func encode(evt Event) ([]byte, error) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("events: marshal envelope: %w", err)
	}
	return raw, nil
}

func decode(raw []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Event{}, fmt.Errorf("events: unmarshal envelope: %w", err)
	}
	if evt.ID == "" || evt.Name == "" {
		return Event{}, fmt.Errorf("events: envelope missing id or name")
	}
	return evt, nil
}

// Handler processes one delivered event. Returning nil acknowledges it;
// an error leaves it for redelivery by the driver.
type Handler func(ctx context.Context, evt Event) error

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Bus is an at-least-once event transport.
type Bus interface {
	Publisher
	// Consume delivers events to h until ctx is done. consumer names this reader within its group.
	Consume(ctx context.Context, consumer string, h Handler) error
	Close() error
}

// Emit builds an envelope for payload and publishes it.
func Emit(ctx context.Context, pub Publisher, name string, payload any) (Event, error) {
	evt, errNew := NewEvent(name, payload)
	if errNew != nil {
		return Event{}, errNew
	}
	if errPublish := pub.Publish(ctx, evt); errPublish != nil {
		return Event{}, errPublish
	}
	return evt, nil
}
