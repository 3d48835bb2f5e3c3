// Package streaming fans out live run events to in-process subscribers.
package streaming

import (
	"context"
	"time"
)

// RunEvent is a live notification of a run state change. Types are the
// schema.Event* constants.
type RunEvent struct {
	Type           string    `json:"type"`
	RunID          string    `json:"run_id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	StepID         string    `json:"step_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Payload        any       `json:"payload,omitempty"`
}

// Filter selects events for a subscriber. Zero fields match everything.
type Filter struct {
	RunID          string   `json:"run_id,omitempty"`
	OrganizationID string   `json:"organization_id,omitempty"`
	Types          []string `json:"types,omitempty"`
}

// Hub is a publish/subscribe channel for run events. Delivery is best effort:
// the run store stays the source of truth.
type Hub interface {
	Publish(ctx context.Context, event RunEvent) error
	// Subscribe returns the event channel and a cancel func that must be
	// called to release the subscription; cancel closes the channel.
	Subscribe(ctx context.Context, filter Filter) (<-chan RunEvent, func(), error)
}
