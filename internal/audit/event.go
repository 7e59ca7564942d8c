// Package audit records lifecycle mutations of end entities in a tamper
// evident log.
//
// Audit logs are separate from technical logs:
//   - a failed audit write fails the operation
//   - secrets (passwords, hashes) are never recorded
//   - timestamps are UTC
//   - every event carries the hash of its predecessor
package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the category of an audit event.
type EventType string

const (
	EventEndEntityAdded         EventType = "EE_ADDED"
	EventEndEntityChanged       EventType = "EE_CHANGED"
	EventEndEntityStatusChanged EventType = "EE_STATUS_CHANGED"
	EventEndEntityRevoked       EventType = "EE_REVOKED"
	EventEndEntityDeleted       EventType = "EE_DELETED"
	EventPasswordChanged        EventType = "EE_PASSWORD_CHANGED"
	EventKeyRecoveryPrepared    EventType = "EE_KEYRECOVERY_PREPARED"
	EventApprovalRequested      EventType = "APPROVAL_REQUESTED"
	EventAuthFailed             EventType = "AUTH_FAILED"
)

// Result is the outcome of an audited operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Actor is who performed the action.
type Actor struct {
	Type string `json:"type"` // "user", "system"
	ID   string `json:"id"`
}

// Object is the end entity acted upon.
type Object struct {
	Username  string `json:"username"`
	CAID      int    `json:"ca_id,omitempty"`
	ProfileID int    `json:"profile_id,omitempty"`
	SubjectDN string `json:"subject_dn,omitempty"`
}

// Context holds operation details.
type Context struct {
	Status     string `json:"status,omitempty"`
	PrevStatus string `json:"prev_status,omitempty"`
	Reason     string `json:"reason,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Serials    int    `json:"serials,omitempty"`
}

// Event is a single audit log entry.
type Event struct {
	EventType EventType `json:"event_type"`
	Timestamp string    `json:"timestamp"` // RFC3339 UTC
	Actor     Actor     `json:"actor"`
	Object    Object    `json:"object"`
	Context   Context   `json:"context,omitempty"`
	Result    Result    `json:"result"`
	HashPrev  string    `json:"hash_prev"`
	Hash      string    `json:"hash"`
}

// NewEvent creates an event at the given time.
func NewEvent(eventType EventType, result Result, at time.Time) *Event {
	return &Event{
		EventType: eventType,
		Timestamp: at.UTC().Format(time.RFC3339),
		Actor:     Actor{Type: "system", ID: "qra"},
		Result:    result,
	}
}

// WithActor sets the actor.
func (e *Event) WithActor(actor Actor) *Event {
	e.Actor = actor
	return e
}

// WithObject sets the object.
func (e *Event) WithObject(obj Object) *Event {
	e.Object = obj
	return e
}

// WithContext sets the context.
func (e *Event) WithContext(ctx Context) *Event {
	e.Context = ctx
	return e
}

// Validate checks that required fields are present.
func (e *Event) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.Timestamp == "" {
		return fmt.Errorf("timestamp is required")
	}
	if e.Actor.Type == "" || e.Actor.ID == "" {
		return fmt.Errorf("actor type and id are required")
	}
	if e.Object.Username == "" {
		return fmt.Errorf("object username is required")
	}
	if e.Result == "" {
		return fmt.Errorf("result is required")
	}
	return nil
}

// CanonicalJSON returns the event without its own hash, for hashing.
func (e *Event) CanonicalJSON() ([]byte, error) {
	type hashed struct {
		EventType EventType `json:"event_type"`
		Timestamp string    `json:"timestamp"`
		Actor     Actor     `json:"actor"`
		Object    Object    `json:"object"`
		Context   Context   `json:"context,omitempty"`
		Result    Result    `json:"result"`
		HashPrev  string    `json:"hash_prev"`
	}
	return json.Marshal(hashed{
		EventType: e.EventType,
		Timestamp: e.Timestamp,
		Actor:     e.Actor,
		Object:    e.Object,
		Context:   e.Context,
		Result:    e.Result,
		HashPrev:  e.HashPrev,
	})
}
