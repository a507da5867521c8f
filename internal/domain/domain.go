package domain

import (
	"fmt"
	"strings"
	"time"
)

// StartingBalance is credited to every user at signup.
const StartingBalance int64 = 100

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	DisplayName  string `json:"display_name,omitempty"`
	PasswordHash string `json:"-"`
	Role         Role   `json:"role" enum:"member,admin"`
	Points       int64  `json:"points"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// Status is the lifecycle state of a dogsit request.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAccepted  Status = "ACCEPTED"
	StatusCompleted Status = "COMPLETED"
)

// ParseStatus accepts any letter case.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusAccepted, StatusCompleted:
		return st, nil
	}
	return "", fmt.Errorf("status must be PENDING, ACCEPTED, or COMPLETED")
}

// CanTransitionTo reports whether next is the single forward edge from s.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusAccepted
	case StatusAccepted:
		return next == StatusCompleted
	}
	return false
}

type Pet struct {
	Name         string `json:"name,omitempty"`
	Breed        string `json:"breed,omitempty"`
	Size         string `json:"size,omitempty"`
	SpecialNeeds string `json:"special_needs,omitempty"`
}

type DogsitRequest struct {
	ID          string     `json:"id"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Pet         Pet        `json:"pet"`
	OwnerID     string     `json:"owner_id"`
	AcceptedBy  *string    `json:"accepted_by,omitempty"`
	Status      Status     `json:"status" enum:"PENDING,ACCEPTED,COMPLETED"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
	CompletedAt *string    `json:"completed_at,omitempty" format:"date-time"`
}

type EntryKind string

const (
	EntrySignup     EntryKind = "signup"
	EntrySitDebit   EntryKind = "sit_debit"
	EntrySitCredit  EntryKind = "sit_credit"
	EntryAdjustment EntryKind = "adjustment"
)

// LedgerEntry records one balance mutation.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	RequestID    *string   `json:"request_id,omitempty"`
	Kind         EntryKind `json:"kind"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balance_after"`
	ActorID      string    `json:"actor_id,omitempty"`
	CreatedAt    string    `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseTimestamp accepts RFC 3339 and the zone-less local forms browsers send
// from datetime-local inputs. Zone-less values are read as UTC. Blank input
// yields nil.
func ParseTimestamp(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid timestamp %q", s)
}
