package server

import (
	"encoding/json"
	"time"

	"sitswap/internal/domain"
	"sitswap/internal/ledger"
)

type SignupRequest struct {
	Username    string `json:"username" minLength:"1" example:"ada"`
	Password    string `json:"password" minLength:"1"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role,omitempty" enum:"member,admin" doc:"admin requires an admin caller"`
}

type LoginRequest struct {
	Username string `json:"username" minLength:"1"`
	Password string `json:"password" minLength:"1"`
}

type LoginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expires_at" format:"date-time"`
	User      UserResponse `json:"user"`
}

type PetRequest struct {
	Name         string `json:"name,omitempty"`
	Breed        string `json:"breed,omitempty"`
	Size         string `json:"size,omitempty"`
	SpecialNeeds string `json:"special_needs,omitempty"`
}

type CreateDogsitRequest struct {
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	StartTime   string     `json:"start_time,omitempty" example:"2024-03-01T09:00:00Z" doc:"RFC 3339, or YYYY-MM-DDTHH:MM read as UTC"`
	EndTime     string     `json:"end_time,omitempty" example:"2024-03-01T12:00:00Z"`
	Pet         PetRequest `json:"pet,omitempty"`
	Status      string     `json:"status,omitempty" doc:"Ignored; new requests always start PENDING"`
}

type UserResponse struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role"`
	Points      int64  `json:"points"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type DogsitResponse struct {
	ID          string     `json:"id"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	StartTime   string     `json:"start_time,omitempty"`
	EndTime     string     `json:"end_time,omitempty"`
	Hours       int64      `json:"hours"`
	PointsOwed  int64      `json:"points_owed"`
	Pet         domain.Pet `json:"pet"`
	OwnerID     string     `json:"owner_id"`
	AcceptedBy  string     `json:"accepted_by,omitempty"`
	Status      string     `json:"status" enum:"PENDING,ACCEPTED,COMPLETED"`
	CreatedAt   string     `json:"created_at"`
	UpdatedAt   string     `json:"updated_at"`
	CompletedAt string     `json:"completed_at,omitempty"`
}

type UserDogsitsResponse struct {
	Owned    []DogsitResponse `json:"owned"`
	Accepted []DogsitResponse `json:"accepted"`
}

type LedgerEntryResponse struct {
	ID           int64  `json:"id"`
	UserID       string `json:"user_id"`
	RequestID    string `json:"request_id,omitempty"`
	Kind         string `json:"kind" enum:"signup,sit_debit,sit_credit,adjustment"`
	Delta        int64  `json:"delta"`
	BalanceAfter int64  `json:"balance_after"`
	ActorID      string `json:"actor_id,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	UserResponse
	Source string `json:"source" enum:"jwt,basic"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Role:        string(u.Role),
		Points:      u.Points,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

func dogsitResponse(r domain.DogsitRequest, p ledger.Policy) DogsitResponse {
	return DogsitResponse{
		ID:          r.ID,
		Description: r.Description,
		Location:    r.Location,
		StartTime:   formatTime(r.StartTime),
		EndTime:     formatTime(r.EndTime),
		Hours:       ledger.Hours(r.StartTime, r.EndTime),
		PointsOwed:  p.PointsOwed(r.StartTime, r.EndTime),
		Pet:         r.Pet,
		OwnerID:     r.OwnerID,
		AcceptedBy:  stringOrEmpty(r.AcceptedBy),
		Status:      string(r.Status),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: stringOrEmpty(r.CompletedAt),
	}
}

func dogsitResponses(items []domain.DogsitRequest, p ledger.Policy) []DogsitResponse {
	out := make([]DogsitResponse, 0, len(items))
	for _, r := range items {
		out = append(out, dogsitResponse(r, p))
	}
	return out
}

func ledgerEntryResponse(e domain.LedgerEntry) LedgerEntryResponse {
	return LedgerEntryResponse{
		ID:           e.ID,
		UserID:       e.UserID,
		RequestID:    stringOrEmpty(e.RequestID),
		Kind:         string(e.Kind),
		Delta:        e.Delta,
		BalanceAfter: e.BalanceAfter,
		ActorID:      e.ActorID,
		CreatedAt:    e.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
