package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sitswap/internal/domain"
	"sitswap/internal/events"
	"sitswap/internal/repo"
)

// RequestInput is what an owner supplies when posting a request. It has no
// status or sitter: every new request starts PENDING and unassigned.
type RequestInput struct {
	Description string
	Location    string
	StartTime   *time.Time
	EndTime     *time.Time
	Pet         domain.Pet
}

const entityRequest = "dogsit_request"

func (e Engine) CreateRequest(ctx context.Context, ownerID string, in RequestInput) (domain.DogsitRequest, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		err := newError(KindInvalidInput, "owner is required")
		e.observe("create", err)
		return domain.DogsitRequest{}, err
	}
	now := e.timestamp()
	req := domain.DogsitRequest{
		ID:          uuid.NewString(),
		Description: strings.TrimSpace(in.Description),
		Location:    strings.TrimSpace(in.Location),
		StartTime:   normalizeTime(in.StartTime),
		EndTime:     normalizeTime(in.EndTime),
		Pet:         in.Pet,
		OwnerID:     ownerID,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := e.Repo.InTx(ctx, func(tx repo.Tx) error {
		if _, err := tx.Users.FindByID(ctx, ownerID); err != nil {
			return userNotFound(ownerID, err)
		}
		if err := tx.Requests.Insert(ctx, req); err != nil {
			return fmt.Errorf("insert dogsit request: %w", err)
		}
		return e.eventWriter().Append(ctx, tx.SQL, "request.created", entityRequest, req.ID, ownerID, events.EventPayload{
			"status": req.Status,
			"points": e.Policy.PointsOwed(req.StartTime, req.EndTime),
		})
	})
	e.observe("create", err)
	if err != nil {
		return domain.DogsitRequest{}, err
	}
	e.logger().WithFields(logrus.Fields{"request_id": req.ID, "owner_id": ownerID}).Info("dogsit request created")
	return req, nil
}

// AcceptRequest assigns a sitter to a PENDING request. Of several concurrent
// callers at most one succeeds; the rest get ErrInvalidTransition.
func (e Engine) AcceptRequest(ctx context.Context, requestID, userID string) (domain.DogsitRequest, error) {
	var out domain.DogsitRequest
	err := e.Repo.InTx(ctx, func(tx repo.Tx) error {
		r, err := tx.Requests.FindByID(ctx, requestID)
		if err != nil {
			return requestNotFound(requestID, err)
		}
		if _, err := tx.Users.FindByID(ctx, userID); err != nil {
			return userNotFound(userID, err)
		}
		if !r.Status.CanTransitionTo(domain.StatusAccepted) {
			return newError(KindInvalidTransition, "request already accepted or completed")
		}
		if r.OwnerID == userID {
			return newError(KindInvalidOperation, "users cannot accept their own request")
		}
		now := e.timestamp()
		if err := tx.Requests.Accept(ctx, r.ID, userID, now); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return newError(KindInvalidTransition, "request already accepted or completed")
			}
			return fmt.Errorf("accept request %s: %w", r.ID, err)
		}
		r.Status = domain.StatusAccepted
		r.AcceptedBy = &userID
		r.UpdatedAt = now
		if err := e.eventWriter().Append(ctx, tx.SQL, "request.accepted", entityRequest, r.ID, userID, events.EventPayload{
			"owner_id":  r.OwnerID,
			"sitter_id": userID,
		}); err != nil {
			return err
		}
		out = r
		return nil
	})
	e.observe("accept", err)
	if err != nil {
		return domain.DogsitRequest{}, err
	}
	e.logger().WithFields(logrus.Fields{"request_id": out.ID, "owner_id": out.OwnerID, "sitter_id": userID}).Info("dogsit request accepted")
	return out, nil
}

// CompleteRequest closes an ACCEPTED request and moves the owed points from
// owner to sitter. Status, both balances, the ledger and the event log change
// together or not at all.
func (e Engine) CompleteRequest(ctx context.Context, requestID, actorID string) (domain.DogsitRequest, error) {
	var out domain.DogsitRequest
	var owed int64
	err := e.Repo.InTx(ctx, func(tx repo.Tx) error {
		r, err := tx.Requests.FindByID(ctx, requestID)
		if err != nil {
			return requestNotFound(requestID, err)
		}
		if !r.Status.CanTransitionTo(domain.StatusCompleted) {
			return newError(KindInvalidTransition, "only accepted requests can be completed")
		}
		if r.AcceptedBy == nil || *r.AcceptedBy == "" {
			return newError(KindInternalConsistency, "accepted request %s has no sitter", r.ID)
		}
		sitterID := *r.AcceptedBy
		if sitterID == r.OwnerID {
			return newError(KindInternalConsistency, "request %s is accepted by its owner", r.ID)
		}
		owner, err := e.participant(ctx, tx, r.ID, "owner", r.OwnerID)
		if err != nil {
			return err
		}
		sitter, err := e.participant(ctx, tx, r.ID, "sitter", sitterID)
		if err != nil {
			return err
		}
		owed = e.Policy.PointsOwed(r.StartTime, r.EndTime)
		if owner.Points < owed {
			return newError(KindInsufficientFunds, "owner has %d points, the sit costs %d", owner.Points, owed)
		}

		now := e.timestamp()
		if err := tx.Requests.Complete(ctx, r.ID, now); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return newError(KindInvalidTransition, "only accepted requests can be completed")
			}
			return fmt.Errorf("complete request %s: %w", r.ID, err)
		}
		if owed > 0 {
			if err := e.move(ctx, tx, owner, -owed, domain.EntrySitDebit, &r.ID, actorID, now); err != nil {
				return fmt.Errorf("debit owner %s: %w", owner.ID, err)
			}
			if err := e.move(ctx, tx, sitter, owed, domain.EntrySitCredit, &r.ID, actorID, now); err != nil {
				return fmt.Errorf("credit sitter %s: %w", sitter.ID, err)
			}
		}
		r.Status = domain.StatusCompleted
		r.UpdatedAt = now
		r.CompletedAt = &now
		if err := e.eventWriter().Append(ctx, tx.SQL, "request.completed", entityRequest, r.ID, actorID, events.EventPayload{
			"owner_id":  owner.ID,
			"sitter_id": sitter.ID,
			"points":    owed,
		}); err != nil {
			return err
		}
		out = r
		return nil
	})
	e.observe("complete", err)
	if err != nil {
		return domain.DogsitRequest{}, err
	}
	e.Metrics.RecordTransfer(owed)
	e.logger().WithFields(logrus.Fields{
		"request_id": out.ID,
		"owner_id":   out.OwnerID,
		"sitter_id":  *out.AcceptedBy,
		"points":     owed,
	}).Info("dogsit request completed")
	return out, nil
}

// participant loads a party of an accepted request. A dangling reference is a
// consistency failure, not a caller error.
func (e Engine) participant(ctx context.Context, tx repo.Tx, requestID, role, userID string) (domain.User, error) {
	u, err := tx.Users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, newError(KindInternalConsistency, "%s %s of request %s does not exist", role, userID, requestID)
		}
		return domain.User{}, fmt.Errorf("load %s %s: %w", role, userID, err)
	}
	return u, nil
}

// move applies delta to u's balance and journals it. u must be the snapshot
// read in the same transaction.
func (e Engine) move(ctx context.Context, tx repo.Tx, u domain.User, delta int64, kind domain.EntryKind, requestID *string, actorID, at string) error {
	balance := u.Points + delta
	if err := tx.Users.SetPoints(ctx, u.ID, u.Points, balance, at); err != nil {
		return err
	}
	_, err := tx.Ledger.Append(ctx, domain.LedgerEntry{
		UserID:       u.ID,
		RequestID:    requestID,
		Kind:         kind,
		Delta:        delta,
		BalanceAfter: balance,
		ActorID:      actorID,
		CreatedAt:    at,
	})
	return err
}

func (e Engine) GetRequest(ctx context.Context, requestID string) (domain.DogsitRequest, error) {
	r, err := e.Repo.Requests().FindByID(ctx, requestID)
	if err != nil {
		return domain.DogsitRequest{}, requestNotFound(requestID, err)
	}
	return r, nil
}

func (e Engine) RequestsByStatus(ctx context.Context, status domain.Status) ([]domain.DogsitRequest, error) {
	st, err := domain.ParseStatus(string(status))
	if err != nil {
		return nil, &Error{Kind: KindInvalidInput, Message: err.Error()}
	}
	res, err := e.Repo.Requests().FindByStatus(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("list %s requests: %w", st, err)
	}
	return res, nil
}

func (e Engine) AllRequests(ctx context.Context) ([]domain.DogsitRequest, error) {
	res, err := e.Repo.Requests().FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return res, nil
}

// UserRequests splits a user's requests by the side they are on.
type UserRequests struct {
	Owned    []domain.DogsitRequest `json:"owned"`
	Accepted []domain.DogsitRequest `json:"accepted"`
}

func (e Engine) RequestsForUser(ctx context.Context, userID string) (UserRequests, error) {
	if _, err := e.Repo.Users().FindByID(ctx, userID); err != nil {
		return UserRequests{}, userNotFound(userID, err)
	}
	owned, err := e.Repo.Requests().FindByOwner(ctx, userID)
	if err != nil {
		return UserRequests{}, fmt.Errorf("list requests owned by %s: %w", userID, err)
	}
	accepted, err := e.Repo.Requests().FindByAcceptedBy(ctx, userID)
	if err != nil {
		return UserRequests{}, fmt.Errorf("list requests accepted by %s: %w", userID, err)
	}
	if owned == nil {
		owned = []domain.DogsitRequest{}
	}
	if accepted == nil {
		accepted = []domain.DogsitRequest{}
	}
	return UserRequests{Owned: owned, Accepted: accepted}, nil
}

// normalizeTime moves t to UTC, keeping full precision so the interval is
// priced exactly as given.
func normalizeTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
