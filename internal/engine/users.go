package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sitswap/internal/domain"
	"sitswap/internal/engine/auth"
	"sitswap/internal/events"
	"sitswap/internal/repo"
)

// NewUser are the signup parameters. Role defaults to member.
type NewUser struct {
	Username    string
	Password    string
	DisplayName string
	Role        domain.Role
}

const entityUser = "user"

// CreateUser registers a user with the starting balance, journalled as a
// signup entry.
func (e Engine) CreateUser(ctx context.Context, in NewUser) (domain.User, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return domain.User{}, newError(KindInvalidInput, "username is required")
	}
	role := in.Role
	if role == "" {
		role = domain.RoleMember
	}
	if role != domain.RoleMember && role != domain.RoleAdmin {
		return domain.User{}, newError(KindInvalidInput, "role must be member or admin")
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		if errors.Is(err, auth.ErrEmptyPassword) {
			return domain.User{}, newError(KindInvalidInput, "password is required")
		}
		return domain.User{}, err
	}
	now := e.timestamp()
	u := domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		DisplayName:  strings.TrimSpace(in.DisplayName),
		PasswordHash: hash,
		Role:         role,
		Points:       domain.StartingBalance,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = e.Repo.InTx(ctx, func(tx repo.Tx) error {
		if _, err := tx.Users.FindByUsername(ctx, username); err == nil {
			return newError(KindInvalidOperation, "username %s is already taken", username)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("lookup username: %w", err)
		}
		if err := tx.Users.Insert(ctx, u); err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		if _, err := tx.Ledger.Append(ctx, domain.LedgerEntry{
			UserID:       u.ID,
			Kind:         domain.EntrySignup,
			Delta:        u.Points,
			BalanceAfter: u.Points,
			ActorID:      u.ID,
			CreatedAt:    now,
		}); err != nil {
			return fmt.Errorf("journal signup: %w", err)
		}
		return e.eventWriter().Append(ctx, tx.SQL, "user.created", entityUser, u.ID, u.ID, events.EventPayload{
			"username": u.Username,
			"role":     u.Role,
			"points":   u.Points,
		})
	})
	if err != nil {
		return domain.User{}, err
	}
	e.logger().WithFields(logrus.Fields{"user_id": u.ID, "username": u.Username}).Info("user created")
	return u, nil
}

func (e Engine) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := e.Repo.Users().FindByID(ctx, id)
	if err != nil {
		return domain.User{}, userNotFound(id, err)
	}
	return u, nil
}

func (e Engine) ListUsers(ctx context.Context) ([]domain.User, error) {
	users, err := e.Repo.Users().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// AdjustPoints adds delta (possibly negative) to a balance outside any sit.
// The balance may not drop below zero.
func (e Engine) AdjustPoints(ctx context.Context, userID string, delta int64, actorID string) (domain.User, error) {
	if delta == 0 {
		return domain.User{}, newError(KindInvalidInput, "points must not be zero")
	}
	var out domain.User
	err := e.Repo.InTx(ctx, func(tx repo.Tx) error {
		u, err := tx.Users.FindByID(ctx, userID)
		if err != nil {
			return userNotFound(userID, err)
		}
		if u.Points+delta < 0 {
			return newError(KindInsufficientFunds, "user has %d points, cannot apply %d", u.Points, delta)
		}
		now := e.timestamp()
		if err := e.move(ctx, tx, u, delta, domain.EntryAdjustment, nil, actorID, now); err != nil {
			return fmt.Errorf("adjust points for %s: %w", u.ID, err)
		}
		u.Points += delta
		u.UpdatedAt = now
		if err := e.eventWriter().Append(ctx, tx.SQL, "points.adjusted", entityUser, u.ID, actorID, events.EventPayload{
			"delta":         delta,
			"balance_after": u.Points,
		}); err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return domain.User{}, err
	}
	e.logger().WithFields(logrus.Fields{"user_id": out.ID, "points": delta, "actor_id": actorID}).Info("points adjusted")
	return out, nil
}

// LedgerEntries returns a user's journal, newest first. limit <= 0 returns all.
func (e Engine) LedgerEntries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	if _, err := e.Repo.Users().FindByID(ctx, userID); err != nil {
		return nil, userNotFound(userID, err)
	}
	entries, err := e.Repo.Ledger().ForUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger for %s: %w", userID, err)
	}
	return entries, nil
}

// Authenticate checks a username and password. Unknown users and wrong
// passwords are indistinguishable to the caller.
func (e Engine) Authenticate(ctx context.Context, username, password string) (domain.User, error) {
	u, err := e.Repo.Users().FindByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, newError(KindUnauthorized, "invalid username or password")
		}
		return domain.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		e.logger().WithField("username", u.Username).Warn("password check failed")
		return domain.User{}, newError(KindUnauthorized, "invalid username or password")
	}
	return u, nil
}
