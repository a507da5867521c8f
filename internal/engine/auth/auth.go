// Package auth holds password hashing and role permissions for sitswap users.
package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"sitswap/internal/domain"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

const (
	PermPointsAdjust  = "points.adjust"
	PermUsersCreate   = "users.create_admin"
	PermEventsRead    = "events.read"
	PermLedgerReadAny = "ledger.read_any"
)

// rolePermissions lists grants beyond what every member has.
var rolePermissions = map[domain.Role][]string{
	domain.RoleAdmin: {PermPointsAdjust, PermUsersCreate, PermEventsRead, PermLedgerReadAny},
}

// Can reports whether role holds perm.
func Can(role domain.Role, perm string) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError unless role holds perm.
func Require(role domain.Role, perm string) error {
	if !Can(role, perm) {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// Cost is the bcrypt work factor. Tests lower it.
var Cost = bcrypt.DefaultCost

var ErrEmptyPassword = errors.New("password required")

func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), Cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
