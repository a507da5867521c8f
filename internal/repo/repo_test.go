package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitswap/internal/db"
	"sitswap/internal/domain"
	"sitswap/internal/migrate"
	"sitswap/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func seedUser(t *testing.T, r repo.Repo, id string, points int64) domain.User {
	t.Helper()
	u := domain.User{ID: id, Username: id, PasswordHash: "h", Role: domain.RoleMember, Points: points, CreatedAt: ts, UpdatedAt: ts}
	require.NoError(t, r.Users().Insert(context.Background(), u))
	return u
}

func TestUsersRoundTripAndCAS(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	seedUser(t, r, "u1", 100)

	got, err := r.Users().FindByUsername(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Points)
	assert.Equal(t, domain.RoleMember, got.Role)

	_, err = r.Users().FindByID(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	require.NoError(t, r.Users().SetPoints(ctx, "u1", 100, 60, ts))
	assert.ErrorIs(t, r.Users().SetPoints(ctx, "u1", 100, 10, ts), repo.ErrConflict)
	got, err = r.Users().FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), got.Points)

	// CHECK (points >= 0)
	assert.Error(t, r.Users().SetPoints(ctx, "u1", 60, -1, ts))
}

func TestRequestsAcceptAndCompleteAreCAS(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	seedUser(t, r, "owner", 100)
	seedUser(t, r, "sitter", 100)

	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Hour)
	req := domain.DogsitRequest{
		ID: "r1", OwnerID: "owner", Status: domain.StatusPending,
		StartTime: &start, EndTime: &end, Pet: domain.Pet{Name: "Rex"},
		CreatedAt: ts, UpdatedAt: ts,
	}
	require.NoError(t, r.Requests().Insert(ctx, req))

	got, err := r.Requests().FindByID(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got.StartTime)
	assert.True(t, got.StartTime.Equal(start))
	assert.Equal(t, "Rex", got.Pet.Name)
	assert.Nil(t, got.AcceptedBy)

	assert.ErrorIs(t, r.Requests().Complete(ctx, "r1", ts), repo.ErrConflict)
	require.NoError(t, r.Requests().Accept(ctx, "r1", "sitter", ts))
	assert.ErrorIs(t, r.Requests().Accept(ctx, "r1", "sitter", ts), repo.ErrConflict)
	require.NoError(t, r.Requests().Complete(ctx, "r1", ts))

	got, err = r.Requests().FindByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.NotNil(t, got.AcceptedBy)
	assert.Equal(t, "sitter", *got.AcceptedBy)
	require.NotNil(t, got.CompletedAt)

	byStatus, err := r.Requests().FindByStatus(ctx, domain.StatusCompleted)
	require.NoError(t, err)
	assert.Len(t, byStatus, 1)
	owned, err := r.Requests().FindByOwner(ctx, "owner")
	require.NoError(t, err)
	assert.Len(t, owned, 1)
	sat, err := r.Requests().FindByAcceptedBy(ctx, "sitter")
	require.NoError(t, err)
	assert.Len(t, sat, 1)
}

func TestSchemaRejectsSelfAcceptance(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	seedUser(t, r, "owner", 100)
	require.NoError(t, r.Requests().Insert(ctx, domain.DogsitRequest{
		ID: "r1", OwnerID: "owner", Status: domain.StatusPending, CreatedAt: ts, UpdatedAt: ts,
	}))
	assert.Error(t, r.Requests().Accept(ctx, "r1", "owner", ts))
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	seedUser(t, r, "u1", 100)

	boom := errors.New("boom")
	err := r.InTx(ctx, func(tx repo.Tx) error {
		if err := tx.Users.SetPoints(ctx, "u1", 100, 0, ts); err != nil {
			return err
		}
		if _, err := tx.Ledger.Append(ctx, domain.LedgerEntry{UserID: "u1", Kind: domain.EntryAdjustment, Delta: -100, CreatedAt: ts}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	u, err := r.Users().FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.Points)
	entries, err := r.Ledger().ForUser(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInTxRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	seedUser(t, r, "u1", 100)

	assert.Panics(t, func() {
		_ = r.InTx(ctx, func(tx repo.Tx) error {
			if err := tx.Users.SetPoints(ctx, "u1", 100, 1, ts); err != nil {
				return err
			}
			panic("mid-transfer")
		})
	})
	u, err := r.Users().FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.Points)
}

func TestLedgerForUserNewestFirst(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	seedUser(t, r, "u1", 100)
	for i, delta := range []int64{100, -30, 5} {
		_, err := r.Ledger().Append(ctx, domain.LedgerEntry{UserID: "u1", Kind: domain.EntryAdjustment, Delta: delta, BalanceAfter: int64(100 + i), CreatedAt: ts})
		require.NoError(t, err)
	}
	entries, err := r.Ledger().ForUser(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(5), entries[0].Delta)
	assert.Equal(t, int64(-30), entries[1].Delta)
	assert.Nil(t, entries[0].RequestID)
}
