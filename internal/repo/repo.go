package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitswap/internal/domain"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a compare-and-swap update that matched no row.
	ErrConflict = errors.New("conflict")
)

type Repo struct {
	DB *sql.DB
}

func (r Repo) Users() Users       { return Users{q: r.DB} }
func (r Repo) Requests() Requests { return Requests{q: r.DB} }
func (r Repo) Ledger() Ledger     { return Ledger{q: r.DB} }

// Tx is one transaction scope. Stores obtained from it read and write through
// the same *sql.Tx, so nothing they do is visible to others before Commit.
type Tx struct {
	SQL      *sql.Tx
	Users    Users
	Requests Requests
	Ledger   Ledger
}

// InTx runs fn inside a transaction. It commits when fn returns nil and rolls
// back otherwise, including when fn panics.
func (r Repo) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(Tx{
		SQL:      tx,
		Users:    Users{q: tx},
		Requests: Requests{q: tx},
		Ledger:   Ledger{q: tx},
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// --- users ---

type Users struct {
	q DBTX
}

const userColumns = `id,username,COALESCE(display_name,''),password_hash,role,points,created_at,updated_at`

func scanUser(row scanner) (domain.User, error) {
	var u domain.User
	var role string
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &role, &u.Points, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Role = domain.Role(role)
	return u, err
}

func (s Users) FindByID(ctx context.Context, id string) (domain.User, error) {
	return scanUser(s.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (s Users) FindByUsername(ctx context.Context, username string) (domain.User, error) {
	return scanUser(s.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=?`, username))
}

func (s Users) Insert(ctx context.Context, u domain.User) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO users(id,username,display_name,password_hash,role,points,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		u.ID, u.Username, nullable(u.DisplayName), u.PasswordHash, string(u.Role), u.Points, u.CreatedAt, u.UpdatedAt)
	return err
}

// SetPoints moves a balance from exactly `from` to `to`. A concurrent change
// to the balance makes it return ErrConflict.
func (s Users) SetPoints(ctx context.Context, id string, from, to int64, updatedAt string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE users SET points=?, updated_at=? WHERE id=? AND points=?`, to, updatedAt, id, from)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s Users) List(ctx context.Context) ([]domain.User, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// --- dogsit requests ---

type Requests struct {
	q DBTX
}

const requestColumns = `id,COALESCE(description,''),COALESCE(location,''),start_time,end_time,` +
	`COALESCE(pet_name,''),COALESCE(pet_breed,''),COALESCE(pet_size,''),COALESCE(pet_special_needs,''),` +
	`owner_id,accepted_by,status,created_at,updated_at,completed_at`

func scanRequest(row scanner) (domain.DogsitRequest, error) {
	var r domain.DogsitRequest
	var start, end, acceptedBy, completedAt sql.NullString
	var status string
	err := row.Scan(&r.ID, &r.Description, &r.Location, &start, &end,
		&r.Pet.Name, &r.Pet.Breed, &r.Pet.Size, &r.Pet.SpecialNeeds,
		&r.OwnerID, &acceptedBy, &status, &r.CreatedAt, &r.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.Status = domain.Status(status)
	if r.StartTime, err = parseTime(start); err != nil {
		return r, fmt.Errorf("request %s start_time: %w", r.ID, err)
	}
	if r.EndTime, err = parseTime(end); err != nil {
		return r, fmt.Errorf("request %s end_time: %w", r.ID, err)
	}
	if acceptedBy.Valid {
		r.AcceptedBy = &acceptedBy.String
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.String
	}
	return r, nil
}

func (s Requests) FindByID(ctx context.Context, id string) (domain.DogsitRequest, error) {
	return scanRequest(s.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM dogsit_requests WHERE id=?`, id))
}

func (s Requests) Insert(ctx context.Context, r domain.DogsitRequest) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO dogsit_requests(id,description,location,start_time,end_time,pet_name,pet_breed,pet_size,pet_special_needs,owner_id,accepted_by,status,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, nullable(r.Description), nullable(r.Location), formatTime(r.StartTime), formatTime(r.EndTime),
		nullable(r.Pet.Name), nullable(r.Pet.Breed), nullable(r.Pet.Size), nullable(r.Pet.SpecialNeeds),
		r.OwnerID, nullableStringPtr(r.AcceptedBy), string(r.Status), r.CreatedAt, r.UpdatedAt, nullableStringPtr(r.CompletedAt))
	return err
}

// Accept moves a PENDING request to ACCEPTED. ErrConflict means the request
// was no longer PENDING when the write ran.
func (s Requests) Accept(ctx context.Context, id, sitterID, updatedAt string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE dogsit_requests SET status=?, accepted_by=?, updated_at=? WHERE id=? AND status=?`,
		string(domain.StatusAccepted), sitterID, updatedAt, id, string(domain.StatusPending))
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// Complete moves an ACCEPTED request to COMPLETED, with the same conflict
// semantics as Accept.
func (s Requests) Complete(ctx context.Context, id, completedAt string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE dogsit_requests SET status=?, updated_at=?, completed_at=? WHERE id=? AND status=?`,
		string(domain.StatusCompleted), completedAt, completedAt, id, string(domain.StatusAccepted))
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s Requests) FindByStatus(ctx context.Context, status domain.Status) ([]domain.DogsitRequest, error) {
	return s.list(ctx, `WHERE status=?`, string(status))
}

func (s Requests) FindAll(ctx context.Context) ([]domain.DogsitRequest, error) {
	return s.list(ctx, "")
}

func (s Requests) FindByOwner(ctx context.Context, ownerID string) ([]domain.DogsitRequest, error) {
	return s.list(ctx, `WHERE owner_id=?`, ownerID)
}

func (s Requests) FindByAcceptedBy(ctx context.Context, sitterID string) ([]domain.DogsitRequest, error) {
	return s.list(ctx, `WHERE accepted_by=?`, sitterID)
}

func (s Requests) list(ctx context.Context, where string, args ...any) ([]domain.DogsitRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM dogsit_requests`
	if where != "" {
		query += " " + where
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DogsitRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// --- ledger ---

type Ledger struct {
	q DBTX
}

func (s Ledger) Append(ctx context.Context, e domain.LedgerEntry) (int64, error) {
	res, err := s.q.ExecContext(ctx, `INSERT INTO ledger_entries(user_id,request_id,kind,delta,balance_after,actor_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		e.UserID, nullableStringPtr(e.RequestID), string(e.Kind), e.Delta, e.BalanceAfter, nullable(e.ActorID), e.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ForUser lists entries newest first. limit <= 0 means no limit.
func (s Ledger) ForUser(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	query := `SELECT id,user_id,request_id,kind,delta,balance_after,COALESCE(actor_id,''),created_at FROM ledger_entries WHERE user_id=? ORDER BY id DESC`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var requestID sql.NullString
		var kind string
		if err := rows.Scan(&e.ID, &e.UserID, &requestID, &kind, &e.Delta, &e.BalanceAfter, &e.ActorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = domain.EntryKind(kind)
		if requestID.Valid {
			e.RequestID = &requestID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- events ---

// LatestEvents returns up to n events, newest first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, n int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if n > 0 {
		query += " LIMIT ?"
		args = append(args, n)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func parseTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
