package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/crypto/bcrypt"

	"sitswap/internal/config"
	"sitswap/internal/db"
	"sitswap/internal/domain"
	"sitswap/internal/engine"
	"sitswap/internal/engine/auth"
	"sitswap/internal/metrics"
	"sitswap/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, limit RateLimit) (*testServer, func()) {
	t.Helper()
	auth.Cost = bcrypt.MinCost
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Metrics = metrics.New()
	handler, err := New(Config{
		Engine:    e,
		BasePath:  "/v0",
		Auth:      AuthConfig{JWTSecret: testSecret, TokenTTL: time.Hour},
		RateLimit: limit,
		Metrics:   e.Metrics,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func basic(username, password string) map[string]string {
	creds := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return map[string]string{"Authorization": "Basic " + creds}
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func signup(t *testing.T, srv *testServer, username string) UserResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/users", map[string]any{
		"username": username,
		"password": "pw-" + username,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("signup %s status %d: %s", username, res.StatusCode, string(data))
	}
	var u UserResponse
	if err := json.Unmarshal(data, &u); err != nil {
		t.Fatalf("unmarshal user: %v", err)
	}
	return u
}

func login(t *testing.T, srv *testServer, username string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"username": username,
		"password": "pw-" + username,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login %s status %d: %s", username, res.StatusCode, string(data))
	}
	var out LoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if out.Token == "" {
		t.Fatalf("empty token")
	}
	return out.Token
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestDogsitLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, RateLimit{})
	defer cleanup()
	client := srv.Client()

	owner := signup(t, srv, "owner")
	sitter := signup(t, srv, "sitter")
	if owner.Points != 100 {
		t.Fatalf("starting balance %d", owner.Points)
	}
	ownerAuth := basic("owner", "pw-owner")
	sitterAuth := bearer(login(t, srv, "sitter"))

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/dogsits", map[string]any{
		"description": "Two walks",
		"location":    "Park",
		"start_time":  "2024-03-01T09:00",
		"end_time":    "2024-03-01T12:30:00Z",
		"pet":         map[string]any{"name": "Rex"},
		"status":      "COMPLETED",
	}, ownerAuth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created DogsitResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Status != "PENDING" || created.OwnerID != owner.ID || created.AcceptedBy != "" {
		t.Fatalf("unexpected created request %+v", created)
	}
	if created.Hours != 3 || created.PointsOwed != 30 {
		t.Fatalf("hours/points = %d/%d", created.Hours, created.PointsOwed)
	}
	base := srv.URL + "/v0/dogsits/" + created.ID

	res, data = doJSON(t, client, http.MethodPut, base+"/accept/"+owner.ID, nil, sitterAuth)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("accept as someone else: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, base+"/accept/"+owner.ID, nil, ownerAuth)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "invalid_operation" {
		t.Fatalf("self accept: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, base+"/complete", nil, ownerAuth)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("complete pending: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, base+"/accept/"+sitter.ID, nil, sitterAuth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, base+"/accept/"+sitter.ID, nil, sitterAuth)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("second accept: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, base+"/complete", nil, ownerAuth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var done DogsitResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if done.Status != "COMPLETED" || done.CompletedAt == "" {
		t.Fatalf("unexpected completed request %+v", done)
	}
	res, _ = doJSON(t, client, http.MethodPut, base+"/complete", nil, ownerAuth)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second complete: %d", res.StatusCode)
	}

	for id, want := range map[string]int64{owner.ID: 70, sitter.ID: 130} {
		res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/users/"+id, nil, ownerAuth)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get user: %d %s", res.StatusCode, string(data))
		}
		var u UserResponse
		if err := json.Unmarshal(data, &u); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if u.Points != want {
			t.Fatalf("user %s points = %d, want %d", u.Username, u.Points, want)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/users/"+sitter.ID+"/dogsits", nil, sitterAuth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("user dogsits: %d %s", res.StatusCode, string(data))
	}
	var mine UserDogsitsResponse
	if err := json.Unmarshal(data, &mine); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(mine.Owned) != 0 || len(mine.Accepted) != 1 {
		t.Fatalf("unexpected user dogsits %+v", mine)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/users/"+owner.ID+"/ledger", nil, ownerAuth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ledger: %d %s", res.StatusCode, string(data))
	}
	var entries []LedgerEntryResponse
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(entries) != 2 || entries[0].Kind != "sit_debit" || entries[0].RequestID != created.ID {
		t.Fatalf("unexpected ledger %+v", entries)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/users/"+owner.ID+"/ledger", nil, sitterAuth)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign ledger: %d", res.StatusCode)
	}
}

func TestListByStatus(t *testing.T) {
	srv, cleanup := newTestServer(t, RateLimit{})
	defer cleanup()
	client := srv.Client()
	signup(t, srv, "owner")
	ownerAuth := basic("owner", "pw-owner")

	for i := 0; i < 2; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/dogsits", map[string]any{"description": "sit"}, ownerAuth)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create: %d %s", res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/dogsits/status/pending", nil, ownerAuth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("by status: %d %s", res.StatusCode, string(data))
	}
	var items []DogsitResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(items))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/dogsits/status/ACCEPTED", nil, ownerAuth)
	if res.StatusCode != http.StatusOK || strings.TrimSpace(string(data)) != "[]" {
		t.Fatalf("accepted list: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/dogsits/status/cancelled", nil, ownerAuth)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown status: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/dogsits", map[string]any{"start_time": "next tuesday"}, ownerAuth)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad timestamp: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/dogsits/missing", nil, ownerAuth)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing request: %d", res.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, RateLimit{})
	defer cleanup()
	client := srv.Client()
	signup(t, srv, "ada")

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/dogsits", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("anonymous list: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, bearer("not-a-jwt"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, basic("ada", "wrong"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password: %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{"username": "ada", "password": "wrong"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login: %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/users", map[string]any{"username": "ada", "password": "x"}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("duplicate signup: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/users", map[string]any{"username": "eve", "password": "x", "role": "admin"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous admin signup: %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, bearer(login(t, srv, "ada")))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if me.Username != "ada" || me.Source != "jwt" || me.Points != 100 {
		t.Fatalf("unexpected me %+v", me)
	}
}

func TestAdminOnlyRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t, RateLimit{})
	defer cleanup()
	client := srv.Client()
	if _, err := srv.Engine.CreateUser(context.Background(), engine.NewUser{Username: "root", Password: "pw-root", Role: domain.RoleAdmin}); err != nil {
		t.Fatalf("create admin: %v", err)
	}
	owner := signup(t, srv, "owner")
	sitter := signup(t, srv, "sitter")
	adminAuth := basic("root", "pw-root")
	ownerAuth := basic("owner", "pw-owner")

	res, _ := doJSON(t, client, http.MethodPut, srv.URL+"/v0/users/"+owner.ID+"/points?points=-95", nil, ownerAuth)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("member adjust: %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/users/"+owner.ID+"/points?points=-95", nil, adminAuth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin adjust: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/users/"+owner.ID+"/points?points=-6", nil, adminAuth)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "insufficient_funds" {
		t.Fatalf("overdraw adjust: %d %s", res.StatusCode, string(data))
	}

	// 2 hours cost 20, owner holds 5
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/dogsits", map[string]any{
		"start_time": "2024-03-01T09:00:00Z",
		"end_time":   "2024-03-01T11:00:00Z",
	}, ownerAuth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created DogsitResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	res, _ = doJSON(t, client, http.MethodPut, srv.URL+"/v0/dogsits/"+created.ID+"/accept/"+sitter.ID, nil, basic("sitter", "pw-sitter"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/dogsits/"+created.ID+"/complete", nil, ownerAuth)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "insufficient_funds" {
		t.Fatalf("complete without funds: %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, ownerAuth)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("member events: %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=dogsit_request&limit=10", nil, adminAuth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin events: %d %s", res.StatusCode, string(data))
	}
	var evts []EventResponse
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(evts) != 2 || evts[0].Type != "request.accepted" {
		t.Fatalf("unexpected events %+v", evts)
	}
	if evts[0].Payload["sitter_id"] != sitter.ID {
		t.Fatalf("event payload %+v", evts[0].Payload)
	}
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t, RateLimit{})
	defer cleanup()
	client := srv.Client()
	doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)

	// the counter is bumped after the response is flushed
	var res *http.Response
	var data []byte
	for i := 0; i < 50; i++ {
		res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("metrics: %d", res.StatusCode)
		}
		if strings.Contains(string(data), `route="/v0/health"`) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(string(data), `route="/v0/health"`) {
		t.Fatalf("health request not recorded:\n%s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
	var oas map[string]any
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	paths, _ := oas["paths"].(map[string]any)
	if _, ok := paths["/v0/dogsits/{request_id}/accept/{user_id}"]; !ok {
		t.Fatalf("accept route missing from openapi")
	}
}

func TestRateLimit(t *testing.T) {
	srv, cleanup := newTestServer(t, RateLimit{RequestsPerSecond: 0.01, Burst: 1})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first request: %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusTooManyRequests || errorCode(t, data) != "rate_limited" {
		t.Fatalf("second request: %d %s", res.StatusCode, string(data))
	}
}

func TestFailedCredentialsAreRateLimited(t *testing.T) {
	srv, cleanup := newTestServer(t, RateLimit{RequestsPerSecond: 0.01, Burst: 2})
	defer cleanup()
	client := srv.Client()

	var statuses []int
	for i := 0; i < 5; i++ {
		res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, basic("ghost", "wrong"))
		statuses = append(statuses, res.StatusCode)
	}
	want := []int{401, 401, 429, 429, 429}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}
}

func TestUnhandledErrorsAreNotExposed(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	ctx := withLogger(context.Background(), logger.WithField("path", "/v0/dogsits"))

	se := handleError(ctx, errors.New("disk I/O error"))
	apiErr, ok := se.(*apiError)
	if !ok {
		t.Fatalf("unexpected error type %T", se)
	}
	if apiErr.status != http.StatusInternalServerError || apiErr.Body.Code != "internal_error" {
		t.Fatalf("unexpected error %d %s", apiErr.status, apiErr.Body.Code)
	}
	body, _ := json.Marshal(apiErr)
	if strings.Contains(string(body), "disk") {
		t.Fatalf("internal error text leaked: %s", body)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.ErrorLevel {
		t.Fatalf("expected an error log entry, got %+v", entry)
	}
	if err, _ := entry.Data[logrus.ErrorKey].(error); err == nil || err.Error() != "disk I/O error" {
		t.Fatalf("logged error = %v", entry.Data[logrus.ErrorKey])
	}
}
