package sitswapsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginStoresBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/auth/login":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "ada", body["username"])
			_ = json.NewEncoder(w).Encode(map[string]any{
				"token":      "tok-1",
				"expires_at": "2024-03-02T00:00:00Z",
				"user":       map[string]any{"id": "u1", "username": "ada", "points": 100},
			})
		case "/v0/dogsits/r1/complete":
			assert.Equal(t, http.MethodPut, r.Method)
			gotAuth = r.Header.Get("Authorization")
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "r1", "status": "COMPLETED", "points_owed": 30})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	u, err := c.Login(context.Background(), "ada", "pw")
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.Points)
	assert.Equal(t, "tok-1", c.BearerToken)

	d, err := c.CompleteRequest(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", d.Status)
	assert.Equal(t, int64(30), d.PointsOwed)
	assert.Equal(t, "Bearer tok-1", gotAuth)
}

func TestBasicAuthAndErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "bob", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "/api/dogsits/r1/accept/u2", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"invalid_transition","message":"request already accepted or completed"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BasePath = "/api/"
	c.Username = "bob"
	c.Password = "secret"
	_, err := c.AcceptRequest(context.Background(), "r1", "u2")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_transition", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "code=invalid_transition")
}

func TestListDecodesArrays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/dogsits/status/PENDING":
			_, _ = w.Write([]byte(`[{"id":"r2","status":"PENDING"},{"id":"r1","status":"PENDING"}]`))
		case "/v0/users/u1/ledger":
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			_, _ = w.Write([]byte(`[{"id":2,"kind":"sit_debit","delta":-30,"balance_after":70}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	items, err := c.RequestsByStatus(context.Background(), "PENDING")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "r2", items[0].ID)

	entries, err := c.Ledger(context.Background(), "u1", 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(-30), entries[0].Delta)

	_, err = c.GetUser(context.Background(), "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Empty(t, apiErr.Code)
}
