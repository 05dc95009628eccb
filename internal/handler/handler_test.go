package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nllm/tokend/internal/ratelimit"
	"github.com/nllm/tokend/internal/server/middleware"
	"github.com/nllm/tokend/internal/service"
	"github.com/nllm/tokend/internal/store"
)

const testSessionSecret = "handler-tests-session-secret-0123456789"

var testStart = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store    *store.Store
	tokens   *service.TokenService
	sessions *service.JWTSessions
	clock    *clockwork.FakeClock
	router   chi.Router
}

// newTestEnv creates a fresh test environment with an in-memory store, a
// token service, and a Chi router with the token routes mounted behind the
// real authentication middleware.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.OpenSQLite("") // in-memory SQLite
	if err != nil {
		t.Fatalf("store.OpenSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := clockwork.NewFakeClockAt(testStart)
	limiter := ratelimit.New(ratelimit.NewMemoryBackend(), clock, map[ratelimit.Action]ratelimit.Policy{
		ratelimit.ActionIssue: {Limit: 5, Window: time.Hour},
	})
	usage := service.NewUsageRecorder(st, service.UsageConfig{}, nil, zerolog.Nop())
	tokens := service.NewTokenService(st, limiter, usage, service.WithClock(clock))
	sessions, err := service.NewJWTSessions(testSessionSecret, clock)
	if err != nil {
		t.Fatalf("NewJWTSessions: %v", err)
	}

	h := NewTokenHandler(tokens, zerolog.Nop())
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(sessions, tokens, zerolog.Nop()))
		r.Get("/me", h.Me)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireSession())
			r.Post("/tokens", h.Issue)
			r.Get("/tokens", h.List)
			r.Delete("/tokens/{id}", h.Revoke)
			r.Get("/tokens/{id}/usage", h.Usage)
		})
	})

	return &testEnv{store: st, tokens: tokens, sessions: sessions, clock: clock, router: r}
}

// session mints a session credential for owner.
func (e *testEnv) session(t *testing.T, owner string) string {
	t.Helper()
	s, err := e.sessions.Issue(owner, time.Hour)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return s
}

// do executes an HTTP request against the test router and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path, bearer string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("User-Agent", "handler-test/1.0")
	req.RemoteAddr = "192.0.2.10:40000"
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func toJSON(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}
