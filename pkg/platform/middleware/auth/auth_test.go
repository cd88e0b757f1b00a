package auth

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	id "kyc/pkg/domain"
	"kyc/pkg/requestcontext"
)

type fakeValidator struct {
	sessionID id.SessionID
	err       error
}

func (f fakeValidator) ValidateSessionToken(string) (id.SessionID, error) {
	return f.sessionID, f.err
}

func TestRequireSessionToken(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessionID := id.NewSessionID()

	var seen id.SessionID
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestcontext.SessionID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	t.Run("missing header", func(t *testing.T) {
		h := RequireSessionToken(fakeValidator{sessionID: sessionID}, logger)(next)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status/x", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		h := RequireSessionToken(fakeValidator{err: errors.New("expired")}, logger)(next)
		req := httptest.NewRequest(http.MethodGet, "/status/x", nil)
		req.Header.Set("Authorization", "Bearer abc")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("valid token puts session id in context", func(t *testing.T) {
		h := RequireSessionToken(fakeValidator{sessionID: sessionID}, logger)(next)
		req := httptest.NewRequest(http.MethodGet, "/status/x", nil)
		req.Header.Set("Authorization", "Bearer abc")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, sessionID, seen)
	})
}
