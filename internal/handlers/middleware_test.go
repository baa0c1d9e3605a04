package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relaychess/internal/apperr"
)

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearer":       "",
		"":             "",
		"abc":          "",
	}
	for header, want := range cases {
		req := httptest.NewRequest("GET", "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		if got := bearerToken(req); got != want {
			t.Fatalf("bearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestCorrelationIDIsEchoedOrGenerated(t *testing.T) {
	var seen string
	h := correlationIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(CorrelationIDHeader, "req-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, "req-1", seen)
	require.Equal(t, "req-1", w.Header().Get(CorrelationIDHeader))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	require.NotEmpty(t, seen)
	require.NotEqual(t, "req-1", seen)
	require.Equal(t, seen, w.Header().Get(CorrelationIDHeader))
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := cors(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("OPTIONS", "/game/create", nil))
	require.Equal(t, http.StatusNoContent, w.Code)
	require.False(t, called)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestWriteErrorHidesInternals(t *testing.T) {
	h := NewHandler(nil, nil, WithLogger(zap.NewNop()))
	req := httptest.NewRequest("GET", "/", nil)

	w := httptest.NewRecorder()
	h.writeError(w, req, apperr.Wrap(apperr.CodeStore, "store failure", http.ErrHandlerTimeout))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.JSONEq(t, `{"success":false,"error":"internal server error","code":"STORE"}`, w.Body.String())

	w = httptest.NewRecorder()
	h.writeError(w, req, apperr.New(apperr.CodeNotYourTurn, "not your turn"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.JSONEq(t, `{"success":false,"error":"not your turn","code":"NOT_YOUR_TURN"}`, w.Body.String())
}
