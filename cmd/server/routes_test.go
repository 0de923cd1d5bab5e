package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubStore struct{ err error }

func (s stubStore) Ping(context.Context) error { return s.err }

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		wantStatus int
		wantBody   string
	}{
		{name: "store reachable", wantStatus: http.StatusOK, wantBody: `{"status":"ok"}`},
		{name: "store down", pingErr: errors.New("dial tcp: refused"), wantStatus: http.StatusServiceUnavailable, wantBody: `{"status":"degraded"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			h := routes(stubStore{err: tt.pingErr}, nil, nil, nil)
			w := httptest.NewRecorder()

			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			req.Equal(tt.wantStatus, w.Code)
			req.JSONEq(tt.wantBody, w.Body.String())
		})
	}
}

func TestRoutes_APIRequiresToken(t *testing.T) {
	req := require.New(t)
	h := routes(stubStore{}, nil, nil, nil)

	for _, path := range []string{"/ws", "/api/chats", "/api/users/online", "/api/notifications"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		req.Equal(http.StatusUnauthorized, w.Code, path)
	}
}
