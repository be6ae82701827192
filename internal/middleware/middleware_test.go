package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ParticipantFrom(r.Context())))
	})
}

func TestIdentity(t *testing.T) {
	h := Identity(RequireParticipant(okHandler()))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{"valid", "buyer-1", http.StatusOK, "buyer-1"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"malformed", "buyer 1", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/trades", nil)
			if tt.header != "" {
				req.Header.Set(ParticipantHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("want status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("want body %q, got %q", tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	l := NewRateLimiter(1, 2)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	h := Identity(l.Middleware(okHandler()))
	do := func(id string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
		req.Header.Set(ParticipantHeader, id)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if do("buyer-1") != http.StatusOK || do("buyer-1") != http.StatusOK {
		t.Fatal("want burst of 2 to pass")
	}
	if got := do("buyer-1"); got != http.StatusTooManyRequests {
		t.Errorf("want 429 after burst, got %d", got)
	}
	if got := do("seller-1"); got != http.StatusOK {
		t.Errorf("want other participant unaffected, got %d", got)
	}

	now = now.Add(time.Second)
	if got := do("buyer-1"); got != http.StatusOK {
		t.Errorf("want token refilled after 1s, got %d", got)
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	l := NewRateLimiter(0, 0)
	if l != nil {
		t.Fatal("want nil limiter for zero rate")
	}
	for i := 0; i < 100; i++ {
		if !l.Allow("anyone") {
			t.Fatal("nil limiter must allow everything")
		}
	}
}
