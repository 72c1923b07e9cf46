package httpmw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
		keep    bool
	}{
		{"none", "", false},
		{"well formed", "lb-7f3a.req_01", true},
		{"too long", strings.Repeat("a", maxRequestIDLen+1), false},
		{"max length", strings.Repeat("a", maxRequestIDLen), true},
		{"injection", "abc\r\nX-Evil: 1", false},
		{"space", "abc def", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", http.NoBody)
			if tt.inbound != "" {
				req.Header[DefaultRequestIDHeader] = []string{tt.inbound}
			}
			var inCtx string
			rec := httptest.NewRecorder()
			RequestID("")(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				inCtx = RequestIDFromContext(r.Context())
			})).ServeHTTP(rec, req)

			echoed := rec.Header().Get(DefaultRequestIDHeader)
			if echoed != inCtx {
				t.Fatalf("echoed %q, context %q", echoed, inCtx)
			}
			if tt.keep && inCtx != tt.inbound {
				t.Fatalf("id = %q, want inbound %q", inCtx, tt.inbound)
			}
			if !tt.keep && (inCtx == tt.inbound || len(inCtx) != 32) {
				t.Fatalf("id = %q, want a fresh 32-char id", inCtx)
			}
		})
	}
}

func TestRequestID_CustomHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	RequestID("X-Correlation-Id")(http.NotFoundHandler()).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Header().Get("X-Correlation-Id") == "" {
		t.Fatal("custom header not set")
	}
	if rec.Header().Get(DefaultRequestIDHeader) != "" {
		t.Fatal("default header set alongside custom one")
	}
}

func TestNewRequestID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := newRequestID()
		if !validRequestID(id) || seen[id] {
			t.Fatalf("bad or repeated id %q", id)
		}
		seen[id] = true
	}
}
