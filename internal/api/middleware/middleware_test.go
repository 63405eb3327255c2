package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"portfolio/pkg/utils"
)

const testUserID = "3f0c6f1e-8d52-4a4b-9b7e-51c1f1a2b3c4"

var testSecret = []byte("test-jwt-secret-0123456789abcdef")

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   testUserID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

// echoUser возвращает user id из контекста
var echoUser = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(UserIDFromContext(r.Context())))
})

// ============ Auth Tests ============

func TestAuth(t *testing.T) {
	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil

	badSubject := validClaims()
	badSubject.Subject = "admin"

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantUser   string
	}{
		{"valid token", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, validClaims()), http.StatusOK, testUserID},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"not bearer", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, ""},
		{"wrong secret", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other-secret"), validClaims()), http.StatusUnauthorized, ""},
		{"wrong algorithm", "Bearer " + signToken(t, jwt.SigningMethodHS512, testSecret, validClaims()), http.StatusUnauthorized, ""},
		{"expired token", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, expired), http.StatusUnauthorized, ""},
		{"token without expiry", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, noExpiry), http.StatusUnauthorized, ""},
		{"subject is not a uuid", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, badSubject), http.StatusUnauthorized, ""},
		{"garbage token", "Bearer not.a.token", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/portfolio", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			Auth(testSecret)(echoUser).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if tt.wantStatus == http.StatusOK && w.Body.String() != tt.wantUser {
				t.Errorf("user = %q, want %q", w.Body.String(), tt.wantUser)
			}
			if tt.wantStatus == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 should carry WWW-Authenticate")
			}
		})
	}
}

func TestBasicAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	t.Run("disabled without credentials", func(t *testing.T) {
		w := httptest.NewRecorder()
		BasicAuth("", "")(ok).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if w.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
		}
	})

	tests := []struct {
		name       string
		user, pass string
		wantStatus int
	}{
		{"correct credentials", "prom", "scrape", http.StatusOK},
		{"wrong password", "prom", "nope", http.StatusUnauthorized},
		{"wrong user", "root", "scrape", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			req.SetBasicAuth(tt.user, tt.pass)
			w := httptest.NewRecorder()

			BasicAuth("prom", "scrape")(ok).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
		})
	}
}

// ============ CORS Tests ============

func TestCORS(t *testing.T) {
	handler := CORS([]string{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("allowed origin gets credentials", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/portfolio", nil)
		req.Header.Set("Origin", "https://app.example.com")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Errorf("Allow-Origin = %q", got)
		}
		if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
			t.Error("credentials should be allowed for known origin")
		}
	})

	t.Run("unknown origin gets no allow header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/portfolio", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Allow-Origin = %q, want empty", got)
		}
	})

	t.Run("preflight is answered without calling next", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/portfolio", nil)
		req.Header.Set("Origin", "https://app.example.com")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusNoContent {
			t.Errorf("expected status %d, got %d", http.StatusNoContent, w.Code)
		}
		if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), "Authorization") {
			t.Error("Authorization header should be allowed")
		}
	})
}

// ============ RequestID / Recovery / Logging Tests ============

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	t.Run("generates id", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		if seen == "" || w.Header().Get(RequestIDHeader) != seen {
			t.Errorf("id = %q, header = %q", seen, w.Header().Get(RequestIDHeader))
		}
	})

	t.Run("keeps incoming id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, "trace-42")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if seen != "trace-42" {
			t.Errorf("id = %q, want trace-42", seen)
		}
	})
}

func TestRecovery(t *testing.T) {
	handler := Recovery(utils.NewNopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/portfolio", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
	if strings.Contains(w.Body.String(), "boom") {
		t.Error("panic value should not leak to the client")
	}
}

func TestLogging_CapturesStatus(t *testing.T) {
	var captured *responseWriter
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = w.(*responseWriter)
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short"))
	})

	w := httptest.NewRecorder()
	Logging(utils.NewNopLogger())(inner).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/anything", nil))

	if captured == nil {
		t.Fatal("handler should receive wrapped writer")
	}
	if captured.statusCode != http.StatusTeapot || captured.written != 5 {
		t.Errorf("status = %d, written = %d", captured.statusCode, captured.written)
	}
	if w.Code != http.StatusTeapot {
		t.Errorf("expected status %d, got %d", http.StatusTeapot, w.Code)
	}
}
