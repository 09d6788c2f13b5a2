package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func findCSRFCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == csrfCookieName {
			return c
		}
	}
	return nil
}

func TestCSRFMiddleware_SafeMethods_PassWithoutToken(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			called := false
			handler := NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(method, "/api/session", nil))

			if !called {
				t.Error("handler should be called for safe method")
			}
			if findCSRFCookie(w.Result()) == nil {
				t.Error("expected csrf_token cookie to be issued")
			}
		})
	}
}

func TestCSRFMiddleware_SafeMethod_ExistingCookieNotReplaced(t *testing.T) {
	handler := NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if c := findCSRFCookie(w.Result()); c != nil {
		t.Errorf("cookie should not be replaced, got %q", c.Value)
	}
}

func TestCSRFMiddleware_StateChangingMethods(t *testing.T) {
	tests := []struct {
		name       string
		cookie     string
		header     string
		wantStatus int
	}{
		{"no cookie", "", "token", http.StatusForbidden},
		{"no header", "token", "", http.StatusForbidden},
		{"mismatch", "token-a", "token-b", http.StatusForbidden},
		{"match", "token-a", "token-a", http.StatusOK},
	}

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		for _, tt := range tests {
			t.Run(method+" "+tt.name, func(t *testing.T) {
				handler := NewCSRFMiddleware(CSRFConfig{})(okHandler())

				req := httptest.NewRequest(method, "/api/auth/signin", nil)
				if tt.cookie != "" {
					req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
				}
				if tt.header != "" {
					req.Header.Set(csrfHeaderName, tt.header)
				}
				w := httptest.NewRecorder()
				handler.ServeHTTP(w, req)

				if w.Code != tt.wantStatus {
					t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
				}
				if tt.wantStatus == http.StatusForbidden {
					var body ErrorResponseBody
					if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
						t.Fatalf("failed to decode body: %v", err)
					}
					if body.Code != "CSRF_TOKEN_INVALID" {
						t.Errorf("code = %q, want CSRF_TOKEN_INVALID", body.Code)
					}
				}
			})
		}
	}
}

func TestCSRFTokenHandler_IssuesToken(t *testing.T) {
	handler := NewCSRFTokenHandler(CSRFConfig{CookieSecure: true})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if len(body.Token) != 64 {
		t.Errorf("token length = %d, want 64", len(body.Token))
	}

	c := findCSRFCookie(w.Result())
	if c == nil {
		t.Fatal("expected csrf_token cookie")
	}
	if c.Value != body.Token {
		t.Errorf("cookie = %q, body = %q; should match", c.Value, body.Token)
	}
	if c.HttpOnly {
		t.Error("cookie must be readable from JavaScript")
	}
	if !c.Secure || c.SameSite != http.SameSiteStrictMode {
		t.Errorf("Secure=%v SameSite=%v, want true/Strict", c.Secure, c.SameSite)
	}
}

func TestCSRFTokenHandler_ExistingCookie_ReturnsSameToken(t *testing.T) {
	handler := NewCSRFTokenHandler(CSRFConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing-csrf-token"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Token != "existing-csrf-token" {
		t.Errorf("token = %q, want existing-csrf-token", body.Token)
	}
}
