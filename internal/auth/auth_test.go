package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/invigil/invigil/internal/config"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := New(config.Server{CookieKeyHex: "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f2021222324252627"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNewRejectsInvalidHexKey(t *testing.T) {
	if _, err := New(config.Server{CookieKeyHex: "not-hex"}); err == nil {
		t.Fatal("expected an error for a non-hex cookie key")
	}
}

func TestSessionCookieRoundTrip(t *testing.T) {
	a := newTestAuthenticator(t)
	cookie, err := a.NewSessionCookie("prof-smith")
	if err != nil {
		t.Fatalf("NewSessionCookie: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/assignment/1", nil)
	req.AddCookie(cookie)

	sess, ok := a.SessionFromRequest(req)
	if !ok {
		t.Fatal("expected a valid session to decode")
	}
	if sess.Prof != "prof-smith" {
		t.Errorf("expected prof-smith, got %q", sess.Prof)
	}
}

func TestSessionFromRequestMissingCookie(t *testing.T) {
	a := newTestAuthenticator(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/assignment/1", nil)
	if _, ok := a.SessionFromRequest(req); ok {
		t.Fatal("expected no session without a cookie")
	}
}

func TestSessionFromRequestExpired(t *testing.T) {
	a := newTestAuthenticator(t)
	sess := Session{Prof: "prof-smith", ExpiresAt: time.Now().Add(-time.Hour)}
	encoded, err := a.sc.Encode(SessionCookieName, sess)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/admin/assignment/1", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: encoded})

	if _, ok := a.SessionFromRequest(req); ok {
		t.Fatal("expected expired session to be rejected")
	}
}

func TestSessionFromRequestTamperedCookie(t *testing.T) {
	a := newTestAuthenticator(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/assignment/1", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "garbage-not-signed"})
	if _, ok := a.SessionFromRequest(req); ok {
		t.Fatal("expected tampered cookie value to be rejected")
	}
}

func TestClearSessionCookieExpiresImmediately(t *testing.T) {
	c := ClearSessionCookie()
	if c.Name != SessionCookieName || c.MaxAge >= 0 {
		t.Errorf("expected an immediately-expiring cookie, got %+v", c)
	}
}
