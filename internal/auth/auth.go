// Package auth binds instructor logins against a directory server and
// issues signed session cookies: instructor auth is via directory bind.
package auth

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/gorilla/securecookie"

	"github.com/invigil/invigil/internal/config"
)

const (
	SessionCookieName = "invigil_session"
	sessionTTL        = 12 * time.Hour
)

// Session is the signed cookie payload: just enough to identify the
// instructor and bound the session's lifetime.
type Session struct {
	Prof      string    `json:"prof"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Authenticator binds instructor credentials against LDAP and signs
// session cookies with a key from COOKIE_KEY_HEX.
type Authenticator struct {
	cfg config.Server
	sc  *securecookie.SecureCookie
}

func New(cfg config.Server) (*Authenticator, error) {
	keyBytes, err := hex.DecodeString(cfg.CookieKeyHex)
	if err != nil {
		return nil, fmt.Errorf("auth: decoding COOKIE_KEY_HEX: %w", err)
	}
	// securecookie wants a 32-byte hash key and a 32-byte block key; split
	// the configured 64 hex chars (32 bytes) in half for each purpose would
	// leave too little entropy, so the hash key is the full 32 bytes and
	// encryption is left unused (signing only, no payload confidentiality
	// need for a prof name + expiry).
	sc := securecookie.New(keyBytes, nil)
	sc.MaxAge(int(sessionTTL.Seconds()))
	return &Authenticator{cfg: cfg, sc: sc}, nil
}

// Bind attempts an LDAP bind for (username, password) against the
// configured directory. Returns username on success.
func (a *Authenticator) Bind(username, password string) (string, error) {
	conn, err := ldap.DialURL(a.cfg.LDAPServer)
	if err != nil {
		return "", fmt.Errorf("auth: dialing ldap: %w", err)
	}
	defer conn.Close()

	if a.cfg.LDAPBindDN != "" {
		if err := conn.Bind(a.cfg.LDAPBindDN, a.cfg.LDAPBindPasswd); err != nil {
			return "", fmt.Errorf("auth: service bind: %w", err)
		}
	}

	searchReq := ldap.NewSearchRequest(
		a.cfg.LDAPBaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		fmt.Sprintf("(%s=%s)", a.cfg.LDAPUserAttr, ldap.EscapeFilter(username)),
		[]string{"dn"},
		nil,
	)
	res, err := conn.Search(searchReq)
	if err != nil || len(res.Entries) != 1 {
		return "", fmt.Errorf("auth: user %q not found", username)
	}
	dn := res.Entries[0].DN

	if err := conn.Bind(dn, password); err != nil {
		return "", fmt.Errorf("auth: invalid credentials: %w", err)
	}
	return username, nil
}

// NewSessionCookie signs a Session for prof into an http.Cookie.
func (a *Authenticator) NewSessionCookie(prof string) (*http.Cookie, error) {
	sess := Session{Prof: prof, ExpiresAt: time.Now().Add(sessionTTL)}
	encoded, err := a.sc.Encode(SessionCookieName, sess)
	if err != nil {
		return nil, fmt.Errorf("auth: encoding session: %w", err)
	}
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.ExpiresAt,
	}, nil
}

// SessionFromRequest decodes and validates the session cookie, rejecting
// expired sessions.
func (a *Authenticator) SessionFromRequest(r *http.Request) (Session, bool) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return Session{}, false
	}
	var sess Session
	if err := a.sc.Decode(SessionCookieName, cookie.Value, &sess); err != nil {
		return Session{}, false
	}
	if time.Now().After(sess.ExpiresAt) {
		return Session{}, false
	}
	return sess, true
}

// ClearSessionCookie returns a cookie that immediately expires the
// instructor's session (logout).
func ClearSessionCookie() *http.Cookie {
	return &http.Cookie{Name: SessionCookieName, Value: "", Path: "/", MaxAge: -1}
}
