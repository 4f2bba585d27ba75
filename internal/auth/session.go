package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	// CookieName carries the session token.
	CookieName = "airlift_session"

	// SessionTTL bounds how long a login lasts.
	SessionTTL = 7 * 24 * time.Hour
)

// sessionKey derives the HMAC key from the stored password hash, so
// changing the password invalidates every outstanding session.
func sessionKey(passwordHash string) []byte {
	sum := sha256.Sum256([]byte("session:" + passwordHash))
	return sum[:]
}

type sessionClaims struct {
	Exp int64 `json:"exp"`
}

// NewSessionToken mints "base64url(payload).base64url(mac)" where the
// payload is a JSON claims object carrying the unix expiry.
func NewSessionToken(passwordHash string, now time.Time) string {
	payload, _ := json.Marshal(sessionClaims{Exp: now.Add(SessionTTL).Unix()})
	mac := hmac.New(sha256.New, sessionKey(passwordHash))
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySessionToken checks the token's signature and expiry.
func VerifySessionToken(passwordHash, token string, now time.Time) bool {
	payloadPart, macPart, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return false
	}
	gotMAC, err := base64.RawURLEncoding.DecodeString(macPart)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, sessionKey(passwordHash))
	mac.Write(payload)
	if !hmac.Equal(gotMAC, mac.Sum(nil)) {
		return false
	}
	var claims sessionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return false
	}
	return now.Unix() < claims.Exp
}

// SessionCookie builds the session cookie for the given request host.
// Local development over plain HTTP gets a relaxed variant.
func SessionCookie(token, host string) *http.Cookie {
	local := isLocalhost(host)
	c := &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(SessionTTL / time.Second),
		HttpOnly: true,
		Secure:   !local,
		SameSite: http.SameSiteStrictMode,
	}
	if local {
		c.SameSite = http.SameSiteLaxMode
	}
	return c
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(host string) *http.Cookie {
	c := SessionCookie("", host)
	c.MaxAge = -1
	return c
}

func isLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
