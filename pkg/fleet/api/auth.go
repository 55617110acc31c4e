// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
	yaml "gopkg.in/yaml.v2"

	"github.com/sraths91/atlas/pkg/util/log"
)

const (
	sessionCookie = "atlas_session"
	tokenBytes    = 32 // 256-bit session and CSRF tokens
)

// ErrBadCredentials is the single error for any login failure, so responses
// cannot be used to enumerate accounts.
var ErrBadCredentials = errors.New("invalid username or password")

var sha256HexRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// dummyHash keeps login timing flat for unknown usernames.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("atlas-no-such-user"), bcrypt.MinCost)

type userRecord struct {
	PasswordHash string `yaml:"password_hash"`
}

type usersFile struct {
	Users map[string]userRecord `yaml:"users"`
}

// UserStore is the file-backed account table. Passwords are bcrypt; legacy
// SHA-256 hex entries are verified once and rewritten as bcrypt before the
// login succeeds.
type UserStore struct {
	path       string
	bcryptCost int
	minLength  int

	mu    sync.Mutex
	users map[string]userRecord
}

// NewUserStore loads (or creates) the users file.
func NewUserStore(path string, bcryptCost, minPasswordLength int) (*UserStore, error) {
	s := &UserStore{
		path:       path,
		bcryptCost: bcryptCost,
		minLength:  minPasswordLength,
		users:      map[string]userRecord{},
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading users file")
	}
	var f usersFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, "parsing users file")
	}
	if f.Users != nil {
		s.users = f.Users
	}
	return s, nil
}

// SetPassword creates or updates an account, refusing passwords below the
// configured minimum length.
func (s *UserStore) SetPassword(username, password string) error {
	if len(password) < s.minLength {
		return errors.Errorf("password must be at least %d characters", s.minLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return errors.Wrap(err, "hashing password")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = userRecord{PasswordHash: string(hash)}
	return s.persistLocked()
}

// Verify checks the password. A legacy SHA-256 entry that matches is
// upgraded to bcrypt and persisted before Verify returns success; if the
// upgrade cannot be persisted the login fails.
func (s *UserStore) Verify(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.users[username]
	if !ok {
		// burn comparable time so a missing user is not distinguishable
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password)) //nolint:errcheck
		return ErrBadCredentials
	}

	if sha256HexRe.MatchString(rec.PasswordHash) {
		sum := sha256.Sum256([]byte(password))
		if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(rec.PasswordHash)) != 1 {
			return ErrBadCredentials
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
		if err != nil {
			return errors.Wrap(err, "upgrading legacy hash")
		}
		s.users[username] = userRecord{PasswordHash: string(hash)}
		if err := s.persistLocked(); err != nil {
			return errors.Wrap(err, "persisting upgraded hash")
		}
		log.Infof("upgraded legacy password hash for %s", username)
		return nil
	}

	if bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)) != nil {
		return ErrBadCredentials
	}
	return nil
}

// HasUsers reports whether any account exists yet.
func (s *UserStore) HasUsers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users) > 0
}

func (s *UserStore) persistLocked() error {
	raw, err := yaml.Marshal(usersFile{Users: s.users})
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

type session struct {
	username string
	csrf     string
	expires  time.Time
}

// SessionManager issues and checks opaque session tokens.
type SessionManager struct {
	ttl    time.Duration
	secure bool

	mu       sync.Mutex
	sessions map[string]session
}

// NewSessionManager returns an empty manager. secure marks cookies
// Secure, which the caller enables whenever the server terminates TLS.
func NewSessionManager(ttl time.Duration, secure bool) *SessionManager {
	return &SessionManager{ttl: ttl, secure: secure, sessions: map[string]session{}}
}

// Issue creates a session and sets the cookie. The returned CSRF token must
// accompany state-changing requests in X-CSRF-Token.
func (m *SessionManager) Issue(w http.ResponseWriter, username string) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	csrf, err := randomToken()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.sessions[token] = session{username: username, csrf: csrf, expires: time.Now().Add(m.ttl)}
	m.pruneLocked()
	m.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(m.ttl.Seconds()),
	})
	return csrf, nil
}

// Check validates the request's session cookie. The bool reports validity;
// the returned csrf token is for the middleware's state-change check.
func (m *SessionManager) Check(r *http.Request) (username, csrf string, ok bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return "", "", false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sess, found := m.sessions[cookie.Value]
	if !found || time.Now().After(sess.expires) {
		delete(m.sessions, cookie.Value)
		return "", "", false
	}
	return sess.username, sess.csrf, true
}

// Revoke drops the session named by the request cookie.
func (m *SessionManager) Revoke(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		m.mu.Lock()
		delete(m.sessions, cookie.Value)
		m.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func (m *SessionManager) pruneLocked() {
	now := time.Now()
	for token, sess := range m.sessions {
		if now.After(sess.expires) {
			delete(m.sessions, token)
		}
	}
}

func randomToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "generating token")
	}
	return hex.EncodeToString(buf), nil
}

// apiKeyEqual compares a presented key against the configured one in
// constant time.
func apiKeyEqual(presented, configured string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
