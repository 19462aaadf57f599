package api

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const tokenBytes = 32

// Token is an issued access token. Tokens live in memory only and are gone
// after a restart.
type Token struct {
	Username string
	Expires  time.Time
}

type TokenStore struct {
	ttl time.Duration
	now func() time.Time

	lock   sync.RWMutex
	tokens map[string]Token
}

func NewTokenStore(ttl time.Duration) *TokenStore {
	return &TokenStore{
		ttl:    ttl,
		now:    time.Now,
		tokens: make(map[string]Token),
	}
}

func (ts *TokenStore) Issue(username string) (string, Token, error) {
	id, err := randomString(tokenBytes)
	if err != nil {
		return "", Token{}, errors.Wrap(err, "failed to generate token")
	}

	token := Token{Username: username, Expires: ts.now().Add(ts.ttl)}

	ts.lock.Lock()
	defer ts.lock.Unlock()
	ts.tokens[id] = token
	return id, token, nil
}

// Get returns the token unless it is unknown or expired.
func (ts *TokenStore) Get(id string) (Token, bool) {
	ts.lock.RLock()
	defer ts.lock.RUnlock()

	token, ok := ts.tokens[id]
	if !ok || ts.now().After(token.Expires) {
		return Token{}, false
	}
	return token, true
}

func (ts *TokenStore) Revoke(id string) bool {
	ts.lock.Lock()
	defer ts.lock.Unlock()

	if _, ok := ts.tokens[id]; ok {
		delete(ts.tokens, id)
		return true
	}
	return false
}

// Purge drops expired tokens and returns how many were dropped.
func (ts *TokenStore) Purge() int {
	ts.lock.Lock()
	defer ts.lock.Unlock()

	now := ts.now()
	purged := 0
	for id, token := range ts.tokens {
		if now.After(token.Expires) {
			delete(ts.tokens, id)
			purged++
		}
	}
	return purged
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
