package apiclient

import "sync"

// Credentials holds the session token pair. An empty string means the token is
// absent. The lock is only held while the pair is read or replaced, never
// across a network call.
type Credentials struct {
	mu           sync.RWMutex
	accessToken  string
	refreshToken string
}

func (c *Credentials) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.accessToken
}

func (c *Credentials) RefreshToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.refreshToken
}

// Pair returns both tokens as read under a single lock acquisition.
func (c *Credentials) Pair() (accessToken, refreshToken string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.accessToken, c.refreshToken
}

// Set replaces both tokens.
func (c *Credentials) Set(accessToken, refreshToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.accessToken = accessToken
	c.refreshToken = refreshToken
}

// Clear removes both tokens.
func (c *Credentials) Clear() {
	c.Set("", "")
}

// update replaces whichever tokens are supplied, in one critical section. A
// nil value leaves that token unchanged.
func (c *Credentials) update(accessToken, refreshToken *string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if accessToken != nil {
		c.accessToken = *accessToken
	}
	if refreshToken != nil {
		c.refreshToken = *refreshToken
	}
}
