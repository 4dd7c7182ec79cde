// Package secrets resolves per-channel platform credentials.
package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Credentials are the OAuth client and refresh token for one channel.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

func (c Credentials) complete() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
}

// Source looks up named secret values. Missing names are absent from the map.
type Source interface {
	Lookup(ctx context.Context, names []string) (map[string]string, error)
}

// Resolver resolves channel credentials through a Source and memoizes them
// for ttl.
type Resolver struct {
	source Source
	naming Naming
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cached
}

type cached struct {
	creds   Credentials
	expires time.Time
}

// Naming maps a channel key to the secret names holding its credentials.
type Naming func(channelKey string) (clientID, clientSecret, refreshToken string)

func NewResolver(source Source, naming Naming, ttl time.Duration) *Resolver {
	return &Resolver{source: source, naming: naming, ttl: ttl, now: time.Now, cache: map[string]cached{}}
}

// ChannelCredentials returns the channel's credentials, refreshing the cached
// copy once it is older than the TTL.
func (r *Resolver) ChannelCredentials(ctx context.Context, channelKey string) (Credentials, error) {
	now := r.now()
	r.mu.RLock()
	c, ok := r.cache[channelKey]
	r.mu.RUnlock()
	if ok && now.Before(c.expires) {
		return c.creds, nil
	}

	idName, secretName, tokenName := r.naming(channelKey)
	values, err := r.source.Lookup(ctx, []string{idName, secretName, tokenName})
	if err != nil {
		return Credentials{}, fmt.Errorf("resolve credentials for %s: %w", channelKey, err)
	}
	creds := Credentials{
		ClientID:     values[idName],
		ClientSecret: values[secretName],
		RefreshToken: values[tokenName],
	}
	if !creds.complete() {
		return Credentials{}, &MissingError{Channel: channelKey}
	}

	r.mu.Lock()
	r.cache[channelKey] = cached{creds: creds, expires: now.Add(r.ttl)}
	r.mu.Unlock()
	return creds, nil
}

// Invalidate drops a channel's cached credentials.
func (r *Resolver) Invalidate(channelKey string) {
	r.mu.Lock()
	delete(r.cache, channelKey)
	r.mu.Unlock()
}

// MissingError means a channel has no complete credential set configured.
type MissingError struct {
	Channel string
}

func (e *MissingError) Error() string {
	return "incomplete credentials for channel " + e.Channel
}

// EnvNaming uses PLATFORM_CLIENT_ID, PLATFORM_CLIENT_SECRET and
// PLATFORM_REFRESH_TOKEN_<CHANNEL>.
func EnvNaming(channelKey string) (string, string, string) {
	suffix := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(channelKey))
	return "PLATFORM_CLIENT_ID", "PLATFORM_CLIENT_SECRET", "PLATFORM_REFRESH_TOKEN_" + suffix
}

// PathNaming lays secrets out as <prefix>/client_id, <prefix>/client_secret
// and <prefix>/channels/<channel>/refresh_token.
func PathNaming(prefix string) Naming {
	prefix = strings.TrimRight(prefix, "/")
	return func(channelKey string) (string, string, string) {
		return prefix + "/client_id", prefix + "/client_secret", prefix + "/channels/" + channelKey + "/refresh_token"
	}
}
