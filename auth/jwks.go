package auth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

const fetchTimeout = 10 * time.Second

// Process-scoped registry of key-set clients, one per issuer.
// Lazily initialized, never torn down implicitly; tests call
// ClearKeyClients between cases.
var (
	keyClientsMu sync.Mutex
	keyClients   = make(map[string]*KeyClient)
)

func keyClientFor(issuer string) *KeyClient {
	keyClientsMu.Lock()
	defer keyClientsMu.Unlock()

	if client, ok := keyClients[issuer]; ok {
		return client
	}
	client := NewKeyClient(issuer)
	keyClients[issuer] = client
	return client
}

// ClearKeyClients drops every cached key-set client. Exists for test
// isolation; production code never needs it.
func ClearKeyClients() {
	keyClientsMu.Lock()
	defer keyClientsMu.Unlock()
	keyClients = make(map[string]*KeyClient)
}

// KeyClient fetches and caches the JSON Web Key Set published by an issuer.
// The network is touched only on a cache miss.
type KeyClient struct {
	url string

	mu   sync.Mutex
	keys map[string]*rsa.PublicKey
}

func NewKeyClient(issuer string) *KeyClient {
	return &KeyClient{
		url:  strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json",
		keys: make(map[string]*rsa.PublicKey),
	}
}

// Key returns the public key published under kid, fetching the key set
// once on a miss.
func (c *KeyClient) Key(kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	if err := c.fetchLocked(); err != nil {
		return nil, err
	}
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}

func (c *KeyClient) fetchLocked() error {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	set, err := jwk.Fetch(ctx, c.url)
	if err != nil {
		return fmt.Errorf("key set fetch: %w", err)
	}

	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		var pub rsa.PublicKey
		// Non-RSA entries are skipped; only RS* tokens resolve remotely.
		if err := key.Raw(&pub); err != nil {
			continue
		}
		c.keys[key.KeyID()] = &pub
	}
	return nil
}
