package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"reims/pkg/recerr"

	"golang.org/x/sync/singleflight"
)

const jwksTTL = 5 * time.Minute

// keySet caches the identity provider's RSA keys by kid. Concurrent misses
// share one fetch.
type keySet struct {
	url    string
	client *http.Client
	fetch  singleflight.Group

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

func newKeySet(jwksURL string, timeout time.Duration) *keySet {
	return &keySet{url: jwksURL, client: &http.Client{Timeout: timeout}}
}

func (k *keySet) lookup(kid string, now time.Time) (*rsa.PublicKey, bool, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[kid]
	return key, ok, !k.fetched.IsZero() && now.Sub(k.fetched) < jwksTTL
}

// key returns the key for kid, refetching when the set is stale or the kid
// is unknown and the set is old enough to have rotated.
func (k *keySet) key(ctx context.Context, kid string, now time.Time) (*rsa.PublicKey, error) {
	if key, ok, fresh := k.lookup(kid, now); ok && fresh {
		return key, nil
	} else if !ok && fresh {
		return nil, recerr.New(recerr.ErrUnauthorized, "kid %q not in jwks", kid)
	}
	_, err, _ := k.fetch.Do("jwks", func() (any, error) {
		keys, err := k.download(ctx)
		if err != nil {
			return nil, err
		}
		k.mu.Lock()
		k.keys, k.fetched = keys, now
		k.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if key, ok, _ := k.lookup(kid, now); ok {
		return key, nil
	}
	return nil, recerr.New(recerr.ErrUnauthorized, "kid %q not in jwks", kid)
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k *keySet) download(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return nil, recerr.Wrap(err, "jwks request")
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return nil, recerr.Mark(err, recerr.ErrUnauthorized, "fetch jwks")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, recerr.New(recerr.ErrUnauthorized, "fetch jwks: status %d", resp.StatusCode)
	}
	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, recerr.Mark(err, recerr.ErrUnauthorized, "decode jwks")
	}
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, j := range doc.Keys {
		if !strings.EqualFold(j.Kty, "RSA") || strings.TrimSpace(j.Kid) == "" {
			continue
		}
		if pub, err := rsaFromJWK(j.N, j.E); err == nil {
			keys[j.Kid] = pub
		}
	}
	if len(keys) == 0 {
		return nil, recerr.New(recerr.ErrUnauthorized, "jwks has no usable rsa keys")
	}
	return keys, nil
}

func rsaFromJWK(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, recerr.Mark(err, recerr.ErrInvalidInput, "jwk modulus")
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, recerr.Mark(err, recerr.ErrInvalidInput, "jwk exponent")
	}
	exp := new(big.Int).SetBytes(eb)
	if len(nb) == 0 || !exp.IsInt64() || exp.Int64() <= 1 || exp.Int64() > 1<<31-1 {
		return nil, recerr.New(recerr.ErrInvalidInput, "malformed rsa jwk")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp.Int64())}, nil
}

func validURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	return err == nil && u.Scheme != "" && u.Host != ""
}
