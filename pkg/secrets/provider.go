package secrets

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Provider reads JSON key/value secrets from a secrets backend.
type Provider interface {
	// GetSecret returns the decoded key/value map stored under name.
	GetSecret(ctx context.Context, name string) (map[string]string, error)

	// ListSecrets returns the names of every secret starting with prefix.
	ListSecrets(ctx context.Context, prefix string) ([]string, error)
}

// ErrSecretNotFound is returned by StaticProvider for unknown names.
var ErrSecretNotFound = fmt.Errorf("secret not found")

// StaticProvider serves secrets from memory. Local development and tests
// use it in place of AWS.
type StaticProvider struct {
	mu      sync.RWMutex
	secrets map[string]map[string]string
}

func NewStaticProvider(secrets map[string]map[string]string) *StaticProvider {
	p := &StaticProvider{secrets: make(map[string]map[string]string, len(secrets))}
	for name, kv := range secrets {
		p.Set(name, kv)
	}
	return p
}

// Set stores or replaces a secret.
func (p *StaticProvider) Set(name string, kv map[string]string) {
	cp := make(map[string]string, len(kv))
	for k, v := range kv {
		cp[k] = v
	}
	p.mu.Lock()
	p.secrets[strings.ToLower(name)] = cp
	p.mu.Unlock()
}

func (p *StaticProvider) GetSecret(_ context.Context, name string) (map[string]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	kv, ok := p.secrets[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	cp := make(map[string]string, len(kv))
	for k, v := range kv {
		cp[k] = v
	}
	return cp, nil
}

func (p *StaticProvider) ListSecrets(_ context.Context, prefix string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prefix = strings.ToLower(prefix)
	var names []string
	for name := range p.secrets {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
