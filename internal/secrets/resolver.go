package secrets

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	pkgsecrets "github.com/tradefresh/quote-engine/pkg/secrets"
)

// Resolver loads per-channel gateway settings from a secrets Provider and
// caches the parsed value. It is generic over the parsed type so each sender
// can keep its own credential shape.
//
// Secret naming convention: {env}/{service}/{channel}
type Resolver[T any] struct {
	logger   *zap.Logger
	env      string
	service  string
	provider pkgsecrets.Provider
	cache    *pkgsecrets.Cache[T]
}

func NewResolver[T any](
	logger *zap.Logger,
	env string,
	service string,
	provider pkgsecrets.Provider,
	cache *pkgsecrets.Cache[T],
) *Resolver[T] {
	return &Resolver[T]{
		logger:   logger,
		env:      env,
		service:  service,
		provider: provider,
		cache:    cache,
	}
}

func (r *Resolver[T]) secretName(channel string) string {
	return strings.ToLower(fmt.Sprintf("%s/%s/%s", r.env, r.service, channel))
}

// Resolve returns the settings for channel, fetching and parsing the secret
// on a cache miss. parse should reject secrets missing required fields.
func (r *Resolver[T]) Resolve(ctx context.Context, channel string, parse func(map[string]string) (T, error)) (T, error) {
	name := r.secretName(channel)
	if cfg, ok := r.cache.Get(name); ok {
		return cfg, nil
	}

	var zero T
	kv, err := r.provider.GetSecret(ctx, name)
	if err != nil {
		r.logger.Warn("secrets.fetch_failed", zap.String("secret", name), zap.Error(err))
		return zero, fmt.Errorf("resolve %s credentials: %w", channel, err)
	}
	cfg, err := parse(kv)
	if err != nil {
		return zero, fmt.Errorf("parse secret %s: %w", name, err)
	}

	r.cache.Put(name, cfg)
	r.logger.Info("secrets.resolved", zap.String("channel", channel))
	return cfg, nil
}

// Invalidate drops the cached settings for channel so the next Resolve
// refetches, e.g. after the gateway rejects a rotated key.
func (r *Resolver[T]) Invalidate(channel string) {
	r.cache.Bust(r.secretName(channel))
}

// DiscoverChannels lists channels that have a secret configured under
// {env}/{service}/.
func (r *Resolver[T]) DiscoverChannels(ctx context.Context) ([]string, error) {
	prefix := strings.ToLower(fmt.Sprintf("%s/%s/", r.env, r.service))
	names, err := r.provider.ListSecrets(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("discover channels: %w", err)
	}

	var channels []string
	for _, name := range names {
		ch := strings.TrimPrefix(strings.ToLower(name), prefix)
		if ch != "" && !strings.Contains(ch, "/") {
			channels = append(channels, ch)
		}
	}
	r.logger.Info("secrets.channels_discovered", zap.Strings("channels", channels))
	return channels, nil
}
