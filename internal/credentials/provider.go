// Package credentials supplies the platform application id, secret and
// webhook signing key. Values come from a Source and are cached in memory for
// a TTL.
package credentials

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fuomag9/square-bridge/internal/apierror"
	"github.com/fuomag9/square-bridge/internal/logger"
)

// DefaultTTL is how long fetched credentials are reused.
const DefaultTTL = 24 * time.Hour

// Credentials are the platform application credentials.
type Credentials struct {
	ApplicationID     string
	ApplicationSecret string
	WebhookSigningKey string
}

// String never prints secrets.
func (c Credentials) String() string {
	return "Credentials{ApplicationID: " + c.ApplicationID + ", ApplicationSecret: [redacted], WebhookSigningKey: [redacted]}"
}

// GoString never prints secrets.
func (c Credentials) GoString() string {
	return c.String()
}

// Source fetches credentials from a secret store.
type Source interface {
	Fetch(ctx context.Context) (Credentials, error)
}

// Provider caches a Source's credentials for a TTL.
type Provider struct {
	source    Source
	ttl       time.Duration
	now       func() time.Time
	logger    *zap.Logger
	mu        sync.Mutex
	cached    *Credentials
	fetchedAt time.Time
}

// ProviderOption configures a Provider
type ProviderOption func(*Provider)

// WithTTL sets the cache lifetime
func WithTTL(ttl time.Duration) ProviderOption {
	return func(p *Provider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithClock sets the time source
func WithClock(now func() time.Time) ProviderOption {
	return func(p *Provider) {
		p.now = now
	}
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) ProviderOption {
	return func(p *Provider) {
		p.logger = logger.OrNop(log)
	}
}

// NewProvider creates a Provider over source.
func NewProvider(source Source, opts ...ProviderOption) *Provider {
	p := &Provider{
		source: source,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns cached credentials younger than the TTL, fetching and
// validating fresh ones otherwise. A failed fetch never falls back to stale
// values.
func (p *Provider) Get(ctx context.Context) (Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.cached != nil && now.Sub(p.fetchedAt) < p.ttl {
		return *p.cached, nil
	}
	p.cached = nil

	creds, err := p.source.Fetch(ctx)
	if err != nil {
		p.logger.Error("failed to fetch platform credentials", zap.Error(err))
		if ae, ok := apierror.As(err); ok && ae.Kind == apierror.KindCredentials {
			return Credentials{}, ae
		}
		return Credentials{}, apierror.Wrap(apierror.KindCredentials, err, "failed to fetch platform credentials")
	}
	if strings.TrimSpace(creds.ApplicationID) == "" || strings.TrimSpace(creds.ApplicationSecret) == "" {
		p.logger.Error("platform credentials payload missing application id or secret")
		return Credentials{}, apierror.New(apierror.KindCredentials, "credentials payload is missing application id or secret")
	}

	p.cached = &creds
	p.fetchedAt = now
	p.logger.Info("platform credentials loaded", zap.String("application_id", creds.ApplicationID))
	return creds, nil
}

// Invalidate drops the cached value so the next Get refetches, e.g. after a
// key rotation.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}

// StaticSource serves fixed credentials, typically from the environment.
type StaticSource struct {
	Credentials Credentials
}

// Fetch implements Source
func (s StaticSource) Fetch(context.Context) (Credentials, error) {
	return s.Credentials, nil
}
