package oauth

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fuomag9/square-bridge/internal/apierror"
	"github.com/fuomag9/square-bridge/internal/logger"
)

// DefaultStateTTL is the absolute lifetime of a state record.
const DefaultStateTTL = 10 * time.Minute

// StateRecord is the durable state item.
type StateRecord struct {
	State         string
	CodeVerifier  string
	CodeChallenge string
	RedirectURI   string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Used          bool
}

// PKCE reports whether the record carries a verifier.
func (r StateRecord) PKCE() bool {
	return r.CodeVerifier != ""
}

// StateBackend persists state records. Consume must mark the record used in
// the same conditional write that observes used=false and an unexpired TTL,
// so that concurrent consumers of one state see exactly one success.
type StateBackend interface {
	Put(ctx context.Context, rec StateRecord) error
	// Consume returns the record as it was before being marked used, or a
	// STATE_INVALID / STATE_EXPIRED / STATE_ALREADY_USED error.
	Consume(ctx context.Context, state string, now time.Time) (StateRecord, error)
	// PurgeExpired deletes records whose TTL elapsed before now. Backends with
	// native expiry may return 0.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// classifyUnconsumable explains why rec could not be consumed at now. Expiry
// takes precedence over the used flag.
func classifyUnconsumable(rec *StateRecord, now time.Time) error {
	switch {
	case rec == nil:
		return apierror.New(apierror.KindStateInvalid, "state not found")
	case !now.Before(rec.ExpiresAt):
		return apierror.New(apierror.KindStateExpired, "state has expired")
	case rec.Used:
		return apierror.New(apierror.KindStateAlreadyUsed, "state has already been used")
	default:
		// Lost a race against another consumer between read and write.
		return apierror.New(apierror.KindStateAlreadyUsed, "state has already been used")
	}
}

// CreatedState is what Create hands back to the caller. The verifier stays in
// the store.
type CreatedState struct {
	State         string
	CodeChallenge string
	ExpiresAt     time.Time
}

// ConsumedState is the result of a successful Consume.
type ConsumedState struct {
	RedirectURI  string
	CodeVerifier string
}

// StateStore creates and consumes single-use OAuth states.
type StateStore struct {
	backend StateBackend
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// StateStoreOption configures a StateStore
type StateStoreOption func(*StateStore)

// WithStateTTL sets the record lifetime
func WithStateTTL(ttl time.Duration) StateStoreOption {
	return func(s *StateStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithStateClock sets the time source
func WithStateClock(now func() time.Time) StateStoreOption {
	return func(s *StateStore) {
		s.now = now
	}
}

// WithStateLogger sets the logger
func WithStateLogger(log *zap.Logger) StateStoreOption {
	return func(s *StateStore) {
		s.logger = logger.OrNop(log)
	}
}

// NewStateStore creates a StateStore over backend.
func NewStateStore(backend StateBackend, opts ...StateStoreOption) *StateStore {
	s := &StateStore{
		backend: backend,
		ttl:     DefaultStateTTL,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured record lifetime
func (s *StateStore) TTL() time.Duration {
	return s.ttl
}

// Create writes a fresh unused state bound to redirectURI. With pkce set, a
// verifier is generated and stored and only its challenge is returned.
func (s *StateStore) Create(ctx context.Context, redirectURI string, pkce bool) (*CreatedState, error) {
	if strings.TrimSpace(redirectURI) == "" {
		return nil, apierror.New(apierror.KindValidation, "redirect URI is required")
	}

	state, err := GenerateState()
	if err != nil {
		return nil, apierror.Wrap(apierror.KindUnknown, err, "failed to generate state")
	}

	now := s.now().UTC()
	rec := StateRecord{
		State:       state,
		RedirectURI: redirectURI,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if pkce {
		verifier, err := GenerateCodeVerifier()
		if err != nil {
			return nil, apierror.Wrap(apierror.KindUnknown, err, "failed to generate code verifier")
		}
		rec.CodeVerifier = verifier
		rec.CodeChallenge = GenerateCodeChallenge(verifier)
	}

	if err := s.backend.Put(ctx, rec); err != nil {
		s.logger.Error("failed to store oauth state", zap.Error(err))
		if _, ok := apierror.As(err); ok {
			return nil, err
		}
		return nil, apierror.Wrap(apierror.KindServer, err, "failed to store oauth state")
	}

	s.logger.Debug("oauth state created",
		zap.String("state", logger.Redact(state)),
		zap.Bool("pkce", pkce),
		zap.Time("expires_at", rec.ExpiresAt),
	)
	return &CreatedState{State: state, CodeChallenge: rec.CodeChallenge, ExpiresAt: rec.ExpiresAt}, nil
}

// Consume atomically marks state used and returns its redirect target and
// verifier. It fails with STATE_INVALID, STATE_EXPIRED or STATE_ALREADY_USED.
func (s *StateStore) Consume(ctx context.Context, state string) (*ConsumedState, error) {
	if strings.TrimSpace(state) == "" {
		return nil, apierror.New(apierror.KindStateInvalid, "state is required")
	}

	rec, err := s.backend.Consume(ctx, state, s.now().UTC())
	if err != nil {
		kind := apierror.KindOf(err)
		switch kind {
		case apierror.KindStateInvalid, apierror.KindStateExpired, apierror.KindStateAlreadyUsed:
			s.logger.Warn("oauth state rejected",
				zap.String("state", logger.Redact(state)),
				zap.String("code", string(kind)),
			)
			return nil, err
		}
		s.logger.Error("failed to consume oauth state", zap.Error(err))
		if _, ok := apierror.As(err); ok {
			return nil, err
		}
		return nil, apierror.Wrap(apierror.KindServer, err, "failed to consume oauth state")
	}

	s.logger.Debug("oauth state consumed", zap.String("state", logger.Redact(state)))
	return &ConsumedState{RedirectURI: rec.RedirectURI, CodeVerifier: rec.CodeVerifier}, nil
}

// PurgeExpired removes expired records from backends without native TTL.
func (s *StateStore) PurgeExpired(ctx context.Context) (int64, error) {
	return s.backend.PurgeExpired(ctx, s.now().UTC())
}
