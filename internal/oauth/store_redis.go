package oauth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fuomag9/square-bridge/internal/apierror"
)

// redisExpiryGrace keeps a record readable slightly past its TTL so an
// expired state is reported as STATE_EXPIRED rather than STATE_INVALID.
const redisExpiryGrace = time.Minute

// consumeScript checks and marks a state in one server-side step.
// KEYS[1] state key, ARGV[1] now in unix milliseconds.
var consumeScript = redis.NewScript(`
local rec = redis.call('HGETALL', KEYS[1])
if #rec == 0 then
	return {'missing'}
end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if expires <= tonumber(ARGV[1]) then
	return {'expired'}
end
if redis.call('HGET', KEYS[1], 'used') == '1' then
	return {'used'}
end
redis.call('HSET', KEYS[1], 'used', '1')
local out = {'ok'}
for i = 1, #rec do
	out[#out + 1] = rec[i]
end
return out
`)

// RedisStateStore keeps each state as a hash that expires natively.
type RedisStateStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStateStore creates a backend whose keys are prefix:state.
func NewRedisStateStore(client redis.UniversalClient, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = "oauth_states"
	}
	return &RedisStateStore{client: client, prefix: prefix}
}

func (s *RedisStateStore) key(state string) string {
	return s.prefix + ":" + state
}

// Put implements StateBackend
func (s *RedisStateStore) Put(ctx context.Context, rec StateRecord) error {
	key := s.key(rec.State)
	fields := map[string]any{
		"state":          rec.State,
		"redirect_uri":   rec.RedirectURI,
		"code_verifier":  rec.CodeVerifier,
		"code_challenge": rec.CodeChallenge,
		"created_at":     rec.CreatedAt.UnixMilli(),
		"expires_at":     rec.ExpiresAt.UnixMilli(),
		"used":           "0",
	}

	ok, err := s.client.HSetNX(ctx, key, "state", rec.State).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve oauth state: %w", err)
	}
	if !ok {
		return apierror.New(apierror.KindValidation, "state already exists")
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.PExpire(ctx, key, rec.ExpiresAt.Sub(rec.CreatedAt)+redisExpiryGrace)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write oauth state: %w", err)
	}
	return nil
}

// Consume implements StateBackend
func (s *RedisStateStore) Consume(ctx context.Context, state string, now time.Time) (StateRecord, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{s.key(state)}, now.UnixMilli()).StringSlice()
	if err != nil {
		return StateRecord{}, fmt.Errorf("failed to consume oauth state: %w", err)
	}
	if len(res) == 0 {
		return StateRecord{}, fmt.Errorf("empty reply from consume script")
	}

	switch res[0] {
	case "missing":
		return StateRecord{}, classifyUnconsumable(nil, now)
	case "expired":
		return StateRecord{}, apierror.New(apierror.KindStateExpired, "state has expired")
	case "used":
		return StateRecord{}, apierror.New(apierror.KindStateAlreadyUsed, "state has already been used")
	case "ok":
	default:
		return StateRecord{}, fmt.Errorf("unexpected consume reply %q", res[0])
	}

	fields := make(map[string]string, (len(res)-1)/2)
	for i := 1; i+1 < len(res); i += 2 {
		fields[res[i]] = res[i+1]
	}
	return StateRecord{
		State:         state,
		RedirectURI:   fields["redirect_uri"],
		CodeVerifier:  fields["code_verifier"],
		CodeChallenge: fields["code_challenge"],
		CreatedAt:     millisToTime(fields["created_at"]),
		ExpiresAt:     millisToTime(fields["expires_at"]),
	}, nil
}

// PurgeExpired implements StateBackend. Keys expire natively.
func (s *RedisStateStore) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func millisToTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
