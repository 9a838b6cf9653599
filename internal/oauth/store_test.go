package oauth

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fuomag9/square-bridge/internal/apierror"
	"github.com/fuomag9/square-bridge/internal/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type backendFactory func(t *testing.T) StateBackend

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) StateBackend {
			return NewMemoryStateStore()
		},
		"gorm": func(t *testing.T) StateBackend {
			return NewGormStateStore(newTestDB(t), "")
		},
		"redis": func(t *testing.T) StateBackend {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisStateStore(client, "oauth_states")
		},
		"dynamodb": func(t *testing.T) StateBackend {
			return NewDynamoStateStore(newFakeDynamo(), "oauth_states")
		},
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "states.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.OAuthState{}))
	return db
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store *StateStore, clock *testClock)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newTestClock()
			store := NewStateStore(factory(t), WithStateClock(clock.Now))
			fn(t, store, clock)
		})
	}
}

func TestStateConsumedExactlyOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *StateStore, _ *testClock) {
		ctx := context.Background()
		created, err := store.Create(ctx, "joylabs://square-callback", true)
		require.NoError(t, err)

		consumed, err := store.Consume(ctx, created.State)
		require.NoError(t, err)
		assert.Equal(t, "joylabs://square-callback", consumed.RedirectURI)

		_, err = store.Consume(ctx, created.State)
		require.Error(t, err)
		assert.ErrorIs(t, err, apierror.ErrStateAlreadyUsed)
	})
}

func TestStateCreateAndConsumeWithPKCE(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *StateStore, _ *testClock) {
		ctx := context.Background()
		created, err := store.Create(ctx, "joylabs://square-callback", true)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(created.State), 32)
		assert.NotEmpty(t, created.CodeChallenge)

		consumed, err := store.Consume(ctx, created.State)
		require.NoError(t, err)
		assert.Equal(t, "joylabs://square-callback", consumed.RedirectURI)
		assert.GreaterOrEqual(t, len(consumed.CodeVerifier), 43)
		assert.LessOrEqual(t, len(consumed.CodeVerifier), 128)
		assert.True(t, ValidCodeVerifier(consumed.CodeVerifier))
		assert.Equal(t, created.CodeChallenge, GenerateCodeChallenge(consumed.CodeVerifier))
	})
}

func TestStateWithoutPKCE(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *StateStore, _ *testClock) {
		ctx := context.Background()
		created, err := store.Create(ctx, "joylabs://square-callback", false)
		require.NoError(t, err)
		assert.Empty(t, created.CodeChallenge)

		consumed, err := store.Consume(ctx, created.State)
		require.NoError(t, err)
		assert.Empty(t, consumed.CodeVerifier)
	})
}

func TestStateConcurrentConsumeHasOneWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *StateStore, _ *testClock) {
		ctx := context.Background()
		created, err := store.Create(ctx, "joylabs://square-callback", true)
		require.NoError(t, err)

		const racers = 20
		var wins, alreadyUsed atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := store.Consume(ctx, created.State)
				switch {
				case err == nil:
					wins.Add(1)
				case apierror.KindOf(err) == apierror.KindStateAlreadyUsed:
					alreadyUsed.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(racers-1), alreadyUsed.Load())
	})
}

func TestStateExpiredRegardlessOfUsed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *StateStore, clock *testClock) {
		ctx := context.Background()

		unused, err := store.Create(ctx, "joylabs://square-callback", true)
		require.NoError(t, err)
		used, err := store.Create(ctx, "joylabs://square-callback", true)
		require.NoError(t, err)
		_, err = store.Consume(ctx, used.State)
		require.NoError(t, err)

		clock.Advance(DefaultStateTTL + time.Second)

		_, err = store.Consume(ctx, unused.State)
		assert.ErrorIs(t, err, apierror.ErrStateExpired)
		_, err = store.Consume(ctx, used.State)
		assert.ErrorIs(t, err, apierror.ErrStateExpired)
	})
}

func TestStateUnknownIsInvalid(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *StateStore, _ *testClock) {
		_, err := store.Consume(context.Background(), "never-issued-state-token-0123456789")
		assert.ErrorIs(t, err, apierror.ErrStateInvalid)

		_, err = store.Consume(context.Background(), "")
		assert.ErrorIs(t, err, apierror.ErrStateInvalid)
	})
}

func TestStateCreateRequiresRedirect(t *testing.T) {
	store := NewStateStore(NewMemoryStateStore())
	_, err := store.Create(context.Background(), " ", true)
	assert.Equal(t, apierror.KindValidation, apierror.KindOf(err))
}

func TestPurgeExpiredStates(t *testing.T) {
	clock := newTestClock()

	t.Run("gorm", func(t *testing.T) {
		db := newTestDB(t)
		store := NewStateStore(NewGormStateStore(db, ""), WithStateClock(clock.Now))
		ctx := context.Background()

		_, err := store.Create(ctx, "joylabs://square-callback", true)
		require.NoError(t, err)
		clock.Advance(DefaultStateTTL)
		fresh, err := store.Create(ctx, "joylabs://square-callback", true)
		require.NoError(t, err)

		PurgeExpiredStates(ctx, store, nil)

		var count int64
		require.NoError(t, db.Model(&models.OAuthState{}).Count(&count).Error)
		assert.Equal(t, int64(1), count)
		_, err = store.Consume(ctx, fresh.State)
		assert.NoError(t, err)
	})

	t.Run("memory", func(t *testing.T) {
		backend := NewMemoryStateStore()
		store := NewStateStore(backend, WithStateClock(clock.Now), WithStateTTL(time.Minute))
		_, err := store.Create(context.Background(), "joylabs://square-callback", false)
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)

		n, err := store.PurgeExpired(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		assert.Equal(t, 0, backend.Len())
	})
}

func TestRedisStateStoreSetsNativeExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewStateStore(NewRedisStateStore(client, "states"))
	created, err := store.Create(context.Background(), "joylabs://square-callback", true)
	require.NoError(t, err)

	key := "states:" + created.State
	assert.True(t, mr.Exists(key))
	assert.Greater(t, mr.TTL(key), DefaultStateTTL-time.Second)

	mr.FastForward(DefaultStateTTL + redisExpiryGrace + time.Second)
	assert.False(t, mr.Exists(key))
}

func TestDynamoStateStoreRequests(t *testing.T) {
	fake := newFakeDynamo()
	store := NewStateStore(NewDynamoStateStore(fake, "oauth_states"))
	created, err := store.Create(context.Background(), "joylabs://square-callback", true)
	require.NoError(t, err)

	item := fake.items[created.State]
	require.NotNil(t, item)
	assert.Contains(t, item, "ttl")
	assert.Contains(t, item, "timestamp")
	assert.Contains(t, item, "code_verifier")
	assert.Equal(t, "joylabs://square-callback", item["redirectUrl"].(*types.AttributeValueMemberS).Value)

	_, err = store.Consume(context.Background(), created.State)
	require.NoError(t, err)

	in := fake.lastUpdate
	require.NotNil(t, in)
	assert.Equal(t, "attribute_exists(#state) AND #used = :false AND #ttl > :now", aws.ToString(in.ConditionExpression))
	assert.Equal(t, types.ReturnValuesOnConditionCheckFailureAllOld, in.ReturnValuesOnConditionCheckFailure)
}

// fakeDynamo evaluates the conditional writes DynamoStateStore issues.
type fakeDynamo struct {
	mu         sync.Mutex
	items      map[string]map[string]types.AttributeValue
	lastUpdate *dynamodb.UpdateItemInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := in.Item["state"].(*types.AttributeValueMemberS).Value
	if _, exists := f.items[key]; exists {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	f.items[key] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUpdate = in

	key := in.Key["state"].(*types.AttributeValueMemberS).Value
	item, ok := f.items[key]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("missing")}
	}

	used := item["used"].(*types.AttributeValueMemberBOOL).Value
	ttl, _ := strconv.ParseInt(item["ttl"].(*types.AttributeValueMemberN).Value, 10, 64)
	now, _ := strconv.ParseInt(in.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberN).Value, 10, 64)
	if used || ttl <= now {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition"), Item: copyItem(item)}
	}

	old := copyItem(item)
	item["used"] = &types.AttributeValueMemberBOOL{Value: true}
	return &dynamodb.UpdateItemOutput{Attributes: old}, nil
}
