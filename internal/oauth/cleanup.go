package oauth

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fuomag9/square-bridge/internal/logger"
)

const purgeTimeout = 30 * time.Second

// PurgeExpiredStates deletes expired, never-consumed states. It is meant to run
// periodically for backends without native TTL.
func PurgeExpiredStates(ctx context.Context, store *StateStore, log *zap.Logger) {
	log = logger.OrNop(log)

	ctx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()

	n, err := store.PurgeExpired(ctx)
	if err != nil {
		log.Error("oauth cleanup: failed to delete expired states", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("oauth cleanup: deleted expired states", zap.Int64("count", n))
	}
}
