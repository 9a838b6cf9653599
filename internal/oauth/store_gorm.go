package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fuomag9/square-bridge/internal/models"
)

// GormStateStore keeps states in a SQL table through gorm.
type GormStateStore struct {
	db    *gorm.DB
	table string
}

// NewGormStateStore creates a backend over db. An empty table uses the model's
// default table name.
func NewGormStateStore(db *gorm.DB, table string) *GormStateStore {
	if table == "" {
		table = models.OAuthState{}.TableName()
	}
	return &GormStateStore{db: db, table: table}
}

func (s *GormStateStore) query(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.table)
}

// Put implements StateBackend
func (s *GormStateStore) Put(ctx context.Context, rec StateRecord) error {
	row := models.OAuthState{
		ID:          uuid.NewString(),
		State:       rec.State,
		RedirectURI: rec.RedirectURI,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
	}
	if rec.CodeVerifier != "" {
		row.CodeVerifier = &rec.CodeVerifier
	}
	if rec.CodeChallenge != "" {
		row.CodeChallenge = &rec.CodeChallenge
	}

	if err := s.query(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert oauth state: %w", err)
	}
	return nil
}

// Consume implements StateBackend. The conditional UPDATE is the only write;
// the follow-up read classifies the outcome.
func (s *GormStateStore) Consume(ctx context.Context, state string, now time.Time) (StateRecord, error) {
	result := s.query(ctx).
		Where("state = ? AND used = ? AND expires_at > ?", state, false, now).
		Update("used", true)
	if result.Error != nil {
		return StateRecord{}, fmt.Errorf("failed to mark oauth state used: %w", result.Error)
	}

	var row models.OAuthState
	err := s.query(ctx).Where("state = ?", state).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StateRecord{}, classifyUnconsumable(nil, now)
	}
	if err != nil {
		return StateRecord{}, fmt.Errorf("failed to read oauth state: %w", err)
	}

	rec := recordFromModel(row)
	if result.RowsAffected == 1 {
		rec.Used = false
		return rec, nil
	}
	return StateRecord{}, classifyUnconsumable(&rec, now)
}

// PurgeExpired implements StateBackend
func (s *GormStateStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result := s.query(ctx).Where("expires_at <= ?", now).Delete(&models.OAuthState{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete expired oauth states: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func recordFromModel(row models.OAuthState) StateRecord {
	rec := StateRecord{
		State:       row.State,
		RedirectURI: row.RedirectURI,
		CreatedAt:   row.CreatedAt,
		ExpiresAt:   row.ExpiresAt,
		Used:        row.Used,
	}
	if row.CodeVerifier != nil {
		rec.CodeVerifier = *row.CodeVerifier
	}
	if row.CodeChallenge != nil {
		rec.CodeChallenge = *row.CodeChallenge
	}
	return rec
}
