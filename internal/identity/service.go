package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates a required scope or user identifier was empty.
var ErrInvalidIdentity = errors.New("identity: invalid identity")

const (
	opResolve = "identity.resolve"
	opUpsert  = "identity.upsert"
	opRemove  = "identity.remove"
)

// ServiceError carries a stable "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service resolves and maintains tenant+channel scoped identity mappings.
// Lookups are cached; every mutation invalidates the affected key.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

type cachedMention struct {
	mention string
	found   bool
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("identity: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Resolve returns the mention mapped to the external user in the tenant channel.
func (s *Service) Resolve(ctx context.Context, tenantID, channelID, externalUserID string) (string, bool, error) {
	tenantID, channelID, externalUserID = normalize(tenantID), normalize(channelID), normalize(externalUserID)
	if tenantID == "" || channelID == "" || externalUserID == "" {
		return "", false, nil
	}

	key := cacheKey(tenantID, channelID, externalUserID)
	if cached, ok := s.cache.Load(key); ok {
		if entry, ok := cached.(cachedMention); ok {
			return entry.mention, entry.found, nil
		}
	}

	var mapping Mapping
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND channel_id = ? AND external_user_id = ?", tenantID, channelID, externalUserID).
		Take(&mapping).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.cache.Store(key, cachedMention{})
		return "", false, nil
	}
	if err != nil {
		s.logError(opResolve, "query_failed", err,
			zap.String("tenant_id", tenantID),
			zap.String("channel_id", channelID),
			zap.String("external_user_id", externalUserID))
		return "", false, newServiceError(opResolve, "query_failed", err)
	}

	s.cache.Store(key, cachedMention{mention: mapping.DisplayMention, found: true})
	return mapping.DisplayMention, true, nil
}

// Upsert maps the external user to the Discord user in the tenant channel.
func (s *Service) Upsert(ctx context.Context, tenantID, channelID, externalUserID, chatUserID string) (Mapping, error) {
	tenantID, channelID, externalUserID = normalize(tenantID), normalize(channelID), normalize(externalUserID)
	if tenantID == "" || channelID == "" || externalUserID == "" || normalize(chatUserID) == "" {
		return Mapping{}, newServiceError(opUpsert, "invalid_identity", ErrInvalidIdentity)
	}

	now := s.now().UTC()
	mapping := Mapping{
		TenantID:       tenantID,
		ChannelID:      channelID,
		ExternalUserID: externalUserID,
		DisplayMention: MentionFor(chatUserID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "channel_id"}, {Name: "external_user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_mention", "updated_at"}),
		}).
		Create(&mapping).
		Error
	if err != nil {
		s.logError(opUpsert, "save_failed", err,
			zap.String("tenant_id", tenantID),
			zap.String("channel_id", channelID),
			zap.String("external_user_id", externalUserID))
		return Mapping{}, newServiceError(opUpsert, "save_failed", err)
	}

	s.cache.Delete(cacheKey(tenantID, channelID, externalUserID))
	return mapping, nil
}

// Remove deletes the mapping. Removing a mapping that does not exist reports
// false without error.
func (s *Service) Remove(ctx context.Context, tenantID, channelID, externalUserID string) (bool, error) {
	tenantID, channelID, externalUserID = normalize(tenantID), normalize(channelID), normalize(externalUserID)
	if tenantID == "" || channelID == "" || externalUserID == "" {
		return false, newServiceError(opRemove, "invalid_identity", ErrInvalidIdentity)
	}

	result := s.db.WithContext(ctx).
		Where("tenant_id = ? AND channel_id = ? AND external_user_id = ?", tenantID, channelID, externalUserID).
		Delete(&Mapping{})
	if result.Error != nil {
		s.logError(opRemove, "delete_failed", result.Error,
			zap.String("tenant_id", tenantID),
			zap.String("channel_id", channelID),
			zap.String("external_user_id", externalUserID))
		return false, newServiceError(opRemove, "delete_failed", result.Error)
	}

	s.cache.Delete(cacheKey(tenantID, channelID, externalUserID))
	return result.RowsAffected > 0, nil
}

func cacheKey(tenantID, channelID, externalUserID string) string {
	return tenantID + "\x00" + channelID + "\x00" + externalUserID
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("identity service error", attrs...)
}
