package monitors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notionwatch/internal/snapshots"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrConfiguration marks invalid configuration commands. These errors are
	// returned to the caller and nothing is persisted.
	ErrConfiguration = errors.New("monitors: invalid configuration")
	// ErrNotFound indicates the monitor does not exist for the caller.
	ErrNotFound = errors.New("monitors: monitor not found")
	// ErrCollectionChanged indicates the monitor was rebound to another
	// database while a check of the previous one was running.
	ErrCollectionChanged = errors.New("monitors: database changed during check")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingSnapshots  = errors.New("snapshot store is required")
	errMissingSchema     = errors.New("schema fetcher is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
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

const (
	opServiceNew     = "monitors.service.new"
	opSetup          = "monitors.setup"
	opGet            = "monitors.get"
	opList           = "monitors.list"
	opUpdate         = "monitors.update"
	opSetChannel     = "monitors.set_channel"
	opSetActive      = "monitors.set_active"
	opSeedWatermark  = "monitors.seed_watermark"
	opCommitCheck    = "monitors.commit_check"
	opDescribeSchema = "monitors.describe_schema"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func configurationError(operation, reason, message string) error {
	return newServiceError(operation, reason, fmt.Errorf("%w: %s", ErrConfiguration, message))
}

// SchemaFetcher loads the column types of a Notion database.
type SchemaFetcher interface {
	FetchCollectionSchema(ctx context.Context, credential, collectionID string) (map[string]string, error)
}

// ServiceConfig describes the dependencies of the monitor service.
type ServiceConfig struct {
	Database   *gorm.DB
	Snapshots  *snapshots.Store
	Schema     SchemaFetcher
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns monitor configuration and the transactional check commit.
type Service struct {
	db         *gorm.DB
	snapshots  *snapshots.Store
	schema     SchemaFetcher
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the monitor service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Snapshots == nil {
		return nil, newServiceError(opServiceNew, "missing_snapshots", errMissingSnapshots)
	}
	if cfg.Schema == nil {
		return nil, newServiceError(opServiceNew, "missing_schema", errMissingSchema)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		snapshots:  cfg.Snapshots,
		schema:     cfg.Schema,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// SetupRequest describes a new or reused channel binding.
type SetupRequest struct {
	TenantID        string
	ChannelID       string
	Credential      string
	CollectionID    string
	IntervalMinutes int
	SelectedColumns []string
	TitleColumn     string
}

// SetupResult reports what Setup did.
type SetupResult struct {
	Monitor         Monitor
	Created         bool
	SnapshotsPurged int64
}

// Setup creates the monitor for the tenant channel, or reconfigures the
// existing one. Rebinding a channel to another database purges the old
// snapshots and clears the watermark. The monitor is active afterwards.
func (s *Service) Setup(ctx context.Context, request SetupRequest) (SetupResult, error) {
	tenantID := strings.TrimSpace(request.TenantID)
	channelID := strings.TrimSpace(request.ChannelID)
	credential := strings.TrimSpace(request.Credential)
	collectionID := strings.TrimSpace(request.CollectionID)

	if tenantID == "" || channelID == "" {
		return SetupResult{}, configurationError(opSetup, "missing_binding", "tenant and channel are required")
	}
	if credential == "" || strings.ContainsAny(credential, " \t\r\n") {
		return SetupResult{}, configurationError(opSetup, "invalid_credential", "credential is empty or malformed")
	}
	if collectionID == "" {
		return SetupResult{}, configurationError(opSetup, "missing_collection", "database id is required")
	}
	interval := request.IntervalMinutes
	if interval == 0 {
		interval = DefaultIntervalMinutes
	}
	if interval < 1 {
		return SetupResult{}, configurationError(opSetup, "invalid_interval", "interval_minutes must be at least 1")
	}

	columns, titleColumn, err := s.validateColumns(ctx, opSetup, credential, collectionID, request.SelectedColumns, request.TitleColumn)
	if err != nil {
		return SetupResult{}, err
	}
	encodedColumns, err := encodeColumns(columns)
	if err != nil {
		return SetupResult{}, newServiceError(opSetup, "encode_columns_failed", err)
	}

	result := SetupResult{}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Monitor
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND channel_id = ?", tenantID, channelID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			id, err := s.idProvider.NewID()
			if err != nil {
				s.logError(opSetup, "id_generation_failed", err, zap.String("tenant_id", tenantID))
				return newServiceError(opSetup, "id_generation_failed", err)
			}
			monitor := Monitor{
				ID:                 id,
				TenantID:           tenantID,
				ChannelID:          channelID,
				SourceCredential:   credential,
				SourceCollectionID: collectionID,
				IntervalMinutes:    interval,
				SelectedColumns:    encodedColumns,
				IsActive:           true,
				TitleColumn:        titleColumn,
				ShowURL:            true,
				ShowContributor:    true,
				ShowTags:           true,
				ShowEditTime:       true,
			}
			if err := tx.Create(&monitor).Error; err != nil {
				s.logError(opSetup, "create_failed", err,
					zap.String("tenant_id", tenantID),
					zap.String("channel_id", channelID))
				return newServiceError(opSetup, "create_failed", err)
			}
			result.Monitor = monitor
			result.Created = true
			return nil
		}
		if err != nil {
			s.logError(opSetup, "select_failed", err, zap.String("tenant_id", tenantID))
			return newServiceError(opSetup, "select_failed", err)
		}

		updates := map[string]any{
			"source_credential": credential,
			"selected_columns":  encodedColumns,
			"interval_minutes":  interval,
			"title_column":      nullableString(titleColumn),
			"is_active":         true,
		}
		if existing.SourceCollectionID != collectionID {
			purged, err := s.snapshots.WithTx(tx).DeleteForMonitor(ctx, existing.ID)
			if err != nil {
				s.logError(opSetup, "purge_failed", err, zap.String("monitor_id", existing.ID))
				return newServiceError(opSetup, "purge_failed", err)
			}
			result.SnapshotsPurged = purged
			updates["source_collection_id"] = collectionID
			updates["watermark"] = nil
		}
		if err := tx.Model(&Monitor{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
			s.logError(opSetup, "update_failed", err, zap.String("monitor_id", existing.ID))
			return newServiceError(opSetup, "update_failed", err)
		}
		if err := tx.Where("id = ?", existing.ID).Take(&result.Monitor).Error; err != nil {
			return newServiceError(opSetup, "reload_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return SetupResult{}, txErr
	}

	s.logger.Info("monitor configured",
		zap.String("monitor_id", result.Monitor.ID),
		zap.String("tenant_id", tenantID),
		zap.String("channel_id", channelID),
		zap.Bool("created", result.Created))
	return result, nil
}

// DescribeSchema returns the column types of the monitor's database.
func (s *Service) DescribeSchema(ctx context.Context, tenantID, monitorID string) (map[string]string, error) {
	monitor, err := s.GetForTenant(ctx, tenantID, monitorID)
	if err != nil {
		return nil, err
	}
	schema, err := s.schema.FetchCollectionSchema(ctx, monitor.SourceCredential, monitor.SourceCollectionID)
	if err != nil {
		return nil, newServiceError(opDescribeSchema, "schema_unavailable", err)
	}
	return schema, nil
}

// GetByID loads a monitor regardless of tenant.
func (s *Service) GetByID(ctx context.Context, monitorID string) (Monitor, error) {
	var monitor Monitor
	err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(monitorID)).Take(&monitor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Monitor{}, newServiceError(opGet, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("monitor_id", monitorID))
		return Monitor{}, newServiceError(opGet, "query_failed", err)
	}
	return monitor, nil
}

// GetForTenant loads a monitor owned by the tenant.
func (s *Service) GetForTenant(ctx context.Context, tenantID, monitorID string) (Monitor, error) {
	monitor, err := s.GetByID(ctx, monitorID)
	if err != nil {
		return Monitor{}, err
	}
	if monitor.TenantID != strings.TrimSpace(tenantID) {
		return Monitor{}, newServiceError(opGet, "not_found", ErrNotFound)
	}
	return monitor, nil
}

// FindByChannel loads the monitor bound to the tenant channel.
func (s *Service) FindByChannel(ctx context.Context, tenantID, channelID string) (Monitor, error) {
	var monitor Monitor
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND channel_id = ?", strings.TrimSpace(tenantID), strings.TrimSpace(channelID)).
		Take(&monitor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Monitor{}, newServiceError(opGet, "not_found", ErrNotFound)
	}
	if err != nil {
		return Monitor{}, newServiceError(opGet, "query_failed", err)
	}
	return monitor, nil
}

// ListByTenant returns the tenant's monitors ordered by creation.
func (s *Service) ListByTenant(ctx context.Context, tenantID string) ([]Monitor, error) {
	var monitors []Monitor
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Order("created_at ASC, id ASC").
		Find(&monitors).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("tenant_id", tenantID))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return monitors, nil
}

// ListActive returns every active monitor.
func (s *Service) ListActive(ctx context.Context) ([]Monitor, error) {
	var monitors []Monitor
	if err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("id ASC").
		Find(&monitors).Error; err != nil {
		s.logError(opList, "active_query_failed", err)
		return nil, newServiceError(opList, "active_query_failed", err)
	}
	return monitors, nil
}

// UpdateRequest carries optional configuration changes. Nil fields are kept;
// an empty TitleColumn clears the title column.
type UpdateRequest struct {
	IntervalMinutes *int
	SelectedColumns *[]string
	TitleColumn     *string
	ShowURL         *bool
	ShowContributor *bool
	ShowTags        *bool
	ShowEditTime    *bool
}

// Update applies configuration changes to the tenant's monitor.
func (s *Service) Update(ctx context.Context, tenantID, monitorID string, request UpdateRequest) (Monitor, error) {
	monitor, err := s.GetForTenant(ctx, tenantID, monitorID)
	if err != nil {
		return Monitor{}, err
	}

	updates := map[string]any{}
	if request.IntervalMinutes != nil {
		if *request.IntervalMinutes < 1 {
			return Monitor{}, configurationError(opUpdate, "invalid_interval", "interval_minutes must be at least 1")
		}
		updates["interval_minutes"] = *request.IntervalMinutes
	}
	if request.SelectedColumns != nil || request.TitleColumn != nil {
		columns := monitor.Columns()
		if request.SelectedColumns != nil {
			columns = *request.SelectedColumns
		}
		title := monitor.TitleColumnName()
		if request.TitleColumn != nil {
			title = *request.TitleColumn
		}
		validColumns, titleColumn, err := s.validateColumns(ctx, opUpdate, monitor.SourceCredential, monitor.SourceCollectionID, columns, title)
		if err != nil {
			return Monitor{}, err
		}
		encoded, err := encodeColumns(validColumns)
		if err != nil {
			return Monitor{}, newServiceError(opUpdate, "encode_columns_failed", err)
		}
		updates["selected_columns"] = encoded
		updates["title_column"] = nullableString(titleColumn)
	}
	for column, value := range map[string]*bool{
		"show_url":         request.ShowURL,
		"show_contributor": request.ShowContributor,
		"show_tags":        request.ShowTags,
		"show_edit_time":   request.ShowEditTime,
	} {
		if value != nil {
			updates[column] = *value
		}
	}
	if len(updates) == 0 {
		return monitor, nil
	}

	return s.applyUpdates(ctx, opUpdate, monitor.ID, updates)
}

// SetChannel moves the monitor to another channel of the same tenant.
func (s *Service) SetChannel(ctx context.Context, tenantID, monitorID, channelID string) (Monitor, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return Monitor{}, configurationError(opSetChannel, "missing_channel", "channel is required")
	}
	monitor, err := s.GetForTenant(ctx, tenantID, monitorID)
	if err != nil {
		return Monitor{}, err
	}
	if monitor.ChannelID == channelID {
		return monitor, nil
	}
	if _, err := s.FindByChannel(ctx, monitor.TenantID, channelID); err == nil {
		return Monitor{}, configurationError(opSetChannel, "channel_taken", "another monitor is bound to that channel")
	} else if !errors.Is(err, ErrNotFound) {
		return Monitor{}, err
	}
	return s.applyUpdates(ctx, opSetChannel, monitor.ID, map[string]any{"channel_id": channelID})
}

// Activate resumes polling of the monitor.
func (s *Service) Activate(ctx context.Context, tenantID, monitorID string) (Monitor, error) {
	return s.setActive(ctx, tenantID, monitorID, true)
}

// Deactivate stops polling while keeping the monitor and its snapshots.
func (s *Service) Deactivate(ctx context.Context, tenantID, monitorID string) (Monitor, error) {
	return s.setActive(ctx, tenantID, monitorID, false)
}

func (s *Service) setActive(ctx context.Context, tenantID, monitorID string, active bool) (Monitor, error) {
	monitor, err := s.GetForTenant(ctx, tenantID, monitorID)
	if err != nil {
		return Monitor{}, err
	}
	if monitor.IsActive == active {
		return monitor, nil
	}
	return s.applyUpdates(ctx, opSetActive, monitor.ID, map[string]any{"is_active": active})
}

// SeedWatermark stores the first watermark of a monitor. It reports false
// when the monitor already had one.
func (s *Service) SeedWatermark(ctx context.Context, monitorID string, watermark time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&Monitor{}).
		Where("id = ? AND (watermark IS NULL OR watermark = '')", monitorID).
		Update("watermark", FormatWatermark(watermark))
	if result.Error != nil {
		s.logError(opSeedWatermark, "update_failed", result.Error, zap.String("monitor_id", monitorID))
		return false, newServiceError(opSeedWatermark, "update_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// CommitCheck persists the snapshots captured by a check of collectionID and
// advances the watermark in one transaction. The watermark never moves
// backwards. Nothing is written when the monitor no longer points at
// collectionID.
func (s *Service) CommitCheck(ctx context.Context, monitorID, collectionID string, watermark time.Time, entries []snapshots.Entry) error {
	formatted := FormatWatermark(watermark)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var monitor Monitor
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", monitorID).
			Take(&monitor).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opCommitCheck, "not_found", ErrNotFound)
		}
		if err != nil {
			s.logError(opCommitCheck, "select_failed", err, zap.String("monitor_id", monitorID))
			return newServiceError(opCommitCheck, "select_failed", err)
		}
		if monitor.SourceCollectionID != collectionID {
			s.logger.Info("check discarded after rebind",
				zap.String("monitor_id", monitorID),
				zap.String("checked_collection_id", collectionID),
				zap.String("collection_id", monitor.SourceCollectionID))
			return newServiceError(opCommitCheck, "collection_changed", ErrCollectionChanged)
		}

		store := s.snapshots.WithTx(tx)
		for _, entry := range entries {
			if err := store.Upsert(ctx, monitorID, entry); err != nil {
				s.logError(opCommitCheck, "snapshot_upsert_failed", err,
					zap.String("monitor_id", monitorID),
					zap.String("record_id", entry.RecordID))
				return newServiceError(opCommitCheck, "snapshot_upsert_failed", err)
			}
		}

		if err := tx.Model(&Monitor{}).
			Where("id = ? AND (watermark IS NULL OR watermark <= ?)", monitorID, formatted).
			Update("watermark", formatted).Error; err != nil {
			s.logError(opCommitCheck, "watermark_update_failed", err, zap.String("monitor_id", monitorID))
			return newServiceError(opCommitCheck, "watermark_update_failed", err)
		}
		return nil
	})
}

func (s *Service) validateColumns(ctx context.Context, operation, credential, collectionID string, requested []string, titleColumn string) ([]string, *string, error) {
	columns := make([]string, 0, len(requested))
	seen := make(map[string]struct{}, len(requested))
	for _, column := range requested {
		name := strings.TrimSpace(column)
		if name == "" {
			return nil, nil, configurationError(operation, "invalid_column", "column names must not be empty")
		}
		if _, duplicate := seen[name]; duplicate {
			return nil, nil, configurationError(operation, "duplicate_column", fmt.Sprintf("column %q selected twice", name))
		}
		seen[name] = struct{}{}
		columns = append(columns, name)
	}
	title := strings.TrimSpace(titleColumn)

	if len(columns) == 0 && title == "" {
		return columns, nil, nil
	}

	schema, err := s.schema.FetchCollectionSchema(ctx, credential, collectionID)
	if err != nil {
		return nil, nil, newServiceError(operation, "schema_unavailable", fmt.Errorf("%w: %w", ErrConfiguration, err))
	}
	for _, column := range columns {
		if _, ok := schema[column]; !ok {
			return nil, nil, configurationError(operation, "unknown_column", fmt.Sprintf("column %q does not exist", column))
		}
	}
	if title == "" {
		return columns, nil, nil
	}
	if _, ok := schema[title]; !ok {
		return nil, nil, configurationError(operation, "unknown_title_column", fmt.Sprintf("column %q does not exist", title))
	}
	return columns, &title, nil
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func (s *Service) applyUpdates(ctx context.Context, operation, monitorID string, updates map[string]any) (Monitor, error) {
	var monitor Monitor
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", monitorID).Take(&monitor).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(operation, "not_found", ErrNotFound)
			}
			return newServiceError(operation, "select_failed", err)
		}
		if err := tx.Model(&Monitor{}).Where("id = ?", monitorID).Updates(updates).Error; err != nil {
			s.logError(operation, "update_failed", err, zap.String("monitor_id", monitorID))
			return newServiceError(operation, "update_failed", err)
		}
		return tx.Where("id = ?", monitorID).Take(&monitor).Error
	})
	if txErr != nil {
		return Monitor{}, txErr
	}
	return monitor, nil
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
	s.logger.Error("monitors service error", attrs...)
}
