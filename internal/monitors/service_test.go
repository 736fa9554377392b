package monitors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notionwatch/internal/snapshots"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type stubSchema struct {
	schemas map[string]map[string]string
	err     error
	calls   int
}

func (s *stubSchema) FetchCollectionSchema(_ context.Context, _ string, collectionID string) (map[string]string, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.schemas[collectionID], nil
}

type sequenceIDs struct {
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("monitor-%d", s.next), nil
}

type fixture struct {
	service   *Service
	snapshots *snapshots.Store
	schema    *stubSchema
	db        *gorm.DB
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Monitor{}, &snapshots.Snapshot{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := snapshots.NewStore(db, nil)
	if err != nil {
		t.Fatalf("failed to create snapshot store: %v", err)
	}
	schema := &stubSchema{schemas: map[string]map[string]string{
		"db-1": {"Name": "title", "Status": "status", "Owner": "people"},
		"db-2": {"Title": "title"},
	}}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Snapshots:  store,
		Schema:     schema,
		IDProvider: &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return fixture{service: service, snapshots: store, schema: schema, db: db}
}

func baseSetup() SetupRequest {
	return SetupRequest{
		TenantID:        "guild-1",
		ChannelID:       "chan-1",
		Credential:      "secret_abc",
		CollectionID:    "db-1",
		SelectedColumns: []string{"Status", "Owner"},
		TitleColumn:     "Name",
	}
}

func TestSetupCreatesActiveMonitorWithDefaults(t *testing.T) {
	f := newFixture(t)
	result, err := f.service.Setup(context.Background(), baseSetup())
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	monitor := result.Monitor
	if !result.Created || monitor.ID != "monitor-1" {
		t.Fatalf("unexpected setup result %#v", result)
	}
	if !monitor.IsActive || monitor.IntervalMinutes != DefaultIntervalMinutes {
		t.Fatalf("expected active monitor with default interval, got %#v", monitor)
	}
	if monitor.Watermark != nil {
		t.Fatalf("expected unseeded watermark")
	}
	if !monitor.ShowURL || !monitor.ShowContributor || !monitor.ShowTags || !monitor.ShowEditTime {
		t.Fatalf("expected display toggles enabled by default")
	}
	columns := monitor.Columns()
	if len(columns) != 2 || columns[0] != "Status" || columns[1] != "Owner" {
		t.Fatalf("expected column order to be preserved, got %v", columns)
	}
	if monitor.TitleColumnName() != "Name" {
		t.Fatalf("unexpected title column %q", monitor.TitleColumnName())
	}
}

func TestSetupRejectsInvalidConfiguration(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*SetupRequest)
		code   string
	}{
		{name: "interval", mutate: func(r *SetupRequest) { r.IntervalMinutes = -1 }, code: "monitors.setup.invalid_interval"},
		{name: "credential", mutate: func(r *SetupRequest) { r.Credential = "secret abc" }, code: "monitors.setup.invalid_credential"},
		{name: "unknown column", mutate: func(r *SetupRequest) { r.SelectedColumns = []string{"Missing"} }, code: "monitors.setup.unknown_column"},
		{name: "duplicate column", mutate: func(r *SetupRequest) { r.SelectedColumns = []string{"Status", "Status"} }, code: "monitors.setup.duplicate_column"},
		{name: "title column", mutate: func(r *SetupRequest) { r.TitleColumn = "Nope" }, code: "monitors.setup.unknown_title_column"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			f := newFixture(t)
			request := baseSetup()
			testCase.mutate(&request)
			_, err := f.service.Setup(context.Background(), request)
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) || serviceErr.Code() != testCase.code {
				t.Fatalf("expected code %s, got %v", testCase.code, err)
			}
			var count int64
			if err := f.db.Model(&Monitor{}).Count(&count).Error; err != nil {
				t.Fatalf("count failed: %v", err)
			}
			if count != 0 {
				t.Fatalf("expected nothing persisted, got %d monitors", count)
			}
		})
	}
}

func TestSetupSchemaFailureIsConfigurationError(t *testing.T) {
	f := newFixture(t)
	f.schema.err = errors.New("unauthorized")
	_, err := f.service.Setup(context.Background(), baseSetup())
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestSetupReuseWithNewCollectionPurgesSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.service.Setup(ctx, baseSetup())
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	monitorID := first.Monitor.ID
	watermark := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	if err := f.service.CommitCheck(ctx, monitorID, "db-1", watermark, []snapshots.Entry{{RecordID: "r1", Content: []byte(`{}`), CapturedAt: watermark}}); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if _, err := f.service.Deactivate(ctx, "guild-1", monitorID); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}

	sameCollection := baseSetup()
	sameCollection.IntervalMinutes = 5
	second, err := f.service.Setup(ctx, sameCollection)
	if err != nil {
		t.Fatalf("reuse setup failed: %v", err)
	}
	if second.Created || second.Monitor.ID != monitorID || second.SnapshotsPurged != 0 {
		t.Fatalf("unexpected reuse result %#v", second)
	}
	if !second.Monitor.IsActive || second.Monitor.IntervalMinutes != 5 || second.Monitor.Watermark == nil {
		t.Fatalf("expected reactivated monitor keeping its watermark, got %#v", second.Monitor)
	}

	otherCollection := SetupRequest{TenantID: "guild-1", ChannelID: "chan-1", Credential: "secret_abc", CollectionID: "db-2"}
	third, err := f.service.Setup(ctx, otherCollection)
	if err != nil {
		t.Fatalf("rebinding setup failed: %v", err)
	}
	if third.SnapshotsPurged != 1 {
		t.Fatalf("expected one purged snapshot, got %d", third.SnapshotsPurged)
	}
	if third.Monitor.Watermark != nil || third.Monitor.SourceCollectionID != "db-2" {
		t.Fatalf("expected watermark reset on collection change, got %#v", third.Monitor)
	}
	if len(third.Monitor.Columns()) != 0 || third.Monitor.TitleColumn != nil {
		t.Fatalf("expected default rendering after rebinding, got %#v", third.Monitor)
	}
}

func TestCommitCheckNeverMovesWatermarkBackwards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	result, err := f.service.Setup(ctx, baseSetup())
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	monitorID := result.Monitor.ID
	later := time.Date(2026, 10, 1, 12, 10, 0, 0, time.UTC)
	earlier := later.Add(-5 * time.Minute)

	if err := f.service.CommitCheck(ctx, monitorID, "db-1", later, []snapshots.Entry{{RecordID: "r1", Content: []byte(`{"id":"r1"}`), CapturedAt: later}}); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := f.service.CommitCheck(ctx, monitorID, "db-1", earlier, []snapshots.Entry{{RecordID: "r2", Content: []byte(`{"id":"r2"}`), CapturedAt: earlier}}); err != nil {
		t.Fatalf("second commit failed: %v", err)
	}

	monitor, err := f.service.GetByID(ctx, monitorID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if monitor.Watermark == nil || *monitor.Watermark != "2026-10-01T12:10:00Z" {
		t.Fatalf("unexpected watermark %v", monitor.Watermark)
	}
	count, err := f.snapshots.Count(ctx, monitorID)
	if err != nil || count != 2 {
		t.Fatalf("expected both snapshots stored, got %d %v", count, err)
	}
}

func TestCommitCheckUnknownMonitorFails(t *testing.T) {
	f := newFixture(t)
	err := f.service.CommitCheck(context.Background(), "ghost", "db-1", time.Now(), nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCommitCheckAfterRebindIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	result, err := f.service.Setup(ctx, baseSetup())
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	monitorID := result.Monitor.ID
	rebind := SetupRequest{TenantID: "guild-1", ChannelID: "chan-1", Credential: "secret_abc", CollectionID: "db-2"}
	if _, err := f.service.Setup(ctx, rebind); err != nil {
		t.Fatalf("rebinding setup failed: %v", err)
	}

	checkedAt := time.Date(2026, 10, 1, 10, 3, 0, 0, time.UTC)
	err = f.service.CommitCheck(ctx, monitorID, "db-1", checkedAt, []snapshots.Entry{{RecordID: "r1", Content: []byte(`{"id":"r1"}`), CapturedAt: checkedAt}})
	if !errors.Is(err, ErrCollectionChanged) {
		t.Fatalf("expected ErrCollectionChanged, got %v", err)
	}

	monitor, err := f.service.GetByID(ctx, monitorID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if monitor.Watermark != nil {
		t.Fatalf("expected watermark to stay unset after rebind, got %q", *monitor.Watermark)
	}
	count, err := f.snapshots.Count(ctx, monitorID)
	if err != nil || count != 0 {
		t.Fatalf("expected no snapshots from the previous database, got %d %v", count, err)
	}
}

func TestSeedWatermarkOnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	result, err := f.service.Setup(ctx, baseSetup())
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	seededAt := time.Date(2026, 10, 1, 12, 0, 0, 500, time.UTC)
	seeded, err := f.service.SeedWatermark(ctx, result.Monitor.ID, seededAt)
	if err != nil || !seeded {
		t.Fatalf("expected seed, got %v %v", seeded, err)
	}
	seeded, err = f.service.SeedWatermark(ctx, result.Monitor.ID, seededAt.Add(time.Hour))
	if err != nil || seeded {
		t.Fatalf("expected second seed to be ignored, got %v %v", seeded, err)
	}
	monitor, _ := f.service.GetByID(ctx, result.Monitor.ID)
	if *monitor.Watermark != "2026-10-01T12:00:00Z" {
		t.Fatalf("unexpected watermark %s", *monitor.Watermark)
	}
}

func TestUpdatePersistsFalseToggles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	result, err := f.service.Setup(ctx, baseSetup())
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	off := false
	interval := 10
	emptyTitle := ""
	updated, err := f.service.Update(ctx, "guild-1", result.Monitor.ID, UpdateRequest{
		IntervalMinutes: &interval,
		TitleColumn:     &emptyTitle,
		ShowURL:         &off,
		ShowTags:        &off,
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.ShowURL || updated.ShowTags || !updated.ShowContributor || !updated.ShowEditTime {
		t.Fatalf("unexpected toggles %#v", updated)
	}
	if updated.IntervalMinutes != 10 || updated.TitleColumn != nil {
		t.Fatalf("unexpected update %#v", updated)
	}

	zero := 0
	if _, err := f.service.Update(ctx, "guild-1", result.Monitor.ID, UpdateRequest{IntervalMinutes: &zero}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for zero interval, got %v", err)
	}
	if _, err := f.service.Update(ctx, "guild-2", result.Monitor.ID, UpdateRequest{IntervalMinutes: &interval}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign tenant, got %v", err)
	}
}

func TestSetChannelRejectsTakenChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.service.Setup(ctx, baseSetup())
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	other := baseSetup()
	other.ChannelID = "chan-2"
	if _, err := f.service.Setup(ctx, other); err != nil {
		t.Fatalf("second setup failed: %v", err)
	}

	if _, err := f.service.SetChannel(ctx, "guild-1", first.Monitor.ID, "chan-2"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	moved, err := f.service.SetChannel(ctx, "guild-1", first.Monitor.ID, "chan-3")
	if err != nil {
		t.Fatalf("set channel failed: %v", err)
	}
	if moved.ChannelID != "chan-3" {
		t.Fatalf("unexpected channel %s", moved.ChannelID)
	}
}

func TestListActiveSkipsInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.service.Setup(ctx, baseSetup())
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	other := baseSetup()
	other.ChannelID = "chan-2"
	if _, err := f.service.Setup(ctx, other); err != nil {
		t.Fatalf("second setup failed: %v", err)
	}
	if _, err := f.service.Deactivate(ctx, "guild-1", first.Monitor.ID); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	active, err := f.service.ListActive(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(active) != 1 || active[0].ChannelID != "chan-2" {
		t.Fatalf("unexpected active monitors %#v", active)
	}
	all, err := f.service.ListByTenant(ctx, "guild-1")
	if err != nil || len(all) != 2 {
		t.Fatalf("expected both monitors listed, got %d %v", len(all), err)
	}
}

func TestParseWatermarkAcceptsLegacyFormats(t *testing.T) {
	inputs := []string{"2026-10-01T12:00:00Z", "2026-10-01T12:00:00.123456", "2026-10-01T14:00:00+02:00", "2026-10-01T12:00:00.5Z"}
	for _, input := range inputs {
		parsed, err := ParseWatermark(input)
		if err != nil {
			t.Fatalf("parse %q failed: %v", input, err)
		}
		if FormatWatermark(parsed) != "2026-10-01T12:00:00Z" {
			t.Fatalf("unexpected canonical form for %q: %s", input, FormatWatermark(parsed))
		}
	}
	if _, err := ParseWatermark("yesterday"); err == nil {
		t.Fatalf("expected error for invalid watermark")
	}
}
