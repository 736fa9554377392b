package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/notionwatch/internal/diff"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/monitors"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/notion"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/notify"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/render"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/snapshots"
	"go.uber.org/zap"
)

// Outcome classifies a finished check.
type Outcome string

const (
	OutcomeSeeded            Outcome = "seeded"
	OutcomeNotDue            Outcome = "not_due"
	OutcomeProcessed         Outcome = "processed"
	OutcomeSourceUnavailable Outcome = "source_unavailable"
	OutcomeFailed            Outcome = "failed"
	OutcomeInterrupted       Outcome = "interrupted"
	OutcomeInactive          Outcome = "inactive"
	OutcomeSuperseded        Outcome = "superseded"
)

// CheckReport summarizes one monitor check.
type CheckReport struct {
	MonitorID string    `json:"monitorId"`
	TenantID  string    `json:"tenantId"`
	ChannelID string    `json:"channelId"`
	Outcome   Outcome   `json:"outcome"`
	Fetched   int       `json:"fetched"`
	New       int       `json:"new"`
	Changed   int       `json:"changed"`
	Delivered int       `json:"delivered"`
	Failed    int       `json:"failed"`
	Watermark string    `json:"watermark,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

type pendingNotification struct {
	record  notion.Record
	isNew   bool
	changes []string
}

func (s *Scheduler) check(ctx context.Context, monitorID string, force bool) (CheckReport, error) {
	now := s.clock().UTC()
	report := CheckReport{MonitorID: monitorID, CheckedAt: now}

	monitor, err := s.monitors.GetByID(ctx, monitorID)
	if err != nil {
		report.Outcome = OutcomeFailed
		return report, err
	}
	report.TenantID = monitor.TenantID
	report.ChannelID = monitor.ChannelID
	if !monitor.IsActive {
		report.Outcome = OutcomeInactive
		return report, ErrMonitorInactive
	}

	watermark, seeded, err := monitor.WatermarkTime()
	if err != nil {
		report.Outcome = OutcomeFailed
		return report, err
	}
	if !seeded {
		if _, err := s.monitors.SeedWatermark(ctx, monitor.ID, now); err != nil {
			report.Outcome = OutcomeFailed
			return report, err
		}
		report.Outcome = OutcomeSeeded
		report.Watermark = monitors.FormatWatermark(now)
		s.logger.Info("monitor watermark seeded",
			zap.String("monitor_id", monitor.ID),
			zap.String("watermark", report.Watermark))
		return report, nil
	}
	report.Watermark = monitors.FormatWatermark(watermark)
	if !force && now.Sub(s.lastAttempt(monitor.ID, watermark)) < monitor.Interval() {
		report.Outcome = OutcomeNotDue
		return report, nil
	}

	records, err := s.source.QueryUpdatedRecords(ctx, monitor.SourceCredential, monitor.SourceCollectionID, report.Watermark)
	if err != nil {
		s.recordFailedFetch(monitor.ID, now)
		report.Outcome = OutcomeSourceUnavailable
		return report, err
	}
	s.clearFailedFetch(monitor.ID)
	report.Fetched = len(records)

	scope := &render.Scope{
		TenantID:   monitor.TenantID,
		ChannelID:  monitor.ChannelID,
		Credential: monitor.SourceCredential,
		Identities: s.identities,
		Records:    s.source,
	}
	entries := make([]snapshots.Entry, 0, len(records))
	pending := make([]pendingNotification, 0, len(records))
	for _, record := range records {
		if ctx.Err() != nil {
			report.Outcome = OutcomeInterrupted
			return report, ctx.Err()
		}
		entry := snapshots.Entry{RecordID: record.ID, Content: record.Raw(), CapturedAt: now}

		previous, _, err := s.snapshots.Get(ctx, monitor.ID, record.ID)
		var result diff.Result
		if err == nil {
			result, err = s.diff.Diff(ctx, previous, record, scope)
		}
		if errors.Is(err, snapshots.ErrCorruptSnapshot) || errors.Is(err, diff.ErrInvalidSnapshot) {
			s.logger.Warn("snapshot rebaselined",
				zap.String("monitor_id", monitor.ID),
				zap.String("record_id", record.ID),
				zap.Error(err))
			result = diff.Result{IsNew: true}
			err = nil
		}
		if err != nil {
			report.Outcome = OutcomeFailed
			return report, err
		}
		if !result.Changed() {
			continue
		}
		entries = append(entries, entry)
		pending = append(pending, pendingNotification{record: record, isNew: result.IsNew, changes: result.Lines()})
		if result.IsNew {
			report.New++
		} else {
			report.Changed++
		}
	}

	if ctx.Err() != nil {
		report.Outcome = OutcomeInterrupted
		return report, ctx.Err()
	}
	err = s.monitors.CommitCheck(context.WithoutCancel(ctx), monitor.ID, monitor.SourceCollectionID, now, entries)
	if errors.Is(err, monitors.ErrCollectionChanged) {
		report.Outcome = OutcomeSuperseded
		report.New, report.Changed = 0, 0
		return report, nil
	}
	if err != nil {
		report.Outcome = OutcomeFailed
		return report, err
	}
	report.Outcome = OutcomeProcessed
	report.Watermark = monitors.FormatWatermark(now)
	s.metrics.AddRecords("new", report.New)
	s.metrics.AddRecords("changed", report.Changed)
	s.metrics.AddRecords("unchanged", report.Fetched-report.New-report.Changed)

	if len(pending) == 0 {
		return report, nil
	}
	s.deliver(ctx, monitor, scope, pending, &report)
	return report, nil
}

func (s *Scheduler) deliver(ctx context.Context, monitor monitors.Monitor, scope *render.Scope, pending []pendingNotification, report *CheckReport) {
	resolved, err := s.delivery.ResolveChannel(ctx, monitor.ChannelID)
	if err != nil || !resolved {
		if err == nil {
			err = fmt.Errorf("%w: channel %s not found", ErrDelivery, monitor.ChannelID)
		}
		s.logger.Warn("notification batch dropped",
			zap.String("monitor_id", monitor.ID),
			zap.String("channel_id", monitor.ChannelID),
			zap.Int("notifications", len(pending)),
			zap.Error(err))
		report.Failed += len(pending)
		for range pending {
			s.metrics.ObserveDelivery("dropped")
		}
		return
	}

	options := notify.DisplayOptions{
		ShowURL:         monitor.ShowURL,
		ShowContributor: monitor.ShowContributor,
		ShowTags:        monitor.ShowTags,
		ShowEditTime:    monitor.ShowEditTime,
	}
	columns := monitor.Columns()
	titleColumn := monitor.TitleColumnName()
	for _, item := range pending {
		message := s.composer.Compose(ctx, notify.ComposeRequest{
			Record:          item.record,
			SelectedColumns: columns,
			Changes:         item.changes,
			IsNew:           item.isNew,
			TitleColumn:     titleColumn,
			Options:         options,
			Scope:           scope,
		})
		if err := s.delivery.Send(ctx, monitor.ChannelID, message); err != nil {
			s.logger.Warn("notification delivery failed",
				zap.String("monitor_id", monitor.ID),
				zap.String("channel_id", monitor.ChannelID),
				zap.String("record_id", item.record.ID),
				zap.Error(fmt.Errorf("%w: %w", ErrDelivery, err)))
			report.Failed++
			s.metrics.ObserveDelivery("failed")
			continue
		}
		report.Delivered++
		s.metrics.ObserveDelivery("sent")
	}
}

// SeedSnapshots captures the current content of every record of the tenant's
// monitor without notifying. The watermark is seeded when unset and otherwise
// kept. It returns the number of captured records.
func (s *Scheduler) SeedSnapshots(ctx context.Context, tenantID, monitorID string) (int, error) {
	monitor, err := s.monitors.GetForTenant(ctx, tenantID, monitorID)
	if err != nil {
		return 0, err
	}
	if !monitor.IsActive {
		return 0, ErrMonitorInactive
	}
	if err := s.limiter.Acquire(ctx, monitor.ID); err != nil {
		return 0, err
	}
	defer s.limiter.Release(monitor.ID)
	s.inFlight.Add(1)
	defer s.inFlight.Done()

	now := s.clock().UTC()
	entries := make([]snapshots.Entry, 0)
	for record, err := range s.source.QueryAllRecords(ctx, monitor.SourceCredential, monitor.SourceCollectionID) {
		if err != nil {
			return 0, err
		}
		entries = append(entries, snapshots.Entry{RecordID: record.ID, Content: record.Raw(), CapturedAt: now})
	}

	watermark := now
	if current, seeded, err := monitor.WatermarkTime(); err == nil && seeded {
		watermark = current
	}
	if err := s.monitors.CommitCheck(context.WithoutCancel(ctx), monitor.ID, monitor.SourceCollectionID, watermark, entries); err != nil {
		return 0, err
	}
	s.logger.Info("monitor snapshots seeded",
		zap.String("monitor_id", monitor.ID),
		zap.Int("records", len(entries)))
	return len(entries), nil
}

// Announce sends one summary per active monitor. It runs at most once per
// Scheduler; later calls return immediately.
func (s *Scheduler) Announce(ctx context.Context) {
	s.announce.Do(func() {
		active, err := s.monitors.ListActive(ctx)
		if err != nil {
			s.logger.Error("startup announcement skipped", zap.Error(err))
			return
		}
		for _, monitor := range active {
			if ctx.Err() != nil {
				return
			}
			s.announceMonitor(ctx, monitor)
		}
	})
}

func (s *Scheduler) announceMonitor(ctx context.Context, monitor monitors.Monitor) {
	fields := []zap.Field{
		zap.String("monitor_id", monitor.ID),
		zap.String("channel_id", monitor.ChannelID),
	}
	resolved, err := s.delivery.ResolveChannel(ctx, monitor.ChannelID)
	if err != nil || !resolved {
		s.logger.Warn("startup announcement channel unavailable", append(fields, zap.Error(err))...)
		return
	}
	watermark := ""
	if monitor.Watermark != nil {
		watermark = *monitor.Watermark
	}
	message := s.composer.Summary(notify.SummaryRequest{
		CollectionID:    monitor.SourceCollectionID,
		IntervalMinutes: monitor.IntervalMinutes,
		SelectedColumns: monitor.Columns(),
		Watermark:       watermark,
	})
	if err := s.delivery.Send(ctx, monitor.ChannelID, message); err != nil {
		s.logger.Warn("startup announcement failed", append(fields, zap.Error(fmt.Errorf("%w: %w", ErrDelivery, err)))...)
	}
}

// lastAttempt returns the later of the watermark and the last failed fetch.
// The interval gate measures from it so an unavailable source is retried
// once per interval while the query keeps starting at the watermark.
func (s *Scheduler) lastAttempt(monitorID string, watermark time.Time) time.Time {
	s.failedMu.Lock()
	defer s.failedMu.Unlock()
	if failed, ok := s.failedFetches[monitorID]; ok && failed.After(watermark) {
		return failed
	}
	return watermark
}

func (s *Scheduler) recordFailedFetch(monitorID string, at time.Time) {
	s.failedMu.Lock()
	s.failedFetches[monitorID] = at
	s.failedMu.Unlock()
}

func (s *Scheduler) clearFailedFetch(monitorID string) {
	s.failedMu.Lock()
	delete(s.failedFetches, monitorID)
	s.failedMu.Unlock()
}
