package scheduler

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/notionwatch/internal/diff"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/metrics"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/monitors"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/notion"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/notify"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/render"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/snapshots"
	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

const defaultTickInterval = time.Minute

var (
	// ErrDelivery marks a notification that could not be delivered.
	ErrDelivery = errors.New("scheduler: delivery failed")
	// ErrMonitorInactive is returned by manual operations on stopped monitors.
	ErrMonitorInactive = errors.New("scheduler: monitor is inactive")

	errMissingMonitors  = errors.New("scheduler: monitor service is required")
	errMissingSnapshots = errors.New("scheduler: snapshot store is required")
	errMissingSource    = errors.New("scheduler: source is required")
	errMissingDelivery  = errors.New("scheduler: delivery is required")
	errAlreadyStarted   = errors.New("scheduler: already started")
)

// Source is the Notion side of a check.
type Source interface {
	QueryUpdatedRecords(ctx context.Context, credential, collectionID, after string) ([]notion.Record, error)
	QueryAllRecords(ctx context.Context, credential, collectionID string) iter.Seq2[notion.Record, error]
	FetchRecordByID(ctx context.Context, credential, recordID string) (notion.Record, bool, error)
}

// Delivery is the chat side of a check.
type Delivery interface {
	ResolveChannel(ctx context.Context, channelID string) (bool, error)
	Send(ctx context.Context, channelID string, message notify.Message) error
}

// Publisher receives a report for every finished check.
type Publisher interface {
	PublishCheck(report CheckReport)
}

// Config describes the scheduler dependencies.
type Config struct {
	Monitors              *monitors.Service
	Snapshots             *snapshots.Store
	Source                Source
	Delivery              Delivery
	Identities            render.IdentityLookup
	Diff                  *diff.Engine
	Composer              *notify.Composer
	Publisher             Publisher
	Metrics               *metrics.Collector
	TickInterval          time.Duration
	MaxConcurrentMonitors int
	Clock                 func() time.Time
	Logger                *zap.Logger
}

// Scheduler drives periodic monitor checks.
type Scheduler struct {
	monitors     *monitors.Service
	snapshots    *snapshots.Store
	source       Source
	delivery     Delivery
	identities   render.IdentityLookup
	diff         *diff.Engine
	composer     *notify.Composer
	publisher    Publisher
	metrics      *metrics.Collector
	tickInterval time.Duration
	limiter      *checkLimiter
	clock        func() time.Time
	logger       *zap.Logger

	mu       sync.Mutex
	cron     *gocron.Scheduler
	inFlight sync.WaitGroup
	announce sync.Once

	failedMu      sync.Mutex
	failedFetches map[string]time.Time
}

// New constructs a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Monitors == nil {
		return nil, errMissingMonitors
	}
	if cfg.Snapshots == nil {
		return nil, errMissingSnapshots
	}
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Delivery == nil {
		return nil, errMissingDelivery
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	renderer := render.NewRenderer(logger)
	engine := cfg.Diff
	if engine == nil {
		engine = diff.NewEngine(renderer, logger)
	}
	composer := cfg.Composer
	if composer == nil {
		composer = notify.NewComposer(renderer, logger)
	}
	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = defaultTickInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		monitors:     cfg.Monitors,
		snapshots:    cfg.Snapshots,
		source:       cfg.Source,
		delivery:     cfg.Delivery,
		identities:   cfg.Identities,
		diff:         engine,
		composer:     composer,
		publisher:    cfg.Publisher,
		metrics:      cfg.Metrics,
		tickInterval: tickInterval,
		limiter:      newCheckLimiter(cfg.MaxConcurrentMonitors),
		clock:        clock,
		logger:       logger,

		failedFetches: make(map[string]time.Time),
	}, nil
}

// Start runs Tick on the configured wall-clock period until ctx is done or
// Stop is called. Overlapping ticks are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errAlreadyStarted
	}

	cron := gocron.NewScheduler(time.UTC)
	_, err := cron.Every(s.tickInterval).SingletonMode().Do(func() {
		if ctx.Err() != nil {
			return
		}
		processed, err := s.Tick(ctx)
		if err != nil {
			s.logger.Error("scheduler tick failed", zap.Error(err))
			return
		}
		s.logger.Debug("scheduler tick finished", zap.Int("processed", processed))
	})
	if err != nil {
		return err
	}
	cron.StartAsync()
	s.cron = cron
	s.logger.Info("scheduler started", zap.Duration("tick_interval", s.tickInterval))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the periodic tick and waits for in-flight checks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cron := s.cron
	s.cron = nil
	s.mu.Unlock()
	if cron != nil {
		cron.Stop()
		s.logger.Info("scheduler stopped")
	}
	s.inFlight.Wait()
}

// Tick checks every active monitor once. Per-monitor failures are logged and
// never abort the tick. It returns the number of monitors that were processed.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	active, err := s.monitors.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		processed int
	)
	for _, monitor := range active {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		s.inFlight.Add(1)
		go func(monitor monitors.Monitor) {
			defer wg.Done()
			defer s.inFlight.Done()
			report, err := s.run(ctx, monitor.ID, false)
			if err != nil && !errors.Is(err, ErrMonitorInactive) {
				s.logger.Warn("monitor check failed",
					zap.String("monitor_id", monitor.ID),
					zap.String("tenant_id", monitor.TenantID),
					zap.String("channel_id", monitor.ChannelID),
					zap.String("outcome", string(report.Outcome)),
					zap.Error(err))
			}
			if report.Outcome == OutcomeProcessed {
				mu.Lock()
				processed++
				mu.Unlock()
			}
		}(monitor)
	}
	wg.Wait()
	return processed, nil
}

// CheckNow runs one check of the monitor immediately, bypassing the interval
// gate. Checks of the same monitor are serialized with the periodic tick.
func (s *Scheduler) CheckNow(ctx context.Context, monitorID string) (CheckReport, error) {
	s.inFlight.Add(1)
	defer s.inFlight.Done()
	return s.run(ctx, monitorID, true)
}

func (s *Scheduler) run(ctx context.Context, monitorID string, force bool) (CheckReport, error) {
	if err := s.limiter.Acquire(ctx, monitorID); err != nil {
		return CheckReport{MonitorID: monitorID, Outcome: OutcomeInterrupted}, err
	}
	defer s.limiter.Release(monitorID)

	started := s.clock()
	report, err := s.check(ctx, monitorID, force)
	if report.Outcome != OutcomeNotDue && report.Outcome != OutcomeInactive && report.Outcome != OutcomeSuperseded {
		s.metrics.ObserveCheck(string(report.Outcome), s.clock().Sub(started))
		if s.publisher != nil {
			s.publisher.PublishCheck(report)
		}
	}
	return report, err
}
