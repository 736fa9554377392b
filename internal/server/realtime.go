package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/notionwatch/internal/scheduler"
)

const (
	EventMonitorChecked = "monitor-checked"
	eventHeartbeat      = "heartbeat"
	eventSource         = "notionwatch"
)

// Event is delivered to the admin event stream of one tenant.
type Event struct {
	TenantID  string
	Type      string
	Report    scheduler.CheckReport
	Timestamp time.Time
}

// EventDispatcher fans events out to per-tenant subscribers. Slow
// subscribers miss events instead of blocking publishers.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type eventSubscriber struct {
	id     int64
	stream chan Event
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[string]map[int64]*eventSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

func (d *EventDispatcher) Subscribe(ctx context.Context, tenantID string) (<-chan Event, func()) {
	if tenantID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.registerSubscriber(tenantID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(tenantID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *EventDispatcher) Publish(event Event) {
	if event.TenantID == "" || event.Type == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.TenantID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*eventSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// PublishCheck forwards a finished monitor check to the tenant's subscribers.
func (d *EventDispatcher) PublishCheck(report scheduler.CheckReport) {
	timestamp := report.CheckedAt
	if timestamp.IsZero() {
		timestamp = d.clock().UTC()
	}
	d.Publish(Event{
		TenantID:  report.TenantID,
		Type:      EventMonitorChecked,
		Report:    report,
		Timestamp: timestamp,
	})
}

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *EventDispatcher) registerSubscriber(tenantID string, subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[tenantID]; !ok {
		d.subscribers[tenantID] = make(map[int64]*eventSubscriber)
	}
	d.subscribers[tenantID][subscriber.id] = subscriber
}

func (d *EventDispatcher) unregisterSubscriber(tenantID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[tenantID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, tenantID)
		}
	}
	d.mu.Unlock()
}
