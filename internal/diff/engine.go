package diff

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/notionwatch/internal/notion"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/render"
	"go.uber.org/zap"
)

// ErrInvalidSnapshot indicates the stored baseline could not be parsed.
var ErrInvalidSnapshot = errors.New("diff: invalid snapshot")

// Kind classifies one property change.
type Kind string

const (
	KindAdded    Kind = "added"
	KindModified Kind = "modified"
	KindRemoved  Kind = "removed"
)

// Change is a single rendered property difference.
type Change struct {
	Kind     Kind
	Property string
	Old      string
	New      string
}

// String returns the human readable change line.
func (c Change) String() string {
	switch c.Kind {
	case KindAdded:
		return fmt.Sprintf("新增 %s: %s", c.Property, c.New)
	case KindRemoved:
		return fmt.Sprintf("删除 %s: %s", c.Property, c.Old)
	default:
		return fmt.Sprintf("修改 %s: %s → %s", c.Property, c.Old, c.New)
	}
}

// Result is the outcome of comparing a record against its snapshot.
type Result struct {
	IsNew   bool
	Changes []Change
}

// Lines renders every change in order.
func (r Result) Lines() []string {
	lines := make([]string, 0, len(r.Changes))
	for _, change := range r.Changes {
		lines = append(lines, change.String())
	}
	return lines
}

// Changed reports whether the record needs a notification.
func (r Result) Changed() bool {
	return r.IsNew || len(r.Changes) > 0
}

// PropertyRenderer renders one property for comparison.
type PropertyRenderer interface {
	Render(ctx context.Context, scope *render.Scope, property notion.Property) (string, bool, error)
}

// Engine compares snapshots with freshly fetched records.
type Engine struct {
	renderer PropertyRenderer
	logger   *zap.Logger
}

// NewEngine constructs an Engine.
func NewEngine(renderer PropertyRenderer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if renderer == nil {
		renderer = render.NewRenderer(logger)
	}
	return &Engine{renderer: renderer, logger: logger}
}

// Diff compares the serialized snapshot with the record. A nil snapshot marks
// the record as new. Keys of the new record are visited first in name order,
// then keys that only exist in the snapshot.
func (e *Engine) Diff(ctx context.Context, snapshot []byte, record notion.Record, scope *render.Scope) (Result, error) {
	if snapshot == nil {
		return Result{IsNew: true}, nil
	}
	previous, err := notion.DecodeRecord(snapshot)
	if err != nil {
		return Result{}, fmt.Errorf("%w: record=%s: %v", ErrInvalidSnapshot, record.ID, err)
	}

	changes := make([]Change, 0)
	for _, property := range record.Properties {
		current, ok := e.render(ctx, scope, record.ID, property)
		if !ok {
			continue
		}
		old, existed := previous.Properties.Lookup(property.Name)
		if !existed {
			if current != "" {
				changes = append(changes, Change{Kind: KindAdded, Property: property.Name, New: current})
			}
			continue
		}
		before, ok := e.render(ctx, scope, record.ID, old)
		if !ok {
			continue
		}
		if before != current {
			changes = append(changes, Change{Kind: KindModified, Property: property.Name, Old: before, New: current})
		}
	}

	for _, property := range previous.Properties {
		if _, stillPresent := record.Properties.Lookup(property.Name); stillPresent {
			continue
		}
		before, ok := e.render(ctx, scope, record.ID, property)
		if !ok || before == "" {
			continue
		}
		changes = append(changes, Change{Kind: KindRemoved, Property: property.Name, Old: before})
	}

	return Result{Changes: changes}, nil
}

func (e *Engine) render(ctx context.Context, scope *render.Scope, recordID string, property notion.Property) (string, bool) {
	value, _, err := e.renderer.Render(ctx, scope, property)
	if err != nil {
		e.logger.Warn("property render failed",
			zap.String("record_id", recordID),
			zap.String("property", property.Name),
			zap.Error(err))
		return "", false
	}
	return value, true
}
