package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/notionwatch/internal/notion"
	"go.uber.org/zap"
)

const untitledRecord = "无标题"

// ErrRender marks a property whose payload could not be rendered.
var ErrRender = errors.New("render: malformed property")

// IdentityLookup maps external user ids to chat mentions.
type IdentityLookup interface {
	Resolve(ctx context.Context, tenantID, channelID, externalUserID string) (string, bool, error)
}

// RecordFetcher loads related records for relation rendering.
type RecordFetcher interface {
	FetchRecordByID(ctx context.Context, credential, recordID string) (notion.Record, bool, error)
}

// Scope carries the identity and relation context of one monitor check.
// A nil Scope renders mentions and relations as raw ids.
type Scope struct {
	TenantID   string
	ChannelID  string
	Credential string
	Identities IdentityLookup
	Records    RecordFetcher

	relations sync.Map
}

type relationTarget struct {
	title string
	url   string
	found bool
}

// Renderer turns typed record properties into display strings.
type Renderer struct {
	logger *zap.Logger
}

// NewRenderer constructs a Renderer.
func NewRenderer(logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{logger: logger}
}

// Render returns the display string of the property. The boolean is false
// when the property has no displayable value. Malformed payloads yield ErrRender.
func (r *Renderer) Render(ctx context.Context, scope *Scope, property notion.Property) (string, bool, error) {
	switch value := property.Value.(type) {
	case notion.SelectValue:
		if value.Option == nil {
			return "", false, nil
		}
		return value.Option.Name, true, nil
	case notion.MultiSelectValue:
		names := make([]string, 0, len(value.Options))
		for _, option := range value.Options {
			names = append(names, option.Name)
		}
		return strings.Join(names, ", "), true, nil
	case notion.RichTextValue:
		var builder strings.Builder
		for _, run := range value.Runs {
			if userID, ok := run.MentionedUserID(); ok {
				builder.WriteString(r.mention(ctx, scope, userID))
				continue
			}
			builder.WriteString(run.Content())
		}
		return builder.String(), true, nil
	case notion.DateValue:
		if value.Date == nil {
			return "", false, nil
		}
		return formatDateRange(*value.Date), true, nil
	case notion.PeopleValue:
		mentions := make([]string, 0, len(value.People))
		for _, person := range value.People {
			mentions = append(mentions, r.mention(ctx, scope, person.ID))
		}
		return strings.Join(mentions, ", "), true, nil
	case notion.FilesValue:
		links := make([]string, 0, len(value.Files))
		for _, file := range value.Files {
			links = append(links, fmt.Sprintf("[%s](%s)", file.Name, file.Link()))
		}
		return strings.Join(links, ", "), true, nil
	case notion.CheckboxValue:
		if value.Checked {
			return "✅", true, nil
		}
		return "❌", true, nil
	case notion.NumberValue:
		if value.Number == nil {
			return "", true, nil
		}
		return formatNumber(*value.Number), true, nil
	case notion.URLValue:
		if value.URL == nil || *value.URL == "" {
			return "", true, nil
		}
		return fmt.Sprintf("[链接](%s)", *value.URL), true, nil
	case notion.TextValue:
		if value.Text == nil {
			return "", false, nil
		}
		return *value.Text, true, nil
	case notion.FormulaValue:
		return formatFormula(value.Result)
	case notion.TimestampValue:
		return value.Time, true, nil
	case notion.RelationValue:
		return r.relations(ctx, scope, value.IDs), true, nil
	case notion.UnknownValue:
		if value.Raw == nil {
			return "", false, nil
		}
		return stringifyRaw(value.Raw), true, nil
	case notion.MalformedValue:
		return "", false, fmt.Errorf("%w: %s (%s): %v", ErrRender, property.Name, property.Type, value.Err)
	case nil:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("%w: %s: unsupported value %T", ErrRender, property.Name, property.Value)
	}
}

func (r *Renderer) mention(ctx context.Context, scope *Scope, userID string) string {
	fallback := "`" + userID + "`"
	if scope == nil || scope.Identities == nil || userID == "" {
		return fallback
	}
	mention, found, err := scope.Identities.Resolve(ctx, scope.TenantID, scope.ChannelID, userID)
	if err != nil {
		r.logger.Warn("identity lookup failed",
			zap.String("tenant_id", scope.TenantID),
			zap.String("channel_id", scope.ChannelID),
			zap.String("external_user_id", userID),
			zap.Error(err))
		return fallback
	}
	if !found || mention == "" {
		return fallback
	}
	return mention
}

func (r *Renderer) relations(ctx context.Context, scope *Scope, ids []string) string {
	if scope == nil || scope.Records == nil {
		quoted := make([]string, 0, len(ids))
		for _, id := range ids {
			quoted = append(quoted, "`"+id+"`")
		}
		return strings.Join(quoted, ", ")
	}

	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		target := scope.relationTarget(ctx, r.logger, id)
		if !target.found {
			lines = append(lines, "`"+id+"`")
			continue
		}
		lines = append(lines, fmt.Sprintf("[%s](%s)", target.title, target.url))
	}
	return strings.Join(lines, "\n")
}

func (s *Scope) relationTarget(ctx context.Context, logger *zap.Logger, id string) relationTarget {
	if cached, ok := s.relations.Load(id); ok {
		if target, ok := cached.(relationTarget); ok {
			return target
		}
	}
	record, found, err := s.Records.FetchRecordByID(ctx, s.Credential, id)
	if err != nil {
		// errors are not cached
		logger.Warn("relation lookup failed",
			zap.String("tenant_id", s.TenantID),
			zap.String("record_id", id),
			zap.Error(err))
		return relationTarget{}
	}
	target := relationTarget{found: found}
	if found {
		target.title = record.Title()
		if target.title == "" {
			target.title = untitledRecord
		}
		target.url = record.URL
	}
	s.relations.Store(id, target)
	return target
}

func formatDateRange(date notion.DateRange) string {
	if date.End != nil && *date.End != "" {
		return date.Start + " 至 " + *date.End
	}
	return date.Start
}

func formatNumber(number float64) string {
	return strconv.FormatFloat(number, 'f', -1, 64)
}

func formatFormula(result notion.FormulaResult) (string, bool, error) {
	switch {
	case result.String != nil:
		return *result.String, true, nil
	case result.Number != nil:
		return formatNumber(*result.Number), true, nil
	case result.Boolean != nil:
		return formatFormulaBoolean(*result.Boolean), true, nil
	case result.Date != nil:
		return formatDateRange(*result.Date), true, nil
	default:
		return "", false, nil
	}
}

// formatFormulaBoolean renders boolean formula results as True or False.
func formatFormulaBoolean(value bool) string {
	if value {
		return "True"
	}
	return "False"
}

func stringifyRaw(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return string(raw)
	}
	return compact.String()
}
