package notify

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/notionwatch/internal/notion"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/render"
	"go.uber.org/zap"
)

const (
	MaxFieldRunes       = 1024
	MaxTitleRunes       = 256
	MaxDescriptionRunes = 4096
	MaxFields           = 25
	// MaxMessageRunes caps the combined title, description, field and
	// footer text of one message.
	MaxMessageRunes = 6000

	labelNewEntry    = "新条目"
	labelUpdate      = "更新通知"
	labelUnknown     = "未知"
	footerText       = "Notion Monitor Bot"
	fieldChanges     = "📋 变更"
	fieldNewEntry    = "🆕 新条目"
	fieldLink        = "🔗 链接"
	fieldContributor = "👤 贡献者"
	fieldTags        = "🏷️ 标签"
	fieldEditTime    = "⏰ 更新时间"
	newEntryMarker   = "新建的条目"
	ellipsis         = "..."

	contributorColumn = "Contributor"
	tagColumn         = "Tag"

	// NoUpdatesText is reported by a manual check that found nothing.
	NoUpdatesText = "没有发现新的更新"
)

// DisplayOptions toggles the default field set used when no columns are selected.
type DisplayOptions struct {
	ShowURL         bool
	ShowContributor bool
	ShowTags        bool
	ShowEditTime    bool
}

// ComposeRequest carries everything needed to build one notification.
type ComposeRequest struct {
	Record          notion.Record
	SelectedColumns []string
	Changes         []string
	IsNew           bool
	TitleColumn     string
	Options         DisplayOptions
	Scope           *render.Scope
}

// PropertyRenderer renders one property for display.
type PropertyRenderer interface {
	Render(ctx context.Context, scope *render.Scope, property notion.Property) (string, bool, error)
}

// Composer assembles notifications.
type Composer struct {
	renderer PropertyRenderer
	logger   *zap.Logger
}

// NewComposer constructs a Composer.
func NewComposer(renderer PropertyRenderer, logger *zap.Logger) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if renderer == nil {
		renderer = render.NewRenderer(logger)
	}
	return &Composer{renderer: renderer, logger: logger}
}

// Compose builds the notification for one new or changed record.
func (c *Composer) Compose(ctx context.Context, request ComposeRequest) Message {
	record := request.Record
	message := Message{
		Title:  c.title(ctx, request),
		URL:    record.URL,
		Color:  recordColor(record),
		Footer: footerText,
	}
	if title := record.Title(); title != "" {
		message.Description = truncate("**"+title+"**", MaxDescriptionRunes)
	}
	if edited, err := time.Parse(time.RFC3339Nano, record.LastEditedTime); err == nil {
		message.Timestamp = edited.UTC()
	}

	if len(request.SelectedColumns) > 0 {
		for _, column := range request.SelectedColumns {
			value, ok := c.renderColumn(ctx, request.Scope, record, column)
			if !ok {
				continue
			}
			message.Fields = append(message.Fields, Field{Name: column, Value: truncate(value, MaxFieldRunes), Inline: true})
		}
	} else {
		message.Fields = append(message.Fields, c.defaultFields(ctx, request)...)
	}

	if len(message.Fields) >= MaxFields {
		message.Fields = message.Fields[:MaxFields-1]
	}
	if request.IsNew {
		message.Fields = append(message.Fields, Field{Name: fieldNewEntry, Value: newEntryMarker})
	} else {
		message.Fields = append(message.Fields, Field{Name: fieldChanges, Value: truncate(strings.Join(request.Changes, "\n"), MaxFieldRunes)})
	}
	fitMessageBudget(&message)
	return message
}

// SummaryRequest describes one monitor for the startup announcement.
type SummaryRequest struct {
	CollectionID    string
	IntervalMinutes int
	SelectedColumns []string
	Watermark       string
}

// Summary builds the startup announcement of a monitor.
func (c *Composer) Summary(request SummaryRequest) Message {
	columns := "默认字段"
	if len(request.SelectedColumns) > 0 {
		columns = strings.Join(request.SelectedColumns, ", ")
	}
	watermark := request.Watermark
	if watermark == "" {
		watermark = "尚未开始"
	}
	return Message{
		Title:       "📡 Notion 监控已启动",
		Description: "本频道将接收 Notion 数据库的更新通知",
		Color:       ColorGreen,
		Footer:      footerText,
		Fields: []Field{
			{Name: "数据库", Value: "`" + request.CollectionID + "`", Inline: true},
			{Name: "检查间隔", Value: fmt.Sprintf("%d 分钟", request.IntervalMinutes), Inline: true},
			{Name: "显示字段", Value: truncate(columns, MaxFieldRunes)},
			{Name: "上次检查", Value: watermark},
		},
	}
}

func (c *Composer) title(ctx context.Context, request ComposeRequest) string {
	label := labelUpdate
	if request.IsNew {
		label = labelNewEntry
	}
	if request.TitleColumn == "" {
		return label
	}
	value, ok := c.renderColumn(ctx, request.Scope, request.Record, request.TitleColumn)
	if !ok {
		return label
	}
	return truncate(label+": "+value, MaxTitleRunes)
}

func (c *Composer) defaultFields(ctx context.Context, request ComposeRequest) []Field {
	record := request.Record
	options := request.Options
	fields := make([]Field, 0, 4)

	if options.ShowURL && record.URL != "" {
		fields = append(fields, Field{Name: fieldLink, Value: fmt.Sprintf("[点击查看](%s)", record.URL)})
	}
	if options.ShowContributor {
		if _, exists := record.Properties.Lookup(contributorColumn); exists {
			contributor, ok := c.renderColumn(ctx, request.Scope, record, contributorColumn)
			if !ok {
				contributor = labelUnknown
			}
			fields = append(fields, Field{Name: fieldContributor, Value: truncate(contributor, MaxFieldRunes), Inline: true})
		}
	}
	if options.ShowTags {
		if tags, ok := c.renderColumn(ctx, request.Scope, record, tagColumn); ok {
			fields = append(fields, Field{Name: fieldTags, Value: truncate(tags, MaxFieldRunes), Inline: true})
		}
	}
	if options.ShowEditTime {
		editDate := labelUnknown
		if record.LastEditedTime != "" {
			editDate, _, _ = strings.Cut(record.LastEditedTime, "T")
		}
		fields = append(fields, Field{Name: fieldEditTime, Value: editDate, Inline: true})
	}
	return fields
}

// renderColumn renders the named property. It reports false for missing,
// absent, empty or unrenderable values.
func (c *Composer) renderColumn(ctx context.Context, scope *render.Scope, record notion.Record, column string) (string, bool) {
	property, exists := record.Properties.Lookup(column)
	if !exists {
		return "", false
	}
	value, present, err := c.renderer.Render(ctx, scope, property)
	if err != nil {
		c.logger.Warn("field render failed",
			zap.String("record_id", record.ID),
			zap.String("property", column),
			zap.Error(err))
		return "", false
	}
	if !present || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

func recordColor(record notion.Record) int {
	for _, property := range record.Properties {
		switch value := property.Value.(type) {
		case notion.SelectValue:
			if value.Option != nil && value.Option.Color != "" {
				return ColorFor(value.Option.Color)
			}
		case notion.MultiSelectValue:
			for _, option := range value.Options {
				if option.Color != "" {
					return ColorFor(option.Color)
				}
			}
		}
	}
	return DefaultColor
}

// fitMessageBudget drops or shortens column fields until the message fits
// MaxMessageRunes. The trailing change block is always kept.
func fitMessageBudget(message *Message) {
	if len(message.Fields) == 0 {
		return
	}
	trailing := message.Fields[len(message.Fields)-1]
	budget := MaxMessageRunes -
		utf8.RuneCountInString(message.Title) -
		utf8.RuneCountInString(message.Description) -
		utf8.RuneCountInString(message.Footer) -
		utf8.RuneCountInString(trailing.Name) -
		utf8.RuneCountInString(trailing.Value)

	kept := make([]Field, 0, len(message.Fields))
	for _, field := range message.Fields[:len(message.Fields)-1] {
		cost := utf8.RuneCountInString(field.Name) + utf8.RuneCountInString(field.Value)
		if cost <= budget {
			kept = append(kept, field)
			budget -= cost
			continue
		}
		room := budget - utf8.RuneCountInString(field.Name)
		if room > len(ellipsis) {
			field.Value = truncate(field.Value, room)
			kept = append(kept, field)
		}
		break
	}
	message.Fields = append(kept, trailing)
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-len(ellipsis)]) + ellipsis
}
