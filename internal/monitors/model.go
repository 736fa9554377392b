package monitors

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// WatermarkLayout is the canonical watermark format.
	WatermarkLayout        = "2006-01-02T15:04:05Z"
	DefaultIntervalMinutes = 2
)

// Monitor binds one tenant channel to a Notion database.
type Monitor struct {
	ID                 string    `gorm:"column:id;primaryKey;size:64;not null"`
	TenantID           string    `gorm:"column:tenant_id;size:64;not null;uniqueIndex:idx_monitor_binding"`
	ChannelID          string    `gorm:"column:channel_id;size:64;not null;uniqueIndex:idx_monitor_binding"`
	SourceCredential   string    `gorm:"column:source_credential;size:512;not null"`
	SourceCollectionID string    `gorm:"column:source_collection_id;size:64;not null"`
	IntervalMinutes    int       `gorm:"column:interval_minutes;not null"`
	SelectedColumns    string    `gorm:"column:selected_columns;type:text;not null"`
	IsActive           bool      `gorm:"column:is_active;not null;index"`
	Watermark          *string   `gorm:"column:watermark;size:32"`
	TitleColumn        *string   `gorm:"column:title_column;size:190"`
	ShowURL            bool      `gorm:"column:show_url;not null"`
	ShowContributor    bool      `gorm:"column:show_contributor;not null"`
	ShowTags           bool      `gorm:"column:show_tags;not null"`
	ShowEditTime       bool      `gorm:"column:show_edit_time;not null"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing monitor configurations.
func (Monitor) TableName() string {
	return "notion_monitors"
}

// Columns decodes the selected column list. An empty list selects the
// default field set.
func (m Monitor) Columns() []string {
	if strings.TrimSpace(m.SelectedColumns) == "" {
		return []string{}
	}
	var columns []string
	if err := json.Unmarshal([]byte(m.SelectedColumns), &columns); err != nil {
		return []string{}
	}
	if columns == nil {
		return []string{}
	}
	return columns
}

// TitleColumnName returns the configured title column or "".
func (m Monitor) TitleColumnName() string {
	if m.TitleColumn == nil {
		return ""
	}
	return *m.TitleColumn
}

// Interval returns the configured polling interval.
func (m Monitor) Interval() time.Duration {
	return time.Duration(m.IntervalMinutes) * time.Minute
}

// WatermarkTime parses the stored watermark. The boolean is false when the
// monitor has never been seeded.
func (m Monitor) WatermarkTime() (time.Time, bool, error) {
	if m.Watermark == nil || strings.TrimSpace(*m.Watermark) == "" {
		return time.Time{}, false, nil
	}
	parsed, err := ParseWatermark(*m.Watermark)
	if err != nil {
		return time.Time{}, false, err
	}
	return parsed, true, nil
}

// FormatWatermark renders a time in the canonical watermark layout.
func FormatWatermark(value time.Time) string {
	return value.UTC().Truncate(time.Second).Format(WatermarkLayout)
}

// ParseWatermark accepts canonical and RFC 3339 timestamps, with or without
// fractional seconds or an offset.
func ParseWatermark(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	layouts := []string{WatermarkLayout, time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("monitors: invalid watermark %q", value)
}

func encodeColumns(columns []string) (string, error) {
	if columns == nil {
		columns = []string{}
	}
	encoded, err := json.Marshal(columns)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
