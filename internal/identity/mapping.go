package identity

import (
	"strings"
	"time"
)

// Mapping links a Notion user to a Discord mention inside one tenant channel.
type Mapping struct {
	TenantID       string    `gorm:"column:tenant_id;primaryKey;size:64;not null"`
	ChannelID      string    `gorm:"column:channel_id;primaryKey;size:64;not null"`
	ExternalUserID string    `gorm:"column:external_user_id;primaryKey;size:190;not null"`
	DisplayMention string    `gorm:"column:display_mention;size:190;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing identity mappings.
func (Mapping) TableName() string {
	return "user_identity_map"
}

// MentionFor formats a Discord user id as a mention.
func MentionFor(chatUserID string) string {
	trimmed := normalize(chatUserID)
	if strings.HasPrefix(trimmed, "<@") && strings.HasSuffix(trimmed, ">") {
		return trimmed
	}
	return "<@" + trimmed + ">"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
