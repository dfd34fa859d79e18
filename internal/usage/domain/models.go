// Package domain holds the append-only usage ledger and the tracker contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageLog is one successful tracked call. Rows are never updated.
type UsageLog struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	EntitlementID snowflake.ID `json:"entitlement_id" gorm:"column:entitlement_id;not null;index:idx_usage_logs_entitlement,priority:1"`
	UserID        string       `json:"user_id" gorm:"column:user_id;type:text;not null;index:idx_usage_logs_user_service,priority:1"`
	ServiceID     string       `json:"service_id" gorm:"column:service_id;type:text;not null;index:idx_usage_logs_user_service,priority:2"`
	Timestamp     time.Time    `json:"timestamp" gorm:"column:timestamp;not null;index:idx_usage_logs_entitlement,priority:2"`
	RequestsCount int64        `json:"requests_count" gorm:"column:requests_count;not null"`
	Endpoint      string       `json:"endpoint" gorm:"type:text;not null"`
	IPAddress     string       `json:"ip_address,omitempty" gorm:"column:ip_address;type:text"`
	UserAgent     string       `json:"user_agent,omitempty" gorm:"column:user_agent;type:text"`
	CreatedAt     time.Time    `json:"created_at" gorm:"not null"`
}

func (UsageLog) TableName() string { return "usage_logs" }
