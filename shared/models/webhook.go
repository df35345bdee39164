package models

import (
	"time"
)

// Webhook describes where and how an expiry warning for a tenant or a single
// instance is delivered. An instance-level hook takes precedence over a
// tenant-level one; when neither exists the notifier falls back to the
// system default target.
type Webhook struct {
	URL           string    `json:"url" gorm:"type:varchar(500);primaryKey"`
	TenantID      string    `json:"tenant_uuid" gorm:"column:tenant_uuid;type:varchar(40);index"`
	InstanceID    string    `json:"instance_uuid" gorm:"column:instance_uuid;type:varchar(40);index"`
	Method        string    `json:"method" gorm:"type:varchar(10);default:POST"`
	RetryAttempts int       `json:"retry_attempts" gorm:"default:1"`
	Body          string    `json:"body" gorm:"type:varchar(500)"`
	ContentType   string    `json:"content_type" gorm:"type:varchar(50)"`
	CreatedAt     time.Time `json:"created_at"`
	CreatedBy     string    `json:"created_by" gorm:"type:varchar(40)"`
	UpdatedAt     time.Time `json:"updated_at"`
	UpdatedBy     string    `json:"updated_by" gorm:"type:varchar(40)"`
}

// TableName returns the table name for the Webhook model
func (Webhook) TableName() string {
	return "webhooks"
}
