package models

import (
	"time"
)

// LiveInstance is a tenant instance as reported by the compute provider.
// It is never persisted; the sweeper re-reads inventory every sweep.
// Instances with no explicit lease expire implicitly at
// CreatedAt + tenant.ExpiryMinutes.
type LiveInstance struct {
	InstanceID string    `json:"instance_uuid"`
	TenantID   string    `json:"tenant_uuid"`
	CreatedAt  time.Time `json:"created_at"`
}
