package models

import (
	"time"
)

// Action is the terminal action taken on an instance once its lease expires.
type Action string

const (
	ActionDelete   Action = "delete"
	ActionPowerOff Action = "power off"

	// DefaultAction is applied when neither the instance lease nor the
	// tenant lease carries an explicit action.
	DefaultAction = ActionPowerOff
)

// IsValid reports whether a is one of the supported lease actions.
func (a Action) IsValid() bool {
	return a == ActionDelete || a == ActionPowerOff
}

// TenantLease is the per-tenant expiry policy. Instances without an explicit
// InstanceLease inherit ExpiryMinutes relative to their creation time.
type TenantLease struct {
	TenantID      string    `json:"tenant_uuid" gorm:"column:tenant_uuid;type:varchar(40);primaryKey"`
	ExpiryMinutes int       `json:"expiry_mins" gorm:"column:expiry_mins;not null"`
	Action        Action    `json:"action" gorm:"type:varchar(20)"`
	CreatedAt     time.Time `json:"created_at"`
	CreatedBy     string    `json:"created_by" gorm:"type:varchar(40)"`
	UpdatedAt     time.Time `json:"updated_at"`
	UpdatedBy     string    `json:"updated_by" gorm:"type:varchar(40)"`
}

// TableName returns the table name for the TenantLease model
func (TenantLease) TableName() string {
	return "tenant_lease"
}

// MaxInstanceExpiry returns the latest expiry an instance lease of this
// tenant may carry, measured from now.
func (t *TenantLease) MaxInstanceExpiry(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiryMinutes) * time.Minute)
}

// InstanceLease overrides the tenant default expiry for a single instance.
// Notified records that a pre-expiry warning was already delivered; it flips
// back to false whenever the expiry changes so a re-extended lease gets a
// fresh warning.
type InstanceLease struct {
	InstanceID string    `json:"instance_uuid" gorm:"column:instance_uuid;type:varchar(40);primaryKey"`
	TenantID   string    `json:"tenant_uuid" gorm:"column:tenant_uuid;type:varchar(40);not null;index"`
	Expiry     time.Time `json:"expiry" gorm:"not null"`
	Action     Action    `json:"action" gorm:"type:varchar(20)"`
	Notified   bool      `json:"notified" gorm:"not null;default:false"`
	CreatedAt  time.Time `json:"created_at"`
	CreatedBy  string    `json:"created_by" gorm:"type:varchar(40)"`
	UpdatedAt  time.Time `json:"updated_at"`
	UpdatedBy  string    `json:"updated_by" gorm:"type:varchar(40)"`
}

// TableName returns the table name for the InstanceLease model
func (InstanceLease) TableName() string {
	return "instance_lease"
}

// ResolveAction picks the action for this lease: the lease's own action if
// set, else the tenant default, else the given system fallback.
func (l *InstanceLease) ResolveAction(tenant *TenantLease, fallback Action) Action {
	if l.Action.IsValid() {
		return l.Action
	}
	if tenant != nil && tenant.Action.IsValid() {
		return tenant.Action
	}
	if fallback.IsValid() {
		return fallback
	}
	return DefaultAction
}
