// Package leasestore persists tenant and instance lease records. It is the
// single owner of lease state: the API handlers and the reconciliation
// sweeper both go through the Store interface and never cache rows across
// sweeps.
package leasestore

import (
	"errors"

	"github.com/cloudlease/go-instance-lease-system/shared/models"
)

var (
	// ErrNotFound is returned when a tenant lease, instance lease, or
	// webhook does not exist. Callers can distinguish "no lease" from a
	// store failure.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when creating a record whose key already
	// exists.
	ErrConflict = errors.New("already exists")

	// ErrPolicyViolation is returned when a write violates lease policy,
	// e.g. an instance expiry beyond the tenant bound. Violations are
	// rejected, never clamped.
	ErrPolicyViolation = errors.New("lease policy violation")
)

// Store is the persistence boundary for lease state. Multi-statement write
// operations are transactional: either all rows change or none do. Reads are
// not snapshot-consistent across tables; callers tolerate a lease vanishing
// between calls.
type Store interface {
	GetTenantLease(tenantID string) (*models.TenantLease, error)
	ListTenantLeases() ([]models.TenantLease, error)
	CreateTenantLease(lease *models.TenantLease) error
	UpdateTenantLease(lease *models.TenantLease) error
	// DeleteTenantLease removes the tenant lease and every instance lease
	// of that tenant (hard delete).
	DeleteTenantLease(tenantID string) error

	GetInstanceLease(instanceID string) (*models.InstanceLease, error)
	ListInstanceLeases(tenantID string) ([]models.InstanceLease, error)
	CreateInstanceLease(lease *models.InstanceLease) error
	// UpdateInstanceLease resets the notified flag whenever the expiry
	// changes, making a re-extended lease eligible for a fresh warning.
	UpdateInstanceLease(lease *models.InstanceLease) error
	DeleteInstanceLeases(instanceIDs []string) error
	MarkNotified(instanceIDs []string) error

	CreateWebhook(webhook *models.Webhook) error
	UpdateWebhook(webhook *models.Webhook) error
	DeleteWebhook(url string) error
	// ListWebhooks filters by resource type: "tenant", "instance", or "all".
	ListWebhooks(resType, resID string) ([]models.Webhook, error)
	// WebhookForInstance resolves the webhook config for an instance:
	// instance-level first, then tenant-level, ErrNotFound when neither
	// exists.
	WebhookForInstance(instanceID, tenantID string) (*models.Webhook, error)
}
