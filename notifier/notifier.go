// Package notifier delivers pre-expiry warnings for instances approaching
// the end of their lease.
package notifier

import (
	"context"
	"time"

	"github.com/cloudlease/go-instance-lease-system/shared/models"
)

// Notification is one expiry warning to deliver. Webhook carries the
// per-instance or per-tenant delivery override when one exists; the notifier
// falls back to its system default target otherwise.
type Notification struct {
	InstanceID string
	TenantID   string
	Expiry     time.Time
	Webhook    *models.Webhook
}

// Result is the per-instance delivery outcome, in the same order and
// identity as the input notifications.
type Result struct {
	InstanceID string
	OK         bool
	Message    string
}

// Notifier posts warnings. Per-item delivery failures are reported in the
// results, never as an error; the returned error indicates a whole-adapter
// failure, in which case the caller retries the batch next sweep.
type Notifier interface {
	Post(ctx context.Context, notifications []Notification) ([]Result, error)
}
