// Package provider talks to the external compute system: read-only inventory
// plus the two terminal actions, delete and power off.
package provider

import (
	"context"

	"github.com/cloudlease/go-instance-lease-system/shared/models"
)

// Outcome is the per-instance result of a terminal action.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeNotFound Outcome = "not_found"
	OutcomeUnknown  Outcome = "unknown"
)

// Provider is the narrow contract the sweeper consumes.
//
// List returns the tenant's live instances; on provider failure it returns an
// empty slice and an error so the caller can distinguish an unreachable
// provider from a tenant with no instances.
//
// Act applies the action to each instance and reports a per-instance outcome.
// Per-instance failures never surface as an error; only a whole-adapter
// failure (e.g. cannot authenticate) does, in which case the caller skips the
// tenant's action step for this sweep.
type Provider interface {
	List(ctx context.Context, tenantID string) ([]models.LiveInstance, error)
	Act(ctx context.Context, instanceIDs []string, action models.Action) (map[string]Outcome, error)
}
