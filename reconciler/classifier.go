// Package reconciler implements the lease reconciliation engine: the pure
// classifier and the periodic sweep that acts on its decisions.
package reconciler

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudlease/go-instance-lease-system/shared/models"
)

// WarningWindow is the fixed duration before expiry during which a one-time
// warning is sent. Not configurable per tenant.
const WarningWindow = time.Hour

// Candidate is one instance with its effective expiry and resolved action.
// HasLease distinguishes explicit leases (persisted rows) from instances
// classified by their implicit expiry.
type Candidate struct {
	InstanceID string
	TenantID   string
	Expiry     time.Time
	Action     models.Action
	HasLease   bool
	Notified   bool
}

// Classification partitions a tenant's instances. No instance appears in
// more than one set.
type Classification struct {
	ActNow    []Candidate
	Warn      []Candidate
	Untouched []Candidate
}

// Classify partitions explicit leases and live instances into act-now, warn,
// and untouched sets. Explicit leases take precedence over the implicit
// classification of the same instance. The comparison for keeping an
// instance is strictly expiry > now, so an expiry exactly equal to now
// routes to act-now. Live instances with no creation timestamp cannot be
// given an implicit expiry; they are skipped and logged.
func Classify(now time.Time, tenant *models.TenantLease, leases []models.InstanceLease,
	live []models.LiveInstance, warningWindow time.Duration, defaultAction models.Action) Classification {

	log := logrus.WithField("component", "classifier")

	var result Classification
	covered := make(map[string]bool, len(leases))

	for i := range leases {
		lease := &leases[i]
		covered[lease.InstanceID] = true
		candidate := Candidate{
			InstanceID: lease.InstanceID,
			TenantID:   lease.TenantID,
			Expiry:     lease.Expiry,
			Action:     lease.ResolveAction(tenant, defaultAction),
			HasLease:   true,
			Notified:   lease.Notified,
		}
		result.add(classifyOne(now, candidate.Expiry, candidate.Notified, warningWindow), candidate)
	}

	implicitExpiry := time.Duration(tenant.ExpiryMinutes) * time.Minute
	implicitAction := defaultAction
	if tenant.Action.IsValid() {
		implicitAction = tenant.Action
	}
	if !implicitAction.IsValid() {
		implicitAction = models.DefaultAction
	}

	for _, instance := range live {
		if covered[instance.InstanceID] {
			continue
		}
		if instance.CreatedAt.IsZero() {
			log.Warnf("Instance %s has no creation timestamp, skipping implicit classification",
				instance.InstanceID)
			continue
		}
		candidate := Candidate{
			InstanceID: instance.InstanceID,
			TenantID:   tenant.TenantID,
			Expiry:     instance.CreatedAt.Add(implicitExpiry),
			Action:     implicitAction,
		}
		result.add(classifyOne(now, candidate.Expiry, false, warningWindow), candidate)
	}

	return result
}

type verdict int

const (
	verdictActNow verdict = iota
	verdictWarn
	verdictUntouched
)

func classifyOne(now, expiry time.Time, notified bool, warningWindow time.Duration) verdict {
	if !expiry.After(now) {
		return verdictActNow
	}
	if now.After(expiry.Add(-warningWindow)) && !notified {
		return verdictWarn
	}
	return verdictUntouched
}

func (c *Classification) add(v verdict, candidate Candidate) {
	switch v {
	case verdictActNow:
		c.ActNow = append(c.ActNow, candidate)
	case verdictWarn:
		c.Warn = append(c.Warn, candidate)
	default:
		c.Untouched = append(c.Untouched, candidate)
	}
}
