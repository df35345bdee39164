package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/cloudlease/go-instance-lease-system/leasestore"
	"github.com/cloudlease/go-instance-lease-system/notifier"
	"github.com/cloudlease/go-instance-lease-system/provider"
	"github.com/cloudlease/go-instance-lease-system/shared/models"
)

// SweepReport summarizes one full sweep across all tenants
type SweepReport struct {
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	Tenants   int       `json:"tenants"`
	Acted     int       `json:"acted"`
	Removed   int       `json:"removed"`
	Warned    int       `json:"warned"`
	Errors    int       `json:"errors"`
}

// Sweeper drives the reconciliation loop. It holds explicit references to
// its collaborators; nothing is looked up from global state. Sweeps are
// serialized: the timer is re-armed only after a sweep completes, so two
// sweeps never overlap.
type Sweeper struct {
	store         leasestore.Store
	provider      provider.Provider
	notifier      notifier.Notifier
	clock         clock.Clock
	interval      time.Duration
	warningWindow time.Duration
	defaultAction models.Action
	onReport      func(SweepReport)
	log           *logrus.Entry
}

// NewSweeper creates a sweeper. The clock is injectable so tests can drive
// the timer.
func NewSweeper(store leasestore.Store, prov provider.Provider, notif notifier.Notifier,
	clk clock.Clock, interval time.Duration, defaultAction models.Action) *Sweeper {
	return &Sweeper{
		store:         store,
		provider:      prov,
		notifier:      notif,
		clock:         clk,
		interval:      interval,
		warningWindow: WarningWindow,
		defaultAction: defaultAction,
		log:           logrus.WithField("component", "sweeper"),
	}
}

// OnReport registers a callback invoked with the summary of every sweep
func (s *Sweeper) OnReport(fn func(SweepReport)) {
	s.onReport = fn
}

// Start arms the first sweep one interval from now and keeps sweeping until
// the context is cancelled. An in-flight sweep is never force-aborted;
// cancellation takes effect between sweeps.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		timer := s.clock.Timer(s.interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				s.log.Info("Sweeper stopping")
				return
			case <-timer.C:
				s.Sweep(ctx)
				timer.Reset(s.interval)
			}
		}
	}()
}

// Sweep runs one full pass across all tenants. Failures are isolated per
// tenant: an unreachable provider or a failed write-back for one tenant
// never aborts the rest of the sweep.
func (s *Sweeper) Sweep(ctx context.Context) SweepReport {
	report := SweepReport{StartedAt: s.clock.Now().UTC()}

	tenants, err := s.store.ListTenantLeases()
	if err != nil {
		s.log.Errorf("Failed to list tenant leases: %v", err)
		report.Errors++
		s.finish(&report)
		return report
	}

	report.Tenants = len(tenants)
	for i := range tenants {
		s.sweepTenant(ctx, &tenants[i], &report)
	}

	s.finish(&report)
	return report
}

func (s *Sweeper) finish(report *SweepReport) {
	report.Duration = s.clock.Now().UTC().Sub(report.StartedAt).String()
	s.log.Infof("Sweep complete: tenants=%d acted=%d removed=%d warned=%d errors=%d duration=%s",
		report.Tenants, report.Acted, report.Removed, report.Warned, report.Errors, report.Duration)
	if s.onReport != nil {
		s.onReport(*report)
	}
}

func (s *Sweeper) sweepTenant(ctx context.Context, tenant *models.TenantLease, report *SweepReport) {
	log := s.log.WithField("tenant", tenant.TenantID)

	leases, err := s.store.ListInstanceLeases(tenant.TenantID)
	if err != nil {
		log.Errorf("Failed to list instance leases: %v", err)
		report.Errors++
		return
	}

	live, err := s.provider.List(ctx, tenant.TenantID)
	if err != nil {
		// Explicit leases are still processed; only the implicit
		// classification is lost this sweep.
		log.Errorf("Inventory unavailable, sweeping explicit leases only: %v", err)
		report.Errors++
		live = nil
	}

	now := s.clock.Now().UTC()
	classification := Classify(now, tenant, leases, live, s.warningWindow, s.defaultAction)

	removeIDs, removedRows := s.act(ctx, log, classification.ActNow, report)
	markIDs := s.warn(ctx, log, tenant, classification.Warn, report)

	if len(removeIDs) > 0 {
		if err := s.store.DeleteInstanceLeases(removeIDs); err != nil {
			log.Errorf("Failed to remove instance leases %v: %v", removeIDs, err)
			report.Errors++
		} else {
			report.Removed += removedRows
		}
	}
	if len(markIDs) > 0 {
		if err := s.store.MarkNotified(markIDs); err != nil {
			log.Errorf("Failed to mark leases notified %v: %v", markIDs, err)
			report.Errors++
		}
	}
}

// act invokes the provider per action group and returns the instance ids
// whose lease rows are no longer meaningful: successfully acted on, or
// already gone on the provider. Unknown outcomes are left for the next sweep.
// removedRows counts only ids backed by an explicit lease row; implicit
// instances have nothing to delete.
func (s *Sweeper) act(ctx context.Context, log *logrus.Entry, actNow []Candidate,
	report *SweepReport) (removeIDs []string, removedRows int) {
	byAction := make(map[models.Action][]string)
	hasLease := make(map[string]bool, len(actNow))
	for _, candidate := range actNow {
		byAction[candidate.Action] = append(byAction[candidate.Action], candidate.InstanceID)
		hasLease[candidate.InstanceID] = candidate.HasLease
	}

	for action, ids := range byAction {
		outcomes, err := s.provider.Act(ctx, ids, action)
		if err != nil {
			log.Errorf("Provider unavailable for action %q, retrying next sweep: %v", action, err)
			report.Errors++
			continue
		}
		for id, outcome := range outcomes {
			switch outcome {
			case provider.OutcomeOK, provider.OutcomeNotFound:
				report.Acted++
				removeIDs = append(removeIDs, id)
				if hasLease[id] {
					removedRows++
				}
			default:
				log.Warnf("Action %q on instance %s failed, retrying next sweep", action, id)
			}
		}
	}
	return removeIDs, removedRows
}

// warn notifies owners of instances approaching expiry and returns the ids
// of explicit leases to mark notified. Failed warns are retried next sweep.
func (s *Sweeper) warn(ctx context.Context, log *logrus.Entry, tenant *models.TenantLease,
	warnSet []Candidate, report *SweepReport) []string {
	if len(warnSet) == 0 {
		return nil
	}

	candidates := make(map[string]Candidate, len(warnSet))
	notifications := make([]notifier.Notification, 0, len(warnSet))
	for _, candidate := range warnSet {
		candidates[candidate.InstanceID] = candidate

		webhook, err := s.store.WebhookForInstance(candidate.InstanceID, tenant.TenantID)
		if err != nil && !errors.Is(err, leasestore.ErrNotFound) {
			log.Errorf("Failed to look up webhook for instance %s: %v", candidate.InstanceID, err)
			webhook = nil
		}
		notifications = append(notifications, notifier.Notification{
			InstanceID: candidate.InstanceID,
			TenantID:   candidate.TenantID,
			Expiry:     candidate.Expiry,
			Webhook:    webhook,
		})
	}

	results, err := s.notifier.Post(ctx, notifications)
	if err != nil {
		log.Errorf("Notifier unavailable, retrying next sweep: %v", err)
		report.Errors++
		return nil
	}

	var markIDs []string
	for _, result := range results {
		if !result.OK {
			log.Warnf("Warning for instance %s failed, retrying next sweep: %s",
				result.InstanceID, result.Message)
			continue
		}
		report.Warned++
		if candidate, ok := candidates[result.InstanceID]; ok && candidate.HasLease && !candidate.Notified {
			markIDs = append(markIDs, result.InstanceID)
		}
	}
	return markIDs
}
