package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudlease/go-instance-lease-system/leasestore"
	"github.com/cloudlease/go-instance-lease-system/notifier"
	"github.com/cloudlease/go-instance-lease-system/provider"
	"github.com/cloudlease/go-instance-lease-system/shared/models"
)

type fakeStore struct {
	mu       sync.Mutex
	tenants  []models.TenantLease
	leases   map[string]*models.InstanceLease
	webhooks map[string]*models.Webhook

	listCalls   int
	deleteCalls [][]string
	markCalls   [][]string
	deleteErr   error
}

func newFakeStore(tenants ...models.TenantLease) *fakeStore {
	return &fakeStore{
		tenants:  tenants,
		leases:   make(map[string]*models.InstanceLease),
		webhooks: make(map[string]*models.Webhook),
	}
}

func (s *fakeStore) addLease(lease models.InstanceLease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[lease.InstanceID] = &lease
}

func (s *fakeStore) hasLease(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.leases[instanceID]
	return ok
}

func (s *fakeStore) GetTenantLease(tenantID string) (*models.TenantLease, error) {
	for i := range s.tenants {
		if s.tenants[i].TenantID == tenantID {
			return &s.tenants[i], nil
		}
	}
	return nil, leasestore.ErrNotFound
}

func (s *fakeStore) ListTenantLeases() ([]models.TenantLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	return s.tenants, nil
}

func (s *fakeStore) CreateTenantLease(*models.TenantLease) error { return nil }
func (s *fakeStore) UpdateTenantLease(*models.TenantLease) error { return nil }
func (s *fakeStore) DeleteTenantLease(string) error              { return nil }

func (s *fakeStore) GetInstanceLease(instanceID string) (*models.InstanceLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lease, ok := s.leases[instanceID]; ok {
		return lease, nil
	}
	return nil, leasestore.ErrNotFound
}

func (s *fakeStore) ListInstanceLeases(tenantID string) ([]models.InstanceLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.InstanceLease
	for _, lease := range s.leases {
		if lease.TenantID == tenantID {
			out = append(out, *lease)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateInstanceLease(*models.InstanceLease) error { return nil }
func (s *fakeStore) UpdateInstanceLease(*models.InstanceLease) error { return nil }

func (s *fakeStore) DeleteInstanceLeases(instanceIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls = append(s.deleteCalls, instanceIDs)
	if s.deleteErr != nil {
		return s.deleteErr
	}
	for _, id := range instanceIDs {
		delete(s.leases, id)
	}
	return nil
}

func (s *fakeStore) MarkNotified(instanceIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markCalls = append(s.markCalls, instanceIDs)
	for _, id := range instanceIDs {
		if lease, ok := s.leases[id]; ok {
			lease.Notified = true
		}
	}
	return nil
}

func (s *fakeStore) CreateWebhook(*models.Webhook) error { return nil }
func (s *fakeStore) UpdateWebhook(*models.Webhook) error { return nil }
func (s *fakeStore) DeleteWebhook(string) error          { return nil }
func (s *fakeStore) ListWebhooks(string, string) ([]models.Webhook, error) {
	return nil, nil
}

func (s *fakeStore) WebhookForInstance(instanceID, tenantID string) (*models.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wh, ok := s.webhooks[instanceID]; ok {
		return wh, nil
	}
	return nil, leasestore.ErrNotFound
}

type actCall struct {
	ids    []string
	action models.Action
}

type fakeProvider struct {
	mu       sync.Mutex
	live     map[string][]models.LiveInstance
	listErr  map[string]error
	outcomes map[string]provider.Outcome
	actErr   error
	actCalls []actCall
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		live:     make(map[string][]models.LiveInstance),
		listErr:  make(map[string]error),
		outcomes: make(map[string]provider.Outcome),
	}
}

func (p *fakeProvider) List(_ context.Context, tenantID string) ([]models.LiveInstance, error) {
	if err := p.listErr[tenantID]; err != nil {
		return nil, err
	}
	return p.live[tenantID], nil
}

func (p *fakeProvider) Act(_ context.Context, instanceIDs []string, action models.Action) (map[string]provider.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actCalls = append(p.actCalls, actCall{ids: instanceIDs, action: action})
	if p.actErr != nil {
		return nil, p.actErr
	}
	result := make(map[string]provider.Outcome, len(instanceIDs))
	for _, id := range instanceIDs {
		outcome, ok := p.outcomes[id]
		if !ok {
			outcome = provider.OutcomeOK
		}
		result[id] = outcome
	}
	return result, nil
}

func (p *fakeProvider) actedOn() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, call := range p.actCalls {
		out = append(out, call.ids...)
	}
	return out
}

type fakeNotifier struct {
	mu      sync.Mutex
	posted  [][]notifier.Notification
	failIDs map[string]bool
	postErr error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{failIDs: make(map[string]bool)}
}

func (n *fakeNotifier) Post(_ context.Context, notifications []notifier.Notification) ([]notifier.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.posted = append(n.posted, notifications)
	if n.postErr != nil {
		return nil, n.postErr
	}
	results := make([]notifier.Result, 0, len(notifications))
	for _, notification := range notifications {
		results = append(results, notifier.Result{
			InstanceID: notification.InstanceID,
			OK:         !n.failIDs[notification.InstanceID],
		})
	}
	return results, nil
}

func (n *fakeNotifier) postCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.posted)
}

func newTestSweeper(store *fakeStore, prov *fakeProvider, notif *fakeNotifier, clk clock.Clock) *Sweeper {
	return NewSweeper(store, prov, notif, clk, 5*time.Minute, models.DefaultAction)
}

// A tenant with a four minute default and one live instance created five
// minutes ago: the instance is acted on this sweep, and no lease row is ever
// created for it.
func TestSweepImplicitExpiryActsWithoutLeaseRow(t *testing.T) {
	store := newFakeStore(models.TenantLease{TenantID: "t1", ExpiryMinutes: 4})
	prov := newFakeProvider()
	prov.live["t1"] = []models.LiveInstance{
		{InstanceID: "vm-1", TenantID: "t1", CreatedAt: time.Now().UTC().Add(-5 * time.Minute)},
	}
	notif := newFakeNotifier()

	s := newTestSweeper(store, prov, notif, clock.New())
	report := s.Sweep(context.Background())

	require.Len(t, prov.actCalls, 1)
	assert.Equal(t, models.DefaultAction, prov.actCalls[0].action)
	assert.Equal(t, []string{"vm-1"}, prov.actCalls[0].ids)
	assert.Equal(t, 1, report.Acted)
	// No lease row backed this instance, so nothing counts as removed.
	assert.Equal(t, 0, report.Removed)
	assert.False(t, store.hasLease("vm-1"))
	assert.Empty(t, store.markCalls)
}

func TestSweepExpiredLeaseDeleteAction(t *testing.T) {
	store := newFakeStore(models.TenantLease{TenantID: "t1", ExpiryMinutes: 60})
	store.addLease(models.InstanceLease{
		InstanceID: "vm-1",
		TenantID:   "t1",
		Expiry:     time.Now().UTC().Add(-time.Second),
		Action:     models.ActionDelete,
	})
	prov := newFakeProvider()
	notif := newFakeNotifier()

	s := newTestSweeper(store, prov, notif, clock.New())
	report := s.Sweep(context.Background())

	require.Len(t, prov.actCalls, 1)
	assert.Equal(t, models.ActionDelete, prov.actCalls[0].action)
	assert.False(t, store.hasLease("vm-1"))
	assert.Equal(t, 1, report.Removed)
}

func TestSweepWarnIsIdempotent(t *testing.T) {
	store := newFakeStore(models.TenantLease{TenantID: "t1", ExpiryMinutes: 120})
	store.addLease(models.InstanceLease{
		InstanceID: "vm-1",
		TenantID:   "t1",
		Expiry:     time.Now().UTC().Add(30 * time.Minute),
		Notified:   false,
	})
	prov := newFakeProvider()
	notif := newFakeNotifier()

	s := newTestSweeper(store, prov, notif, clock.New())
	report := s.Sweep(context.Background())

	assert.Equal(t, 1, report.Warned)
	require.Len(t, store.markCalls, 1)
	assert.Equal(t, []string{"vm-1"}, store.markCalls[0])

	// The lease is unchanged, so the next sweep must not warn again.
	report = s.Sweep(context.Background())
	assert.Equal(t, 0, report.Warned)
	assert.Equal(t, 1, notif.postCount())
}

func TestSweepUnknownOutcomeKeepsLeaseForRetry(t *testing.T) {
	store := newFakeStore(models.TenantLease{TenantID: "t1", ExpiryMinutes: 60})
	store.addLease(models.InstanceLease{
		InstanceID: "vm-1",
		TenantID:   "t1",
		Expiry:     time.Now().UTC().Add(-time.Minute),
	})
	prov := newFakeProvider()
	prov.outcomes["vm-1"] = provider.OutcomeUnknown
	notif := newFakeNotifier()

	s := newTestSweeper(store, prov, notif, clock.New())
	s.Sweep(context.Background())

	assert.True(t, store.hasLease("vm-1"))
	assert.Empty(t, store.deleteCalls)

	// Re-offered on the next sweep.
	s.Sweep(context.Background())
	assert.Equal(t, []string{"vm-1", "vm-1"}, prov.actedOn())
}

func TestSweepNotFoundOutcomeRemovesLease(t *testing.T) {
	store := newFakeStore(models.TenantLease{TenantID: "t1", ExpiryMinutes: 60})
	store.addLease(models.InstanceLease{
		InstanceID: "vm-1",
		TenantID:   "t1",
		Expiry:     time.Now().UTC().Add(-time.Minute),
	})
	prov := newFakeProvider()
	prov.outcomes["vm-1"] = provider.OutcomeNotFound
	notif := newFakeNotifier()

	s := newTestSweeper(store, prov, notif, clock.New())
	s.Sweep(context.Background())

	assert.False(t, store.hasLease("vm-1"))
}

func TestSweepTenantFailureDoesNotAbortOthers(t *testing.T) {
	store := newFakeStore(
		models.TenantLease{TenantID: "t1", ExpiryMinutes: 60},
		models.TenantLease{TenantID: "t2", ExpiryMinutes: 60},
	)
	store.addLease(models.InstanceLease{
		InstanceID: "vm-t1",
		TenantID:   "t1",
		Expiry:     time.Now().UTC().Add(-time.Minute),
	})
	store.addLease(models.InstanceLease{
		InstanceID: "vm-t2",
		TenantID:   "t2",
		Expiry:     time.Now().UTC().Add(-time.Minute),
	})
	prov := newFakeProvider()
	prov.listErr["t1"] = errors.New("compute API unreachable")
	notif := newFakeNotifier()

	s := newTestSweeper(store, prov, notif, clock.New())
	report := s.Sweep(context.Background())

	// t1's explicit lease is still acted on; only implicit work is lost.
	assert.ElementsMatch(t, []string{"vm-t1", "vm-t2"}, prov.actedOn())
	assert.Equal(t, 1, report.Errors)
	assert.False(t, store.hasLease("vm-t2"))
}

func TestSweepProviderActFailureSkipsFold(t *testing.T) {
	store := newFakeStore(models.TenantLease{TenantID: "t1", ExpiryMinutes: 60})
	store.addLease(models.InstanceLease{
		InstanceID: "vm-1",
		TenantID:   "t1",
		Expiry:     time.Now().UTC().Add(-time.Minute),
	})
	prov := newFakeProvider()
	prov.actErr = errors.New("cannot authenticate")
	notif := newFakeNotifier()

	s := newTestSweeper(store, prov, notif, clock.New())
	report := s.Sweep(context.Background())

	assert.True(t, store.hasLease("vm-1"))
	assert.Empty(t, store.deleteCalls)
	assert.Equal(t, 1, report.Errors)
}

func TestSweepNotifierFailureRetriedNextSweep(t *testing.T) {
	store := newFakeStore(models.TenantLease{TenantID: "t1", ExpiryMinutes: 120})
	store.addLease(models.InstanceLease{
		InstanceID: "vm-1",
		TenantID:   "t1",
		Expiry:     time.Now().UTC().Add(30 * time.Minute),
	})
	prov := newFakeProvider()
	notif := newFakeNotifier()
	notif.failIDs["vm-1"] = true

	s := newTestSweeper(store, prov, notif, clock.New())
	s.Sweep(context.Background())

	assert.Empty(t, store.markCalls)

	notif.failIDs = map[string]bool{}
	s.Sweep(context.Background())
	require.Len(t, store.markCalls, 1)
	assert.Equal(t, 2, notif.postCount())
}

func TestSweepMergesWebhookConfig(t *testing.T) {
	store := newFakeStore(models.TenantLease{TenantID: "t1", ExpiryMinutes: 120})
	store.addLease(models.InstanceLease{
		InstanceID: "vm-1",
		TenantID:   "t1",
		Expiry:     time.Now().UTC().Add(30 * time.Minute),
	})
	store.webhooks["vm-1"] = &models.Webhook{URL: "https://hooks.example.com/warn", InstanceID: "vm-1"}
	prov := newFakeProvider()
	notif := newFakeNotifier()

	s := newTestSweeper(store, prov, notif, clock.New())
	s.Sweep(context.Background())

	require.Len(t, notif.posted, 1)
	require.Len(t, notif.posted[0], 1)
	require.NotNil(t, notif.posted[0][0].Webhook)
	assert.Equal(t, "https://hooks.example.com/warn", notif.posted[0][0].Webhook.URL)
}

func TestStartSweepsOnTimerAndStopsOnCancel(t *testing.T) {
	store := newFakeStore()
	prov := newFakeProvider()
	notif := newFakeNotifier()
	mock := clock.NewMock()

	s := newTestSweeper(store, prov, notif, mock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	// Give the sweeper goroutine time to arm its timer.
	time.Sleep(10 * time.Millisecond)

	sweeps := func() int {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.listCalls
	}

	assert.Equal(t, 0, sweeps(), "no sweep before the first interval elapses")

	mock.Add(5 * time.Minute)
	require.Eventually(t, func() bool { return sweeps() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Let the sweeper re-arm its timer before advancing again.
	time.Sleep(10 * time.Millisecond)
	mock.Add(5 * time.Minute)
	require.Eventually(t, func() bool { return sweeps() == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(10 * time.Millisecond)
	mock.Add(5 * time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, sweeps(), "no sweep after cancellation")
}

func TestSweepReportSink(t *testing.T) {
	store := newFakeStore(models.TenantLease{TenantID: "t1", ExpiryMinutes: 60})
	prov := newFakeProvider()
	notif := newFakeNotifier()

	s := newTestSweeper(store, prov, notif, clock.New())

	var got SweepReport
	s.OnReport(func(report SweepReport) { got = report })
	s.Sweep(context.Background())

	assert.Equal(t, 1, got.Tenants)
	assert.False(t, got.StartedAt.IsZero())
}
