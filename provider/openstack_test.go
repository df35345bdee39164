package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudlease/go-instance-lease-system/shared/config"
)

// fakeCloud serves just enough of the keystone and nova APIs for the
// provider to authenticate, list, and act.
type fakeCloud struct {
	mux       *http.ServeMux
	server    *httptest.Server
	authCalls int32

	serversJSON   string
	actionStatus  int
	actionBody    string
	deletedIDs    []string
	lastTenantArg string
}

func newFakeCloud(t *testing.T) *fakeCloud {
	t.Helper()
	fc := &fakeCloud{mux: http.NewServeMux(), actionStatus: http.StatusAccepted}

	fc.mux.HandleFunc("/v3/auth/tokens", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fc.authCalls, 1)
		w.Header().Set("X-Subject-Token", "test-token")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token": map[string]string{
				"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			},
		})
	})
	fc.mux.HandleFunc("/v2.1/servers/detail", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Auth-Token") != "test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fc.lastTenantArg = r.URL.Query().Get("tenant_id")
		w.Write([]byte(fc.serversJSON))
	})
	fc.mux.HandleFunc("/v2.1/servers/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			fc.deletedIDs = append(fc.deletedIDs, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		case http.MethodPost:
			w.WriteHeader(fc.actionStatus)
			w.Write([]byte(fc.actionBody))
		}
	})

	fc.server = httptest.NewServer(fc.mux)
	t.Cleanup(fc.server.Close)
	return fc
}

func (fc *fakeCloud) providerConfig() config.OpenStackConfig {
	return config.OpenStackConfig{
		AuthURL:     fc.server.URL + "/v3",
		Username:    "svc",
		Password:    "secret",
		ProjectName: "services",
		ComputeURL:  fc.server.URL + "/v2.1",
	}
}

func TestOpenStackListParsesServers(t *testing.T) {
	fc := newFakeCloud(t)
	fc.serversJSON = `{"servers": [
		{"id": "vm-1", "tenant_id": "t1", "created": "2023-06-01T10:00:00Z"},
		{"id": "vm-2", "tenant_id": "t1", "created": "not-a-date"}
	]}`

	p := NewOpenStackProvider(fc.providerConfig())
	instances, err := p.List(context.Background(), "t1")

	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "vm-1", instances[0].InstanceID)
	assert.Equal(t, time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC), instances[0].CreatedAt)
	// Unparseable creation times come through zero so the classifier can
	// skip them.
	assert.True(t, instances[1].CreatedAt.IsZero())
}

func TestOpenStackListEscapesTenantID(t *testing.T) {
	fc := newFakeCloud(t)
	fc.serversJSON = `{"servers": []}`

	p := NewOpenStackProvider(fc.providerConfig())
	_, err := p.List(context.Background(), "t1&all_tenants=0")

	require.NoError(t, err)
	assert.Equal(t, "t1&all_tenants=0", fc.lastTenantArg)
}

func TestOpenStackTokenIsCachedAcrossCalls(t *testing.T) {
	fc := newFakeCloud(t)
	fc.serversJSON = `{"servers": []}`

	p := NewOpenStackProvider(fc.providerConfig())
	_, err := p.List(context.Background(), "t1")
	require.NoError(t, err)
	_, err = p.List(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&fc.authCalls))
}

func TestOpenStackDeleteOutcomes(t *testing.T) {
	fc := newFakeCloud(t)

	p := NewOpenStackProvider(fc.providerConfig())
	outcomes, err := p.Act(context.Background(), []string{"vm-1"}, "delete")

	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcomes["vm-1"])
	require.Len(t, fc.deletedIDs, 1)
	assert.Contains(t, fc.deletedIDs[0], "vm-1")
}

func TestOpenStackPowerOffAlreadyStoppedIsOK(t *testing.T) {
	fc := newFakeCloud(t)
	fc.actionStatus = http.StatusConflict
	fc.actionBody = `{"conflictingRequest": {"message": "Cannot 'stop' instance while it is in vm_state stopped"}}`

	p := NewOpenStackProvider(fc.providerConfig())
	outcomes, err := p.Act(context.Background(), []string{"vm-1"}, "power off")

	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcomes["vm-1"])
}

func TestOpenStackPowerOffOtherConflictIsUnknown(t *testing.T) {
	fc := newFakeCloud(t)
	fc.actionStatus = http.StatusConflict
	fc.actionBody = `{"conflictingRequest": {"message": "task_state powering-off"}}`

	p := NewOpenStackProvider(fc.providerConfig())
	outcomes, err := p.Act(context.Background(), []string{"vm-1"}, "power off")

	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknown, outcomes["vm-1"])
}
