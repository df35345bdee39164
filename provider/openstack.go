package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudlease/go-instance-lease-system/shared/config"
	"github.com/cloudlease/go-instance-lease-system/shared/models"
)

const novaDateFormat = "2006-01-02T15:04:05Z"

// OpenStackProvider implements Provider against keystone/nova-compatible
// endpoints.
type OpenStackProvider struct {
	cfg        config.OpenStackConfig
	httpClient *http.Client
	log        *logrus.Entry

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewOpenStackProvider creates a provider for the configured endpoints
func NewOpenStackProvider(cfg config.OpenStackConfig) *OpenStackProvider {
	return &OpenStackProvider{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logrus.WithField("component", "openstack"),
	}
}

// List returns all live instances of the tenant
func (p *OpenStackProvider) List(ctx context.Context, tenantID string) ([]models.LiveInstance, error) {
	token, err := p.ensureToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}

	url := fmt.Sprintf("%s/servers/detail?all_tenants=1&tenant_id=%s",
		strings.TrimRight(p.cfg.ComputeURL, "/"), neturl.QueryEscape(tenantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Auth-Token", token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers for tenant %s: %w", tenantID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list servers for tenant %s returned status %d", tenantID, resp.StatusCode)
	}

	var payload struct {
		Servers []struct {
			ID       string `json:"id"`
			TenantID string `json:"tenant_id"`
			Created  string `json:"created"`
		} `json:"servers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode server list: %w", err)
	}

	instances := make([]models.LiveInstance, 0, len(payload.Servers))
	for _, srv := range payload.Servers {
		createdAt, err := time.Parse(novaDateFormat, srv.Created)
		if err != nil {
			// Left zero; the classifier skips and logs it.
			p.log.Warnf("Unparseable creation time %q for instance %s", srv.Created, srv.ID)
		}
		instances = append(instances, models.LiveInstance{
			InstanceID: srv.ID,
			TenantID:   srv.TenantID,
			CreatedAt:  createdAt,
		})
	}
	return instances, nil
}

// Act deletes or powers off each instance, reporting a per-instance outcome
func (p *OpenStackProvider) Act(ctx context.Context, instanceIDs []string, action models.Action) (map[string]Outcome, error) {
	token, err := p.ensureToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}

	result := make(map[string]Outcome, len(instanceIDs))
	for _, id := range instanceIDs {
		if action == models.ActionDelete {
			result[id] = p.deleteInstance(ctx, token, id)
		} else {
			result[id] = p.powerOffInstance(ctx, token, id)
		}
	}
	return result, nil
}

func (p *OpenStackProvider) deleteInstance(ctx context.Context, token, instanceID string) Outcome {
	p.log.Infof("Deleting instance %s", instanceID)
	url := fmt.Sprintf("%s/servers/%s", strings.TrimRight(p.cfg.ComputeURL, "/"), instanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return OutcomeUnknown
	}
	req.Header.Set("X-Auth-Token", token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.log.Errorf("Error deleting instance %s: %v", instanceID, err)
		return OutcomeUnknown
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return OutcomeNotFound
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return OutcomeOK
	default:
		p.log.Errorf("Delete of instance %s returned status %d", instanceID, resp.StatusCode)
		return OutcomeUnknown
	}
}

func (p *OpenStackProvider) powerOffInstance(ctx context.Context, token, instanceID string) Outcome {
	p.log.Infof("Powering off instance %s", instanceID)
	url := fmt.Sprintf("%s/servers/%s/action", strings.TrimRight(p.cfg.ComputeURL, "/"), instanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url,
		bytes.NewBufferString(`{"os-stop": null}`))
	if err != nil {
		return OutcomeUnknown
	}
	req.Header.Set("X-Auth-Token", token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.log.Errorf("Error powering off instance %s: %v", instanceID, err)
		return OutcomeUnknown
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return OutcomeNotFound
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return OutcomeOK
	case resp.StatusCode == http.StatusConflict:
		// An already stopped instance counts as powered off.
		body, _ := io.ReadAll(resp.Body)
		if strings.Contains(string(body), "vm_state stopped") {
			return OutcomeOK
		}
		p.log.Errorf("Power off of instance %s conflicted: %s", instanceID, string(body))
		return OutcomeUnknown
	default:
		p.log.Errorf("Power off of instance %s returned status %d", instanceID, resp.StatusCode)
		return OutcomeUnknown
	}
}

// ensureToken returns a valid keystone token, re-authenticating when the
// cached one is within a minute of expiry.
func (p *OpenStackProvider) ensureToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Add(time.Minute).Before(p.tokenExpiry) {
		return p.token, nil
	}

	authPayload := map[string]interface{}{
		"auth": map[string]interface{}{
			"identity": map[string]interface{}{
				"methods": []string{"password"},
				"password": map[string]interface{}{
					"user": map[string]interface{}{
						"name":     p.cfg.Username,
						"password": p.cfg.Password,
						"domain":   map[string]string{"id": "default"},
					},
				},
			},
			"scope": map[string]interface{}{
				"project": map[string]interface{}{
					"name":   p.cfg.ProjectName,
					"domain": map[string]string{"id": "default"},
				},
			},
		},
	}

	body, err := json.Marshal(authPayload)
	if err != nil {
		return "", err
	}

	url := strings.TrimRight(p.cfg.AuthURL, "/") + "/auth/tokens"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("keystone auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("keystone auth returned status %d", resp.StatusCode)
	}

	token := resp.Header.Get("X-Subject-Token")
	if token == "" {
		return "", fmt.Errorf("keystone auth response missing X-Subject-Token")
	}

	var tokenResp struct {
		Token struct {
			ExpiresAt time.Time `json:"expires_at"`
		} `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode keystone token: %w", err)
	}

	p.token = token
	p.tokenExpiry = tokenResp.Token.ExpiresAt
	return p.token, nil
}
