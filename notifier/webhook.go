package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	dateFormat              = "2006-01-02T15:04:05Z"
	defaultNotificationText = "Your instance %s is marked for deletion at %s"
)

// WebhookNotifier posts expiry warnings over HTTP. Each notification may
// carry its own webhook config (url, method, body template, content type,
// retry attempts); anything missing falls back to the notifier defaults.
type WebhookNotifier struct {
	defaultURL  string
	defaultBody string
	httpClient  *http.Client
	log         *logrus.Entry
}

// NewWebhookNotifier creates a notifier with the system default target
func NewWebhookNotifier(defaultURL, defaultBody string) *WebhookNotifier {
	if defaultBody == "" {
		defaultBody = defaultNotificationText
	}
	return &WebhookNotifier{
		defaultURL:  defaultURL,
		defaultBody: defaultBody,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logrus.WithField("component", "webhook-notifier"),
	}
}

// Post delivers one warning per notification, reporting per-item results
func (n *WebhookNotifier) Post(ctx context.Context, notifications []Notification) ([]Result, error) {
	results := make([]Result, 0, len(notifications))
	for _, notification := range notifications {
		results = append(results, n.notifyOne(ctx, notification))
	}
	return results, nil
}

func (n *WebhookNotifier) notifyOne(ctx context.Context, notification Notification) Result {
	url := n.defaultURL
	method := http.MethodPost
	contentType := "application/json"
	bodyTemplate := n.defaultBody
	attempts := 1

	if wh := notification.Webhook; wh != nil {
		if wh.URL != "" {
			url = wh.URL
		}
		if wh.Method != "" {
			method = wh.Method
		}
		if wh.ContentType != "" {
			contentType = wh.ContentType
		}
		if wh.Body != "" {
			bodyTemplate = wh.Body
		}
		if wh.RetryAttempts > 0 {
			attempts = wh.RetryAttempts
		}
	}

	if url == "" {
		n.log.Warnf("Not notifying for %s, no webhook URL found", notification.InstanceID)
		return Result{
			InstanceID: notification.InstanceID,
			OK:         false,
			Message:    "no webhook URL found",
		}
	}

	payload := map[string]interface{}{
		"text": fmt.Sprintf(bodyTemplate, notification.InstanceID,
			notification.Expiry.UTC().Format(dateFormat)),
		"attachments": []map[string]string{
			{
				"color": "#FF0000",
				"title": "Lease Expiring",
				"text":  "I will find it and I will delete it",
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{
			InstanceID: notification.InstanceID,
			OK:         false,
			Message:    fmt.Sprintf("failed to marshal payload: %v", err),
		}
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewBuffer(body))
		if err != nil {
			lastErr = err
			break
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := n.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return Result{
				InstanceID: notification.InstanceID,
				OK:         true,
				Message:    fmt.Sprintf("successfully notified for %s", notification.InstanceID),
			}
		}
		lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.log.Warnf("Could not notify for %s: %v", notification.InstanceID, lastErr)
	return Result{
		InstanceID: notification.InstanceID,
		OK:         false,
		Message:    fmt.Sprintf("could not notify: %v", lastErr),
	}
}
