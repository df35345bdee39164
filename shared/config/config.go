package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cloudlease/go-instance-lease-system/shared/models"
)

// Config holds service configuration loaded from environment variables
type Config struct {
	Port string

	// Sweep settings
	SleepSeconds  int
	DefaultAction models.Action

	// Provider selection: "openstack" or "ec2"
	Provider  string
	OpenStack OpenStackConfig
	AWSRegion string
	// EC2TenantTag is the instance tag key holding the owning tenant id.
	EC2TenantTag string

	// Notifier selection: "webhook" or "kafka"
	Notifier          string
	DefaultWebhookURL string
	NotificationBody  string
	KafkaBroker       string
	KafkaTopic        string

	JWTSecret string
}

// OpenStackConfig holds credentials for the keystone/nova endpoints
type OpenStackConfig struct {
	AuthURL     string
	Username    string
	Password    string
	ProjectName string
	ComputeURL  string
	Region      string
}

// Load reads configuration from environment variables and validates it
func Load() (*Config, error) {
	sleepSeconds, err := strconv.Atoi(getEnv("SLEEP_SECONDS", "300"))
	if err != nil {
		return nil, fmt.Errorf("invalid SLEEP_SECONDS: %w", err)
	}
	if sleepSeconds <= 0 {
		return nil, fmt.Errorf("SLEEP_SECONDS must be > 0, got %d", sleepSeconds)
	}

	defaultAction := models.Action(getEnv("DEFAULT_ACTION", string(models.DefaultAction)))
	if !defaultAction.IsValid() {
		return nil, fmt.Errorf("invalid DEFAULT_ACTION %q, must be %q or %q",
			defaultAction, models.ActionDelete, models.ActionPowerOff)
	}

	cfg := &Config{
		Port:          getEnv("LEASE_SERVICE_PORT", "8004"),
		SleepSeconds:  sleepSeconds,
		DefaultAction: defaultAction,
		Provider:      getEnv("PROVIDER", "openstack"),
		OpenStack: OpenStackConfig{
			AuthURL:     getEnv("OS_AUTH_URL", "http://localhost:5000/v3"),
			Username:    getEnv("OS_USERNAME", ""),
			Password:    getEnv("OS_PASSWORD", ""),
			ProjectName: getEnv("OS_PROJECT_NAME", "services"),
			ComputeURL:  getEnv("OS_COMPUTE_URL", "http://localhost:8774/v2.1"),
			Region:      getEnv("OS_REGION", "RegionOne"),
		},
		AWSRegion:         getEnv("AWS_REGION", "us-east-1"),
		EC2TenantTag:      getEnv("EC2_TENANT_TAG", "tenant_id"),
		Notifier:          getEnv("NOTIFIER", "webhook"),
		DefaultWebhookURL: getEnv("DEFAULT_WEBHOOK_URL", ""),
		NotificationBody:  getEnv("NOTIFICATION_BODY", ""),
		KafkaBroker:       getEnv("KAFKA_BROKER", "localhost:9092"),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "lease-warnings"),
		JWTSecret:         getEnv("JWT_SECRET", ""),
	}

	switch cfg.Provider {
	case "openstack", "ec2":
	default:
		return nil, fmt.Errorf("invalid PROVIDER %q, must be 'openstack' or 'ec2'", cfg.Provider)
	}

	switch cfg.Notifier {
	case "webhook", "kafka":
	default:
		return nil, fmt.Errorf("invalid NOTIFIER %q, must be 'webhook' or 'kafka'", cfg.Notifier)
	}

	return cfg, nil
}

// SleepInterval returns the sweep interval as a duration
func (c *Config) SleepInterval() time.Duration {
	return time.Duration(c.SleepSeconds) * time.Second
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
