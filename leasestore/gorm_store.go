package leasestore

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/cloudlease/go-instance-lease-system/shared/models"
)

// GormStore implements Store on top of a pooled gorm connection.
type GormStore struct {
	db  *gorm.DB
	log *logrus.Entry
}

// NewGormStore creates a Store backed by the given database handle
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:  db,
		log: logrus.WithField("component", "leasestore"),
	}
}

// AutoMigrate creates or updates the three lease tables
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&models.TenantLease{}, &models.InstanceLease{}, &models.Webhook{})
}

func (s *GormStore) GetTenantLease(tenantID string) (*models.TenantLease, error) {
	var lease models.TenantLease
	if err := s.db.Where("tenant_uuid = ?", tenantID).First(&lease).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch tenant lease: %w", err)
	}
	return &lease, nil
}

func (s *GormStore) ListTenantLeases() ([]models.TenantLease, error) {
	var leases []models.TenantLease
	if err := s.db.Order("tenant_uuid").Find(&leases).Error; err != nil {
		return nil, fmt.Errorf("failed to list tenant leases: %w", err)
	}
	return leases, nil
}

func (s *GormStore) CreateTenantLease(lease *models.TenantLease) error {
	if lease.ExpiryMinutes <= 0 {
		return fmt.Errorf("%w: expiry_mins must be > 0", ErrPolicyViolation)
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.TenantLease
		err := tx.Where("tenant_uuid = ?", lease.TenantID).First(&existing).Error
		if err == nil {
			return ErrConflict
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to check tenant lease: %w", err)
		}
		s.log.Infof("Adding tenant lease %s expiry_mins=%d action=%s",
			lease.TenantID, lease.ExpiryMinutes, lease.Action)
		return tx.Create(lease).Error
	})
}

func (s *GormStore) UpdateTenantLease(lease *models.TenantLease) error {
	if lease.ExpiryMinutes <= 0 {
		return fmt.Errorf("%w: expiry_mins must be > 0", ErrPolicyViolation)
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.TenantLease
		if err := tx.Where("tenant_uuid = ?", lease.TenantID).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to fetch tenant lease: %w", err)
		}
		s.log.Infof("Updating tenant lease %s expiry_mins=%d action=%s",
			lease.TenantID, lease.ExpiryMinutes, lease.Action)
		lease.CreatedAt = existing.CreatedAt
		lease.CreatedBy = existing.CreatedBy
		return tx.Save(lease).Error
	})
}

// DeleteTenantLease hard-deletes the tenant lease and cascades to every
// instance lease of the tenant.
func (s *GormStore) DeleteTenantLease(tenantID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.TenantLease
		if err := tx.Where("tenant_uuid = ?", tenantID).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to fetch tenant lease: %w", err)
		}
		s.log.Infof("Deleting tenant lease %s", tenantID)
		if err := tx.Where("tenant_uuid = ?", tenantID).Delete(&models.TenantLease{}).Error; err != nil {
			return err
		}
		return tx.Where("tenant_uuid = ?", tenantID).Delete(&models.InstanceLease{}).Error
	})
}

func (s *GormStore) GetInstanceLease(instanceID string) (*models.InstanceLease, error) {
	var lease models.InstanceLease
	if err := s.db.Where("instance_uuid = ?", instanceID).First(&lease).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch instance lease: %w", err)
	}
	return &lease, nil
}

func (s *GormStore) ListInstanceLeases(tenantID string) ([]models.InstanceLease, error) {
	var leases []models.InstanceLease
	if err := s.db.Where("tenant_uuid = ?", tenantID).Find(&leases).Error; err != nil {
		return nil, fmt.Errorf("failed to list instance leases: %w", err)
	}
	return leases, nil
}

func (s *GormStore) CreateInstanceLease(lease *models.InstanceLease) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		tenant, err := tenantLeaseForUpdate(tx, lease.TenantID)
		if err != nil {
			return err
		}
		if err := checkLeaseBound(lease.Expiry, tenant, time.Now().UTC()); err != nil {
			return err
		}
		var existing models.InstanceLease
		err = tx.Where("instance_uuid = ?", lease.InstanceID).First(&existing).Error
		if err == nil {
			return ErrConflict
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to check instance lease: %w", err)
		}
		lease.Notified = false
		s.log.Infof("Adding instance lease %s tenant=%s expiry=%s action=%s",
			lease.InstanceID, lease.TenantID, lease.Expiry.Format(time.RFC3339), lease.Action)
		return tx.Create(lease).Error
	})
}

func (s *GormStore) UpdateInstanceLease(lease *models.InstanceLease) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		tenant, err := tenantLeaseForUpdate(tx, lease.TenantID)
		if err != nil {
			return err
		}
		if err := checkLeaseBound(lease.Expiry, tenant, time.Now().UTC()); err != nil {
			return err
		}
		var existing models.InstanceLease
		if err := tx.Where("instance_uuid = ?", lease.InstanceID).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to fetch instance lease: %w", err)
		}

		lease.Notified = notifiedAfterUpdate(&existing, lease)
		lease.CreatedAt = existing.CreatedAt
		lease.CreatedBy = existing.CreatedBy

		s.log.Infof("Updating instance lease %s tenant=%s expiry=%s action=%s",
			lease.InstanceID, lease.TenantID, lease.Expiry.Format(time.RFC3339), lease.Action)
		return tx.Save(lease).Error
	})
}

func (s *GormStore) DeleteInstanceLeases(instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	s.log.Infof("Removing instance leases %v", instanceIDs)
	return s.db.Where("instance_uuid IN ?", instanceIDs).Delete(&models.InstanceLease{}).Error
}

func (s *GormStore) MarkNotified(instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	return s.db.Model(&models.InstanceLease{}).
		Where("instance_uuid IN ?", instanceIDs).
		Update("notified", true).Error
}

func (s *GormStore) CreateWebhook(webhook *models.Webhook) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.Webhook
		err := tx.Where("url = ?", webhook.URL).First(&existing).Error
		if err == nil {
			return ErrConflict
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to check webhook: %w", err)
		}
		if webhook.Method == "" {
			webhook.Method = "POST"
		}
		if webhook.RetryAttempts <= 0 {
			webhook.RetryAttempts = 1
		}
		return tx.Create(webhook).Error
	})
}

func (s *GormStore) UpdateWebhook(webhook *models.Webhook) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.Webhook
		if err := tx.Where("url = ?", webhook.URL).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to fetch webhook: %w", err)
		}
		webhook.CreatedAt = existing.CreatedAt
		webhook.CreatedBy = existing.CreatedBy
		return tx.Save(webhook).Error
	})
}

func (s *GormStore) DeleteWebhook(url string) error {
	return s.db.Where("url = ?", url).Delete(&models.Webhook{}).Error
}

func (s *GormStore) ListWebhooks(resType, resID string) ([]models.Webhook, error) {
	var webhooks []models.Webhook
	query := s.db
	switch resType {
	case "tenant":
		query = query.Where("tenant_uuid = ?", resID)
	case "instance":
		query = query.Where("instance_uuid = ?", resID)
	case "all":
	default:
		return nil, fmt.Errorf("invalid webhook resource type %q", resType)
	}
	if err := query.Find(&webhooks).Error; err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	return webhooks, nil
}

func (s *GormStore) WebhookForInstance(instanceID, tenantID string) (*models.Webhook, error) {
	var webhook models.Webhook
	err := s.db.Where("instance_uuid = ?", instanceID).First(&webhook).Error
	if err == nil {
		return &webhook, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to fetch instance webhook: %w", err)
	}
	err = s.db.Where("tenant_uuid = ? AND (instance_uuid = '' OR instance_uuid IS NULL)", tenantID).
		First(&webhook).Error
	if err == nil {
		return &webhook, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to fetch tenant webhook: %w", err)
	}
	return nil, ErrNotFound
}

// tenantLeaseForUpdate loads the tenant lease that bounds an instance lease
// write. A missing tenant is a policy problem for the caller, not a crash.
func tenantLeaseForUpdate(tx *gorm.DB, tenantID string) (*models.TenantLease, error) {
	var tenant models.TenantLease
	if err := tx.Where("tenant_uuid = ?", tenantID).First(&tenant).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no lease policy for tenant", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch tenant lease: %w", err)
	}
	return &tenant, nil
}

// checkLeaseBound rejects an instance expiry beyond now + tenant expiry
// minutes. The expiry is never clamped.
func checkLeaseBound(expiry time.Time, tenant *models.TenantLease, now time.Time) error {
	if expiry.After(tenant.MaxInstanceExpiry(now)) {
		return fmt.Errorf("%w: instance lease exceeds tenant lease", ErrPolicyViolation)
	}
	return nil
}

// notifiedAfterUpdate carries the one-time warning flag across an update:
// changing the expiry re-arms the warning, an unchanged expiry keeps it.
func notifiedAfterUpdate(existing, updated *models.InstanceLease) bool {
	if existing.Expiry.Equal(updated.Expiry) {
		return existing.Notified
	}
	return false
}
