package main

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cloudlease/go-instance-lease-system/leasestore"
	"github.com/cloudlease/go-instance-lease-system/reconciler"
	"github.com/cloudlease/go-instance-lease-system/shared/middleware"
	"github.com/cloudlease/go-instance-lease-system/shared/models"
	"github.com/cloudlease/go-instance-lease-system/shared/utils"
)

const dateFormat = "2006-01-02T15:04:05Z"

// TenantLeaseRequest represents the create/update tenant lease request
type TenantLeaseRequest struct {
	ExpiryMins int    `json:"expiry_mins" binding:"required,gt=0"`
	Action     string `json:"action" binding:"omitempty,oneof='delete' 'power off'"`
}

// InstanceLeaseRequest represents the create/update instance lease request
type InstanceLeaseRequest struct {
	Expiry string `json:"expiry" binding:"required"`
	Action string `json:"action" binding:"omitempty,oneof='delete' 'power off'"`
}

// WebhookRequest represents the create/update webhook request
type WebhookRequest struct {
	URL           string `json:"url" binding:"required"`
	TenantID      string `json:"tenant_id"`
	InstanceID    string `json:"instance_id"`
	Method        string `json:"method"`
	RetryAttempts int    `json:"retry_attempts"`
	Body          string `json:"body"`
	ContentType   string `json:"content_type"`
}

// handleGetTenantLeases handles listing all tenant leases (admin only)
func handleGetTenantLeases(store leasestore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		leases, err := store.ListTenantLeases()
		if err != nil {
			utils.InternalServerErrorResponse(c, "Failed to fetch tenant leases")
			return
		}
		utils.OKResponse(c, "Tenant leases retrieved successfully", leases)
	}
}

// handleGetTenantLease handles getting one tenant lease
func handleGetTenantLease(store leasestore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		lease, err := store.GetTenantLease(c.Param("id"))
		if err != nil {
			if errors.Is(err, leasestore.ErrNotFound) {
				utils.NotFoundResponse(c, "Tenant lease not found")
			} else {
				utils.InternalServerErrorResponse(c, "Failed to fetch tenant lease")
			}
			return
		}
		utils.OKResponse(c, "Tenant lease retrieved successfully", lease)
	}
}

// handleUpsertTenantLease handles tenant lease creation and updates (admin only)
func handleUpsertTenantLease(store leasestore.Store, create bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TenantLeaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}

		userID, _ := middleware.GetUserFromContext(c)
		lease := &models.TenantLease{
			TenantID:      c.Param("id"),
			ExpiryMinutes: req.ExpiryMins,
			Action:        models.Action(req.Action),
			CreatedBy:     userID,
			UpdatedBy:     userID,
		}

		var err error
		if create {
			err = store.CreateTenantLease(lease)
		} else {
			err = store.UpdateTenantLease(lease)
		}
		if err != nil {
			respondStoreError(c, err, "tenant lease")
			return
		}

		if create {
			utils.CreatedResponse(c, "Tenant lease created successfully", lease)
		} else {
			utils.OKResponse(c, "Tenant lease updated successfully", lease)
		}
	}
}

// handleDeleteTenantLease handles cascading tenant lease deletion (admin only)
func handleDeleteTenantLease(store leasestore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.DeleteTenantLease(c.Param("id")); err != nil {
			respondStoreError(c, err, "tenant lease")
			return
		}
		utils.OKResponse(c, "Tenant lease deleted successfully", nil)
	}
}

// handleGetTenantInstances handles getting a tenant lease with its instance leases
func handleGetTenantInstances(store leasestore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("id")

		tenant, err := store.GetTenantLease(tenantID)
		if err != nil && !errors.Is(err, leasestore.ErrNotFound) {
			utils.InternalServerErrorResponse(c, "Failed to fetch tenant lease")
			return
		}

		instances, err := store.ListInstanceLeases(tenantID)
		if err != nil {
			utils.InternalServerErrorResponse(c, "Failed to fetch instance leases")
			return
		}

		utils.OKResponse(c, "Tenant instances retrieved successfully", gin.H{
			"tenant_lease": tenant,
			"all_vms":      instances,
		})
	}
}

// handleGetInstanceLease handles getting one instance lease
func handleGetInstanceLease(store leasestore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		lease, err := store.GetInstanceLease(c.Param("instance_id"))
		if err != nil {
			if errors.Is(err, leasestore.ErrNotFound) {
				utils.NotFoundResponse(c, "Instance lease not found")
			} else {
				utils.InternalServerErrorResponse(c, "Failed to fetch instance lease")
			}
			return
		}
		utils.OKResponse(c, "Instance lease retrieved successfully", lease)
	}
}

// handleUpsertInstanceLease handles instance lease creation and updates.
// A lease whose expiry exceeds the tenant bound is rejected, never clamped.
func handleUpsertInstanceLease(store leasestore.Store, create bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req InstanceLeaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}

		expiry, err := time.Parse(dateFormat, req.Expiry)
		if err != nil {
			utils.BadRequestResponse(c, "Invalid expiry format, expected "+dateFormat)
			return
		}

		userID, _ := middleware.GetUserFromContext(c)
		lease := &models.InstanceLease{
			InstanceID: c.Param("instance_id"),
			TenantID:   c.Param("id"),
			Expiry:     expiry.UTC(),
			Action:     models.Action(req.Action),
			CreatedBy:  userID,
			UpdatedBy:  userID,
		}

		if create {
			err = store.CreateInstanceLease(lease)
		} else {
			err = store.UpdateInstanceLease(lease)
		}
		if err != nil {
			respondStoreError(c, err, "instance lease")
			return
		}

		if create {
			utils.CreatedResponse(c, "Instance lease created successfully", lease)
		} else {
			utils.OKResponse(c, "Instance lease updated successfully", lease)
		}
	}
}

// handleDeleteInstanceLease handles deleting one instance lease
func handleDeleteInstanceLease(store leasestore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.DeleteInstanceLeases([]string{c.Param("instance_id")}); err != nil {
			utils.InternalServerErrorResponse(c, "Failed to delete instance lease")
			return
		}
		utils.OKResponse(c, "Instance lease deleted successfully", nil)
	}
}

// handleCreateWebhook handles webhook creation; the hook must target a
// tenant or an instance
func handleCreateWebhook(store leasestore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		webhook, ok := bindWebhook(c)
		if !ok {
			return
		}
		if err := store.CreateWebhook(webhook); err != nil {
			respondStoreError(c, err, "webhook")
			return
		}
		utils.CreatedResponse(c, "Webhook created successfully", webhook)
	}
}

// handleUpdateWebhook handles webhook updates keyed by url
func handleUpdateWebhook(store leasestore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		webhook, ok := bindWebhook(c)
		if !ok {
			return
		}
		if err := store.UpdateWebhook(webhook); err != nil {
			respondStoreError(c, err, "webhook")
			return
		}
		utils.OKResponse(c, "Webhook updated successfully", webhook)
	}
}

// handleGetWebhooks handles listing webhooks by resource type
func handleGetWebhooks(store leasestore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		webhooks, err := store.ListWebhooks(c.Param("res_type"), c.Param("res_id"))
		if err != nil {
			utils.BadRequestResponse(c, "Failed to fetch webhooks: "+err.Error())
			return
		}
		utils.OKResponse(c, "Webhooks retrieved successfully", gin.H{"webhooks": webhooks})
	}
}

// handleDeleteWebhook handles webhook deletion by url
func handleDeleteWebhook(store leasestore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			URL string `json:"url" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}
		if err := store.DeleteWebhook(req.URL); err != nil {
			utils.InternalServerErrorResponse(c, "Failed to delete webhook")
			return
		}
		utils.OKResponse(c, "Webhook deleted successfully", nil)
	}
}

// handleStatus returns the latest sweep report (admin only)
func handleStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := utils.CacheGet(lastSweepCacheKey)
		if err != nil {
			utils.NotFoundResponse(c, "No sweep report available")
			return
		}
		var report reconciler.SweepReport
		if err := json.Unmarshal([]byte(raw), &report); err != nil {
			utils.InternalServerErrorResponse(c, "Failed to decode sweep report")
			return
		}
		utils.OKResponse(c, "Last sweep report", report)
	}
}

func bindWebhook(c *gin.Context) (*models.Webhook, bool) {
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request format")
		return nil, false
	}
	if req.TenantID == "" && req.InstanceID == "" {
		utils.BadRequestResponse(c, "Specify tenant_id or instance_id")
		return nil, false
	}

	userID, _ := middleware.GetUserFromContext(c)
	return &models.Webhook{
		URL:           req.URL,
		TenantID:      req.TenantID,
		InstanceID:    req.InstanceID,
		Method:        req.Method,
		RetryAttempts: req.RetryAttempts,
		Body:          req.Body,
		ContentType:   req.ContentType,
		CreatedBy:     userID,
		UpdatedBy:     userID,
	}, true
}

func respondStoreError(c *gin.Context, err error, what string) {
	switch {
	case errors.Is(err, leasestore.ErrPolicyViolation):
		utils.UnprocessableEntityResponse(c, err.Error())
	case errors.Is(err, leasestore.ErrConflict):
		utils.ConflictResponse(c, "Already exists")
	case errors.Is(err, leasestore.ErrNotFound):
		utils.NotFoundResponse(c, what+" not found")
	default:
		utils.InternalServerErrorResponse(c, "Failed to write "+what)
	}
}
