package main

import (
	"context"
	"encoding/json"
	"log"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/cloudlease/go-instance-lease-system/leasestore"
	"github.com/cloudlease/go-instance-lease-system/notifier"
	"github.com/cloudlease/go-instance-lease-system/provider"
	"github.com/cloudlease/go-instance-lease-system/reconciler"
	"github.com/cloudlease/go-instance-lease-system/shared/config"
	"github.com/cloudlease/go-instance-lease-system/shared/middleware"
	"github.com/cloudlease/go-instance-lease-system/shared/utils"
)

const lastSweepCacheKey = "sweep:last"

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logrus.Warn("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Invalid configuration:", err)
	}

	// Redis backs the token cache and the /v1/status report; the service
	// still runs without it.
	if err := utils.InitRedis(); err != nil {
		logrus.Warnf("Redis unavailable, continuing without cache: %v", err)
	}
	defer utils.CloseRedis()

	// Initialize database
	db, err := config.ConnectDatabase()
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	store := leasestore.NewGormStore(db)
	if err := store.AutoMigrate(); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	prov, err := buildProvider(cfg)
	if err != nil {
		log.Fatal("Failed to initialize provider:", err)
	}

	notif := buildNotifier(cfg)

	// Initialize authentication middleware
	authMiddleware, err := middleware.NewAuthMiddleware(cfg.JWTSecret)
	if err != nil {
		log.Fatal("Failed to initialize auth middleware:", err)
	}

	sweeper := reconciler.NewSweeper(store, prov, notif, clock.New(),
		cfg.SleepInterval(), cfg.DefaultAction)
	sweeper.OnReport(func(report reconciler.SweepReport) {
		if data, err := json.Marshal(report); err == nil {
			_ = utils.CacheSet(lastSweepCacheKey, string(data), 0)
		}
	})
	sweeper.Start(context.Background())

	// Initialize Gin router
	router := gin.Default()

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		utils.OKResponse(c, "Lease service is healthy", nil)
	})

	v1 := router.Group("/v1")
	v1.Use(authMiddleware.RequireAuth())
	{
		v1.GET("/status", authMiddleware.RequireRole(middleware.RoleAdmin), handleStatus())

		tenants := v1.Group("/tenant")
		{
			tenants.GET("/", authMiddleware.RequireRole(middleware.RoleAdmin), handleGetTenantLeases(store))
			tenants.GET("/:id", authMiddleware.RequireTenantAccess(), handleGetTenantLease(store))
			tenants.POST("/:id", authMiddleware.RequireRole(middleware.RoleAdmin), handleUpsertTenantLease(store, true))
			tenants.PUT("/:id", authMiddleware.RequireRole(middleware.RoleAdmin), handleUpsertTenantLease(store, false))
			tenants.DELETE("/:id", authMiddleware.RequireRole(middleware.RoleAdmin), handleDeleteTenantLease(store))

			tenants.GET("/:id/instances", authMiddleware.RequireTenantAccess(), handleGetTenantInstances(store))
			tenants.GET("/:id/instance/:instance_id", authMiddleware.RequireTenantAccess(), handleGetInstanceLease(store))
			tenants.POST("/:id/instance/:instance_id", authMiddleware.RequireTenantAccess(), handleUpsertInstanceLease(store, true))
			tenants.PUT("/:id/instance/:instance_id", authMiddleware.RequireTenantAccess(), handleUpsertInstanceLease(store, false))
			tenants.DELETE("/:id/instance/:instance_id", authMiddleware.RequireTenantAccess(), handleDeleteInstanceLease(store))
		}

		webhooks := v1.Group("/webhooks")
		webhooks.Use(authMiddleware.RequireRole(middleware.RoleMember))
		{
			webhooks.POST("", handleCreateWebhook(store))
			webhooks.PUT("", handleUpdateWebhook(store))
			webhooks.GET("/:res_type/:res_id", handleGetWebhooks(store))
			webhooks.DELETE("", handleDeleteWebhook(store))
		}
	}

	logrus.Infof("Lease service starting on port %s, sweeping every %s",
		cfg.Port, cfg.SleepInterval())
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start lease service:", err)
	}
}

func buildProvider(cfg *config.Config) (provider.Provider, error) {
	if cfg.Provider == "ec2" {
		return provider.NewEC2Provider(cfg.AWSRegion, cfg.EC2TenantTag)
	}
	return provider.NewOpenStackProvider(cfg.OpenStack), nil
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.Notifier == "kafka" {
		return notifier.NewKafkaNotifier(cfg.KafkaBroker, cfg.KafkaTopic)
	}
	return notifier.NewWebhookNotifier(cfg.DefaultWebhookURL, cfg.NotificationBody)
}
