package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/cloudlease/go-instance-lease-system/shared/utils"
)

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// AuthMiddleware validates bearer tokens and role headers
type AuthMiddleware struct {
	jwtSecret []byte
}

// AuthClaims represents the identity carried by a token
type AuthClaims struct {
	Sub      string `json:"sub"`
	Username string `json:"username"`
	TenantID string `json:"tenant_id"`
	Roles    string `json:"roles"`
	jwt.RegisteredClaims
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(jwtSecret string) (*AuthMiddleware, error) {
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	return &AuthMiddleware{jwtSecret: []byte(jwtSecret)}, nil
}

// RequireAuth validates the request identity. A bearer JWT is preferred;
// X-User-Id/X-Roles headers are accepted as a fallback for deployments
// behind an authenticating proxy.
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			if userID := c.GetHeader("X-User-Id"); userID != "" {
				c.Set("user_id", userID)
				c.Set("username", c.GetHeader("X-User"))
				c.Set("tenant_id", c.GetHeader("X-Tenant-Id"))
				c.Set("roles", c.GetHeader("X-Roles"))
				c.Next()
				return
			}
			utils.UnauthorizedResponse(c, "Authorization token required")
			c.Abort()
			return
		}

		claims, err := am.parseToken(tokenString)
		if err != nil {
			utils.UnauthorizedResponse(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set("user_id", claims.Sub)
		c.Set("username", claims.Username)
		c.Set("tenant_id", claims.TenantID)
		c.Set("roles", claims.Roles)

		c.Next()
	}
}

// RequireRole passes requests whose identity carries any of the given roles.
// Admins pass every role check.
func (am *AuthMiddleware) RequireRole(required ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		roles := splitRoles(c.GetString("roles"))
		if roles[RoleAdmin] {
			c.Next()
			return
		}
		for _, r := range required {
			if roles[r] {
				c.Next()
				return
			}
		}
		utils.ForbiddenResponse(c, "Insufficient permissions")
		c.Abort()
	}
}

// RequireTenantAccess restricts members to their own tenant; admins may
// access any tenant.
func (am *AuthMiddleware) RequireTenantAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		roles := splitRoles(c.GetString("roles"))
		if roles[RoleAdmin] {
			c.Next()
			return
		}

		requestedTenantID := c.Param("id")
		if requestedTenantID != "" && requestedTenantID != c.GetString("tenant_id") {
			utils.ForbiddenResponse(c, "Access denied to this tenant")
			c.Abort()
			return
		}

		c.Next()
	}
}

// GetUserFromContext extracts user identity from the Gin context
func GetUserFromContext(c *gin.Context) (userID, tenantID string) {
	return c.GetString("user_id"), c.GetString("tenant_id")
}

// parseToken verifies the HMAC signature and extracts claims. Parsed claims
// are cached in Redis keyed by token hash so repeated requests with the same
// token skip verification; cache errors fall through to a full parse.
func (am *AuthMiddleware) parseToken(tokenString string) (*AuthClaims, error) {
	cacheKey := getCacheKey(tokenString)
	if cachedData, err := utils.CacheGet(cacheKey); err == nil {
		var claims AuthClaims
		if err := json.Unmarshal([]byte(cachedData), &claims); err == nil {
			return &claims, nil
		}
	}

	claims := &AuthClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return am.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	if cacheData, err := json.Marshal(claims); err == nil {
		_ = utils.CacheSet(cacheKey, string(cacheData), 1*time.Hour)
	}

	return claims, nil
}

// getCacheKey generates a cache key for the token
func getCacheKey(tokenString string) string {
	hash := sha256.Sum256([]byte(tokenString))
	return "token:" + hex.EncodeToString(hash[:])
}

// extractToken extracts the JWT token from the Authorization header
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	return strings.TrimPrefix(authHeader, "Bearer ")
}

func splitRoles(rolesStr string) map[string]bool {
	roles := make(map[string]bool)
	for _, r := range strings.Split(rolesStr, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles[r] = true
		}
	}
	return roles
}
