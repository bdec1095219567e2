package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"settlement-service/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
)

const actorKey = "actor"

// Claims carries the caller identity in the subject and its role
type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens and the path token the payment
// gateway's notification URLs carry
type Authenticator struct {
	secret       []byte
	gatewayToken []byte
	parser       *jwt.Parser
}

// NewAuthenticator creates an authenticator for the shared secret
func NewAuthenticator(secret, gatewayToken string) *Authenticator {
	return &Authenticator{
		secret:       []byte(secret),
		gatewayToken: []byte(gatewayToken),
		parser:       jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Issue signs a token for actor
func (a *Authenticator) Issue(actor models.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(actor.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates a token and returns the actor it names
func (a *Authenticator) Parse(raw string) (models.Actor, error) {
	var claims Claims
	_, err := a.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return models.Actor{}, err
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return models.Actor{}, errors.New("invalid subject")
	}
	switch claims.Role {
	case models.RoleBuyer, models.RoleSupplier, models.RoleAdmin:
	default:
		return models.Actor{}, errors.New("unknown role")
	}
	return models.Actor{ID: id, Role: claims.Role}, nil
}

// Middleware rejects requests without a valid bearer token
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw := strings.TrimPrefix(header, "Bearer ")
		if header == "" || raw == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			return
		}

		actor, err := a.Parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set(actorKey, actor)
		c.Next()
	}
}

// GatewayMiddleware rejects gateway notifications whose URL token does not match
func (a *Authenticator) GatewayMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := []byte(c.Param("token"))
		if len(a.gatewayToken) == 0 || subtle.ConstantTimeCompare(token, a.gatewayToken) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
			return
		}
		c.Next()
	}
}

func requireRole(role models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if currentActor(c).Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
			return
		}
		c.Next()
	}
}

func currentActor(c *gin.Context) models.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(models.Actor); ok {
			return actor
		}
	}
	return models.Actor{}
}
