// Package api serves the admin/JSON HTTP surface: account CRUD, message
// submission, logs, settings and metrics exposition.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/jhult/emailengine/internal/accounts"
	"github.com/jhult/emailengine/internal/metrics"
	"github.com/jhult/emailengine/internal/queue"
	"github.com/jhult/emailengine/internal/settings"
	"github.com/jhult/emailengine/internal/tokens"
)

// Caller routes account RPC to the owning worker; the supervisor
// implements it.
type Caller interface {
	CallAccount(ctx context.Context, account, op string, params any) (json.RawMessage, error)
}

// Router wires the HTTP surface.
type Router struct {
	engine        *gin.Engine
	registry      *accounts.Registry
	logs          *accounts.LogRing
	queues        *queue.Engine
	settings      *settings.Service
	tokens        *tokens.Service
	caller        Caller
	metrics       *metrics.Metrics
	serviceSecret []byte
	adminHash     string
}

// Config carries router dependencies.
type Config struct {
	Registry      *accounts.Registry
	Logs          *accounts.LogRing
	Queues        *queue.Engine
	Settings      *settings.Service
	Tokens        *tokens.Service
	Caller        Caller
	Metrics       *metrics.Metrics
	ServiceSecret string
	// AdminHash is the bcrypt hash set through the password CLI command.
	AdminHash string
	Release   bool
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(cfg Config) *Router {
	if cfg.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	r := &Router{
		engine:        gin.New(),
		registry:      cfg.Registry,
		logs:          cfg.Logs,
		queues:        cfg.Queues,
		settings:      cfg.Settings,
		tokens:        cfg.Tokens,
		caller:        cfg.Caller,
		metrics:       cfg.Metrics,
		serviceSecret: []byte(cfg.ServiceSecret),
		adminHash:     cfg.AdminHash,
	}
	r.engine.Use(gin.Recovery())
	r.setupRoutes()
	return r
}

// Engine returns the underlying gin engine.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.health)
	r.engine.POST("/v1/token", r.login)

	if r.metrics != nil {
		r.engine.GET("/metrics", r.requireScope(tokens.ScopeMetrics), gin.WrapH(
			promhttp.HandlerFor(r.metrics.Registry, promhttp.HandlerOpts{})))
	}

	v1 := r.engine.Group("/v1", r.requireScope(tokens.ScopeAPI))
	{
		v1.GET("/accounts", r.listAccounts)
		v1.POST("/accounts", r.createAccount)
		v1.GET("/account/:id", r.getAccount)
		v1.PUT("/account/:id", r.updateAccount)
		v1.DELETE("/account/:id", r.deleteAccount)
		v1.POST("/account/:id/submit", r.submitMessage)
		v1.GET("/account/:id/logs", r.accountLogs)
		v1.GET("/account/:id/messages", r.listMessages)
		v1.GET("/settings", r.getSettings)
		v1.POST("/settings", r.putSettings)
	}
}

func (r *Router) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// login exchanges the admin password for a short-lived session token.
func (r *Router) login(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if r.adminHash == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "no admin password configured"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(r.adminHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
		return
	}
	session, err := r.issueSession()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("issue session: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": session, "expiresIn": int(sessionTTL.Seconds())})
}
