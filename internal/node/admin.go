package node

import (
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/erlnode/internal/auth"
	"github.com/danmuck/erlnode/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Admin is the HTTP surface of a Service: health, readiness, metrics and
// the connected peer table.
type Admin struct {
	svc    *Service
	router *gin.Engine
	token  auth.Validator
}

var _ Node = (*Admin)(nil)

func NewAdmin(svc *Service) *Admin {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, svc.Name()))
	r.Use(observability.RequestMetricsMiddleware(svc.Name()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(svc.cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{svc: svc, router: r}
	switch {
	case svc.cfg.AdminValidator != nil:
		a.token = svc.cfg.AdminValidator
	case svc.cfg.AdminToken != "":
		a.token = auth.StaticToken{Token: svc.cfg.AdminToken}
	}
	a.registerRoutes()
	return a
}

func (a *Admin) NodeID() string {
	return a.svc.Name()
}

func (a *Admin) Kind() string {
	return "erlnode"
}

func (a *Admin) HTTPRouter() *gin.Engine {
	return a.router
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  a.svc.uptime(),
			"node":    a.svc.Name(),
			"version": version,
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !a.svc.Ready() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":    a.svc.Ready(),
			"node":     a.svc.Name(),
			"port":     a.svc.port(),
			"creation": a.svc.Creation(),
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/peers", a.requireToken(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"node":  a.svc.Name(),
			"peers": a.svc.Peers(),
		})
	})
}

// requireToken checks the bearer token when one is configured.
func (a *Admin) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.token == nil {
			c.Next()
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if err := a.token.Validate(raw); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
