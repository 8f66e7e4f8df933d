package http

import (
	"context"
	"net/http"

	"github.com/dkeye/CareCall/internal/app"
	"github.com/dkeye/CareCall/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "client_token"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware pins every Call View to a token kept in the cookie
// session.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			s.Set(clientTokenKey, token)
			if err := s.Save(); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func clientID(c *gin.Context) app.ClientID {
	return app.ClientID(c.GetString(clientTokenKey))
}

func SetupRouter(ctx context.Context, cfg *config.Config, orch *app.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CareCallSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "calls": orch.Registry.Len()})
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &CallHandlers{Orch: orch}
	ws := NewStatusWSController(orch, cfg.ReadLimit, cfg.PingPeriod)

	api := r.Group("/api")
	api.POST("/call/join", h.Join)
	api.POST("/call/hangup", h.Hangup)
	api.POST("/call/mute", h.Mute)
	api.POST("/call/video", h.Video)
	api.GET("/call/status", h.Status)
	api.GET("/rooms/:id", h.Room)
	api.GET("/ws/call", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("cid", string(clientID(c))).Msg("ws status endpoint hit")
		ws.HandleStatus(ctx, c)
	})

	return r
}
