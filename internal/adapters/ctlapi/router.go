// Package ctlapi is the local control surface: a small HTTP API for
// driving the voice client (join, leave, mute, video) and reading its
// state.
package ctlapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/pulsarchat/voicelink/internal/app"
	"github.com/pulsarchat/voicelink/internal/config"
	"github.com/pulsarchat/voicelink/internal/domain"
)

func TokenMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, orch *app.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	log.Info().Str("module", "adapters.ctlapi").Int("port", cfg.APIPort).Msg("router setup")

	api := r.Group("/api", TokenMiddleware(cfg.APIToken))

	api.POST("/join", handleJoin(orch))
	api.POST("/leave", handleLeave(orch))
	api.POST("/mute", handleMute(orch))
	api.POST("/deafen", handleDeafen(orch))
	api.POST("/video", handleVideo(orch))
	api.POST("/gain", handleGain(orch))

	api.GET("/state", handleState(orch))
	api.GET("/speaking", handleSpeaking(orch))
	api.GET("/stats", handleStats(orch))

	return r
}

func handleJoin(orch *app.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ChannelID domain.ChannelID `json:"channel_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := orch.Join(req.ChannelID); err != nil {
			status := http.StatusConflict
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": orch.State()})
	}
}

func handleLeave(orch *app.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := orch.Leave(); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": orch.State()})
	}
}

func handleMute(orch *app.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Muted bool `json:"muted"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		orch.SetMuted(req.Muted)
		c.JSON(http.StatusOK, gin.H{"muted": orch.Muted(), "deafened": orch.Deafened()})
	}
}

func handleDeafen(orch *app.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Deafened bool `json:"deafened"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		orch.SetDeafened(req.Deafened)
		c.JSON(http.StatusOK, gin.H{"muted": orch.Muted(), "deafened": orch.Deafened()})
	}
}

func handleVideo(orch *app.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Source domain.VideoSource `json:"source" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		switch req.Source {
		case domain.VideoNone, domain.VideoScreen, domain.VideoCamera:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown video source"})
			return
		}
		if err := orch.SetVideoSource(req.Source); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"source": req.Source})
	}
}

func handleGain(orch *app.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserID domain.UserID `json:"user_id" binding:"required"`
			Gain   float64       `json:"gain"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !orch.SetUserGain(req.UserID, req.Gain) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no audio route for user"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": req.UserID, "gain": req.Gain})
	}
}

func handleState(orch *app.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		channel, _ := orch.Channel()
		c.JSON(http.StatusOK, gin.H{
			"state":         orch.State(),
			"channel_id":    channel,
			"muted":         orch.Muted(),
			"deafened":      orch.Deafened(),
			"participants":  orch.Roster(),
			"video_sources": orch.VideoSources(),
		})
	}
}

func handleSpeaking(orch *app.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"speaking": orch.Speaking()})
	}
}

// handleStats holds a sampler lease for the duration of the request,
// so detailed collection only runs while someone is looking.
func handleStats(orch *app.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		sampler := orch.Stats()
		if sampler == nil {
			c.JSON(http.StatusOK, gin.H{"peers": []any{}})
			return
		}
		sampler.Acquire()
		defer sampler.Release()
		c.JSON(http.StatusOK, gin.H{"peers": sampler.Latest()})
	}
}
