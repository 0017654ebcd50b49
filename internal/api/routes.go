package api

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kola-wonder/beacon-skill/internal/atlas"
	"github.com/kola-wonder/beacon-skill/internal/config"
	"github.com/kola-wonder/beacon-skill/internal/feed"
	"github.com/kola-wonder/beacon-skill/internal/heartbeat"
	"github.com/kola-wonder/beacon-skill/internal/identity"
	"github.com/kola-wonder/beacon-skill/internal/inbox"
	"github.com/kola-wonder/beacon-skill/internal/mayday"
	"github.com/kola-wonder/beacon-skill/internal/outbox"
	"github.com/kola-wonder/beacon-skill/internal/presence"
	"github.com/kola-wonder/beacon-skill/internal/rules"
	"github.com/kola-wonder/beacon-skill/internal/tasks"
	"github.com/kola-wonder/beacon-skill/internal/trust"
)

const beaconVersion = "1.0.0"

// APIHandler bundles the components the HTTP surface reads from.
type APIHandler struct {
	cfg       *config.Config
	id        *identity.Identity
	card      map[string]any
	inbox     *inbox.Manager
	presence  *presence.Manager
	trust     *trust.Manager
	tasks     *tasks.Manager
	feed      *feed.Manager
	atlas     *atlas.Manager
	heartbeat *heartbeat.Manager
	mayday    *mayday.Manager
	rules     *rules.Engine
	executor  *outbox.Executor
	archive   Archiver
	wsHub     *Hub
}

// Archiver mirrors inbound envelopes to a durable backend. Optional.
type Archiver interface {
	ArchiveEnvelope(platform, from string, env map[string]any, verified *bool) error
}

// Deps carries the wiring for SetupRouter. Nil fields disable the
// corresponding routes.
type Deps struct {
	Config    *config.Config
	Identity  *identity.Identity
	Card      map[string]any
	Inbox     *inbox.Manager
	Presence  *presence.Manager
	Trust     *trust.Manager
	Tasks     *tasks.Manager
	Feed      *feed.Manager
	Atlas     *atlas.Manager
	Heartbeat *heartbeat.Manager
	Mayday    *mayday.Manager
	Rules     *rules.Engine
	Executor  *outbox.Executor
	Archive   Archiver
	WSHub     *Hub
}

func SetupRouter(d Deps) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://agent.example.net
	// Development: leave empty for *
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		cfg:       d.Config,
		id:        d.Identity,
		card:      d.Card,
		inbox:     d.Inbox,
		presence:  d.Presence,
		trust:     d.Trust,
		tasks:     d.Tasks,
		feed:      d.Feed,
		atlas:     d.Atlas,
		heartbeat: d.Heartbeat,
		mayday:    d.Mayday,
		rules:     d.Rules,
		executor:  d.Executor,
		archive:   d.Archive,
		wsHub:     d.WSHub,
	}

	inboxLimiter := NewRateLimiter(60, 20)

	r.GET("/beacon/health", handler.handleHealth)
	r.GET("/.well-known/beacon.json", handler.handleAgentCard)
	r.POST("/beacon/inbox", inboxLimiter.Middleware(), handler.handleInbox)

	api := r.Group("/api/v1")
	api.Use(AuthMiddleware())
	{
		api.GET("/roster", handler.handleRoster)
		api.GET("/trust/:agent_id", handler.handleTrust)
		api.GET("/tasks", handler.handleTasks)
		api.GET("/feed", handler.handleFeed)
		api.GET("/heartbeat", handler.handleHeartbeat)
		api.GET("/atlas/census", handler.handleCensus)
		api.GET("/atlas/estimate/:agent_id", handler.handleEstimate)
		api.POST("/outbox", handler.handleQueueOutbox)
	}
	if d.WSHub != nil {
		api.GET("/stream", d.WSHub.Subscribe)
	}

	return r
}

// handleHealth returns liveness plus protocol version for discovery.
func (h *APIHandler) handleHealth(c *gin.Context) {
	resp := gin.H{
		"ok":             true,
		"beacon_version": beaconVersion,
	}
	if h.id != nil {
		resp["agent_id"] = h.id.AgentID
	}
	c.JSON(http.StatusOK, resp)
}

// handleAgentCard serves the signed discovery card.
func (h *APIHandler) handleAgentCard(c *gin.Context) {
	if h.card == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no agent card configured"})
		return
	}
	c.JSON(http.StatusOK, h.card)
}

func (h *APIHandler) handleRoster(c *gin.Context) {
	if h.presence == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence not enabled"})
		return
	}
	onlineOnly := c.Query("online") == "true"
	roster := h.presence.Roster(onlineOnly)
	c.JSON(http.StatusOK, gin.H{"agents": roster, "count": len(roster)})
}

func (h *APIHandler) handleTrust(c *gin.Context) {
	if h.trust == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trust not enabled"})
		return
	}
	agentID := c.Param("agent_id")
	score := h.trust.ScoreFor(agentID)
	c.JSON(http.StatusOK, gin.H{
		"agent_id":   agentID,
		"score":      score.Score,
		"total":      score.Total,
		"positive":   score.Positive,
		"negative":   score.Negative,
		"rtc_volume": score.RTCVolume,
		"blocked":    h.trust.IsBlocked(agentID),
	})
}

func (h *APIHandler) handleTasks(c *gin.Context) {
	if h.tasks == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tasks not enabled"})
		return
	}
	list := h.tasks.List(c.Query("state"))
	c.JSON(http.StatusOK, gin.H{"tasks": list, "count": len(list)})
}

func (h *APIHandler) handleFeed(c *gin.Context) {
	if h.feed == nil || h.inbox == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "feed not enabled"})
		return
	}
	minScore, _ := strconv.ParseFloat(c.DefaultQuery("min_score", "0"), 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries := h.inbox.ReadInbox(inbox.Filter{})
	c.JSON(http.StatusOK, gin.H{"feed": h.feed.Feed(entries, minScore, limit)})
}

func (h *APIHandler) handleHeartbeat(c *gin.Context) {
	if h.heartbeat == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "heartbeat not enabled"})
		return
	}
	includeDead := c.Query("include_dead") == "true"
	c.JSON(http.StatusOK, gin.H{
		"own":   h.heartbeat.OwnStatus(),
		"peers": h.heartbeat.AllPeers(includeDead),
	})
}

func (h *APIHandler) handleCensus(c *gin.Context) {
	if h.atlas == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "atlas not enabled"})
		return
	}
	c.JSON(http.StatusOK, h.atlas.Census())
}

func (h *APIHandler) handleEstimate(c *gin.Context) {
	if h.atlas == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "atlas not enabled"})
		return
	}
	estimate, err := h.atlas.EstimateAgent(c.Param("agent_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, estimate)
}

// handleQueueOutbox accepts an envelope and queues it for delivery.
// POST /api/v1/outbox { "target_agent_id": "...", "envelope": {...} }
func (h *APIHandler) handleQueueOutbox(c *gin.Context) {
	if h.executor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "outbox not enabled"})
		return
	}
	var req struct {
		TargetAgentID string         `json:"target_agent_id"`
		Envelope      map[string]any `json:"envelope"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Envelope) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body, expected {target_agent_id, envelope}"})
		return
	}
	actionID, err := h.executor.QueueEmit(req.Envelope, "api")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"action_id": actionID, "status": "queued"})
}
