package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"dialcast/internal/amd"
	"dialcast/internal/ari"
	"dialcast/internal/campaign"
	"dialcast/internal/route"
	"dialcast/internal/stats"
	"dialcast/internal/trunk"

	"github.com/gin-gonic/gin"
)

// Originator places outbound channels. The ARI client satisfies it.
type Originator interface {
	Originate(ctx context.Context, req ari.OriginateRequest) (ari.Channel, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls      Originator
	Routes     *route.Registry
	Trunks     *trunk.Synchronizer
	Dispatcher *campaign.Dispatcher
	Store      campaign.Store
	Stats      *stats.Service
	Voicemail  *amd.Detector
}

// Register mounts the API endpoints on a router group. The caller is
// responsible for auth middleware; everything here assumes it passed.
func (h Handlers) Register(r gin.IRouter) {
	r.POST("/calls", h.PlaceCall)
	r.PUT("/trunks/:id", h.UpsertTrunk)
	r.DELETE("/trunks/:id", h.DeleteTrunk)
	r.POST("/campaigns/:id/start", h.StartCampaign)
	r.POST("/campaigns/:id/pause", h.PauseCampaign)
	r.POST("/campaigns/:id/stop", h.StopCampaign)
	r.POST("/campaigns/:id/requeue-failed", h.RequeueFailed)
	r.GET("/campaigns/:id/stats", h.CampaignStats)
	r.POST("/amd/analyze", h.AnalyzeRecording)
}

// --- Calls ---

type placeCallRequest struct {
	Route          route.Descriptor  `json:"route"`
	Number         string            `json:"number"`
	CallerID       string            `json:"caller_id"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	AppArgs        []string          `json:"app_args,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
}

// PlaceCall originates a one-off outbound channel through a route
// supplied inline. Campaign calls never pass through here; the
// dispatcher originates those itself.
func (h Handlers) PlaceCall(c *gin.Context) {
	var req placeCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := req.Route.Validate(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	number, err := campaign.NormalizeE164(req.Number)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ch, err := h.Calls.Originate(c.Request.Context(), ari.OriginateRequest{
		Endpoint:       req.Route.DialEndpoint(number),
		CallerID:       req.CallerID,
		TimeoutSeconds: req.TimeoutSeconds,
		AppArgs:        req.AppArgs,
		Variables:      req.Variables,
	})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "origination failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel_id": ch.ID})
}

// --- Trunks ---

// UpsertTrunk applies a trunk's PBX configuration and registers the
// route so campaigns can dial through it.
func (h Handlers) UpsertTrunk(c *gin.Context) {
	var t route.Trunk
	if err := c.ShouldBindJSON(&t); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	id := c.Param("id")
	if t.ID == "" {
		t.ID = id
	}
	if t.ID != id {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "trunk id mismatch"})
		return
	}
	if err := h.Trunks.Sync(c.Request.Context(), t); err != nil {
		if errors.Is(err, route.ErrInvalidRoute) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "trunk sync failed"})
		return
	}
	if err := h.Routes.Upsert(route.Descriptor{ID: t.ID, Domain: t.Domain}); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h Handlers) DeleteTrunk(c *gin.Context) {
	id := c.Param("id")
	if err := h.Trunks.Delete(c.Request.Context(), id); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "trunk delete failed"})
		return
	}
	h.Routes.Delete(id)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// --- Campaigns ---

func (h Handlers) StartCampaign(c *gin.Context) {
	h.campaignControl(c, h.Dispatcher.Start)
}

func (h Handlers) PauseCampaign(c *gin.Context) {
	h.campaignControl(c, h.Dispatcher.Pause)
}

func (h Handlers) StopCampaign(c *gin.Context) {
	h.campaignControl(c, h.Dispatcher.Stop)
}

func (h Handlers) campaignControl(c *gin.Context, op func(context.Context, string) error) {
	id := c.Param("id")
	switch err := op(c.Request.Context(), id); {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	case errors.Is(err, campaign.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
	case errors.Is(err, campaign.ErrBadTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "campaign control failed"})
	}
}

func (h Handlers) RequeueFailed(c *gin.Context) {
	id := c.Param("id")
	n, err := h.Store.RequeueFailed(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "requeue failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": n})
}

func (h Handlers) CampaignStats(c *gin.Context) {
	id := c.Param("id")
	summary, err := h.Stats.Summary(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "stats lookup failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// --- Voicemail analysis ---

// maxRecordingBytes bounds PCM uploads; an hour of 8 kHz s16 mono.
const maxRecordingBytes = 8000 * 2 * 3600

type analyzeResponse struct {
	Detected     bool     `json:"detected"`
	Confidence   float64  `json:"confidence"`
	BeepDetected bool     `json:"beep_detected"`
	Transcript   string   `json:"transcript,omitempty"`
	KeywordHits  []string `json:"keyword_hits,omitempty"`
	Reasons      []string `json:"reasons,omitempty"`
}

// AnalyzeRecording scores a recorded greeting offline. The body is raw
// 16-bit little-endian mono PCM; sample_rate defaults to 8000.
func (h Handlers) AnalyzeRecording(c *gin.Context) {
	if h.Voicemail == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "voicemail analysis not configured"})
		return
	}
	sampleRate := 8000
	if v := c.Query("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid sample_rate"})
			return
		}
		sampleRate = n
	}
	pcm, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRecordingBytes))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}
	res, err := h.Voicemail.Analyze(c.Request.Context(), pcm, sampleRate)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, analyzeResponse{
		Detected:     res.Detected,
		Confidence:   res.Confidence,
		BeepDetected: res.BeepDetected,
		Transcript:   res.Transcript,
		KeywordHits:  res.KeywordHits,
		Reasons:      res.Reasons,
	})
}
