package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/boardsync/boardsync/internal/app"
	"github.com/boardsync/boardsync/internal/core"
	"github.com/boardsync/boardsync/internal/domain"
)

const maxUploadSize = 10 << 20

type Handlers struct {
	reg      *core.Registry
	presence *core.Presence
	orch     *app.Orchestrator
	cleaner  *app.Cleaner
	store    core.DurableStore
	blob     core.BlobStore

	apiTimeout time.Duration
}

func NewHandlers(reg *core.Registry, presence *core.Presence, orch *app.Orchestrator,
	cleaner *app.Cleaner, store core.DurableStore, blob core.BlobStore, apiTimeout time.Duration) *Handlers {
	return &Handlers{
		reg:        reg,
		presence:   presence,
		orch:       orch,
		cleaner:    cleaner,
		store:      store,
		blob:       blob,
		apiTimeout: apiTimeout,
	}
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// ListRooms merges durable records with live member counts.
func (h *Handlers) ListRooms(c *gin.Context) {
	ctx, cancel := contextWithTimeout(c, h.apiTimeout)
	defer cancel()
	recs, err := h.store.ListRooms(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	type roomView struct {
		domain.RoomRecord
		OnlineCount int `json:"online_count"`
	}
	out := make([]roomView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, roomView{RoomRecord: rec, OnlineCount: h.reg.MemberCount(rec.ID)})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out, "count": len(out)})
}

func (h *Handlers) CreateRoom(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name required"})
		return
	}
	now := time.Now().UTC()
	rec := &domain.RoomRecord{
		ID:           domain.RoomID(uuid.NewString()[:8]),
		Name:         req.Name,
		CreatedBy:    c.GetString("client_token"),
		CreatedAt:    now,
		LastActivity: now,
		IsActive:     true,
	}
	ctx, cancel := contextWithTimeout(c, h.apiTimeout)
	defer cancel()
	if err := h.store.UpsertRoom(ctx, rec); err != nil {
		log.Error().Err(err).Str("module", "adapters.httpapi").Msg("room create failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	log.Info().Str("module", "adapters.httpapi").Str("room", string(rec.ID)).Str("name", rec.Name).Msg("room created")
	c.JSON(http.StatusCreated, rec)
}

func (h *Handlers) RoomUsers(c *gin.Context) {
	roomID := domain.RoomID(c.Param("roomId"))
	conns := h.reg.MemberConns(roomID)
	users := make([]domain.MemberInfo, 0, len(conns))
	for _, conn := range conns {
		users = append(users, domain.MemberInfo{ID: string(conn.UserID), Username: conn.Username()})
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "users": users, "count": len(users)})
}

func (h *Handlers) RoomMessages(c *gin.Context) {
	roomID := domain.RoomID(c.Param("roomId"))
	var msgs []domain.ChatMessage
	var err error
	if raw := c.Query("limit"); raw != "" {
		limit, perr := strconv.Atoi(raw)
		if perr != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		ctx, cancel := contextWithTimeout(c, h.apiTimeout)
		defer cancel()
		msgs, err = h.store.ListMessages(ctx, roomID, limit)
	} else {
		msgs, err = h.orch.Messages(c.Request.Context(), roomID)
	}
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "messages": msgs, "count": len(msgs)})
}

func (h *Handlers) GlobalUsers(c *gin.Context) {
	users := h.presence.Snapshot()
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

// CheckUsername answers the pre-join availability check. Advisory only:
// the socket join re-checks atomically.
func (h *Handlers) CheckUsername(c *gin.Context) {
	username := c.Query("username")
	if username == "" || len(username) > domain.MaxUsernameLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	available := h.presence.CheckAvailable(c.Request.Context(), username, c.Query("userId"))
	c.JSON(http.StatusOK, gin.H{"username": username, "available": available})
}

// Upload stores a file attachment and returns its URL for a follow-up
// file event.
func (h *Handlers) Upload(c *gin.Context) {
	if h.blob == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "uploads disabled"})
		return
	}
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file required"})
		return
	}
	defer file.Close()
	if header.Size > maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, maxUploadSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read failed"})
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	ctx, cancel := contextWithTimeout(c, h.apiTimeout)
	defer cancel()
	url, err := h.blob.PutObject(ctx, data, contentType)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.httpapi").Msg("upload failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"file_url":  url,
		"file_name": header.Filename,
		"file_type": contentType,
	})
}

// SignFile exchanges a stored file URL for a short-lived signed one,
// for buckets that are not world readable.
func (h *Handlers) SignFile(c *gin.Context) {
	if h.blob == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "uploads disabled"})
		return
	}
	url := c.Query("url")
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url required"})
		return
	}
	ctx, cancel := contextWithTimeout(c, h.apiTimeout)
	defer cancel()
	signed, err := h.blob.SignedURL(ctx, url, 15*time.Minute)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signed_url": signed})
}

func (h *Handlers) CleanupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.cleaner.Status())
}

func (h *Handlers) CleanupTrigger(c *gin.Context) {
	c.JSON(http.StatusOK, h.cleaner.TriggerNow(c.Request.Context()))
}

func (h *Handlers) CleanupComprehensive(c *gin.Context) {
	c.JSON(http.StatusOK, h.cleaner.Comprehensive(c.Request.Context()))
}

func (h *Handlers) CleanupAutoUsers(c *gin.Context) {
	n := h.cleaner.CleanAutoUsers(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"released": n})
}

func (h *Handlers) CleanupStuckUsers(c *gin.Context) {
	n := h.cleaner.ForceCleanStuckUsers(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"released": n})
}

func (h *Handlers) CleanupOrphanedFiles(c *gin.Context) {
	n, err := h.cleaner.CleanOrphanedFiles(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "deleted": n})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *Handlers) CleanupRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("roomId"))
	kicked, err := h.cleaner.CleanRoom(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "kicked": kicked})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "kicked": kicked})
}

func contextWithTimeout(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), d)
}
