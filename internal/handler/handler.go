package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"imhere/internal/attendance"
	"imhere/internal/auth"
	"imhere/internal/checkin"
	"imhere/internal/model"
	"imhere/internal/realtime"
	"imhere/internal/session"
)

// Options configure the HTTP layer.
type Options struct {
	JWTIssuer     string
	JWTSigningKey string
	AccessTTL     time.Duration
	// IssueTokens exposes POST /v1/auth/token; only for dev and test.
	IssueTokens bool
	KeepAlive   time.Duration
	Logger      *slog.Logger
}

type Handler struct {
	svc    *attendance.Service
	hub    realtime.Hub
	opts   Options
	logger *slog.Logger
}

func New(svc *attendance.Service, hub realtime.Hub, opts Options) *Handler {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 25 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{svc: svc, hub: hub, opts: opts, logger: opts.Logger}
}

// Register mounts the v1 API on r.
func (h *Handler) Register(r gin.IRouter) {
	if h.opts.IssueTokens {
		r.POST("/v1/auth/token", h.IssueToken)
	}

	v1 := r.Group("/v1", auth.Bearer(h.opts.JWTSigningKey, h.opts.JWTIssuer))
	organizer := auth.RequireRole(model.RoleOrganizer)
	attendee := auth.RequireRole(model.RoleAttendee)

	v1.POST("/groups", organizer, h.CreateGroup)
	v1.GET("/groups/:id", h.GetGroup)
	v1.DELETE("/groups/:id", organizer, h.DeleteGroup)
	v1.POST("/groups/:id/members", attendee, h.JoinGroup)
	v1.DELETE("/groups/:id/members", attendee, h.LeaveGroup)
	v1.GET("/groups/:id/sessions", h.ListSessions)
	v1.GET("/groups/:id/sessions/live", h.LiveSession)
	v1.POST("/groups/:id/sessions/:date/start", organizer, h.StartSession)
	v1.POST("/groups/:id/sessions/:date/end", organizer, h.EndSession)
	v1.POST("/groups/:id/sessions/:date/checkin", attendee, h.CheckIn)
	v1.POST("/groups/:id/sessions/:date/leave", attendee, h.LeaveSession)
	v1.GET("/groups/:id/summary", organizer, h.Summary)
	v1.GET("/groups/:id/events", h.Events)
}

// ---------- Auth ----------

func (h *Handler) IssueToken(c *gin.Context) {
	var req struct {
		UserID string     `json:"user_id" binding:"required"`
		Role   model.Role `json:"role" binding:"required,oneof=organizer attendee"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	tok, err := auth.Issue(model.User{ID: req.UserID, Role: req.Role}, h.opts.JWTIssuer, h.opts.JWTSigningKey, h.opts.AccessTTL)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"access_token": tok.AccessToken, "expires_at": tok.ExpiresAt.Unix()})
}

// ---------- Groups ----------

func (h *Handler) CreateGroup(c *gin.Context) {
	var req attendance.NewGroup
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	u, _ := auth.CurrentUser(c)
	g, sessions, err := h.svc.CreateGroup(c.Request.Context(), u, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"group": g, "sessions": sessions})
}

func (h *Handler) GetGroup(c *gin.Context) {
	g, err := h.svc.GetGroup(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": g})
}

func (h *Handler) DeleteGroup(c *gin.Context) {
	u, _ := auth.CurrentUser(c)
	if err := h.svc.DeleteGroup(c.Request.Context(), u, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) JoinGroup(c *gin.Context) {
	u, _ := auth.CurrentUser(c)
	if err := h.svc.JoinGroup(c.Request.Context(), u, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "joined"})
}

func (h *Handler) LeaveGroup(c *gin.Context) {
	u, _ := auth.CurrentUser(c)
	if err := h.svc.LeaveGroup(c.Request.Context(), u, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

func (h *Handler) Summary(c *gin.Context) {
	u, _ := auth.CurrentUser(c)
	sum, err := h.svc.Summary(c.Request.Context(), u, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": sum})
}

// ---------- Sessions ----------

func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.svc.ListSessions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) LiveSession(c *gin.Context) {
	s, err := h.svc.LiveSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

func (h *Handler) StartSession(c *gin.Context) {
	date, ok := sessionDate(c)
	if !ok {
		return
	}
	var req struct {
		DisplayName string `json:"display_name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	u, _ := auth.CurrentUser(c)
	s, err := h.svc.StartSession(c.Request.Context(), u, c.Param("id"), date, req.DisplayName)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

func (h *Handler) EndSession(c *gin.Context) {
	date, ok := sessionDate(c)
	if !ok {
		return
	}
	u, _ := auth.CurrentUser(c)
	s, err := h.svc.EndSession(c.Request.Context(), u, c.Param("id"), date)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

func (h *Handler) CheckIn(c *gin.Context) {
	date, ok := sessionDate(c)
	if !ok {
		return
	}
	// pointers so that an omitted coordinate is rejected rather than read as 0
	var req struct {
		Latitude   *float64  `json:"latitude" binding:"required,min=-90,max=90"`
		Longitude  *float64  `json:"longitude" binding:"required,min=-180,max=180"`
		CapturedAt time.Time `json:"captured_at" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	pos := attendance.Position{Latitude: *req.Latitude, Longitude: *req.Longitude, CapturedAt: req.CapturedAt}
	u, _ := auth.CurrentUser(c)
	rec, err := h.svc.CheckIn(c.Request.Context(), u, c.Param("id"), date, pos)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

func (h *Handler) LeaveSession(c *gin.Context) {
	date, ok := sessionDate(c)
	if !ok {
		return
	}
	u, _ := auth.CurrentUser(c)
	rec, err := h.svc.LeaveSession(c.Request.Context(), u, c.Param("id"), date)
	if errors.Is(err, checkin.ErrNoOpenRecord) {
		c.JSON(http.StatusOK, gin.H{"status": "noop"})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

// Events streams session changes of a group as server-sent events.
func (h *Handler) Events(c *gin.Context) {
	groupID := c.Param("id")
	if _, err := h.svc.GetGroup(c.Request.Context(), groupID); err != nil {
		h.fail(c, err)
		return
	}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	events, err := h.hub.Subscribe(ctx, groupID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"group_id": groupID})
	c.Writer.Flush()

	ticker := time.NewTicker(h.opts.KeepAlive)
	defer ticker.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(ev.Type, ev)
			return true
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"at": time.Now().Unix()})
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// ---------- helpers ----------

func sessionDate(c *gin.Context) (time.Time, bool) {
	d, err := model.ParseDate(c.Param("date"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session date must be YYYY-MM-DD", "code": "invalid_request"})
		return time.Time{}, false
	}
	return d, true
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_request"})
}

// fail maps domain errors to the user-visible reasons.
func (h *Handler) fail(c *gin.Context, err error) {
	var far *checkin.TooFarAwayError
	var invalid *attendance.ValidationError
	switch {
	case errors.As(err, &far):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":           err.Error(),
			"code":            "too_far_away",
			"distance_km":     far.DistanceKm,
			"max_distance_km": far.MaxDistanceKm,
		})
	case errors.Is(err, checkin.ErrSessionNotLive):
		abort(c, http.StatusConflict, "session_not_live", err)
	case errors.Is(err, session.ErrInvalidState):
		abort(c, http.StatusConflict, "invalid_state", err)
	case errors.Is(err, attendance.ErrAlreadyLive):
		abort(c, http.StatusConflict, "already_live", err)
	case errors.Is(err, checkin.ErrLocationUnresolved):
		abort(c, http.StatusUnprocessableEntity, "location_unresolved", err)
	case errors.Is(err, attendance.ErrStalePosition):
		abort(c, http.StatusUnprocessableEntity, "stale_position", err)
	case errors.Is(err, session.ErrDisplayNameRequired):
		abort(c, http.StatusBadRequest, "invalid_request", err)
	case errors.As(err, &invalid):
		abort(c, http.StatusBadRequest, "invalid_request", err)
	case errors.Is(err, attendance.ErrNotMember):
		abort(c, http.StatusForbidden, "not_member", err)
	case errors.Is(err, attendance.ErrForbidden):
		abort(c, http.StatusForbidden, "forbidden", err)
	case errors.Is(err, attendance.ErrNotFound):
		abort(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, attendance.ErrNoLiveSession):
		abort(c, http.StatusNotFound, "no_live_session", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		h.logger.Warn("request timed out", "path", c.FullPath(), "error", err)
		abort(c, http.StatusServiceUnavailable, "unavailable", errors.New("try again"))
	default:
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
		abort(c, http.StatusInternalServerError, "internal", errors.New("internal error"))
	}
}

func abort(c *gin.Context, status int, code string, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "code": code})
}
