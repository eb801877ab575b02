package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"voicecast/internal/audit"
	"voicecast/internal/auth"
	"voicecast/internal/broadcast"
	"voicecast/internal/calls"
	"voicecast/internal/rbac"
	"voicecast/internal/reporting"
	"voicecast/internal/schedule"

	"github.com/gin-gonic/gin"
)

// BroadcastService is the broadcast controller as seen by the API.
type BroadcastService interface {
	Start(ctx context.Context, req broadcast.StartRequest) (broadcast.Broadcast, error)
	Get(id string) (broadcast.Broadcast, error)
	List() []broadcast.Broadcast
	Jobs(id string) ([]calls.CallJob, error)
	Pause(ctx context.Context, id string) (broadcast.Broadcast, error)
	Resume(ctx context.Context, id string) (broadcast.Broadcast, error)
	Cancel(ctx context.Context, id string) (broadcast.Broadcast, error)
}

type ScheduleService interface {
	Create(ctx context.Context, req schedule.CreateRequest) (schedule.Entry, error)
	Get(ctx context.Context, id string) (schedule.Entry, error)
	List(ctx context.Context, status schedule.Status) ([]schedule.Entry, error)
	Cancel(ctx context.Context, id string) (schedule.Entry, error)
	CreateContactSet(ctx context.Context, name string, contacts []calls.Contact) (schedule.ContactSet, error)
	GetContactSet(ctx context.Context, id string) (schedule.ContactSet, error)
}

type AuditService interface {
	ListByBroadcast(ctx context.Context, broadcastID string, limit int) ([]audit.Event, error)
	LogOperatorAction(ctx context.Context, broadcastID, actorUserID, actorRole, ip, action string) error
}

type ReportService interface {
	CallsSummary(ctx context.Context, req reporting.CallsSummaryRequest) (reporting.CallsSummary, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth       *auth.Manager
	Broadcasts BroadcastService
	Schedules  ScheduleService
	Reports    ReportService
	Audit      AuditService
}

// --- Auth ---

type tokenRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// IssueToken issues a dev JWT pair for a given identity. It does not check
// credentials and answers 404 unless AUTH_DEV_TOKENS is on.
func (h Handlers) IssueToken(c *gin.Context) {
	if h.Auth == nil || !h.Auth.DevTokens() {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || !rbac.IsKnownRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and a known role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), auth.Operator{UserID: req.UserID, Role: req.Role, Dev: true})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Broadcasts ---

func (h Handlers) StartBroadcast(c *gin.Context) {
	var req broadcast.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	b, err := h.Broadcasts.Start(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	h.operatorAction(c, b.ID, "start")
	c.JSON(http.StatusAccepted, b)
}

func (h Handlers) ListBroadcasts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"broadcasts": h.Broadcasts.List()})
}

func (h Handlers) GetBroadcast(c *gin.Context) {
	b, err := h.Broadcasts.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h Handlers) ListCalls(c *gin.Context) {
	jobs, err := h.Broadcasts.Jobs(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": jobs})
}

func (h Handlers) CallsSummary(c *gin.Context) {
	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{BroadcastID: c.Param("id")})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) ListEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be within 1..1000"})
			return
		}
		limit = n
	}
	id := c.Param("id")
	if _, err := h.Broadcasts.Get(id); err != nil {
		writeError(c, err)
		return
	}
	evs, err := h.Audit.ListByBroadcast(c.Request.Context(), id, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func (h Handlers) PauseBroadcast(c *gin.Context) {
	h.transition(c, "pause", h.Broadcasts.Pause)
}

func (h Handlers) ResumeBroadcast(c *gin.Context) {
	h.transition(c, "resume", h.Broadcasts.Resume)
}

func (h Handlers) CancelBroadcast(c *gin.Context) {
	h.transition(c, "cancel", h.Broadcasts.Cancel)
}

func (h Handlers) transition(c *gin.Context, action string, fn func(context.Context, string) (broadcast.Broadcast, error)) {
	id := c.Param("id")
	b, err := fn(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	h.operatorAction(c, id, action)
	c.JSON(http.StatusOK, b)
}

// operatorAction is best-effort; a failed audit write never fails the request.
func (h Handlers) operatorAction(c *gin.Context, broadcastID, action string) {
	if h.Audit == nil {
		return
	}
	op, _ := auth.OperatorFrom(c.Request.Context())
	role := op.Role
	if op.Dev {
		role += " (dev token)"
	}
	if err := h.Audit.LogOperatorAction(c.Request.Context(), broadcastID, op.UserID, role, c.ClientIP(), action); err != nil {
		_ = c.Error(err)
	}
}

// --- Contact sets ---

type contactSetRequest struct {
	Name     string          `json:"name"`
	Contacts []calls.Contact `json:"contacts"`
}

func (h Handlers) CreateContactSet(c *gin.Context) {
	var req contactSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	cs, err := h.Schedules.CreateContactSet(c.Request.Context(), req.Name, req.Contacts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": cs.ID, "name": cs.Name, "contacts": len(cs.Contacts), "created_at": cs.CreatedAt})
}

func (h Handlers) GetContactSet(c *gin.Context) {
	cs, err := h.Schedules.GetContactSet(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cs)
}

// --- Schedules ---

func (h Handlers) CreateSchedule(c *gin.Context) {
	var req schedule.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	e, err := h.Schedules.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

func (h Handlers) ListSchedules(c *gin.Context) {
	var status schedule.Status
	if raw := c.Query("status"); raw != "" {
		s, ok := schedule.ParseStatus(raw)
		if !ok {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
			return
		}
		status = s
	}
	entries, err := h.Schedules.List(c.Request.Context(), status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": entries})
}

func (h Handlers) GetSchedule(c *gin.Context) {
	e, err := h.Schedules.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h Handlers) CancelSchedule(c *gin.Context) {
	e, err := h.Schedules.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// --- Health ---

// Healthz reports liveness; Ready, when set, adds dependency checks.
func Healthz(ready func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
