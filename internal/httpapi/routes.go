package httpapi

import (
	"voicecast/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register mounts the /v1 API. authMW guards every route except token
// issuance; RBAC splits operators (mutations) from readers.
func Register(r *gin.Engine, h Handlers, authMW gin.HandlerFunc) {
	v1 := r.Group("/v1")

	v1.POST("/auth/token", h.IssueToken)

	api := v1.Group("")
	api.Use(authMW, rbac.RequireUser())

	read := rbac.RequireAnyRole(rbac.Readers...)
	operate := rbac.RequireAnyRole(rbac.Operators...)

	broadcasts := api.Group("/broadcasts")
	{
		broadcasts.POST("", operate, h.StartBroadcast)
		broadcasts.GET("", read, h.ListBroadcasts)
		broadcasts.GET("/:id", read, h.GetBroadcast)
		broadcasts.GET("/:id/calls", read, h.ListCalls)
		broadcasts.GET("/:id/summary", read, h.CallsSummary)
		broadcasts.GET("/:id/events", read, h.ListEvents)
		broadcasts.POST("/:id/pause", operate, h.PauseBroadcast)
		broadcasts.POST("/:id/resume", operate, h.ResumeBroadcast)
		broadcasts.POST("/:id/cancel", operate, h.CancelBroadcast)
	}

	sets := api.Group("/contact-sets")
	{
		sets.POST("", operate, h.CreateContactSet)
		sets.GET("/:id", read, h.GetContactSet)
	}

	schedules := api.Group("/schedules")
	{
		schedules.POST("", operate, h.CreateSchedule)
		schedules.GET("", read, h.ListSchedules)
		schedules.GET("/:id", read, h.GetSchedule)
		schedules.POST("/:id/cancel", operate, h.CancelSchedule)
	}
}
