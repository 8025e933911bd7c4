package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dismissal-server-go/models"
	"dismissal-server-go/session"
	"dismissal-server-go/views"
)

// FamilyDirectory resolves carpool numbers for the parent page.
type FamilyDirectory interface {
	LookupFamilyStudents(ctx context.Context, carpoolNumber int) ([]models.FamilyStudent, error)
}

// StatusAdmin clears a day's status rows.
type StatusAdmin interface {
	ClearStatusForDay(ctx context.Context, day string) (int, error)
}

// APIHandler holds the dependencies for API handlers
type APIHandler struct {
	Sessions *session.Manager
	Families FamilyDirectory
	Admin    StatusAdmin
	Today    session.DayResolver
}

// NewAPIHandler creates a new APIHandler
func NewAPIHandler(sessions *session.Manager, families FamilyDirectory, admin StatusAdmin, today session.DayResolver) *APIHandler {
	return &APIHandler{
		Sessions: sessions,
		Families: families,
		Admin:    admin,
		Today:    today,
	}
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Register mounts every route under api.
func (h *APIHandler) Register(api *gin.RouterGroup) {
	// Session lifecycle
	api.POST("/sessions", h.OpenSession)
	api.DELETE("/sessions/:sid", h.CloseSession)
	api.POST("/sessions/:sid/focus", h.Focus)
	api.POST("/sessions/:sid/resync", h.Resync)

	// Views
	api.GET("/sessions/:sid/classrooms", h.GetClassrooms)
	api.GET("/sessions/:sid/classrooms/:classId/students", h.GetClassroomStudents)
	api.GET("/sessions/:sid/roster", h.GetRoster)
	api.GET("/sessions/:sid/roster/export", h.ExportRoster)

	// Writes
	api.POST("/sessions/:sid/status", h.SetStatus)
	api.POST("/sessions/:sid/status/toggle", h.ToggleStatus)
	api.POST("/sessions/:sid/checkin/family", h.FamilyCheckIn)
	api.POST("/sessions/:sid/checkin/parent", h.ParentCheckIn)

	api.GET("/families/:carpool/students", h.GetFamilyStudents)
	api.POST("/admin/reset", h.ResetDay)
	api.GET("/ping", PingHandler)
}

// respondError writes the {"error", "reason"} body with the status the
// error's kind maps to.
func respondError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNoBaseline), errors.Is(err, models.ErrSessionClosed):
		code = http.StatusConflict
	case errors.Is(err, models.ErrValidationFailed):
		code = http.StatusBadRequest
	case errors.Is(err, models.ErrUnknownEntity):
		code = http.StatusNotFound
	case errors.Is(err, models.ErrStoreUnavailable):
		code = http.StatusServiceUnavailable
	}
	if code >= http.StatusInternalServerError {
		log.Printf("Error in %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(code, gin.H{"error": err.Error(), "reason": models.ReasonCode(err)})
}

func badRequest(c *gin.Context, err error) {
	respondError(c, fmt.Errorf("%w: invalid request body: %v", models.ErrValidationFailed, err))
}

// session looks up :sid, writing the error response itself on failure.
func (h *APIHandler) session(c *gin.Context) (*session.Session, bool) {
	s, err := h.Sessions.Get(c.Param("sid"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return s, true
}

func actorOr(actor, fallback string) string {
	if actor == "" {
		return fallback
	}
	return actor
}

// --- Session Handlers ---

// OpenSession handles POST /api/sessions
func (h *APIHandler) OpenSession(c *gin.Context) {
	s, err := h.Sessions.Open(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": s.ID(), "day": s.Day()})
}

// CloseSession handles DELETE /api/sessions/:sid
func (h *APIHandler) CloseSession(c *gin.Context) {
	if err := h.Sessions.Close(c.Param("sid")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Focus handles POST /api/sessions/:sid/focus
func (h *APIHandler) Focus(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.Focus(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "resync scheduled"})
}

// Resync handles POST /api/sessions/:sid/resync
func (h *APIHandler) Resync(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.Resync(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	h.writeSummaries(c, s)
}

// --- View Handlers ---

// GetClassrooms handles GET /api/sessions/:sid/classrooms
func (h *APIHandler) GetClassrooms(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	h.writeSummaries(c, s)
}

func (h *APIHandler) writeSummaries(c *gin.Context, s *session.Session) {
	sums, err := s.Summaries()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sums)
}

// GetClassroomStudents handles GET /api/sessions/:sid/classrooms/:classId/students
func (h *APIHandler) GetClassroomStudents(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	view, err := s.Classroom(c.Param("classId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func spotterQuery(c *gin.Context) views.SpotterQuery {
	return views.SpotterQuery{Search: c.Query("search"), Sort: views.ParseSortKey(c.Query("sort"))}
}

// GetRoster handles GET /api/sessions/:sid/roster?search=&sort=
func (h *APIHandler) GetRoster(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	rows, err := s.Spotter(spotterQuery(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

// ExportRoster handles GET /api/sessions/:sid/roster/export
func (h *APIHandler) ExportRoster(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	rows, err := s.Spotter(spotterQuery(c))
	if err != nil {
		respondError(c, err)
		return
	}
	var buf bytes.Buffer
	if err := views.WriteRosterExcel(&buf, s.Day(), rows); err != nil {
		respondError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=dismissal-%s.xlsx", s.Day()))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

// --- Write Handlers ---

type statusRequest struct {
	StudentID  string   `json:"studentId"`
	StudentIDs []string `json:"studentIds"`
	Status     string   `json:"status" binding:"required"`
	Actor      string   `json:"actor"`
}

// SetStatus handles POST /api/sessions/:sid/status
func (h *APIHandler) SetStatus(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	st, err := models.ParseStatus(req.Status)
	if err != nil {
		respondError(c, err)
		return
	}

	actor := actorOr(req.Actor, models.ActorSpotter)
	var res *session.WriteResult
	if len(req.StudentIDs) > 0 {
		res, err = s.SetStudentsStatus(c.Request.Context(), req.StudentIDs, st, actor)
	} else {
		res, err = s.SetSingleStatus(c.Request.Context(), req.StudentID, st, actor)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type toggleRequest struct {
	StudentID string `json:"studentId" binding:"required"`
	Actor     string `json:"actor"`
}

// ToggleStatus handles POST /api/sessions/:sid/status/toggle
func (h *APIHandler) ToggleStatus(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.ToggleStatus(c.Request.Context(), req.StudentID, actorOr(req.Actor, models.ActorSpotter))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type familyRequest struct {
	CarpoolNumber int    `json:"carpoolNumber" binding:"required"`
	Status        string `json:"status"`
	Actor         string `json:"actor"`
}

// FamilyCheckIn handles POST /api/sessions/:sid/checkin/family
func (h *APIHandler) FamilyCheckIn(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req familyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	st := models.StatusCalled
	if req.Status != "" {
		var err error
		if st, err = models.ParseStatus(req.Status); err != nil {
			respondError(c, err)
			return
		}
	}
	res, err := s.SetFamilyStatus(c.Request.Context(), req.CarpoolNumber, st, actorOr(req.Actor, models.ActorSpotter))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type parentRequest struct {
	CarpoolNumber int      `json:"carpoolNumber" binding:"required"`
	StudentIDs    []string `json:"studentIds"`
}

// ParentCheckIn handles POST /api/sessions/:sid/checkin/parent
func (h *APIHandler) ParentCheckIn(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req parentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.ParentCheckIn(c.Request.Context(), req.CarpoolNumber, req.StudentIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- Directory Handlers ---

// GetFamilyStudents handles GET /api/families/:carpool/students
func (h *APIHandler) GetFamilyStudents(c *gin.Context) {
	number, err := strconv.Atoi(c.Param("carpool"))
	if err != nil || number <= 0 {
		respondError(c, fmt.Errorf("%w: carpool number must be a positive integer", models.ErrValidationFailed))
		return
	}
	students, err := h.Families.LookupFamilyStudents(c.Request.Context(), number)
	if err != nil {
		respondError(c, err)
		return
	}
	if len(students) == 0 {
		respondError(c, fmt.Errorf("%w: no students for carpool %d", models.ErrUnknownEntity, number))
		return
	}
	c.JSON(http.StatusOK, students)
}

// ResetDay handles POST /api/admin/reset, clearing today's status rows.
func (h *APIHandler) ResetDay(c *gin.Context) {
	day, err := h.Today(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	removed, err := h.Admin.ClearStatusForDay(c.Request.Context(), day)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"day": day, "removed": removed})
}

// --- Ping Handler ---
func PingHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Pong!"})
}
