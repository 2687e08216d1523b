package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/gridworks/sheet-enricher/internal/auth"
	"github.com/gridworks/sheet-enricher/internal/broadcast"
	"github.com/gridworks/sheet-enricher/internal/cells"
	"github.com/gridworks/sheet-enricher/internal/metrics"
	"github.com/gridworks/sheet-enricher/internal/models"
)

var handlerTracer = otel.Tracer("gateway-handler")

// EventQueue is the slice of the event store the gateway needs.
type EventQueue interface {
	Enqueue(ctx context.Context, documentID uuid.UUID, eventType string, payload json.RawMessage) (models.Event, error)
	ListPending(ctx context.Context, documentID uuid.UUID) ([]models.Event, error)
}

// DocumentStore exposes document lookup, ownership and grid reads.
type DocumentStore interface {
	GetDocument(ctx context.Context, id uuid.UUID) (models.Document, error)
	IsOwner(ctx context.Context, documentID, userID uuid.UUID) (bool, error)
	ReadGrid(ctx context.Context, documentID uuid.UUID) (models.Grid, error)
}

// ProcessRunner triggers an on-demand processing pass.
type ProcessRunner interface {
	RunOnce(ctx context.Context) (int, error)
}

// Broadcaster is the hub surface the gateway uses to serve status streams.
type Broadcaster interface {
	Subscribe(documentID uuid.UUID) *broadcast.Subscription
	Unsubscribe(sub *broadcast.Subscription)
	Snapshot(ctx context.Context, documentID uuid.UUID) (models.StreamMessage, error)
	PublishStatus(ctx context.Context, documentID uuid.UUID)
}

// Handler handles HTTP requests for the gateway layer
type Handler struct {
	queue        EventQueue
	documents    DocumentStore
	runner       ProcessRunner
	hub          Broadcaster
	eventMetrics *metrics.EventMetrics
	jwtManager   *auth.JWTManager
	pool         *pgxpool.Pool
	tracer       trace.Tracer
}

// NewHandler creates a new gateway handler
func NewHandler(queue EventQueue, documents DocumentStore, runner ProcessRunner, hub Broadcaster, eventMetrics *metrics.EventMetrics, jwtManager *auth.JWTManager, pool *pgxpool.Pool) *Handler {
	return &Handler{
		queue:        queue,
		documents:    documents,
		runner:       runner,
		hub:          hub,
		eventMetrics: eventMetrics,
		jwtManager:   jwtManager,
		pool:         pool,
		tracer:       handlerTracer,
	}
}

// LoginRequest represents a login request
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents a login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login godoc
// @Summary User login
// @Description Authenticate user and return JWT token
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login credentials"
// @Success 200 {object} LoginResponse
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /auth/login [post]
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	// Lookup user in database
	var userID string
	var hashedPassword string
	err := h.pool.QueryRow(c.Request.Context(),
		`SELECT id, hashed_password FROM users WHERE email = $1`,
		req.Email,
	).Scan(&userID, &hashedPassword)

	if err != nil {
		log.Printf(`{"level":"warn","message":"User not found","email":"%s"}`, req.Email)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		return
	}

	// Verify password using bcrypt
	if err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(req.Password)); err != nil {
		log.Printf(`{"level":"warn","message":"Invalid password","email":"%s"}`, req.Email)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		return
	}

	// Generate JWT token
	token, err := h.jwtManager.GenerateToken(
		c.Request.Context(),
		userID,
		req.Email,
		[]string{"user"},
		24*time.Hour,
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		Token:  token,
		UserID: userID,
	})
}

// Me godoc
// @Summary Current user profile
// @Description Return the authenticated user's profile
// @Tags auth
// @Produce json
// @Success 200 {object} models.UserInfo
// @Failure 401 {object} map[string]string
// @Security BearerAuth
// @Router /me [get]
func (h *Handler) Me(c *gin.Context) {
	userIDVal, exists := c.Get(auth.UserIDKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var user models.User
	err := h.pool.QueryRow(c.Request.Context(),
		`SELECT id, name, email, hashed_password, created_at FROM users WHERE id = $1`,
		userIDVal.(string),
	).Scan(&user.ID, &user.Name, &user.Email, &user.HashedPassword, &user.CreatedAt)
	if err != nil {
		c.JSON(http.StatusNotFound, models.NewErrorResponse(models.ErrCodeNotFound, "User not found"))
		return
	}

	c.JSON(http.StatusOK, user.ToUserInfo())
}

// CreateEventRequest represents a cell update submission
type CreateEventRequest struct {
	EventType string                   `json:"event_type" binding:"required"`
	Payload   models.CellUpdatePayload `json:"payload" binding:"required"`
}

// CreateEventResponse represents a newly enqueued event
type CreateEventResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateEvent godoc
// @Summary Submit a cell update event
// @Description Enqueue a cell update event for background enrichment
// @Tags events
// @Accept json
// @Produce json
// @Param id path string true "Document ID"
// @Param request body CreateEventRequest true "Event details"
// @Success 201 {object} CreateEventResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /documents/{id}/events [post]
func (h *Handler) CreateEvent(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "gateway.create_event")
	defer span.End()

	documentID, ok := h.authorizedDocument(c, ctx, span)
	if !ok {
		return
	}

	var req CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(models.ErrCodeValidationFailed, "Invalid request body"))
		return
	}

	if req.EventType != models.EventTypeCellUpdate {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(models.ErrCodeUnsupportedEvent, "Unsupported event type: "+req.EventType))
		return
	}

	if req.Payload.RowIndex < 0 || req.Payload.ColIndex < 0 {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(models.ErrCodeValidationFailed, "Cell coordinates must be non-negative"))
		return
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(models.ErrCodeValidationFailed, "Invalid payload"))
		return
	}

	event, err := h.queue.Enqueue(ctx, documentID, req.EventType, payload)
	if err != nil {
		span.RecordError(err)
		log.Printf(`{"level":"error","message":"Failed to enqueue event","error":"%v","document_id":"%s"}`, err, documentID)
		c.JSON(http.StatusInternalServerError, models.NewErrorResponse(models.ErrCodeInternalError, "Failed to enqueue event"))
		return
	}

	span.SetAttributes(
		attribute.String("event.id", event.ID.String()),
		attribute.String("document.id", documentID.String()),
	)

	if h.eventMetrics != nil {
		h.eventMetrics.RecordEventEnqueued(ctx, documentID.String(), event.EventType)
	}

	// Let stream subscribers see the new pending event immediately
	h.hub.PublishStatus(ctx, documentID)

	c.JSON(http.StatusCreated, CreateEventResponse{
		ID:        event.ID.String(),
		Status:    string(event.Status),
		CreatedAt: event.CreatedAt,
	})
}

// ProcessEventsResponse reports how many events a processing pass handled
type ProcessEventsResponse struct {
	ProcessedCount int `json:"processed_count"`
}

// ProcessEvents godoc
// @Summary Process pending events now
// @Description Run one on-demand processing pass over claimable events
// @Tags events
// @Produce json
// @Param id path string true "Document ID"
// @Success 200 {object} ProcessEventsResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /documents/{id}/events/process [post]
func (h *Handler) ProcessEvents(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "gateway.process_events")
	defer span.End()

	if _, ok := h.authorizedDocument(c, ctx, span); !ok {
		return
	}

	processed, err := h.runner.RunOnce(ctx)
	if err != nil {
		span.RecordError(err)
		log.Printf(`{"level":"error","message":"On-demand processing failed","error":"%v"}`, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":           "Event processing failed",
			"processed_count": 0,
		})
		return
	}

	span.SetAttributes(attribute.Int("events.processed", processed))
	c.JSON(http.StatusOK, ProcessEventsResponse{ProcessedCount: processed})
}

// ListEventsResponse wraps the outstanding-event snapshot for a document
type ListEventsResponse struct {
	Events []models.EventSummary `json:"events"`
}

// ListEvents godoc
// @Summary List outstanding events
// @Description Snapshot of pending, processing and failed events for a document
// @Tags events
// @Produce json
// @Param id path string true "Document ID"
// @Success 200 {object} ListEventsResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /documents/{id}/events [get]
func (h *Handler) ListEvents(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "gateway.list_events")
	defer span.End()

	documentID, ok := h.authorizedDocument(c, ctx, span)
	if !ok {
		return
	}

	events, err := h.queue.ListPending(ctx, documentID)
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, models.NewErrorResponse(models.ErrCodeInternalError, "Failed to list events"))
		return
	}

	c.JSON(http.StatusOK, ListEventsResponse{Events: models.SummarizeEvents(events)})
}

// Export godoc
// @Summary Export document contents
// @Description Export the document as structured grid JSON or a CSV attachment
// @Tags documents
// @Produce json
// @Produce text/csv
// @Param id path string true "Document ID"
// @Param format query string false "Export format: grid or csv" default(grid)
// @Success 200 {object} models.Grid
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /documents/{id}/export [get]
func (h *Handler) Export(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "gateway.export")
	defer span.End()

	documentID, ok := h.authorizedDocument(c, ctx, span)
	if !ok {
		return
	}

	format := c.DefaultQuery("format", "grid")
	span.SetAttributes(attribute.String("export.format", format))

	switch format {
	case "grid":
		grid, err := h.documents.ReadGrid(ctx, documentID)
		if err != nil {
			span.RecordError(err)
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse(models.ErrCodeInternalError, "Failed to read document grid"))
			return
		}
		c.JSON(http.StatusOK, grid)

	case "csv":
		doc, err := h.documents.GetDocument(ctx, documentID)
		if err != nil {
			span.RecordError(err)
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse(models.ErrCodeInternalError, "Failed to load document"))
			return
		}

		grid, err := h.documents.ReadGrid(ctx, documentID)
		if err != nil {
			span.RecordError(err)
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse(models.ErrCodeInternalError, "Failed to read document grid"))
			return
		}

		csvText, err := cells.DelimitedText(grid)
		if err != nil {
			span.RecordError(err)
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse(models.ErrCodeInternalError, "Failed to render CSV"))
			return
		}

		c.Header("Content-Disposition", `attachment; filename="`+cells.ExportFilename(doc.Title)+`"`)
		c.Data(http.StatusOK, "text/csv; charset=utf-8", []byte(csvText))

	default:
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(models.ErrCodeUnsupportedFormat, "Unsupported export format: "+format))
	}
}

// authorizedDocument parses the document ID from the path and verifies the
// authenticated user owns it. It writes the error response itself.
func (h *Handler) authorizedDocument(c *gin.Context, ctx context.Context, span trace.Span) (uuid.UUID, bool) {
	documentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(models.ErrCodeValidationFailed, "Invalid document ID"))
		return uuid.Nil, false
	}

	userIDVal, exists := c.Get(auth.UserIDKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDVal.(string))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid user ID"})
		return uuid.Nil, false
	}

	owner, err := h.documents.IsOwner(ctx, documentID, userID)
	if err != nil {
		if errors.Is(err, cells.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, models.NewErrorResponse(models.ErrCodeDocumentNotFound, "Document not found"))
			return uuid.Nil, false
		}
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, models.NewErrorResponse(models.ErrCodeInternalError, "Failed to verify document access"))
		return uuid.Nil, false
	}
	if !owner {
		// Do not reveal whether the document exists
		c.JSON(http.StatusNotFound, models.NewErrorResponse(models.ErrCodeDocumentNotFound, "Document not found"))
		return uuid.Nil, false
	}

	return documentID, true
}
