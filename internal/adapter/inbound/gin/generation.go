package gin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imagegen/server/internal/domain/generation"
	"github.com/imagegen/server/internal/model"
	apperrors "github.com/imagegen/server/internal/shared/errors"
)

// TaskService is the part of the orchestrator exposed over HTTP.
type TaskService interface {
	Submit(ctx context.Context, accountID uuid.UUID, req *generation.Request) (*generation.Task, error)
	GetTask(ctx context.Context, accountID, taskID uuid.UUID) (*generation.Task, error)
	ListTasks(ctx context.Context, accountID uuid.UUID, limit int) ([]*generation.Task, error)
	Cancel(ctx context.Context, accountID, taskID uuid.UUID) (*generation.Task, error)
}

// GenerationHandler handles image generation HTTP requests.
type GenerationHandler struct {
	tasks    TaskService
	accounts AccountOpener
	logger   *zap.Logger
}

// NewGenerationHandler creates a new generation handler.
func NewGenerationHandler(tasks TaskService, accounts AccountOpener, logger *zap.Logger) *GenerationHandler {
	return &GenerationHandler{
		tasks:    tasks,
		accounts: accounts,
		logger:   logger.Named("generation_http"),
	}
}

// RegisterRoutes registers generation routes. submitMiddleware runs only on submission.
func (h *GenerationHandler) RegisterRoutes(r *gin.RouterGroup, submitMiddleware ...gin.HandlerFunc) {
	generations := r.Group("/generations")
	{
		generations.POST("", append(submitMiddleware, h.Submit)...)
		generations.GET("", h.ListTasks)
		generations.GET("/:id", h.GetTask)
		generations.DELETE("/:id", h.Cancel)
	}
}

type submitRequest struct {
	Prompt    string `json:"prompt" binding:"required,max=4000"`
	Model     string `json:"model" binding:"max=100"`
	Size      string `json:"size" binding:"max=32"`
	Count     int    `json:"n" binding:"min=0"`
	Reference string `json:"reference" binding:"omitempty,url"`
}

// TaskResponse is the JSON view of a generation task.
type TaskResponse struct {
	ID              uuid.UUID  `json:"id"`
	State           string     `json:"state"`
	Prompt          string     `json:"prompt"`
	Model           string     `json:"model"`
	Size            string     `json:"size"`
	Count           int        `json:"n"`
	Progress        float64    `json:"progress"`
	ResultURLs      []string   `json:"result_urls"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreditsReserved int64      `json:"credits_reserved"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func toTaskResponse(t *generation.Task) *TaskResponse {
	urls := t.ResultURLs()
	if urls == nil {
		urls = []string{}
	}
	return &TaskResponse{
		ID:              t.ID(),
		State:           t.State().String(),
		Prompt:          t.Prompt(),
		Model:           t.Model(),
		Size:            t.Size(),
		Count:           t.Count(),
		Progress:        t.Progress(),
		ResultURLs:      urls,
		FailureReason:   string(t.FailureReason()),
		Error:           t.ErrorMessage(),
		CreditsReserved: t.CreditsReserved(),
		CreatedAt:       t.CreatedAt(),
		UpdatedAt:       t.UpdatedAt(),
		CompletedAt:     t.CompletedAt(),
	}
}

// Submit handles POST /v1/generations.
func (h *GenerationHandler) Submit(c *gin.Context) {
	accountID, err := accountIDFromContext(c)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, h.logger, apperrors.ValidationError(err.Error()))
		return
	}

	ctx := c.Request.Context()
	var task *generation.Task
	err = withOpenAccount(ctx, h.accounts, accountID, func() error {
		var err error
		task, err = h.tasks.Submit(ctx, accountID, &generation.Request{
			Prompt:    req.Prompt,
			Model:     req.Model,
			Size:      req.Size,
			Count:     req.Count,
			Reference: req.Reference,
		})
		return err
	})
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusAccepted, toTaskResponse(task))
}

// GetTask handles GET /v1/generations/:id.
func (h *GenerationHandler) GetTask(c *gin.Context) {
	accountID, err := accountIDFromContext(c)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	taskID, err := parseIDParam(c, "id")
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	task, err := h.tasks.GetTask(c.Request.Context(), accountID, taskID)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, toTaskResponse(task))
}

// ListTasks handles GET /v1/generations.
func (h *GenerationHandler) ListTasks(c *gin.Context) {
	accountID, err := accountIDFromContext(c)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	limit, err := parseLimit(c)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	tasks, err := h.tasks.ListTasks(c.Request.Context(), accountID, limit)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	out := make([]*TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResponse(t))
	}
	c.JSON(http.StatusOK, model.NewListResponse(out))
}

// Cancel handles DELETE /v1/generations/:id.
func (h *GenerationHandler) Cancel(c *gin.Context) {
	accountID, err := accountIDFromContext(c)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	taskID, err := parseIDParam(c, "id")
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	task, err := h.tasks.Cancel(c.Request.Context(), accountID, taskID)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, toTaskResponse(task))
}
