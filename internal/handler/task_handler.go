package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"marketpulse/internal/collector"
	"marketpulse/internal/model"
	"marketpulse/pkg/utils"
)

// TaskHandler handles collection task submission and status lookup
type TaskHandler struct {
	collector *collector.Collector
}

// NewTaskHandler creates a task handler
func NewTaskHandler(c *collector.Collector) *TaskHandler {
	return &TaskHandler{collector: c}
}

// SubmitTaskRequest submit task request
type SubmitTaskRequest struct {
	Kind       string   `json:"kind" binding:"required"`
	Query      string   `json:"query"`
	Location   string   `json:"location"`
	MinPrice   *float64 `json:"min_price"`
	MaxPrice   *float64 `json:"max_price"`
	ExternalID string   `json:"external_id"`
	Priority   int      `json:"priority"`
}

// SubmitTask handles POST /api/v1/tasks
func (h *TaskHandler) SubmitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request parameters")
		return
	}

	task := model.CollectionTask{
		TaskID:     uuid.NewString(),
		Kind:       model.TaskKind(req.Kind),
		Query:      req.Query,
		Location:   req.Location,
		MinPrice:   req.MinPrice,
		MaxPrice:   req.MaxPrice,
		ExternalID: req.ExternalID,
		Priority:   req.Priority,
		NotBefore:  time.Now(),
	}

	if err := h.collector.Submit(task); err != nil {
		switch {
		case errors.Is(err, collector.ErrInvalidTask):
			utils.ErrorResponse(c, http.StatusBadRequest, err.Error())
		case errors.Is(err, collector.ErrQueueFull):
			utils.ErrorResponse(c, http.StatusTooManyRequests, "Collection queue is full")
		default:
			utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to submit task")
		}
		return
	}

	utils.SuccessResponse(c, gin.H{
		"task_id": task.TaskID,
		"status":  model.TaskStatusQueued,
	})
}

// GetTaskStatus handles GET /api/v1/tasks/:id
func (h *TaskHandler) GetTaskStatus(c *gin.Context) {
	taskID := c.Param("id")

	status, err := h.collector.TaskStatus(taskID)
	if err != nil {
		utils.ErrorResponse(c, http.StatusNotFound, "Task not found")
		return
	}

	utils.SuccessResponse(c, gin.H{
		"task_id": taskID,
		"status":  status,
	})
}
