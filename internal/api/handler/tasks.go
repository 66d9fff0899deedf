package handler

import (
	"errors"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/credit_ledger_server/internal/pkg/response"
	"github.com/qs3c/credit_ledger_server/internal/service"
)

// TasksHandler 派发方登记任务的钩子，挂在运维令牌之后
type TasksHandler struct {
	settlement *service.SettlementService
}

func NewTasksHandler(settlement *service.SettlementService) *TasksHandler {
	return &TasksHandler{
		settlement: settlement,
	}
}

// Open 登记已派发的任务
// POST /api/v1/tasks
func (h *TasksHandler) Open(c *gin.Context) {
	var in service.OpenTaskInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	task, err := h.settlement.OpenTask(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err, in.TaskID)
		return
	}

	response.Success(c, task)
}

// MarkRunning 服务商已受理
// POST /api/v1/tasks/:id/running
func (h *TasksHandler) MarkRunning(c *gin.Context) {
	taskID := c.Param("id")

	task, err := h.settlement.MarkRunning(c.Request.Context(), taskID)
	if err != nil {
		h.fail(c, err, taskID)
		return
	}

	response.Success(c, task)
}

func (h *TasksHandler) fail(c *gin.Context, err error, taskID string) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrTaskNotFound):
		response.NotFoundError(c, "任务不存在")
	case errors.Is(err, service.ErrIllegalTransition):
		response.IllegalStateError(c, err.Error())
	default:
		slog.Error("task hook failed", "task_id", taskID, "error", err)
		response.ServerError(c, "")
	}
}
