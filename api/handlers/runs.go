package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/geoflow/api"
	"github.com/BaSui01/geoflow/store"
	"github.com/BaSui01/geoflow/types"
)

// =============================================================================
// 🏃 运行查询 Handler
// =============================================================================

// RunStore 运行历史读取接口
type RunStore interface {
	GetRun(ctx context.Context, runID string) (*types.WorkflowRun, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*types.WorkflowRun, error)
}

// RunCanceller 在途运行取消接口（由 *engine.Engine 实现）
type RunCanceller interface {
	CancelRun(runID string) bool
}

// RunsHandler 运行查询与取消处理器
type RunsHandler struct {
	runs      RunStore
	canceller RunCanceller
	logger    *zap.Logger
}

// NewRunsHandler 创建运行处理器
func NewRunsHandler(runs RunStore, canceller RunCanceller, logger *zap.Logger) *RunsHandler {
	return &RunsHandler{runs: runs, canceller: canceller, logger: logger}
}

// HandleList 处理 GET /api/v1/runs（按时间倒序列出运行）
// @Summary 列出运行
// @Description 支持 workflow_id、status、limit、offset 查询参数
// @Tags 运行
// @Produce json
// @Success 200 {object} Response "运行摘要列表"
// @Router /api/v1/runs [get]
func (h *RunsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Status:     types.RunStatus(r.URL.Query().Get("status")),
		Limit:      QueryInt(r, "limit", 50),
		Offset:     QueryInt(r, "offset", 0),
	}

	runs, err := h.runs.ListRuns(r.Context(), filter)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	out := make([]api.RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, api.NewRunSummary(run))
	}
	WriteSuccess(w, out)
}

// HandleGet 处理 GET /api/v1/runs/{id}（完整运行状态，含节点错误）
// @Summary 获取运行
// @Tags 运行
// @Produce json
// @Success 200 {object} Response "完整运行状态"
// @Failure 404 {object} Response "运行不存在"
// @Router /api/v1/runs/{id} [get]
func (h *RunsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}

// HandleCancel 处理 POST /api/v1/runs/{id}/cancel（取消在途运行）
// @Summary 取消运行
// @Description 只能取消仍在执行的运行，终态运行返回 404
// @Tags 运行
// @Produce json
// @Success 202 {object} Response "取消已下发"
// @Failure 404 {object} Response "没有对应的在途运行"
// @Router /api/v1/runs/{id}/cancel [post]
func (h *RunsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.canceller.CancelRun(id) {
		WriteErrorMessage(w, http.StatusNotFound, "NOT_FOUND", "no active run with id "+id)
		return
	}
	h.logger.Info("run cancellation requested", zap.String("run_id", id))
	WriteJSON(w, http.StatusAccepted, Response{Success: true, Timestamp: time.Now()})
}
