package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/geoflow/api"
	"github.com/BaSui01/geoflow/engine"
	"github.com/BaSui01/geoflow/types"
)

// =============================================================================
// 🗂️ 工作流定义 Handler
// =============================================================================

// DefinitionStore 工作流定义存储接口
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def *types.WorkflowDefinition) error
	GetDefinition(ctx context.Context, workflowID string, version int) (*types.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*types.WorkflowDefinition, error)
}

// WorkflowRunner 工作流执行接口（由 *engine.Engine 实现）
type WorkflowRunner interface {
	Run(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowRun, error)
}

// WorkflowHandler 工作流定义与执行处理器
type WorkflowHandler struct {
	defs     DefinitionStore
	runner   WorkflowRunner
	registry *engine.Registry
	logger   *zap.Logger
}

// NewWorkflowHandler 创建工作流处理器
func NewWorkflowHandler(defs DefinitionStore, runner WorkflowRunner, registry *engine.Registry, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{defs: defs, runner: runner, registry: registry, logger: logger}
}

// HandleSave 处理 POST /api/v1/workflows（发布新定义版本）
// @Summary 发布工作流定义
// @Description 校验图结构与节点类型后持久化，同一 ID+版本不可覆盖
// @Tags 工作流
// @Accept json
// @Produce json
// @Success 201 {object} Response "已发布"
// @Failure 400 {object} Response "图结构或节点类型非法"
// @Failure 409 {object} Response "版本已存在"
// @Router /api/v1/workflows [post]
func (h *WorkflowHandler) HandleSave(w http.ResponseWriter, r *http.Request) {
	var def types.WorkflowDefinition
	if !DecodeJSONBody(w, r, &def) {
		return
	}

	// 持久化之前完成全部校验，坏定义永远不落库
	if _, err := engine.Analyze(&def); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if h.registry != nil {
		if err := h.registry.ValidateDefinition(&def); err != nil {
			WriteError(w, err, h.logger)
			return
		}
	}

	if err := h.defs.SaveDefinition(r.Context(), &def); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("workflow definition published",
		zap.String("workflow_id", def.ID),
		zap.Int("version", def.Version),
		zap.Int("nodes", len(def.Nodes)))
	WriteJSON(w, http.StatusCreated, Response{
		Success:   true,
		Data:      api.NewWorkflowSummary(&def),
		Timestamp: time.Now(),
	})
}

// HandleList 处理 GET /api/v1/workflows（列出全部定义的最新版本）
// @Summary 列出工作流定义
// @Tags 工作流
// @Produce json
// @Success 200 {object} Response "定义列表"
// @Router /api/v1/workflows [get]
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	defs, err := h.defs.ListDefinitions(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	out := make([]api.WorkflowSummary, 0, len(defs))
	for _, def := range defs {
		out = append(out, api.NewWorkflowSummary(def))
	}
	WriteSuccess(w, out)
}

// HandleGet 处理 GET /api/v1/workflows/{id}（获取完整定义）
// @Summary 获取工作流定义
// @Description 通过 version 查询参数选择版本，缺省为最新
// @Tags 工作流
// @Produce json
// @Success 200 {object} Response "完整定义"
// @Failure 404 {object} Response "定义不存在"
// @Router /api/v1/workflows/{id} [get]
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	version := QueryInt(r, "version", 0)

	def, err := h.defs.GetDefinition(r.Context(), id, version)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, def)
}

// HandleRun 处理 POST /api/v1/workflows/{id}/run（同步执行工作流）
// @Summary 执行工作流
// @Description 阻塞直到运行终态；运行期间可通过 /runs/{id}/cancel 取消
// @Tags 工作流
// @Accept json
// @Produce json
// @Success 200 {object} Response "终态运行"
// @Failure 404 {object} Response "定义不存在"
// @Router /api/v1/workflows/{id}/run [post]
func (h *WorkflowHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req api.RunRequest
	if r.ContentLength > 0 {
		if !DecodeJSONBody(w, r, &req) {
			return
		}
	}

	def, err := h.defs.GetDefinition(r.Context(), id, req.Version)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	// 失败的运行不是传输错误：照常返回终态运行，细节在节点状态里
	run, err := h.runner.Run(r.Context(), def)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}
