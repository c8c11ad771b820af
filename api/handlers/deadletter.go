package handlers

import (
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/geoflow/api"
	"github.com/BaSui01/geoflow/deadletter"
	"github.com/BaSui01/geoflow/types"
)

// =============================================================================
// ☠️ 死信队列 Handler
// =============================================================================

// DeadLetterHandler 死信队列分诊处理器
type DeadLetterHandler struct {
	svc    *deadletter.Service
	logger *zap.Logger
}

// NewDeadLetterHandler 创建死信处理器
func NewDeadLetterHandler(svc *deadletter.Service, logger *zap.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{svc: svc, logger: logger}
}

// HandleList 处理 GET /api/v1/deadletters（按条件筛选条目）
// @Summary 列出死信条目
// @Description 支持 status、workflow_id、category、node_type、fingerprint、limit、offset 查询参数
// @Tags 死信
// @Produce json
// @Success 200 {object} Response "条目列表"
// @Router /api/v1/deadletters [get]
func (h *DeadLetterHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := deadletter.Filter{
		Status:      deadletter.EntryStatus(q.Get("status")),
		WorkflowID:  q.Get("workflow_id"),
		Category:    types.ErrorCategory(q.Get("category")),
		NodeType:    q.Get("node_type"),
		Fingerprint: q.Get("fingerprint"),
		Limit:       QueryInt(r, "limit", 50),
		Offset:      QueryInt(r, "offset", 0),
	}

	entries, err := h.svc.List(r.Context(), filter)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, entries)
}

// HandleGet 处理 GET /api/v1/deadletters/{id}
// @Summary 获取死信条目
// @Tags 死信
// @Produce json
// @Success 200 {object} Response "完整条目"
// @Failure 404 {object} Response "条目不存在"
// @Router /api/v1/deadletters/{id} [get]
func (h *DeadLetterHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	entry, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, entry)
}

// HandleStats 处理 GET /api/v1/deadletters/stats
// @Summary 死信队列统计
// @Description 按状态、错误类别、节点类型聚合计数
// @Tags 死信
// @Produce json
// @Success 200 {object} Response "聚合统计"
// @Router /api/v1/deadletters/stats [get]
func (h *DeadLetterHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, stats)
}

// HandleRetry 处理 POST /api/v1/deadletters/{id}/retry（同步重试）
// @Summary 重试死信条目
// @Description 阻塞直到重试运行终态；成功的重试将条目置为 resolved
// @Tags 死信
// @Accept json
// @Produce json
// @Success 200 {object} Response "重试运行终态"
// @Failure 404 {object} Response "条目不存在"
// @Failure 409 {object} Response "当前状态不允许重试"
// @Router /api/v1/deadletters/{id}/retry [post]
func (h *DeadLetterHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	req := api.RetryRequest{Point: deadletter.RetryFromFailedNode}
	if r.ContentLength > 0 {
		if !DecodeJSONBody(w, r, &req) {
			return
		}
		if req.Point == "" {
			req.Point = deadletter.RetryFromFailedNode
		}
	}

	run, err := h.svc.Retry(r.Context(), id, req.Point, req.Overrides)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}

// HandleBulkRetry 处理 POST /api/v1/deadletters/retry
// @Summary 批量重试死信条目
// @Description 顺序重试每个条目，逐条上报结果
// @Tags 死信
// @Accept json
// @Produce json
// @Success 200 {object} Response "逐条结果"
// @Router /api/v1/deadletters/retry [post]
func (h *DeadLetterHandler) HandleBulkRetry(w http.ResponseWriter, r *http.Request) {
	var req api.BulkRetryRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "ids must not be empty")
		return
	}
	if req.Point == "" {
		req.Point = deadletter.RetryFromFailedNode
	}

	results := h.svc.BulkRetry(r.Context(), req.IDs, req.Point)

	out := make([]api.BulkRetryResult, 0, len(results))
	for id, err := range results {
		item := api.BulkRetryResult{ID: id, OK: err == nil}
		if err != nil {
			item.Error = err.Error()
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	WriteSuccess(w, out)
}

// HandleAssign 处理 POST /api/v1/deadletters/{id}/assign
// @Summary 指派死信条目
// @Description 将条目转入 investigating 并记录负责人
// @Tags 死信
// @Accept json
// @Produce json
// @Success 200 {object} Response "更新后的条目"
// @Failure 409 {object} Response "当前状态不允许指派"
// @Router /api/v1/deadletters/{id}/assign [post]
func (h *DeadLetterHandler) HandleAssign(w http.ResponseWriter, r *http.Request) {
	var req api.AssignRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}
	if req.Assignee == "" {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "assignee is required")
		return
	}

	entry, err := h.svc.Assign(r.Context(), r.PathValue("id"), req.Assignee)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, entry)
}

// HandleResolve 处理 POST /api/v1/deadletters/{id}/resolve
// @Summary 人工解决死信条目
// @Tags 死信
// @Accept json
// @Produce json
// @Success 200 {object} Response "更新后的条目"
// @Failure 409 {object} Response "当前状态不允许解决"
// @Router /api/v1/deadletters/{id}/resolve [post]
func (h *DeadLetterHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	h.close(w, r, func(id, note string) (*deadletter.FailedWorkflow, error) {
		return h.svc.Resolve(r.Context(), id, note)
	})
}

// HandleAbandon 处理 POST /api/v1/deadletters/{id}/abandon
// @Summary 放弃死信条目
// @Tags 死信
// @Accept json
// @Produce json
// @Success 200 {object} Response "更新后的条目"
// @Failure 409 {object} Response "当前状态不允许放弃"
// @Router /api/v1/deadletters/{id}/abandon [post]
func (h *DeadLetterHandler) HandleAbandon(w http.ResponseWriter, r *http.Request) {
	h.close(w, r, func(id, note string) (*deadletter.FailedWorkflow, error) {
		return h.svc.Abandon(r.Context(), id, note)
	})
}

func (h *DeadLetterHandler) close(w http.ResponseWriter, r *http.Request, fn func(id, note string) (*deadletter.FailedWorkflow, error)) {
	var req api.CloseRequest
	if r.ContentLength > 0 {
		if !DecodeJSONBody(w, r, &req) {
			return
		}
	}

	entry, err := fn(r.PathValue("id"), req.Note)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, entry)
}
