package handlers

import (
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/geoflow/api"
	"github.com/BaSui01/geoflow/engine"
)

// =============================================================================
// ⚡ 熔断器 Handler
// =============================================================================

// BreakerHandler 熔断器观测与重置处理器
type BreakerHandler struct {
	breakers *engine.BreakerRegistry
	logger   *zap.Logger
}

// NewBreakerHandler 创建熔断器处理器
func NewBreakerHandler(breakers *engine.BreakerRegistry, logger *zap.Logger) *BreakerHandler {
	return &BreakerHandler{breakers: breakers, logger: logger}
}

// HandleList 处理 GET /api/v1/breakers（全部熔断器状态）
// @Summary 列出熔断器状态
// @Tags 熔断器
// @Produce json
// @Success 200 {object} Response "熔断器快照列表"
// @Router /api/v1/breakers [get]
func (h *BreakerHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	snaps := h.breakers.Snapshots()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].NodeType < snaps[j].NodeType })
	WriteSuccess(w, snaps)
}

// HandleGet 处理 GET /api/v1/breakers/{node_type}
// @Summary 获取单个熔断器状态
// @Tags 熔断器
// @Produce json
// @Success 200 {object} Response "熔断器快照"
// @Failure 404 {object} Response "节点类型无熔断记录"
// @Router /api/v1/breakers/{node_type} [get]
func (h *BreakerHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	nodeType := r.PathValue("node_type")
	snap, ok := h.breakers.Snapshot(nodeType)
	if !ok {
		WriteErrorMessage(w, http.StatusNotFound, "NOT_FOUND", "no breaker state for node type "+nodeType)
		return
	}
	WriteSuccess(w, snap)
}

// HandleReset 处理 POST /api/v1/breakers/reset（人工合闸）
// @Summary 重置熔断器
// @Description node_type 为空时重置全部熔断器
// @Tags 熔断器
// @Accept json
// @Produce json
// @Success 200 {object} Response "重置完成"
// @Failure 404 {object} Response "节点类型无熔断记录"
// @Router /api/v1/breakers/reset [post]
func (h *BreakerHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	var req api.BreakerResetRequest
	if r.ContentLength > 0 {
		if !DecodeJSONBody(w, r, &req) {
			return
		}
	}

	if req.NodeType == "" {
		h.breakers.ResetAll()
		h.logger.Info("all circuit breakers reset")
		WriteJSON(w, http.StatusOK, Response{Success: true, Timestamp: time.Now()})
		return
	}

	if !h.breakers.Reset(req.NodeType) {
		WriteErrorMessage(w, http.StatusNotFound, "NOT_FOUND", "no breaker state for node type "+req.NodeType)
		return
	}
	h.logger.Info("circuit breaker reset", zap.String("node_type", req.NodeType))
	WriteJSON(w, http.StatusOK, Response{Success: true, Timestamp: time.Now()})
}
