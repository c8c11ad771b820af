package api

import (
	"time"

	"github.com/BaSui01/geoflow/deadletter"
	"github.com/BaSui01/geoflow/types"
)

// =============================================================================
// 工作流类型
// =============================================================================

// RunRequest 表示触发工作流执行的请求。
// @Description 工作流执行请求结构
type RunRequest struct {
	// 要执行的定义版本（0 = 最新版本）
	Version int `json:"version,omitempty" example:"2"`
}

// RunSummary 表示运行列表中的单条记录。
// @Description 运行摘要结构
type RunSummary struct {
	// 运行 ID
	ID string `json:"id" example:"0d9f6f2a-1b3c-4e5d-8a7b-9c0d1e2f3a4b"`
	// 工作流 ID
	WorkflowID string `json:"workflow_id" example:"city-import"`
	// 定义版本
	WorkflowVersion int `json:"workflow_version" example:"2"`
	// 运行状态（pending、running、succeeded、failed、partially_failed、cancelled）
	Status types.RunStatus `json:"status" example:"succeeded"`
	// 开始时间
	StartedAt time.Time `json:"started_at"`
	// 完成时间（终态时设置）
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// 失败节点数
	FailedNodes int `json:"failed_nodes" example:"0"`
	// 重试来源运行 ID
	RetryOfRunID string `json:"retry_of_run_id,omitempty"`
}

// NewRunSummary 从完整运行状态构建摘要。
func NewRunSummary(run *types.WorkflowRun) RunSummary {
	return RunSummary{
		ID:              run.ID,
		WorkflowID:      run.WorkflowID,
		WorkflowVersion: run.WorkflowVersion,
		Status:          run.Status,
		StartedAt:       run.StartedAt,
		CompletedAt:     run.CompletedAt,
		FailedNodes:     len(run.FailedNodeIDs()),
		RetryOfRunID:    run.RetryOfRunID,
	}
}

// WorkflowSummary 表示工作流定义列表中的单条记录。
// @Description 工作流摘要结构
type WorkflowSummary struct {
	// 工作流 ID
	ID string `json:"id" example:"city-import"`
	// 工作流名称
	Name string `json:"name" example:"City feature import"`
	// 最新版本号
	Version int `json:"version" example:"2"`
	// 节点数量
	Nodes int `json:"nodes" example:"4"`
	// 失败后是否继续执行独立分支
	ContinueOnError bool `json:"continue_on_error" example:"false"`
}

// NewWorkflowSummary 从完整定义构建摘要。
func NewWorkflowSummary(def *types.WorkflowDefinition) WorkflowSummary {
	return WorkflowSummary{
		ID:              def.ID,
		Name:            def.Name,
		Version:         def.Version,
		Nodes:           len(def.Nodes),
		ContinueOnError: def.ContinueOnError,
	}
}

// =============================================================================
// 死信队列类型
// =============================================================================

// RetryRequest 表示死信条目重试请求。
// @Description 死信重试请求结构
type RetryRequest struct {
	// 重试起点（beginning 或 failed_node，默认 failed_node）
	Point deadletter.RetryPoint `json:"point,omitempty" example:"failed_node"`
	// 按节点 ID 覆盖的参数补丁
	Overrides map[string]map[string]any `json:"overrides,omitempty"`
}

// BulkRetryRequest 表示批量重试请求。
// @Description 批量重试请求结构
type BulkRetryRequest struct {
	// 待重试的条目 ID 列表
	IDs []string `json:"ids" binding:"required"`
	// 重试起点（beginning 或 failed_node，默认 failed_node）
	Point deadletter.RetryPoint `json:"point,omitempty" example:"failed_node"`
}

// BulkRetryResult 表示批量重试的单条结果。
// @Description 批量重试结果结构
type BulkRetryResult struct {
	// 条目 ID
	ID string `json:"id"`
	// 是否成功启动并完成重试
	OK bool `json:"ok"`
	// 失败原因
	Error string `json:"error,omitempty"`
}

// AssignRequest 表示条目指派请求。
// @Description 指派请求结构
type AssignRequest struct {
	// 负责人
	Assignee string `json:"assignee" binding:"required" example:"mika"`
}

// CloseRequest 表示条目人工关闭请求（解决或放弃）。
// @Description 关闭请求结构
type CloseRequest struct {
	// 处理备注
	Note string `json:"note,omitempty" example:"upstream WFS schema fixed"`
}

// =============================================================================
// 熔断器类型
// =============================================================================

// BreakerResetRequest 表示熔断器重置请求。
// @Description 熔断器重置请求结构
type BreakerResetRequest struct {
	// 节点类型（为空时重置全部）
	NodeType string `json:"node_type,omitempty" example:"http.source"`
}
