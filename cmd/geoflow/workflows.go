package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/geoflow/engine"
	"github.com/BaSui01/geoflow/store"
	"github.com/BaSui01/geoflow/types"
)

// =============================================================================
// 📂 启动工作流定义加载
// =============================================================================

// loadWorkflowDir 把目录下的 YAML 工作流定义发布到存储。
// 坏定义直接让启动失败，配置错误越早暴露越好；已存在的版本跳过，
// 同一目录重复启动是幂等的。
func loadWorkflowDir(ctx context.Context, dir string, defs definitionRepo, registry *engine.Registry, logger *zap.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read workflow dir %s: %w", dir, err)
	}

	loaded, skipped := 0, 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		def, err := parseWorkflowFile(path)
		if err != nil {
			return err
		}

		// 入库前完成全部校验，与 API 发布路径一致
		if _, err := engine.Analyze(def); err != nil {
			return fmt.Errorf("invalid workflow %s: %w", path, err)
		}
		if err := registry.ValidateDefinition(def); err != nil {
			return fmt.Errorf("invalid workflow %s: %w", path, err)
		}

		if err := defs.SaveDefinition(ctx, def); err != nil {
			if errors.Is(err, store.ErrVersionExists) {
				skipped++
				continue
			}
			return fmt.Errorf("save workflow %s: %w", path, err)
		}
		loaded++
		logger.Info("Workflow definition loaded",
			zap.String("file", entry.Name()),
			zap.String("workflow_id", def.ID),
			zap.Int("version", def.Version))
	}

	logger.Info("Workflow directory processed",
		zap.String("dir", dir),
		zap.Int("loaded", loaded),
		zap.Int("skipped", skipped))
	return nil
}

// parseWorkflowFile 读取并解析单个 YAML 定义文件
func parseWorkflowFile(path string) (*types.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file %s: %w", path, err)
	}
	var def types.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow file %s: %w", path, err)
	}
	return &def, nil
}
