package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/BaSui01/geoflow/config"
	"github.com/BaSui01/geoflow/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// runMigrate 处理 migrate 命令。子命令解析和执行都委托给 migration.CLI，
// 这里只负责加载配置、构建 Migrator 和翻译退出码。
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}
	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printMigrateUsage()
		return
	}

	// --config 可以出现在子命令之后，例如 `geoflow migrate up --config x.yaml`
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")

	subargs := []string{}
	for i, a := range args {
		if a == "--config" || a == "-config" {
			fs.Parse(args[i:])
			break
		}
		subargs = append(subargs, a)
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	migrator, err := migration.NewMigratorFromConfig(cfg)
	if err != nil {
		if errors.Is(err, migration.ErrUnmanagedDriver) {
			// sqlite 和 memory 后端由 GORM 在启动时自动建表
			fmt.Printf("Driver %q needs no migrations: %v\n", cfg.Database.Driver, err)
			return
		}
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator, os.Stdout)
	if err := cli.Run(subargs); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}

// printMigrateUsage 打印 migrate 命令的帮助信息
func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  geoflow migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration
  down-all  Rollback all migrations
  status    Show migration status
  version   Show current migration version
  goto <v>  Migrate to a specific version
  force <v> Force set migration version (use with caution)
  help      Show this help message

Options:
  --config <path>   Path to configuration file (YAML)

Examples:
  geoflow migrate up
  geoflow migrate up --config /etc/geoflow/config.yaml
  geoflow migrate down
  geoflow migrate status
  geoflow migrate goto 1
  geoflow migrate force 0`)
}
