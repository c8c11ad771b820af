package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql
var postgresFS embed.FS

//go:embed migrations/mysql/*.sql
var mysqlFS embed.FS

// DatabaseType 受版本化迁移管理的数据库驱动类型
type DatabaseType string

const (
	// DatabaseTypePostgres PostgreSQL 驱动
	DatabaseTypePostgres DatabaseType = "postgres"
	// DatabaseTypeMySQL MySQL 驱动
	DatabaseTypeMySQL DatabaseType = "mysql"
)

// ErrUnmanagedDriver 表示该驱动的 schema 不走版本化迁移。
// sqlite 与 memory 是嵌入式开发模式，schema 由 GORM AutoMigrate 维护。
var ErrUnmanagedDriver = errors.New("driver schema is managed automatically, no migrations to run")

// Status 单条迁移的应用状态
type Status struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// Info 当前迁移状态汇总
type Info struct {
	CurrentVersion uint
	Dirty          bool
	Total          int
	Applied        int
	Pending        int
}

// Config 迁移器配置
type Config struct {
	// 数据库驱动类型（postgres 或 mysql）
	DatabaseType DatabaseType
	// 数据库连接串
	DatabaseURL string
	// 迁移版本表名，默认 schema_migrations
	TableName string
	// 获取迁移锁的超时
	LockTimeout time.Duration
}

// Migrator 基于 golang-migrate 管理嵌入式 SQL 迁移
type Migrator struct {
	config  *Config
	migrate *migrate.Migrate
	db      *sql.DB
}

// NewMigrator 创建迁移器并建立数据库连接
func NewMigrator(cfg *Config) (*Migrator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required")
	}
	if cfg.TableName == "" {
		cfg.TableName = "schema_migrations"
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 15 * time.Second
	}

	db, err := sql.Open(string(cfg.DatabaseType), cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	driver, err := newDatabaseDriver(cfg.DatabaseType, db, cfg.TableName)
	if err != nil {
		db.Close()
		return nil, err
	}

	fsys, dir, err := migrationSource(cfg.DatabaseType)
	if err != nil {
		db.Close()
		return nil, err
	}
	src, err := iofs.New(fsys, dir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(cfg.DatabaseType), driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	return &Migrator{config: cfg, migrate: m, db: db}, nil
}

func newDatabaseDriver(dbType DatabaseType, db *sql.DB, table string) (database.Driver, error) {
	switch dbType {
	case DatabaseTypePostgres:
		return postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
	case DatabaseTypeMySQL:
		return mysql.WithInstance(db, &mysql.Config{MigrationsTable: table})
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

func migrationSource(dbType DatabaseType) (fs.FS, string, error) {
	switch dbType {
	case DatabaseTypePostgres:
		return postgresFS, "migrations/postgres", nil
	case DatabaseTypeMySQL:
		return mysqlFS, "migrations/mysql", nil
	default:
		return nil, "", fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// Up 应用所有待执行的迁移
func (m *Migrator) Up() error {
	if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Down 回滚最近一次迁移
func (m *Migrator) Down() error {
	if err := m.migrate.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// DownAll 回滚全部迁移
func (m *Migrator) DownAll() error {
	if err := m.migrate.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down all failed: %w", err)
	}
	return nil
}

// Goto 迁移到指定版本
func (m *Migrator) Goto(version uint) error {
	if err := m.migrate.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration goto failed: %w", err)
	}
	return nil
}

// Force 强制设定版本号（不执行迁移，用于修复 dirty 状态）
func (m *Migrator) Force(version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("migration force failed: %w", err)
	}
	return nil
}

// Version 返回当前迁移版本；尚未迁移时返回 (0, false, nil)
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get version: %w", err)
	}
	return version, dirty, nil
}

// Status 返回每条迁移的应用状态
func (m *Migrator) Status() ([]Status, error) {
	currentVersion, dirty, err := m.Version()
	if err != nil {
		return nil, err
	}

	files, err := listMigrations(m.config.DatabaseType)
	if err != nil {
		return nil, err
	}

	statuses := make([]Status, 0, len(files))
	for _, f := range files {
		statuses = append(statuses, Status{
			Version: f.version,
			Name:    f.name,
			Applied: f.version <= currentVersion,
			Dirty:   dirty && f.version == currentVersion,
		})
	}
	return statuses, nil
}

// Info 返回迁移状态汇总
func (m *Migrator) Info() (*Info, error) {
	currentVersion, dirty, err := m.Version()
	if err != nil {
		return nil, err
	}

	files, err := listMigrations(m.config.DatabaseType)
	if err != nil {
		return nil, err
	}

	applied := 0
	for _, f := range files {
		if f.version <= currentVersion {
			applied++
		}
	}

	return &Info{
		CurrentVersion: currentVersion,
		Dirty:          dirty,
		Total:          len(files),
		Applied:        applied,
		Pending:        len(files) - applied,
	}, nil
}

// Close 释放迁移器持有的连接
func (m *Migrator) Close() error {
	var errs []error
	if m.migrate != nil {
		sourceErr, dbErr := m.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, sourceErr)
		}
		if dbErr != nil {
			errs = append(errs, dbErr)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close migrator: %v", errs)
	}
	return nil
}

type migrationFile struct {
	version uint
	name    string
}

// listMigrations 枚举嵌入的迁移文件（按版本升序）
func listMigrations(dbType DatabaseType) ([]migrationFile, error) {
	fsys, dir, err := migrationSource(dbType)
	if err != nil {
		return nil, err
	}

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	seen := make(map[uint]bool)
	var files []migrationFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}

		// 文件名格式: 000001_init_schema.up.sql
		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil || seen[uint(version)] {
			continue
		}
		seen[uint(version)] = true

		files = append(files, migrationFile{
			version: uint(version),
			name:    strings.TrimSuffix(parts[1], ".up.sql"),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// ParseDatabaseType 解析驱动名；sqlite/memory 返回 ErrUnmanagedDriver
func ParseDatabaseType(s string) (DatabaseType, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return DatabaseTypePostgres, nil
	case "mysql", "mariadb":
		return DatabaseTypeMySQL, nil
	case "sqlite", "sqlite3", "memory":
		return "", fmt.Errorf("%s: %w", s, ErrUnmanagedDriver)
	default:
		return "", fmt.Errorf("unsupported database type: %s", s)
	}
}
