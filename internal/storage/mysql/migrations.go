package mysql

import (
	"context"
	"database/sql"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"ExtensionHost/deploy/migrations"
	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/pkg/logger"
)

const (
	createSchemaVersionsSQL = `CREATE TABLE IF NOT EXISTS history_schema_versions (
        version INT NOT NULL PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        applied_at BIGINT NOT NULL
)`
	selectSchemaVersionsSQL = `SELECT version FROM history_schema_versions`
	insertSchemaVersionSQL  = `INSERT INTO history_schema_versions (version, name, applied_at) VALUES (?, ?, ?)`
)

// schemaChange 是一个带编号的建表脚本，文件名形如 0001_create_activations.sql。
type schemaChange struct {
	version    int
	name       string
	statements []string
}

// migrator 按编号顺序把激活历史库升级到内嵌脚本描述的结构。
type migrator struct {
	db     *sql.DB
	files  fs.FS
	logger *slog.Logger
	now    func() time.Time
}

func newMigrator(db *sql.DB) *migrator {
	return &migrator{
		db:     db,
		files:  migrations.Files,
		logger: logger.Named("history"),
		now:    time.Now,
	}
}

// Up 执行尚未应用的脚本，返回本次应用的版本号。
func (m *migrator) Up(ctx context.Context) ([]int, error) {
	if _, err := m.db.ExecContext(ctx, createSchemaVersionsSQL); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建历史库版本表失败", xerrors.WithRetryable(true))
	}
	changes, err := readSchemaChanges(m.files)
	if err != nil {
		return nil, err
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}

	var done []int
	for _, change := range changes {
		if _, ok := applied[change.version]; ok {
			continue
		}
		if err := m.apply(ctx, change); err != nil {
			return done, err
		}
		m.logger.Info("历史库结构已升级", slog.Int("version", change.version), slog.String("file", change.name))
		done = append(done, change.version)
	}
	return done, nil
}

func (m *migrator) appliedVersions(ctx context.Context) (map[int]struct{}, error) {
	rows, err := m.db.QueryContext(ctx, selectSchemaVersionsSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取历史库版本失败")
	}
	defer rows.Close()

	applied := make(map[int]struct{})
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析历史库版本失败")
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取历史库版本失败")
	}
	return applied, nil
}

// apply 在单个事务内执行脚本并登记版本，失败时整体回滚。
func (m *migrator) apply(ctx context.Context, change schemaChange) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败", xerrors.WithRetryable(true))
	}
	fail := func(err error, msg string) error {
		_ = tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg,
			xerrors.WithMetadata("migration", change.name))
	}
	for _, stmt := range change.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fail(err, "执行迁移脚本失败")
		}
	}
	if _, err := tx.ExecContext(ctx, insertSchemaVersionSQL, change.version, change.name, m.now().UnixMilli()); err != nil {
		return fail(err, "登记迁移版本失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败",
			xerrors.WithMetadata("migration", change.name))
	}
	return nil
}

// readSchemaChanges 读取 *.sql 并按版本排序；缺少编号或编号重复视为错误。
func readSchemaChanges(fsys fs.FS) ([]schemaChange, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移目录失败")
	}
	seen := make(map[int]string, len(names))
	changes := make([]schemaChange, 0, len(names))
	for _, name := range names {
		version, err := schemaVersion(name)
		if err != nil {
			return nil, err
		}
		if other, dup := seen[version]; dup {
			return nil, xerrors.New(xerrors.CodeConflict, "迁移版本重复",
				xerrors.WithMetadata("migration", name), xerrors.WithMetadata("other", other))
		}
		seen[version] = name

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移脚本失败",
				xerrors.WithMetadata("migration", name))
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		changes = append(changes, schemaChange{version: version, name: name, statements: statements})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].version < changes[j].version })
	return changes, nil
}

func schemaVersion(name string) (int, error) {
	prefix, _, _ := strings.Cut(strings.TrimSuffix(path.Base(name), ".sql"), "_")
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "迁移文件名缺少版本号",
			xerrors.WithMetadata("migration", name))
	}
	return version, nil
}

// splitStatements 按分号切分脚本，并去掉整行的 -- 注释。
func splitStatements(content string) []string {
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	var statements []string
	for _, stmt := range strings.Split(strings.Join(kept, "\n"), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}
