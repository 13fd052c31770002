package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	xerrors "ExtensionHost/internal/errors"
)

// maxCachedRecords 是文件仓库在内存中保留的最近记录数。
const maxCachedRecords = 512

// ActivationRecord 是一次扩展激活结果的落库结构。
type ActivationRecord struct {
	ActivationID string `json:"activation_id"`
	ExtensionID  string `json:"extension_id"`
	Trigger      string `json:"trigger,omitempty"`
	Failed       bool   `json:"failed"`
	ErrorCode    string `json:"error_code,omitempty"`
	Error        string `json:"error,omitempty"`
	StartedAt    int64  `json:"started_at"`
	DurationMS   int64  `json:"duration_ms"`
}

// ActivationRepository 抽象激活历史的持久化接口。
type ActivationRepository interface {
	Save(ctx context.Context, record ActivationRecord) error
	ListLatest(ctx context.Context, limit int) ([]ActivationRecord, error)
	ListByExtension(ctx context.Context, extensionID string, limit int) ([]ActivationRecord, error)
	Close() error
}

// FileActivationRepository 以 JSON lines 追加写本地文件，适合单机部署。
type FileActivationRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []ActivationRecord
}

// NewFileActivationRepository 在 dataDir 下创建 activations.log 并恢复已有记录。
func NewFileActivationRepository(dataDir string) (*FileActivationRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	repo := &FileActivationRepository{dataFile: filepath.Join(dataDir, "activations.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录激活结果。
func (m *FileActivationRepository) Save(_ context.Context, record ActivationRecord) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化激活记录失败")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开激活日志失败")
	}
	defer file.Close()

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入激活日志失败")
	}

	m.records = append([]ActivationRecord{record}, m.records...)
	if len(m.records) > maxCachedRecords {
		m.records = m.records[:maxCachedRecords]
	}
	return nil
}

// ListLatest 返回最近的激活记录，按写入时间倒序。
func (m *FileActivationRepository) ListLatest(_ context.Context, limit int) ([]ActivationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]ActivationRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// ListByExtension 返回指定扩展的最近激活记录。
func (m *FileActivationRepository) ListByExtension(_ context.Context, extensionID string, limit int) ([]ActivationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []ActivationRecord
	for _, record := range m.records {
		if record.ExtensionID != extensionID {
			continue
		}
		results = append(results, record)
		if limit > 0 && len(results) == limit {
			break
		}
	}
	return results, nil
}

// Close 实现 ActivationRepository，文件在每次写入后已关闭。
func (m *FileActivationRepository) Close() error { return nil }

func (m *FileActivationRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取激活日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []ActivationRecord
	for scanner.Scan() {
		var record ActivationRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]ActivationRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析激活日志失败")
	}

	if len(restored) > maxCachedRecords {
		restored = restored[:maxCachedRecords]
	}
	m.records = restored
	return nil
}

// SQLActivationRepository 使用 MySQL 存储激活历史。
type SQLActivationRepository struct {
	db *sql.DB
}

// NewSQLActivationRepository 创建连接池并执行内嵌的迁移脚本。
func NewSQLActivationRepository(ctx context.Context, cfg Config) (*SQLActivationRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := newMigrator(db).Up(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLActivationRepository{db: db}, nil
}

const insertActivationSQL = `INSERT INTO extension_activations
    (activation_id, extension_id, activation_trigger, failed, error_code, error_message, started_at, duration_ms)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

const selectActivationColumns = `SELECT activation_id, extension_id, activation_trigger, failed, error_code, error_message, started_at, duration_ms
    FROM extension_activations`

// Save 写入一条激活记录。重复的 activation_id 视为已写入。
func (s *SQLActivationRepository) Save(ctx context.Context, record ActivationRecord) error {
	if _, err := s.db.ExecContext(ctx, insertActivationSQL,
		record.ActivationID,
		record.ExtensionID,
		record.Trigger,
		record.Failed,
		record.ErrorCode,
		record.Error,
		record.StartedAt,
		record.DurationMS,
	); err != nil {
		if isDuplicateKey(err) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入激活记录失败",
			xerrors.WithRetryable(true))
	}
	return nil
}

// ListLatest 查询最近的若干条激活记录。
func (s *SQLActivationRepository) ListLatest(ctx context.Context, limit int) ([]ActivationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectActivationColumns+`
    ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询激活记录失败")
	}
	return scanActivations(rows)
}

// ListByExtension 查询指定扩展的激活记录。
func (s *SQLActivationRepository) ListByExtension(ctx context.Context, extensionID string, limit int) ([]ActivationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectActivationColumns+`
    WHERE extension_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`, extensionID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询激活记录失败")
	}
	return scanActivations(rows)
}

func scanActivations(rows *sql.Rows) ([]ActivationRecord, error) {
	defer rows.Close()

	var records []ActivationRecord
	for rows.Next() {
		var record ActivationRecord
		var message sql.NullString
		if err := rows.Scan(&record.ActivationID, &record.ExtensionID, &record.Trigger, &record.Failed,
			&record.ErrorCode, &message, &record.StartedAt, &record.DurationMS); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析激活记录失败")
		}
		record.Error = message.String
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历激活记录失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLActivationRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
