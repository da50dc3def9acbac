// Package history 运行历史账本
//
// 每次运行结束后追加一条记录到本地 SQLite 数据库，供 history 子命令查询。
// 账本是旁路记录，写入失败不影响运行结果。
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/66Tracy/claude-lean4/internal/report"

	_ "modernc.org/sqlite"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("run not found")

// Entry 账本中的一条运行记录
type Entry struct {
	Seq             int64           `json:"seq"`
	TaskID          string          `json:"task_id"`
	ContainerName   string          `json:"container_name"`
	OK              bool            `json:"ok"`
	TimedOut        bool            `json:"timed_out"`
	Interrupted     bool            `json:"interrupted"`
	ExitCode        string          `json:"exit_code"`
	ProcessExit     int             `json:"process_exit"`
	Issues          []string        `json:"issues"`
	DurationSeconds float64         `json:"duration_seconds"`
	FinishedAt      string          `json:"finished_at"`
	Status          *report.Outcome `json:"status,omitempty"`
}

// Store 运行历史存储
type Store struct {
	db *sql.DB
}

// Open 打开（必要时创建）账本数据库
// path 为 ":memory:" 时使用内存数据库
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create history dir: %w", err)
		}
		dsn = "file:" + path + "?mode=rwc"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// 内存库每个连接独立
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate history: %w", err)
	}
	return &Store{db: db}, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// Record 追加一条运行记录
func (s *Store) Record(ctx context.Context, o *report.Outcome) (int64, error) {
	status, err := json.Marshal(o)
	if err != nil {
		return 0, fmt.Errorf("marshal outcome: %w", err)
	}
	issues, err := json.Marshal(o.Issues)
	if err != nil {
		return 0, fmt.Errorf("marshal issues: %w", err)
	}
	finished := o.Timestamp
	if finished == "" {
		finished = time.Now().UTC().Format(time.RFC3339)
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO runs (task_id, container_name, ok, timed_out, interrupted, exit_code, process_exit, issues, duration_seconds, finished_at, status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ContainerName, boolInt(o.OK), boolInt(o.TimedOut), boolInt(o.Interrupted),
		o.ExitCode.String(), report.ExitCode(o), string(issues), o.DurationSeconds, finished, string(status),
	)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	return res.LastInsertId()
}

// Filter 查询条件
type Filter struct {
	TaskID     string
	FailedOnly bool
	Limit      int
}

// List 按时间倒序列出运行记录
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.FailedOnly {
		where = append(where, "ok = 0")
	}
	query := "SELECT " + columns + " FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Latest 返回某任务最近一次运行
func (s *Store) Latest(ctx context.Context, taskID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+columns+" FROM runs WHERE task_id = ? ORDER BY seq DESC LIMIT 1", taskID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e                         Entry
		ok, timedOut, interrupted int
		issues, status            string
	)
	err := sc.Scan(&e.Seq, &e.TaskID, &e.ContainerName, &ok, &timedOut, &interrupted,
		&e.ExitCode, &e.ProcessExit, &issues, &e.DurationSeconds, &e.FinishedAt, &status)
	if err != nil {
		return nil, err
	}
	e.OK, e.TimedOut, e.Interrupted = ok != 0, timedOut != 0, interrupted != 0
	if err := json.Unmarshal([]byte(issues), &e.Issues); err != nil {
		return nil, fmt.Errorf("decode issues of run %d: %w", e.Seq, err)
	}
	if status != "" {
		var o report.Outcome
		if err := json.Unmarshal([]byte(status), &o); err != nil {
			return nil, fmt.Errorf("decode status of run %d: %w", e.Seq, err)
		}
		e.Status = &o
	}
	return &e, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const columns = "seq, task_id, container_name, ok, timed_out, interrupted, exit_code, process_exit, issues, duration_seconds, finished_at, status"

// schema 账本建表语句
const schema = `
CREATE TABLE IF NOT EXISTS runs (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id VARCHAR(200) NOT NULL,
    container_name VARCHAR(255) NOT NULL DEFAULT '',
    ok INTEGER NOT NULL DEFAULT 0,
    timed_out INTEGER NOT NULL DEFAULT 0,
    interrupted INTEGER NOT NULL DEFAULT 0,
    exit_code VARCHAR(16) NOT NULL DEFAULT 'unknown',
    process_exit INTEGER NOT NULL DEFAULT 0,
    issues TEXT NOT NULL DEFAULT '[]',
    duration_seconds REAL NOT NULL DEFAULT 0,
    finished_at TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs(task_id);
`
