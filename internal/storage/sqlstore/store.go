package sqlstore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/pkg/logger"
)

// 支持的数据库方言。
const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

// Config 描述数据库连接与连接池参数，零值使用默认池配置。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store 持有数据库连接，Settings 与 Consultas 共享同一个连接池。
type Store struct {
	db      *sql.DB
	dialect string
}

// Open 连接数据库并执行尚未应用的迁移。
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db, dialect: cfg.Driver}
	if err := runMigrations(ctx, db, cfg.Driver); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Named("sqlstore").Info("数据库已就绪", "driver", cfg.Driver)
	return store, nil
}

// DB 返回底层连接池，供任务存储等组件复用。
func (s *Store) DB() *sql.DB { return s.db }

// Dialect 返回数据库方言。
func (s *Store) Dialect() string { return s.dialect }

// Close 关闭连接池。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库 DSN 不能为空")
	}

	dsn := cfg.DSN
	switch cfg.Driver {
	case DialectSQLite:
		if path := sqlitePath(dsn); path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据库目录失败")
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)"
		}
	case DialectMySQL:
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的数据库驱动: "+cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接数据库失败")
	}

	// SQLite 只允许单写者。
	if cfg.Driver == DialectSQLite {
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到数据库")
	}
	return db, nil
}

// sqlitePath 从 DSN 中取出文件路径，内存库返回空串。
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}
