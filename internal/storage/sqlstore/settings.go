package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"OpenEcon-Agent/internal/config"
	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/prompts"
)

// Settings 将运行时设置与提示词保存在数据库中，数据库中的值覆盖配置文件。
type Settings struct {
	db      *sql.DB
	dialect string
	base    config.LLMConfig
}

var _ config.Admin = (*Settings)(nil)

// NewSettings 创建设置存储，并以默认提示词补齐缺失的角色（已有内容不会被覆盖）。
func NewSettings(ctx context.Context, store *Store, base config.LLMConfig) (*Settings, error) {
	s := &Settings{db: store.db, dialect: store.dialect, base: base}
	if err := s.seedPrompts(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) seedPrompts(ctx context.Context) error {
	stmt := `INSERT OR IGNORE INTO prompts (nombre, contenido, updated_at) VALUES (?, ?, ?)`
	if s.dialect == DialectMySQL {
		stmt = `INSERT IGNORE INTO prompts (nombre, contenido, updated_at) VALUES (?, ?, ?)`
	}
	now := time.Now().Unix()
	for _, role := range prompts.Roles() {
		if _, err := s.db.ExecContext(ctx, stmt, string(role), prompts.Default(role), now); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化默认提示词失败")
		}
	}
	return nil
}

// Snapshot 实现 config.Settings。
func (s *Settings) Snapshot(ctx context.Context) (config.Snapshot, error) {
	values, err := s.Values(ctx)
	if err != nil {
		return config.Snapshot{}, err
	}
	stored, err := s.Prompts(ctx)
	if err != nil {
		return config.Snapshot{}, err
	}
	return s.base.Resolve(values, stored), nil
}

// Values 返回 configuracion 表中的全部键值。
func (s *Settings) Values(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT clave, valor FROM configuracion`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询设置失败")
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析设置失败")
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历设置失败")
	}
	return values, nil
}

// Prompts 返回已保存的提示词，忽略无法识别的旧角色名。
func (s *Settings) Prompts(ctx context.Context) (map[prompts.Role]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT nombre, contenido FROM prompts`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提示词失败")
	}
	defer rows.Close()

	stored := make(map[prompts.Role]string)
	for rows.Next() {
		var name, content string
		if err := rows.Scan(&name, &content); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析提示词失败")
		}
		if role, ok := prompts.Parse(name); ok {
			stored[role] = content
		}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历提示词失败")
	}
	return stored, nil
}

// SaveValue 实现 config.Admin。
func (s *Settings) SaveValue(ctx context.Context, key, value string) error {
	if err := config.ValidateKey(key, value); err != nil {
		return err
	}
	stmt := `INSERT INTO configuracion (clave, valor, updated_at) VALUES (?, ?, ?)
        ON CONFLICT(clave) DO UPDATE SET valor = excluded.valor, updated_at = excluded.updated_at`
	if s.dialect == DialectMySQL {
		stmt = `INSERT INTO configuracion (clave, valor, updated_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE valor = VALUES(valor), updated_at = VALUES(updated_at)`
	}
	if _, err := s.db.ExecContext(ctx, stmt, key, value, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存设置失败")
	}
	return nil
}

// SavePrompt 实现 config.Admin。
func (s *Settings) SavePrompt(ctx context.Context, role prompts.Role, content string) error {
	if prompts.Default(role) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的提示词角色: "+string(role))
	}
	stmt := `INSERT INTO prompts (nombre, contenido, updated_at) VALUES (?, ?, ?)
        ON CONFLICT(nombre) DO UPDATE SET contenido = excluded.contenido, updated_at = excluded.updated_at`
	if s.dialect == DialectMySQL {
		stmt = `INSERT INTO prompts (nombre, contenido, updated_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE contenido = VALUES(contenido), updated_at = VALUES(updated_at)`
	}
	if _, err := s.db.ExecContext(ctx, stmt, string(role), content, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存提示词失败")
	}
	return nil
}
