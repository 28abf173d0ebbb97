// Package redisstore 在 Redis list 上保存咨询记录，适合多实例共享同一份指标。
package redisstore

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/metrics"
	"OpenEcon-Agent/internal/metricslog"
	"OpenEcon-Agent/pkg/logger"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Key      string
}

type listClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Close() error
}

// Consultas 以 JSON 字符串 RPUSH 到 list，读取时按 LRANGE 取尾部。
type Consultas struct {
	client listClient
	key    string
}

var _ metricslog.Log = (*Consultas)(nil)

// Open 连接 Redis 并返回咨询记录日志。
func Open(ctx context.Context, cfg Config) (*Consultas, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "openecon:consultas"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return &Consultas{client: client, key: key}, nil
}

// Append 实现 metricslog.Log。
func (c *Consultas) Append(ctx context.Context, record metrics.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化咨询记录失败")
	}
	if err := c.client.RPush(ctx, c.key, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 写入咨询记录失败")
	}
	return nil
}

// Read 实现 metricslog.Log；无法解析的元素会被跳过。
func (c *Consultas) Read(ctx context.Context, limit int) ([]metrics.Record, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	items, err := c.client.LRange(ctx, c.key, start, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 读取咨询记录失败")
	}

	records := make([]metrics.Record, 0, len(items))
	skipped := 0
	for _, item := range items {
		var r metrics.Record
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			skipped++
			continue
		}
		records = append(records, r)
	}
	if skipped > 0 {
		logger.Named("redisstore").Warn("跳过无法解析的咨询记录", "key", c.key, "skipped", skipped)
	}
	return records, nil
}

// Close 实现 metricslog.Log。
func (c *Consultas) Close() error {
	return c.client.Close()
}
