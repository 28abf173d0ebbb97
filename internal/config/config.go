package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"OpenEcon-Agent/internal/auth"
	"OpenEcon-Agent/internal/llm"
	"OpenEcon-Agent/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "OPENECON_CONFIG"

// DefaultPath 为未指定路径时使用的配置文件。
const DefaultPath = "configs/openecon.yaml"

// Config 描述了服务启动阶段需要加载的全部配置。
type Config struct {
	Server        ServerConfig           `yaml:"server"`
	Observability ObservabilityConfig    `yaml:"observability"`
	Logging       logger.Config          `yaml:"logging"`
	LLM           LLMConfig              `yaml:"llm"`
	Pricing       map[string]PriceConfig `yaml:"pricing"`
	Agent         AgentConfig            `yaml:"agent"`
	Storage       StorageConfig          `yaml:"storage"`
	Queue         QueueConfig            `yaml:"queue"`
	Data          DataConfig             `yaml:"data"`
	Auth          auth.Config            `yaml:"auth"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// ObservabilityConfig 控制 Prometheus 指标端点。
type ObservabilityConfig struct {
	MetricsAddress string `yaml:"metrics_address"`
}

// LLMConfig 是配置文件中的模型默认值，运行时可被设置存储覆盖。
type LLMConfig struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxTokens         int           `yaml:"max_tokens"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// PriceConfig 为每千 token 的美元价格。
type PriceConfig struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// AgentConfig 控制专家智能体的推理循环。
type AgentConfig struct {
	MaxSteps int `yaml:"max_steps"`
}

// StorageConfig 描述设置存储、咨询日志与任务存储。
type StorageConfig struct {
	SQL        SQLConfig        `yaml:"sql"`
	MetricsLog MetricsLogConfig `yaml:"metrics_log"`
	Tasks      TaskStoreConfig  `yaml:"tasks"`
}

// SQLConfig 为运营数据库连接，Driver 为 sqlite、mysql 或留空（不使用数据库）。
type SQLConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// MetricsLogConfig 描述咨询记录的主存储与备份文件。
// Driver 可选 sql、redis、file、memory。
type MetricsLogConfig struct {
	Driver     string      `yaml:"driver"`
	Path       string      `yaml:"path"`
	BackupPath string      `yaml:"backup_path"`
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// TaskStoreConfig 选择任务状态存储：memory 或 sql（复用 storage.sql 连接）。
type TaskStoreConfig struct {
	Driver string `yaml:"driver"`
}

// QueueConfig 描述异步咨询的队列与工作协程。
type QueueConfig struct {
	Driver     string         `yaml:"driver"`
	Buffer     int            `yaml:"buffer"`
	Workers    int            `yaml:"workers"`
	MaxRetries int            `yaml:"max_retries"`
	Redis      RedisConfig    `yaml:"redis"`
	RabbitMQ   RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 是 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

// DataConfig 指向领域数据集与 DANE 文档目录。
type DataConfig struct {
	DatasetsPath string `yaml:"datasets_path"`
	DocumentsDir string `yaml:"documents_dir"`
}

// Path 返回应加载的配置文件路径。
func Path(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return DefaultPath
}

// Load 解析指定路径的 YAML 配置文件，并加载同目录下的 .env。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	baseDir := filepath.Dir(path)

	if err := godotenv.Load(filepath.Join(baseDir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("加载 .env 失败: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 让环境变量覆盖模型选择。
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("LLM_PROVIDER")); v != "" {
		c.LLM.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv("LLM_MODEL")); v != "" {
		c.LLM.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("LLM_BASE_URL")); v != "" {
		c.LLM.BaseURL = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8001"
	}

	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = llm.DefaultProvider
	}
	if c.LLM.Model == "" {
		c.LLM.Model = llm.DefaultModel
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 60 * time.Second
	}

	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = 8
	}

	if c.Storage.SQL.Driver == "sqlite" && c.Storage.SQL.DSN == "" {
		c.Storage.SQL.DSN = filepath.Join(baseDir, "data", "agente_config.db")
	}

	log := &c.Storage.MetricsLog
	if log.Driver == "" {
		if c.Storage.SQL.Driver != "" {
			log.Driver = "sql"
		} else {
			log.Driver = "file"
		}
	}
	if log.Path == "" {
		log.Path = filepath.Join(baseDir, "logs", "consultas.jsonl")
	} else {
		log.Path = resolve(baseDir, log.Path)
	}
	if log.BackupPath != "" {
		log.BackupPath = resolve(baseDir, log.BackupPath)
	}
	if log.Redis.Key == "" {
		log.Redis.Key = "openecon:consultas"
	}

	if c.Storage.Tasks.Driver == "" {
		c.Storage.Tasks.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 64
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.Redis.Key == "" {
		c.Queue.Redis.Key = "openecon:tasks"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "openecon.tasks"
	}

	if c.Data.DatasetsPath == "" {
		c.Data.DatasetsPath = filepath.Join(baseDir, "datos", "datasets.yaml")
	} else {
		c.Data.DatasetsPath = resolve(baseDir, c.Data.DatasetsPath)
	}
	if c.Data.DocumentsDir == "" {
		c.Data.DocumentsDir = filepath.Join(baseDir, "documentos")
	} else {
		c.Data.DocumentsDir = resolve(baseDir, c.Data.DocumentsDir)
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}
}

// Validate 检查互相关联的配置项。
func (c *Config) Validate() error {
	if _, ok := llm.LookupProvider(c.LLM.Provider); !ok {
		return fmt.Errorf("不支持的模型服务商: %s", c.LLM.Provider)
	}
	switch c.Storage.SQL.Driver {
	case "", "sqlite", "mysql":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", c.Storage.SQL.Driver)
	}
	switch c.Storage.MetricsLog.Driver {
	case "sql":
		if c.Storage.SQL.Driver == "" {
			return errors.New("metrics_log 使用 sql 时必须配置 storage.sql")
		}
	case "redis":
		if c.Storage.MetricsLog.Redis.Address == "" {
			return errors.New("metrics_log 使用 redis 时必须配置地址")
		}
	case "file", "memory":
	default:
		return fmt.Errorf("不支持的咨询日志驱动: %s", c.Storage.MetricsLog.Driver)
	}
	switch c.Storage.Tasks.Driver {
	case "memory":
	case "sql":
		if c.Storage.SQL.Driver == "" {
			return errors.New("任务存储使用 sql 时必须配置 storage.sql")
		}
	default:
		return fmt.Errorf("不支持的任务存储驱动: %s", c.Storage.Tasks.Driver)
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			return errors.New("队列使用 redis 时必须配置地址")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return errors.New("队列使用 rabbitmq 时必须配置 URL")
		}
	default:
		return fmt.Errorf("不支持的队列驱动: %s", c.Queue.Driver)
	}
	switch c.Auth.Mode {
	case "", auth.ModeDisabled:
	case auth.ModeAPIKey:
		if len(c.Auth.Keys) == 0 {
			return errors.New("auth 使用 api_key 时必须配置至少一个 key")
		}
	default:
		return fmt.Errorf("不支持的认证模式: %s", c.Auth.Mode)
	}
	for provider, price := range c.Pricing {
		if price.Input < 0 || price.Output < 0 {
			return fmt.Errorf("服务商 %s 的价格不能为负数", provider)
		}
	}
	return nil
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
