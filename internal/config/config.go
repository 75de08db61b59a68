package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"gopkg.in/yaml.v3"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Bus      BusConfig      `yaml:"bus"`
	Queue    QueueConfig    `yaml:"queue"`
	AI       AIConfig       `yaml:"ai"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// Load 读取可选的 YAML 文件，再用环境变量覆盖。path 为空时只使用环境变量。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回未做任何配置时使用的默认值。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "memory",
			Path:   "data/dealroom.db",
		},
		Bus: BusConfig{
			Driver:    "memory",
			RedisAddr: "localhost:6379",
			NATSURL:   "nats://127.0.0.1:4222",
		},
		Queue: QueueConfig{
			Driver:      "memory",
			Workers:     4,
			MaxAttempts: 1,
			Key:         "dealroom:jobs",
		},
		AI: AIConfig{
			Provider:          "echo",
			HistoryLimit:      20,
			GenerationTimeout: 5 * time.Minute,
			Ark: ArkConfig{
				BaseURL: "https://ark.cn-beijing.volces.com/api/v3",
				Region:  "cn-beijing",
			},
			OpenAI: OpenAIConfig{
				BaseURL: "https://api.openai.com/v1",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig 选择会话存储后端。
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // memory | sqlite | postgres
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// BusConfig 选择聊天事件的发布订阅后端。
type BusConfig struct {
	Driver        string `yaml:"driver"` // memory | redis | nats
	RedisURL      string `yaml:"redis_url"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	NATSURL       string `yaml:"nats_url"`
}

// QueueConfig 描述后台生成任务队列。
type QueueConfig struct {
	Driver      string `yaml:"driver"` // memory | redis
	Workers     int    `yaml:"workers"`
	MaxAttempts int    `yaml:"max_attempts"`
	Key         string `yaml:"key"`
	// Embedded 即使使用 Redis 队列也在 API 进程内运行 worker。
	Embedded bool `yaml:"embedded"`
}

// RunsEmbeddedWorkers 表示 `serve` 是否需要自己启动 worker。
func (q QueueConfig) RunsEmbeddedWorkers() bool {
	return q.Driver == "memory" || q.Embedded
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider     string `yaml:"provider"` // ark | openai | echo
	Models       string `yaml:"models"`   // "id=Name,id2=Name2"
	DefaultModel string `yaml:"default_model"`
	HistoryLimit int    `yaml:"history_limit"`
	// GenerationTimeout 限制单条回复的总时长，为零表示不限制。
	GenerationTimeout time.Duration `yaml:"generation_timeout"`

	Ark    ArkConfig    `yaml:"ark"`
	OpenAI OpenAIConfig `yaml:"openai"`
}

// ArkConfig 描述火山方舟模型的凭证与采样参数。
type ArkConfig struct {
	APIKey      string   `yaml:"api_key"`
	AccessKey   string   `yaml:"access_key"`
	SecretKey   string   `yaml:"secret_key"`
	BaseURL     string   `yaml:"base_url"`
	Region      string   `yaml:"region"`
	Temperature *float64 `yaml:"temperature"`
	TopP        *float64 `yaml:"top_p"`
	MaxTokens   *int     `yaml:"max_tokens"`
}

// Enabled 表示是否提供了必需的密钥。
func (c ArkConfig) Enabled() bool {
	return c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != "")
}

// NewChatModel 使用配置为指定模型创建一个实例。
func (c ArkConfig) NewChatModel(ctx context.Context, modelID string) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证缺失，至少提供 ARK_API_KEY 或 AK/SK 组合")
	}
	if modelID == "" {
		return nil, fmt.Errorf("ark model id is empty")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       modelID,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	})
}

// OpenAIConfig 描述任意兼容 OpenAI 的接口。
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type AuthConfig struct {
	// JWTSecret 非空时 /api 需要 Bearer 认证。
	JWTSecret string `yaml:"jwt_secret"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// Validate 拒绝未知的驱动和不合理的数值。
func (c *Config) Validate() error {
	if err := oneOf("DB_DRIVER", c.Database.Driver, "memory", "sqlite", "postgres"); err != nil {
		return err
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("DB_DSN is required for the postgres driver")
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		return fmt.Errorf("DB_PATH is required for the sqlite driver")
	}
	if err := oneOf("BUS_DRIVER", c.Bus.Driver, "memory", "redis", "nats"); err != nil {
		return err
	}
	if err := oneOf("QUEUE_DRIVER", c.Queue.Driver, "memory", "redis"); err != nil {
		return err
	}
	if c.Queue.Driver == "redis" && c.Bus.Driver == "memory" {
		// 独立的 worker 进程无法触达内存中的订阅者
		return fmt.Errorf("QUEUE_DRIVER=redis needs a shared BUS_DRIVER (redis or nats)")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("invalid QUEUE_WORKERS value %d: must be at least 1", c.Queue.Workers)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("invalid QUEUE_MAX_ATTEMPTS value %d: must be at least 1", c.Queue.MaxAttempts)
	}
	if err := oneOf("AI_PROVIDER", c.AI.Provider, "ark", "openai", "echo"); err != nil {
		return err
	}
	if c.AI.Provider == "ark" && !c.AI.Ark.Enabled() {
		return fmt.Errorf("AI_PROVIDER=ark requires ARK_API_KEY or ARK_ACCESS_KEY/ARK_SECRET_KEY")
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("AI_PROVIDER=openai requires OPENAI_API_KEY")
	}
	if c.AI.GenerationTimeout < 0 {
		return fmt.Errorf("invalid AI_GENERATION_TIMEOUT value %s", c.AI.GenerationTimeout)
	}
	if c.AI.HistoryLimit < 0 {
		return fmt.Errorf("invalid AI_HISTORY_LIMIT value %d", c.AI.HistoryLimit)
	}
	if err := oneOf("LOG_FORMAT", c.Logging.Format, "json", "console"); err != nil {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		addr, err := parseAddr(port)
		if err != nil {
			return err
		}
		c.Server.Addr = addr
	}
	if origins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}
	if err := overrideDuration(&c.Server.ShutdownTimeout, "SHUTDOWN_TIMEOUT"); err != nil {
		return err
	}

	overrideString(&c.Database.Driver, "DB_DRIVER")
	overrideString(&c.Database.Path, "DB_PATH")
	overrideString(&c.Database.DSN, "DB_DSN")

	overrideString(&c.Bus.Driver, "BUS_DRIVER")
	overrideString(&c.Bus.RedisURL, "REDIS_URL")
	overrideString(&c.Bus.RedisAddr, "REDIS_ADDR")
	overrideString(&c.Bus.RedisPassword, "REDIS_PASSWORD")
	overrideString(&c.Bus.NATSURL, "NATS_URL")

	overrideString(&c.Queue.Driver, "QUEUE_DRIVER")
	overrideString(&c.Queue.Key, "QUEUE_KEY")
	if err := overrideInt(&c.Queue.Workers, "QUEUE_WORKERS"); err != nil {
		return err
	}
	if err := overrideInt(&c.Queue.MaxAttempts, "QUEUE_MAX_ATTEMPTS"); err != nil {
		return err
	}
	embedded, err := parseBoolEnv("WORKER_EMBEDDED", c.Queue.Embedded)
	if err != nil {
		return err
	}
	c.Queue.Embedded = embedded

	overrideString(&c.AI.Provider, "AI_PROVIDER")
	overrideString(&c.AI.Models, "AI_MODELS")
	overrideString(&c.AI.DefaultModel, "AI_DEFAULT_MODEL")
	if err := overrideInt(&c.AI.HistoryLimit, "AI_HISTORY_LIMIT"); err != nil {
		return err
	}
	if err := overrideDuration(&c.AI.GenerationTimeout, "AI_GENERATION_TIMEOUT"); err != nil {
		return err
	}

	overrideString(&c.AI.Ark.APIKey, "ARK_API_KEY")
	overrideString(&c.AI.Ark.AccessKey, "ARK_ACCESS_KEY")
	overrideString(&c.AI.Ark.SecretKey, "ARK_SECRET_KEY")
	overrideString(&c.AI.Ark.BaseURL, "ARK_BASE_URL")
	overrideString(&c.AI.Ark.Region, "ARK_REGION")
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return err
	}
	if temperature != nil {
		c.AI.Ark.Temperature = temperature
	}
	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return err
	}
	if topP != nil {
		c.AI.Ark.TopP = topP
	}
	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return err
	}
	if maxTokens != nil {
		c.AI.Ark.MaxTokens = maxTokens
	}

	overrideString(&c.AI.OpenAI.APIKey, "OPENAI_API_KEY")
	overrideString(&c.AI.OpenAI.BaseURL, "OPENAI_BASE_URL")

	overrideString(&c.Auth.JWTSecret, "AUTH_JWT_SECRET")

	overrideString(&c.Logging.Level, "LOG_LEVEL")
	overrideString(&c.Logging.Format, "LOG_FORMAT")
	return nil
}

// parseAddr 允许用户直接传入 "8080"、":8080" 或 "127.0.0.1:8080"。
func parseAddr(port string) (string, error) {
	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}
	if strings.Contains(port, ":") {
		return port, nil
	}
	return ":" + port, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars 将 ${VAR} 替换为环境变量的值，未设置的变量替换为空串。
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s value %q: want one of %s", key, value, strings.Join(allowed, ", "))
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func overrideString(dst *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*dst = value
	}
}

func overrideInt(dst *int, key string) error {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return err
	}
	if val != nil {
		*dst = *val
	}
	return nil
}

func overrideDuration(dst *time.Duration, key string) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	if raw == "0" {
		*dst = 0
		return nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	*dst = val
	return nil
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
