package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Gemini       GeminiConfig       `yaml:"gemini"`
	Video        VideoConfig        `yaml:"video"`
	Gamification GamificationConfig `yaml:"gamification"`
	Session      SessionConfig      `yaml:"session"`
	Logging      LoggingConfig      `yaml:"logging"`
	Paths        PathsConfig        `yaml:"paths"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// AllowedOrigins 浏览器前端的 CORS 白名单，空表示全部放行。
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GeminiConfig 生成式后端配置，每种能力各自一个模型。
type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// KeyFile 重新授权时从这里（dotenv 格式）重新读取密钥。
	KeyFile string `yaml:"key_file"`

	ChatModel   string `yaml:"chat_model"`
	ImageModel  string `yaml:"image_model"`
	EditModel   string `yaml:"edit_model"`
	VideoModel  string `yaml:"video_model"`
	SpeechModel string `yaml:"speech_model"`
	Voice       string `yaml:"voice"`

	Temperature    float64       `yaml:"temperature"`
	ThinkingBudget int           `yaml:"thinking_budget"`
	Timeout        time.Duration `yaml:"timeout"`
}

// VideoConfig 视频生成长任务的轮询参数。
type VideoConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`
}

type GamificationConfig struct {
	ImageBonus int `yaml:"image_bonus"`
	VideoBonus int `yaml:"video_bonus"`
}

type SessionConfig struct {
	// Store memory | redis
	Store          string      `yaml:"store"`
	Redis          RedisConfig `yaml:"redis"`
	WelcomeMessage string      `yaml:"welcome_message"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type LoggingConfig struct {
	// Mode dev | prod
	Mode string `yaml:"mode"`
}

type PathsConfig struct {
	// Persona 覆盖内置系统提示词的 markdown 文件。
	Persona string `yaml:"persona"`
	// Catalog 覆盖内置年级/角色/语言菜单的 JSON 文件。
	Catalog string `yaml:"catalog"`
}

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// DefaultWelcomeMessage 新会话与重置后的第一条消息。
const DefaultWelcomeMessage = "Hello! I'm EduVision Ultra. I can help you understand any topic, solve problems, or prepare for exams.\n\nUpload an image of a diagram, ask a question, or paste text to get started! How can I help you learn today?"

// Default 返回全部字段都有值的默认配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load 从文件加载配置。
//
// 顺序：.env（不存在不报错） -> YAML 文件（path 为空则只用默认值） -> 环境变量覆盖 -> 默认值 -> 校验。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// 从环境变量覆盖敏感信息与常用开关
func (c *Config) applyEnv() {
	if key := firstEnv("GEMINI_API_KEY", "API_KEY"); key != "" {
		c.Gemini.APIKey = key
	}
	if model := os.Getenv("GEMINI_CHAT_MODEL"); model != "" {
		c.Gemini.ChatModel = model
	}
	if addr := os.Getenv("EDUVISION_REDIS_ADDR"); addr != "" {
		c.Session.Redis.Addr = addr
		if c.Session.Store == "" {
			c.Session.Store = StoreRedis
		}
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
}

func (c *Config) applyDefaults() {
	setDefault(&c.Server.Host, "0.0.0.0")
	setDefault(&c.Server.Port, 8080)
	setDefault(&c.Server.ReadTimeout, 30*time.Second)
	// 视频生成单轮可能持续数分钟。
	setDefault(&c.Server.WriteTimeout, 10*time.Minute)

	setDefault(&c.Gemini.BaseURL, "https://generativelanguage.googleapis.com/v1beta")
	setDefault(&c.Gemini.ChatModel, "gemini-3-pro-preview")
	setDefault(&c.Gemini.ImageModel, "gemini-3-pro-image-preview")
	setDefault(&c.Gemini.EditModel, "gemini-2.5-flash-image")
	setDefault(&c.Gemini.VideoModel, "veo-3.1-fast-generate-preview")
	setDefault(&c.Gemini.SpeechModel, "gemini-2.5-flash-preview-tts")
	setDefault(&c.Gemini.Voice, "Kore")
	setDefault(&c.Gemini.Temperature, 0.7)
	setDefault(&c.Gemini.ThinkingBudget, 1024)
	setDefault(&c.Gemini.Timeout, 2*time.Minute)

	setDefault(&c.Video.PollInterval, 5*time.Second)
	setDefault(&c.Video.MaxPolls, 60)

	setDefault(&c.Gamification.ImageBonus, 20)
	setDefault(&c.Gamification.VideoBonus, 50)

	setDefault(&c.Session.Store, StoreMemory)
	setDefault(&c.Session.Redis.Addr, "localhost:6379")
	setDefault(&c.Session.Redis.TTL, 24*time.Hour)
	setDefault(&c.Session.WelcomeMessage, DefaultWelcomeMessage)

	setDefault(&c.Logging.Mode, "dev")
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

// Validate 验证配置。API key 允许为空：可以之后通过凭据选择补上。
func (c *Config) Validate() error {
	switch c.Session.Store {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("unknown session store %q (want memory or redis)", c.Session.Store)
	}
	if c.Session.Store == StoreRedis && c.Session.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when session store is redis")
	}
	if c.Video.PollInterval <= 0 {
		return fmt.Errorf("video poll_interval must be positive")
	}
	if c.Video.MaxPolls <= 0 {
		return fmt.Errorf("video max_polls must be positive")
	}
	if c.Gemini.Temperature < 0 || c.Gemini.Temperature > 2 {
		return fmt.Errorf("gemini temperature %.2f out of range [0,2]", c.Gemini.Temperature)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Gamification.ImageBonus < 0 || c.Gamification.VideoBonus < 0 {
		return fmt.Errorf("gamification bonuses must not be negative")
	}
	return nil
}

// Addr 监听地址。
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
