package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Session   SessionConfig   `mapstructure:"session"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Inference InferenceConfig `mapstructure:"inference"`
	Decoder   DecoderConfig   `mapstructure:"decoder"`
	Samples   SamplesConfig   `mapstructure:"samples"`
}

type ServerConfig struct {
	Port        string        `mapstructure:"port"`
	Mode        string        `mapstructure:"mode"`
	LogLevel    string        `mapstructure:"log_level"`
	StaticDir   string        `mapstructure:"static_dir"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type SessionConfig struct {
	CookieName  string        `mapstructure:"cookie_name"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type UploadConfig struct {
	MaxSize           int64    `mapstructure:"max_size"`
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
}

type InferenceConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	QueueTimeout  time.Duration `mapstructure:"queue_timeout"`
}

type DecoderConfig struct {
	// Normalize 科学TIFF样本归一化方式：clamp 或 rescale
	Normalize string `mapstructure:"normalize"`
}

type SamplesConfig struct {
	Dir   string   `mapstructure:"dir"`
	Files []string `mapstructure:"files"`
}

// Load 从 YAML 文件加载配置
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TUMORLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 设置默认值
	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// New 使用默认配置路径加载配置
func New() *Config {
	cfg, err := Load("config.yaml")
	if err != nil {
		// 如果加载失败，返回默认配置
		return Default()
	}
	return cfg
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	switch c.Decoder.Normalize {
	case "clamp", "rescale":
	default:
		return fmt.Errorf("decoder.normalize must be clamp or rescale, got %q", c.Decoder.Normalize)
	}
	if c.Inference.MaxConcurrent <= 0 {
		return fmt.Errorf("inference.max_concurrent must be positive")
	}
	if c.Upload.MaxSize <= 0 {
		return fmt.Errorf("upload.max_size must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.static_dir", d.Server.StaticDir)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.ttl", d.Redis.TTL)

	v.SetDefault("session.cookie_name", d.Session.CookieName)
	v.SetDefault("session.idle_timeout", d.Session.IdleTimeout)

	v.SetDefault("upload.max_size", d.Upload.MaxSize)
	v.SetDefault("upload.allowed_extensions", d.Upload.AllowedExtensions)

	v.SetDefault("inference.base_url", d.Inference.BaseURL)
	v.SetDefault("inference.timeout", d.Inference.Timeout)
	v.SetDefault("inference.max_concurrent", d.Inference.MaxConcurrent)
	v.SetDefault("inference.queue_timeout", d.Inference.QueueTimeout)

	v.SetDefault("decoder.normalize", d.Decoder.Normalize)

	v.SetDefault("samples.dir", d.Samples.Dir)
	v.SetDefault("samples.files", d.Samples.Files)
}

// Default 内置默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        ":8080",
			Mode:        "debug",
			StaticDir:   "./static",
			ReadTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			TTL:  24 * time.Hour,
		},
		Session: SessionConfig{
			CookieName:  "session_id",
			IdleTimeout: 30 * time.Minute,
		},
		Upload: UploadConfig{
			MaxSize:           100 * 1024 * 1024,
			AllowedExtensions: []string{".tif", ".tiff", ".jpg", ".jpeg", ".png", ".dcm"},
		},
		Inference: InferenceConfig{
			BaseURL:       "http://localhost:8000",
			Timeout:       60 * time.Second,
			MaxConcurrent: 3,
			QueueTimeout:  30 * time.Second,
		},
		Decoder: DecoderConfig{
			Normalize: "clamp",
		},
		Samples: SamplesConfig{
			Dir: "./public",
			Files: []string{
				"Patient_001_slice_045.tif",
				"Patient_002_slice_067.tif",
				"Patient_003_slice_032.tif",
				"Patient_004_slice_089.tif",
				"Patient_005_slice_156.tif",
			},
		},
	}
}
