package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"port"`
	Environment    string        `mapstructure:"environment"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	Log            LogConfig     `mapstructure:"log"`
	Redis          RedisConfig   `mapstructure:"redis"`
	Store          StoreConfig   `mapstructure:"store"`
	Mongo          MongoConfig   `mapstructure:"mongo"`
	SQLite         SQLiteConfig  `mapstructure:"sqlite"`
	Access         AccessConfig  `mapstructure:"access"`
	Typing         TypingConfig  `mapstructure:"typing"`
	History        HistoryConfig `mapstructure:"history"`
	Writer         WriterConfig  `mapstructure:"writer"`
	WS             WSConfig      `mapstructure:"ws"`
	ICEServers     []ICEServer   `mapstructure:"ice_servers"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StoreConfig selects the driver for messages and call records.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory | mongo | sqlite
}

type MongoConfig struct {
	URI      string        `mapstructure:"uri"`
	Database string        `mapstructure:"database"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// AccessConfig selects where room and call grants come from.
type AccessConfig struct {
	Mode string `mapstructure:"mode"` // open | redis | store
}

type TypingConfig struct {
	Window time.Duration `mapstructure:"window"`
	Sweep  time.Duration `mapstructure:"sweep"`
}

type HistoryConfig struct {
	RoomLimit int `mapstructure:"room_limit"`
	CallLimit int `mapstructure:"call_limit"`
}

type WriterConfig struct {
	Workers int           `mapstructure:"workers"`
	Queue   int           `mapstructure:"queue"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type WSConfig struct {
	SendBuffer int           `mapstructure:"send_buffer"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

const (
	DriverMemory = "memory"
	DriverMongo  = "mongo"
	DriverSQLite = "sqlite"

	AccessOpen  = "open"
	AccessRedis = "redis"
	AccessStore = "store"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("jwt_secret", "change-me-in-production")
	v.SetDefault("log.level", "info")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "consult")
	v.SetDefault("mongo.timeout", "10s")
	v.SetDefault("sqlite.path", "consult.db")
	v.SetDefault("access.mode", AccessOpen)

	v.SetDefault("typing.window", "3s")
	v.SetDefault("typing.sweep", "500ms")
	v.SetDefault("history.room_limit", 50)
	v.SetDefault("history.call_limit", 20)
	v.SetDefault("writer.workers", 4)
	v.SetDefault("writer.queue", 1024)
	v.SetDefault("writer.timeout", "5s")

	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("ws.read_limit", 64*1024)
	v.SetDefault("ws.ping_period", "54s")
	v.SetDefault("ws.pong_wait", "60s")
	v.SetDefault("ws.write_wait", "10s")

	v.SetDefault("ice_servers", []map[string]any{{"urls": []string{"stun:stun.l.google.com:19302"}}})
}

// Load reads config/config.<CONFIG_ENV>.yaml (or path, when given) and
// overlays SIGNALING_* environment variables. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("module", "config").Msg("could not read .env")
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if path == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		path = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(path)

	v.SetEnvPrefix("SIGNALING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", path).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", path).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverMongo, DriverSQLite:
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Access.Mode {
	case AccessOpen, AccessStore:
	case AccessRedis:
		if !c.Redis.Enabled {
			return errors.New("access.mode redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("unknown access.mode %q", c.Access.Mode)
	}
	if c.WS.PingPeriod >= c.WS.PongWait {
		return fmt.Errorf("ws.ping_period (%s) must be shorter than ws.pong_wait (%s)", c.WS.PingPeriod, c.WS.PongWait)
	}
	return nil
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
