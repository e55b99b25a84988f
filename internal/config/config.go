package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Env  string `mapstructure:"env"`
	Port int    `mapstructure:"port"`
}

func (a AppConfig) PortString() string { return fmt.Sprintf("%d", a.Port) }

func (a AppConfig) Development() bool { return a.Env != "production" }

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // mongo | pebble | memory
}

type MongoConfig struct {
	URI              string `mapstructure:"uri"`
	Database         string `mapstructure:"database"`
	ConversationColl string `mapstructure:"conversation_collection"`
	MessageColl      string `mapstructure:"message_collection"`
	UserColl         string `mapstructure:"user_collection"`
}

type PebbleConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type KafkaConfig struct {
	Brokers            []string `mapstructure:"brokers"`
	TopicEvents        string   `mapstructure:"topic_events"`
	TopicConversations string   `mapstructure:"topic_conversations"`
	GroupID            string   `mapstructure:"group_id"`
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type JWTConfig struct {
	Algorithm     string `mapstructure:"algorithm"`
	HSSecret      string `mapstructure:"hs_secret"`
	PublicKeyPath string `mapstructure:"public_key_path"`
}

type WSConfig struct {
	PingIntervalSeconds  int   `mapstructure:"ping_interval_seconds"`
	WriteDeadlineSeconds int   `mapstructure:"write_deadline_seconds"`
	MaxMessageSizeBytes  int64 `mapstructure:"max_message_size_bytes"`
	SendBuffer           int   `mapstructure:"send_buffer"`
	RateLimitPerSec      int   `mapstructure:"rate_limit_per_sec"`
}

type ChatConfig struct {
	PersistTimeoutMs int `mapstructure:"persist_timeout_ms"`
	SearchLimit      int `mapstructure:"search_limit"`
	BacklogBatch     int `mapstructure:"backlog_batch"`
	ConversationPage int `mapstructure:"conversation_page"`
}

type DirectoryConfig struct {
	Source         string `mapstructure:"source"` // mongo | http | none
	BaseURL        string `mapstructure:"base_url"`
	ConsulAddr     string `mapstructure:"consul_addr"`
	ConsulService  string `mapstructure:"consul_service"`
	TimeoutMs      int    `mapstructure:"timeout_ms"`
	CacheTTLSec    int    `mapstructure:"cache_ttl_seconds"`
	MaxFailures    uint32 `mapstructure:"breaker_max_failures"`
	BreakerOpenSec int    `mapstructure:"breaker_open_seconds"`
}

type RateLimitConfig struct {
	Requests  int `mapstructure:"requests"`
	WindowSec int `mapstructure:"window_seconds"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Store     StoreConfig     `mapstructure:"store"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Pebble    PebbleConfig    `mapstructure:"pebble"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	WS        WSConfig        `mapstructure:"ws"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Directory DirectoryConfig `mapstructure:"directory"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`

	// derived
	PingInterval     time.Duration `mapstructure:"-"`
	WriteDeadline    time.Duration `mapstructure:"-"`
	PersistTimeout   time.Duration `mapstructure:"-"`
	DirectoryTimeout time.Duration `mapstructure:"-"`
	DirectoryTTL     time.Duration `mapstructure:"-"`
	BreakerOpen      time.Duration `mapstructure:"-"`
	RateLimitWindow  time.Duration `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", 8085)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("mongo.database", "chat")
	v.SetDefault("mongo.conversation_collection", "conversations")
	v.SetDefault("mongo.message_collection", "messages")
	v.SetDefault("mongo.user_collection", "users")
	v.SetDefault("pebble.path", "data/chat")
	v.SetDefault("redis.prefix", "chat")
	v.SetDefault("kafka.topic_events", "chat.events")
	v.SetDefault("kafka.topic_conversations", "conversation.requested")
	v.SetDefault("kafka.group_id", "messaging-core")
	v.SetDefault("jwt.algorithm", "HS256")
	v.SetDefault("ws.ping_interval_seconds", 25)
	v.SetDefault("ws.write_deadline_seconds", 10)
	v.SetDefault("ws.max_message_size_bytes", 65536)
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("ws.rate_limit_per_sec", 20)
	v.SetDefault("chat.persist_timeout_ms", 3000)
	v.SetDefault("chat.search_limit", 50)
	v.SetDefault("chat.backlog_batch", 200)
	v.SetDefault("chat.conversation_page", 100)
	v.SetDefault("directory.source", "none")
	v.SetDefault("directory.consul_service", "user-service")
	v.SetDefault("directory.timeout_ms", 2000)
	v.SetDefault("directory.cache_ttl_seconds", 300)
	v.SetDefault("directory.breaker_max_failures", 5)
	v.SetDefault("directory.breaker_open_seconds", 30)
	v.SetDefault("rate_limit.requests", 120)
	v.SetDefault("rate_limit.window_seconds", 60)
	v.SetDefault("log.level", "info")
}

// Load reads the YAML file at path (optional) and overlays environment
// variables, e.g. KAFKA_BROKERS or MONGO_URI.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// AutomaticEnv does not reach keys Unmarshal has no default for.
	for _, key := range []string{"mongo.uri", "redis.addr", "redis.password", "jwt.hs_secret",
		"jwt.public_key_path", "kafka.brokers", "directory.base_url", "directory.consul_addr"} {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.derive()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) derive() {
	c.PingInterval = time.Duration(c.WS.PingIntervalSeconds) * time.Second
	c.WriteDeadline = time.Duration(c.WS.WriteDeadlineSeconds) * time.Second
	c.PersistTimeout = time.Duration(c.Chat.PersistTimeoutMs) * time.Millisecond
	c.DirectoryTimeout = time.Duration(c.Directory.TimeoutMs) * time.Millisecond
	c.DirectoryTTL = time.Duration(c.Directory.CacheTTLSec) * time.Second
	c.BreakerOpen = time.Duration(c.Directory.BreakerOpenSec) * time.Second
	c.RateLimitWindow = time.Duration(c.RateLimit.WindowSec) * time.Second
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "mongo":
		if c.Mongo.URI == "" {
			return errors.New("mongo.uri is required for the mongo store")
		}
	case "pebble":
		if c.Pebble.Path == "" {
			return errors.New("pebble.path is required for the pebble store")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch strings.ToUpper(c.JWT.Algorithm) {
	case "HS256":
		if c.JWT.HSSecret == "" {
			return errors.New("jwt.hs_secret is required for HS256")
		}
	case "RS256":
		if c.JWT.PublicKeyPath == "" {
			return errors.New("jwt.public_key_path is required for RS256")
		}
	default:
		return fmt.Errorf("unsupported jwt.algorithm %q", c.JWT.Algorithm)
	}

	switch c.Directory.Source {
	case "none", "mongo":
	case "http":
		if c.Directory.BaseURL == "" && c.Directory.ConsulAddr == "" {
			return errors.New("directory.base_url or directory.consul_addr is required for the http directory")
		}
	default:
		return fmt.Errorf("unknown directory.source %q", c.Directory.Source)
	}

	if c.Chat.SearchLimit <= 0 || c.Chat.BacklogBatch <= 0 {
		return errors.New("chat.search_limit and chat.backlog_batch must be positive")
	}
	if c.WS.SendBuffer <= 0 || c.WS.MaxMessageSizeBytes <= 0 {
		return errors.New("ws.send_buffer and ws.max_message_size_bytes must be positive")
	}
	if c.PersistTimeout <= 0 {
		return errors.New("chat.persist_timeout_ms must be positive")
	}
	return nil
}
