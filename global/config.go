package global

import (
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"commune/logger"
)

// AppConfig is the whole process configuration. Every field has a
// usable default; a YAML file pointed at by COMMUNE_CONFIG overrides
// individual keys.
type AppConfig struct {
	NodeID   int64  `mapstructure:"node_id"`
	Addr     string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`

	// AllowedOrigins for websocket upgrades; empty allows any.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// Session layer.
	HeartbeatIntervalMS int `mapstructure:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int `mapstructure:"heartbeat_timeout_ms"`
	RequestTimeoutMS    int `mapstructure:"request_timeout_ms"`
	SendQueueSize       int `mapstructure:"send_queue_size"`

	// Rate limiting: bucket capacity and refill per minute.
	RateLimitBurst     int `mapstructure:"rate_limit_burst"`
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`

	// Domain limits (reference values from the original deployment).
	MaxMessageLen              int `mapstructure:"max_message_len"`
	MaxUsernameLen             int `mapstructure:"max_username_len"`
	MinUsernameLen             int `mapstructure:"min_username_len"`
	MaxDisplayNameLen          int `mapstructure:"max_display_name_len"`
	MinDisplayNameLen          int `mapstructure:"min_display_name_len"`
	MinPasswordLen             int `mapstructure:"min_password_len"`
	MaxCommunityNameLen        int `mapstructure:"max_community_name_len"`
	MaxRoomNameLen             int `mapstructure:"max_room_name_len"`
	MaxInviteCodesPerCommunity int `mapstructure:"max_invite_codes_per_community"`
	TokenStaleDays             int `mapstructure:"token_stale_days"`

	// Backing services. Empty addr disables the component.
	Mongo MongoConfig `mapstructure:"mongo"`
	Redis RedisConfig `mapstructure:"redis"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

var Config = defaults()

func defaults() AppConfig {
	return AppConfig{
		NodeID:              1,
		Addr:                "127.0.0.1:8443",
		JWTSecret:           "",
		HeartbeatIntervalMS: 5000,
		HeartbeatTimeoutMS:  15000,
		RequestTimeoutMS:    5000,
		SendQueueSize:       256,
		RateLimitBurst:      100,
		RateLimitPerMinute:  600,

		MaxMessageLen:              2500,
		MaxUsernameLen:             64,
		MinUsernameLen:             1,
		MaxDisplayNameLen:          64,
		MinDisplayNameLen:          1,
		MinPasswordLen:             12,
		MaxCommunityNameLen:        64,
		MaxRoomNameLen:             64,
		MaxInviteCodesPerCommunity: 64,
		TokenStaleDays:             7,

		Mongo: MongoConfig{Database: "commune"},
	}
}

// Load reads the YAML file named by COMMUNE_CONFIG (if any) over the
// defaults. Unknown keys are ignored so old configs keep working.
func Load() error {
	path := os.Getenv("COMMUNE_CONFIG")
	if path == "" {
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var tree map[string]interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return err
	}

	if err := mapstructure.Decode(tree, &Config); err != nil {
		return err
	}

	logger.Infof("config loaded from %s", path)
	return nil
}

func (c *AppConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

func (c *AppConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMS) * time.Millisecond
}

func (c *AppConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}
