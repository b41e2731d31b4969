package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode   string `mapstructure:"mode"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`

	MySQLDSN  string `mapstructure:"mysql_dsn"`
	GCSBucket string `mapstructure:"gcs_bucket"`

	ReadLimit    int64 `mapstructure:"read_limit"`
	SendQueue    int   `mapstructure:"send_queue"`
	MessageLimit int   `mapstructure:"message_limit"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	RoomCleanupDelay  time.Duration `mapstructure:"room_cleanup_delay"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	StaleUserTimeout  time.Duration `mapstructure:"stale_user_timeout"`
	StuckUserTimeout  time.Duration `mapstructure:"stuck_user_timeout"`
	ChatDupWindow     time.Duration `mapstructure:"chat_duplicate_window"`
	APITimeout        time.Duration `mapstructure:"api_timeout"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("BOARDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "boardsync-dev-secret")
	v.SetDefault("mysql_dsn", "")
	v.SetDefault("gcs_bucket", "")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("send_queue", 64)
	v.SetDefault("message_limit", 100)
	v.SetDefault("heartbeat_interval", "30s")
	v.SetDefault("connection_timeout", "300s")
	v.SetDefault("room_cleanup_delay", "300s")
	v.SetDefault("cleanup_interval", "60s")
	v.SetDefault("stale_user_timeout", "600s")
	v.SetDefault("stuck_user_timeout", "300s")
	v.SetDefault("chat_duplicate_window", "10s")
	v.SetDefault("api_timeout", "10s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
