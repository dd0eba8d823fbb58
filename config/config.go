package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Nats     NatsConfig     `mapstructure:"nats"`
	Ocpp     OcppConfig     `mapstructure:"ocpp"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type NatsConfig struct {
	URL string `mapstructure:"url"`
}

type OcppConfig struct {
	// HeartbeatInterval is the interval, in seconds, handed to charge
	// points in the BootNotification response.
	HeartbeatInterval int `mapstructure:"heartbeat_interval"`
	// CommandTimeout is how long, in seconds, an outbound command waits
	// for the charge point's answer.
	CommandTimeout int `mapstructure:"command_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func (s ServerConfig) ListenAddress() string {
	return fmt.Sprintf("%v:%v", s.Host, s.Port)
}

func setDefaults() {
	viper.SetDefault("server.host", "")
	viper.SetDefault("server.port", 8887)
	viper.SetDefault("database.path", "csms.db")
	viper.SetDefault("nats.url", "nats://localhost:4222")
	viper.SetDefault("ocpp.heartbeat_interval", 300)
	viper.SetDefault("ocpp.command_timeout", 30)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	viper.SetEnvPrefix("CSMS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.BindEnv("server.port", "CSMS_PORT")
	viper.BindEnv("database.path", "CSMS_DATABASE_PATH")
	viper.BindEnv("nats.url", "CSMS_NATS_URL")
	viper.BindEnv("logging.level", "CSMS_LOG_LEVEL")

	if err := viper.ReadInConfig(); err != nil {
		// A missing file is fine, defaults and environment take over.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
