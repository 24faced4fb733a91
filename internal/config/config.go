package config

import (
	"time"

	pkgconfig "github.com/servify/chat-service/pkg/config"
	"github.com/servify/chat-service/pkg/log"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	WebSocket WebSocketConfig
	Log       log.Config
}

type ServerConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type WebSocketConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ClientTimeout     time.Duration `mapstructure:"client_timeout"`
	WriteWait         time.Duration `mapstructure:"write_wait"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	SendBuffer        int           `mapstructure:"send_buffer"`
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("auth.jwt_secret", "your-secret-key")
	v.SetDefault("websocket.heartbeat_interval", "5s")
	v.SetDefault("websocket.client_timeout", "10s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service_name", "chat-service")

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.WebSocket.HeartbeatInterval = parseDuration(v, "websocket.heartbeat_interval", 5*time.Second)
	cfg.WebSocket.ClientTimeout = parseDuration(v, "websocket.client_timeout", 10*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
