package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LogLevel       string
	LogFormat      string
	PionLogLevel   string
	Redis          RedisConfig
	Relay          RelayConfig
	Media          MediaConfig
	ICEServers     []webrtc.ICEServer
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// RelayConfig controls how participants reach the signaling relay and how the
// relay server polices websocket clients.
type RelayConfig struct {
	Mode            string // "redis" or "ws"
	URL             string // base websocket URL of the relay server, e.g. ws://localhost:8080
	SignalRateLimit float64
	SignalRateBurst int64
	PresenceTTLSecs int
}

// MediaConfig points the file capturer at local IVF/Ogg sources.
type MediaConfig struct {
	CameraVideo  string
	CameraAudio  string
	DisplayVideo string
	Width        int
	Height       int
}

func Load() *Config {
	// Optional .env for local development
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("JWT_SECRET", "change-me-in-production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("PION_LOG_LEVEL", "warn")
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("RELAY_MODE", "redis")
	v.SetDefault("RELAY_URL", "ws://localhost:8080")
	v.SetDefault("SIGNAL_RATE_LIMIT", 50.0)
	v.SetDefault("SIGNAL_RATE_BURST", 200)
	v.SetDefault("PRESENCE_TTL_SECONDS", 30)
	v.SetDefault("ICE_SERVERS", "stun:stun.l.google.com:19302")
	v.SetDefault("MEDIA_CAMERA_VIDEO", "")
	v.SetDefault("MEDIA_CAMERA_AUDIO", "")
	v.SetDefault("MEDIA_DISPLAY_VIDEO", "")
	v.SetDefault("MEDIA_WIDTH", 1280)
	v.SetDefault("MEDIA_HEIGHT", 720)

	return &Config{
		Port:           v.GetString("PORT"),
		Environment:    v.GetString("ENVIRONMENT"),
		AllowedOrigins: splitList(v.GetString("ALLOWED_ORIGINS")),
		JWTSecret:      v.GetString("JWT_SECRET"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		LogFormat:      v.GetString("LOG_FORMAT"),
		PionLogLevel:   v.GetString("PION_LOG_LEVEL"),
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetString("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Relay: RelayConfig{
			Mode:            v.GetString("RELAY_MODE"),
			URL:             v.GetString("RELAY_URL"),
			SignalRateLimit: v.GetFloat64("SIGNAL_RATE_LIMIT"),
			SignalRateBurst: v.GetInt64("SIGNAL_RATE_BURST"),
			PresenceTTLSecs: v.GetInt("PRESENCE_TTL_SECONDS"),
		},
		Media: MediaConfig{
			CameraVideo:  v.GetString("MEDIA_CAMERA_VIDEO"),
			CameraAudio:  v.GetString("MEDIA_CAMERA_AUDIO"),
			DisplayVideo: v.GetString("MEDIA_DISPLAY_VIDEO"),
			Width:        v.GetInt("MEDIA_WIDTH"),
			Height:       v.GetInt("MEDIA_HEIGHT"),
		},
		ICEServers: parseICEServers(v.GetString("ICE_SERVERS")),
	}
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseICEServers(s string) []webrtc.ICEServer {
	urls := splitList(s)
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
