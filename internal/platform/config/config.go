package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the complete runtime configuration of the bridge.
type Config struct {
	BindHost        string
	ControlPort     int
	HTTPPort        int
	PublicDir       string
	HLSDir          string
	FFmpegPath      string
	SegmentSeconds  int
	PlaylistSize    int
	AddressPrefixes []string
	StrictAck       bool
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// FromEnv builds a Config from the environment, applying defaults for unset
// or unparsable values.
func FromEnv() Config {
	return Config{
		BindHost:        GetEnv("BIND_HOST", "0.0.0.0"),
		ControlPort:     GetEnvInt("CONTROL_PORT", 3000),
		HTTPPort:        GetEnvInt("HTTP_PORT", 8080),
		PublicDir:       GetEnv("PUBLIC_DIR", "web/public"),
		HLSDir:          GetEnv("HLS_DIR", "web/public/hls"),
		FFmpegPath:      GetEnv("FFMPEG_PATH", "ffmpeg"),
		SegmentSeconds:  GetEnvInt("SEGMENT_SECONDS", 2),
		PlaylistSize:    GetEnvInt("PLAYLIST_SIZE", 3),
		AddressPrefixes: GetEnvList("ADDRESS_PREFIXES", []string{"rtsp://"}),
		StrictAck:       GetEnvBool("STRICT_ACK", false),
		LogLevel:        GetEnv("LOG_LEVEL", "info"),
		LogFormat:       GetEnv("LOG_FORMAT", "json"),
		ShutdownTimeout: GetEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool returns the boolean value of key as understood by strconv.ParseBool.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvDuration returns the time.Duration value of key (e.g. "10s").
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

// GetEnvList splits a comma-separated variable, dropping empty items.
func GetEnvList(key string, fallback []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
