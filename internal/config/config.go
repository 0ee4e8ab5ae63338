package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr string

	DatabaseURL string
	RedisURL    string

	JWTSecret string
	TokenTTL  time.Duration

	AllowedOrigins []string

	StrictMoves    bool
	RoomCodeLength int
	InboxSize      int
	SendBuffer     int

	MsgCatalogDir string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:     ":3000",
		TokenTTL:       24 * time.Hour,
		RoomCodeLength: 6,
		InboxSize:      256,
		SendBuffer:     32,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.JWTSecret = strings.TrimSpace(os.Getenv("JWT_SECRET"))

	if v := strings.TrimSpace(os.Getenv("TOKEN_TTL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.TokenTTL = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); v != "" {
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, s)
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv("STRICT_MOVES")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.StrictMoves = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("ROOM_CODE_LENGTH")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RoomCodeLength = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("INBOX_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.InboxSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SEND_BUFFER")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SendBuffer = n
		}
	}
	cfg.MsgCatalogDir = strings.TrimSpace(os.Getenv("MSGCAT_DIR"))

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return cfg, nil
}
