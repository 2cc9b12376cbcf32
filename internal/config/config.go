package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the gateway listens on.
	DefaultAddr = ":8420"
	// DefaultGRPCAddr is where the collaborator gRPC API listens. Empty disables it.
	DefaultGRPCAddr = ""
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20

	// DefaultPingInterval is the base keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultAdaptivePing widens the ping interval under high measured latency.
	DefaultAdaptivePing = true
	// DefaultIdleTimeout closes connections with no inbound traffic for this long.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultPongTimeout closes connections that stop answering pings.
	DefaultPongTimeout = 60 * time.Second

	// DefaultMaxConnectionsPerRoom caps cluster-wide room membership.
	DefaultMaxConnectionsPerRoom = 1000
	// DefaultResubscribeBatch bounds how many rooms are re-joined per batch.
	DefaultResubscribeBatch = 10

	// DefaultBroadcastBatch is the per-room outbound batch size.
	DefaultBroadcastBatch = 10
	// DefaultBroadcastFlush forces a partial batch out after this interval.
	DefaultBroadcastFlush = 50 * time.Millisecond
	// DefaultBroadcastQueueCap bounds a room's outbound queue before drop-oldest kicks in.
	DefaultBroadcastQueueCap = 100

	// DefaultRetryQueueSize bounds the per-connection retry queue.
	DefaultRetryQueueSize = 50
	// DefaultRetryTTL expires queued retry entries.
	DefaultRetryTTL = 60 * time.Second
	// DefaultBackoffBase seeds the exponential reconnect backoff.
	DefaultBackoffBase = time.Second
	// DefaultBackoffMax caps the exponential reconnect backoff.
	DefaultBackoffMax = 30 * time.Second

	// DefaultInboundRate limits inbound frames per connection per second.
	DefaultInboundRate = 20
	// DefaultInboundBurst is the rate limiter burst allowance.
	DefaultInboundBurst = 40

	// DefaultRedisAddr locates the pub/sub broker.
	DefaultRedisAddr = "127.0.0.1:6379"
	// DefaultHistoryLimit bounds the replayed room history. Zero disables replay.
	DefaultHistoryLimit = 100

	// DefaultLogLevel controls verbosity for gateway logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "gateway.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// GRPCAuthMode selects how the collaborator gRPC API authenticates callers.
type GRPCAuthMode string

const (
	// GRPCAuthModeSharedSecret expects a shared secret in request metadata.
	GRPCAuthModeSharedSecret GRPCAuthMode = "shared_secret"
	// GRPCAuthModeMTLS requires mutual TLS between the gateway and callers.
	GRPCAuthModeMTLS GRPCAuthMode = "mtls"
)

// Config captures all runtime tunables for the gateway service.
type Config struct {
	Address         string
	AllowedOrigins  []string
	MaxPayloadBytes int64

	PingInterval time.Duration
	AdaptivePing bool
	IdleTimeout  time.Duration
	PongTimeout  time.Duration

	MaxConnectionsPerRoom int
	ResubscribeBatch      int

	BroadcastBatch    int
	BroadcastFlush    time.Duration
	BroadcastQueueCap int

	RetryQueueSize int
	RetryTTL       time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration

	InboundRate  float64
	InboundBurst int

	RedisAddr     string
	RedisPassword string
	HistoryLimit  int

	AuthSecret string
	AdminToken string

	GRPCAddr           string
	GRPCAuthMode       GRPCAuthMode
	GRPCSharedSecret   string
	GRPCServerCertPath string
	GRPCServerKeyPath  string
	GRPCClientCAPath   string

	TLSCertPath string
	TLSKeyPath  string

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the gateway configuration from environment variables, applying sane
// defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:               getString("GATEWAY_ADDR", DefaultAddr),
		AllowedOrigins:        parseList(os.Getenv("GATEWAY_ALLOWED_ORIGINS")),
		MaxPayloadBytes:       DefaultMaxPayloadBytes,
		PingInterval:          DefaultPingInterval,
		AdaptivePing:          DefaultAdaptivePing,
		IdleTimeout:           DefaultIdleTimeout,
		PongTimeout:           DefaultPongTimeout,
		MaxConnectionsPerRoom: DefaultMaxConnectionsPerRoom,
		ResubscribeBatch:      DefaultResubscribeBatch,
		BroadcastBatch:        DefaultBroadcastBatch,
		BroadcastFlush:        DefaultBroadcastFlush,
		BroadcastQueueCap:     DefaultBroadcastQueueCap,
		RetryQueueSize:        DefaultRetryQueueSize,
		RetryTTL:              DefaultRetryTTL,
		BackoffBase:           DefaultBackoffBase,
		BackoffMax:            DefaultBackoffMax,
		InboundRate:           DefaultInboundRate,
		InboundBurst:          DefaultInboundBurst,
		RedisAddr:             getString("GATEWAY_REDIS_ADDR", DefaultRedisAddr),
		RedisPassword:         strings.TrimSpace(os.Getenv("GATEWAY_REDIS_PASSWORD")),
		HistoryLimit:          DefaultHistoryLimit,
		AuthSecret:            strings.TrimSpace(os.Getenv("GATEWAY_AUTH_SECRET")),
		AdminToken:            strings.TrimSpace(os.Getenv("GATEWAY_ADMIN_TOKEN")),
		GRPCAddr:              getString("GATEWAY_GRPC_ADDR", DefaultGRPCAddr),
		GRPCAuthMode:          GRPCAuthModeSharedSecret,
		GRPCSharedSecret:      strings.TrimSpace(os.Getenv("GATEWAY_GRPC_SHARED_SECRET")),
		GRPCServerCertPath:    strings.TrimSpace(os.Getenv("GATEWAY_GRPC_SERVER_CERT")),
		GRPCServerKeyPath:     strings.TrimSpace(os.Getenv("GATEWAY_GRPC_SERVER_KEY")),
		GRPCClientCAPath:      strings.TrimSpace(os.Getenv("GATEWAY_GRPC_CLIENT_CA")),
		TLSCertPath:           strings.TrimSpace(os.Getenv("GATEWAY_TLS_CERT")),
		TLSKeyPath:            strings.TrimSpace(os.Getenv("GATEWAY_TLS_KEY")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("GATEWAY_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("GATEWAY_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	parsePositiveInt64(&problems, "GATEWAY_MAX_PAYLOAD_BYTES", &cfg.MaxPayloadBytes)
	parsePositiveDuration(&problems, "GATEWAY_PING_INTERVAL", &cfg.PingInterval)
	parseBool(&problems, "GATEWAY_ADAPTIVE_PING", &cfg.AdaptivePing)
	parsePositiveDuration(&problems, "GATEWAY_IDLE_TIMEOUT", &cfg.IdleTimeout)
	parsePositiveDuration(&problems, "GATEWAY_PONG_TIMEOUT", &cfg.PongTimeout)
	parsePositiveInt(&problems, "GATEWAY_ROOM_CAP", &cfg.MaxConnectionsPerRoom)
	parsePositiveInt(&problems, "GATEWAY_RESUBSCRIBE_BATCH", &cfg.ResubscribeBatch)
	parsePositiveInt(&problems, "GATEWAY_BROADCAST_BATCH", &cfg.BroadcastBatch)
	parsePositiveDuration(&problems, "GATEWAY_BROADCAST_FLUSH", &cfg.BroadcastFlush)
	parsePositiveInt(&problems, "GATEWAY_BROADCAST_QUEUE_CAP", &cfg.BroadcastQueueCap)
	parsePositiveInt(&problems, "GATEWAY_RETRY_QUEUE_SIZE", &cfg.RetryQueueSize)
	parsePositiveDuration(&problems, "GATEWAY_RETRY_TTL", &cfg.RetryTTL)
	parsePositiveDuration(&problems, "GATEWAY_BACKOFF_BASE", &cfg.BackoffBase)
	parsePositiveDuration(&problems, "GATEWAY_BACKOFF_MAX", &cfg.BackoffMax)
	parsePositiveInt(&problems, "GATEWAY_INBOUND_BURST", &cfg.InboundBurst)
	parseNonNegativeInt(&problems, "GATEWAY_HISTORY_LIMIT", &cfg.HistoryLimit)
	parsePositiveInt(&problems, "GATEWAY_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB)
	parseNonNegativeInt(&problems, "GATEWAY_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups)
	parseNonNegativeInt(&problems, "GATEWAY_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays)
	parseBool(&problems, "GATEWAY_LOG_COMPRESS", &cfg.Logging.Compress)

	if raw := strings.TrimSpace(os.Getenv("GATEWAY_INBOUND_RATE")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("GATEWAY_INBOUND_RATE must be a positive number, got %q", raw))
		} else {
			cfg.InboundRate = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("GATEWAY_GRPC_AUTH_MODE")); raw != "" {
		switch GRPCAuthMode(strings.ToLower(raw)) {
		case GRPCAuthModeSharedSecret:
			cfg.GRPCAuthMode = GRPCAuthModeSharedSecret
		case GRPCAuthModeMTLS:
			cfg.GRPCAuthMode = GRPCAuthModeMTLS
		default:
			problems = append(problems, fmt.Sprintf("GATEWAY_GRPC_AUTH_MODE must be %q or %q, got %q",
				GRPCAuthModeSharedSecret, GRPCAuthModeMTLS, raw))
		}
	}

	if cfg.BackoffMax < cfg.BackoffBase {
		problems = append(problems, "GATEWAY_BACKOFF_MAX must not be smaller than GATEWAY_BACKOFF_BASE")
	}
	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "GATEWAY_TLS_CERT and GATEWAY_TLS_KEY must be provided together")
	}
	if cfg.GRPCAddr != "" {
		switch cfg.GRPCAuthMode {
		case GRPCAuthModeSharedSecret:
			if cfg.GRPCSharedSecret == "" {
				problems = append(problems, "GATEWAY_GRPC_SHARED_SECRET is required when the gRPC API is enabled")
			}
		case GRPCAuthModeMTLS:
			if cfg.GRPCServerCertPath == "" || cfg.GRPCServerKeyPath == "" || cfg.GRPCClientCAPath == "" {
				problems = append(problems, "GATEWAY_GRPC_SERVER_CERT, GATEWAY_GRPC_SERVER_KEY and GATEWAY_GRPC_CLIENT_CA are required for mTLS")
			}
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func parsePositiveInt(problems *[]string, key string, target *int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return
	}
	*target = value
}

func parseNonNegativeInt(problems *[]string, key string, target *int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a non-negative integer, got %q", key, raw))
		return
	}
	*target = value
}

func parsePositiveInt64(problems *[]string, key string, target *int64) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return
	}
	*target = value
}

func parsePositiveDuration(problems *[]string, key string, target *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	duration, err := time.ParseDuration(raw)
	if err != nil || duration <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	*target = duration
}

func parseBool(problems *[]string, key string, target *bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s must be a boolean value, got %q", key, raw))
		return
	}
	*target = value
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
