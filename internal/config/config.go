package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	defaultTransport       = "stdio"
	defaultProtoDebugFile  = "out.bin"
	defaultCORSOrigins     = "*"
	defaultShutdownTimeout = 10 * time.Second

	envLogLevel        = "TASKWORKER_LOG_LEVEL"
	envTransport       = "TASKWORKER_TRANSPORT"
	envProtoDebug      = "TASKWORKER_PROTO_DEBUG"
	envProtoDebugFile  = "TASKWORKER_PROTO_DEBUG_FILE"
	envDiagAddr        = "TASKWORKER_DIAG_ADDR"
	envCORSOrigins     = "TASKWORKER_CORS_ORIGINS"
	envHistoryDB       = "TASKWORKER_HISTORY_DB"
	envWasmDir         = "TASKWORKER_WASM_DIR"
	envCatalog         = "TASKWORKER_CATALOG"
	envShutdownTimeout = "TASKWORKER_SHUTDOWN_TIMEOUT"
)

// Config holds worker configuration loaded from environment variables.
type Config struct {
	LogLevel slog.Level

	// Transport selects the protocol stream: "stdio", "unix:<path>" or "vsock:<port>".
	Transport string

	// ProtoDebugFile receives a copy of every outbound protocol byte when
	// non-empty.
	ProtoDebugFile string

	// DiagAddr is the diagnostics HTTP listen address. Empty disables it.
	DiagAddr    string
	CORSOrigins []string

	// HistoryDB is the SQLite task history path. Empty disables history.
	HistoryDB string

	WasmDir string
	Catalog string

	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		LogLevel:        slog.LevelInfo,
		Transport:       defaultTransport,
		CORSOrigins:     splitList(defaultCORSOrigins),
		ShutdownTimeout: defaultShutdownTimeout,
	}

	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	if v := os.Getenv(envTransport); v != "" {
		cfg.Transport = v
	}
	if strings.TrimSpace(os.Getenv(envProtoDebug)) != "" {
		cfg.ProtoDebugFile = defaultProtoDebugFile
		if v := os.Getenv(envProtoDebugFile); v != "" {
			cfg.ProtoDebugFile = v
		}
	}
	if v := os.Getenv(envDiagAddr); v != "" {
		cfg.DiagAddr = v
	}
	if v := os.Getenv(envCORSOrigins); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if v := os.Getenv(envHistoryDB); v != "" {
		cfg.HistoryDB = v
	}
	if v := os.Getenv(envWasmDir); v != "" {
		cfg.WasmDir = v
	}
	if v := os.Getenv(envCatalog); v != "" {
		cfg.Catalog = v
	}
	if v := os.Getenv(envShutdownTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ShutdownTimeout = d
		}
	}

	return cfg
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
// The worker passes os.Stderr: stdout may carry the protocol.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}
