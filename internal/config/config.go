// Package config loads worker settings from the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/seantiz/dmworker/internal/protocol"
)

const (
	defaultEnvFile     = ".env"
	defaultJournalPath = ":memory:"

	// JournalOff disables the command journal.
	JournalOff = "off"

	envEnvFile              = "DMWORKER_ENV_FILE"
	envLogLevel             = "DMWORKER_LOG_LEVEL"
	envLibDir               = "DMWORKER_LIB_DIR"
	envRealMouse            = "DMWORKER_REAL_MOUSE"
	envUnknownCommandEchoOK = "DMWORKER_UNKNOWN_COMMAND_ECHO_OK"
	envJournalPath          = "DMWORKER_JOURNAL_PATH"
	envDiagAddr             = "DMWORKER_DIAG_ADDR"
	envMaxLineBytes         = "DMWORKER_MAX_LINE_BYTES"
)

// RealMouse holds the EnableRealMouse arguments applied at startup.
type RealMouse struct {
	Enable     int
	MouseDelay int
	MouseStep  int
}

// DefaultRealMouse is the engine's human-like mouse mode used at startup.
var DefaultRealMouse = RealMouse{Enable: 1, MouseDelay: 30, MouseStep: 20}

// Args returns the values in the engine's parameter order.
func (m RealMouse) Args() []any {
	return []any{int64(m.Enable), int64(m.MouseDelay), int64(m.MouseStep)}
}

// Config holds worker configuration loaded from environment variables.
type Config struct {
	LogLevel             slog.Level
	LibDir               string
	RealMouse            RealMouse
	UnknownCommandEchoOK bool
	// JournalPath is the SQLite journal location; empty disables the journal.
	JournalPath  string
	DiagAddr     string
	MaxLineBytes int
}

// Default returns the configuration used when no variables are set. LibDir
// is left empty; Load fills it with the executable's directory.
func Default() Config {
	return Config{
		LogLevel:             slog.LevelInfo,
		RealMouse:            DefaultRealMouse,
		UnknownCommandEchoOK: true,
		JournalPath:          defaultJournalPath,
		MaxLineBytes:         protocol.DefaultMaxLineBytes,
	}
}

// Load reads configuration from environment variables with sensible
// defaults. Variables from a .env file are applied first without overriding
// the real environment; a missing file is not an error.
func Load() (Config, error) {
	envFile := defaultEnvFile
	if v := os.Getenv(envEnvFile); v != "" {
		envFile = v
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Default()

	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	if v := os.Getenv(envLibDir); v != "" {
		cfg.LibDir = v
	} else {
		exe, err := os.Executable()
		if err != nil {
			return Config{}, fmt.Errorf("locate executable: %w", err)
		}
		cfg.LibDir = filepath.Dir(exe)
	}

	if v := os.Getenv(envRealMouse); v != "" {
		m, err := parseRealMouse(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envRealMouse, err)
		}
		cfg.RealMouse = m
	}

	if v := os.Getenv(envUnknownCommandEchoOK); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envUnknownCommandEchoOK, err)
		}
		cfg.UnknownCommandEchoOK = b
	}

	if v := os.Getenv(envJournalPath); v != "" {
		cfg.JournalPath = v
	}
	if strings.EqualFold(cfg.JournalPath, JournalOff) {
		cfg.JournalPath = ""
	}

	cfg.DiagAddr = os.Getenv(envDiagAddr)

	if v := os.Getenv(envMaxLineBytes); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%s: invalid byte count %q", envMaxLineBytes, v)
		}
		cfg.MaxLineBytes = n
	}

	return cfg, nil
}

func parseRealMouse(s string) (RealMouse, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return RealMouse{}, fmt.Errorf("want enable,delay,step, got %q", s)
	}
	var vals [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return RealMouse{}, fmt.Errorf("parse %q: %w", p, err)
		}
		vals[i] = n
	}
	return RealMouse{Enable: vals[0], MouseDelay: vals[1], MouseStep: vals[2]}, nil
}

func parseLogLevel(s string) slog.Level {
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
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
