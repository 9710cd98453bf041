package logger

import (
	"io"
	stdlog "log"
	"os"
	"strings"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

type Config struct {
	Level    string
	Pretty   bool
	Service  string
	Instance string
	// SampleN keeps one in N debug and info events. Warnings and errors are never sampled.
	SampleN uint32
}

// Init replaces the global zerolog logger and routes the standard library
// logger through it. Call once at startup.
func Init(cfg Config) {
	InitWithWriter(cfg, os.Stdout)
}

func InitWithWriter(cfg Config, out io.Writer) {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = out
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	if cfg.Instance != "" {
		ctx = ctx.Str("instance", cfg.Instance)
	}
	logger := ctx.Logger()

	if cfg.SampleN > 1 {
		logger = logger.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.SampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.SampleN},
		})
	}

	zlog.Logger = logger

	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}
