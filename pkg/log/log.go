// Package log builds the zap logger shared by the daemon's components.
package log

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the logger flavour.
type Config struct {
	// Environment "production" yields sampled JSON output with ISO8601
	// timestamps; anything else a development console logger.
	Environment string `mapstructure:"environment"`
	Level       string `mapstructure:"level"`
	// Format is "json" or "console". Empty keeps the environment default.
	Format string `mapstructure:"format"`
	// OutputPaths defaults to stdout.
	OutputPaths []string `mapstructure:"output_paths"`
}

// New builds a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	zc := buildConfig(cfg)
	return zc.Build(zap.AddCaller())
}

func buildConfig(cfg Config) zap.Config {
	var zc zap.Config
	if strings.EqualFold(cfg.Environment, "production") {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.DisableStacktrace = true
		zc.Sampling = &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		}
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(ParseLevel(cfg.Level))

	switch strings.ToLower(cfg.Format) {
	case "json":
		zc.Encoding = "json"
		zc.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	case "console":
		zc.Encoding = "console"
	}

	zc.OutputPaths = []string{"stdout"}
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc
}

// ParseLevel maps a level name onto a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
