package cmd

import (
	"fmt"

	"go.uber.org/zap"
)

func newLogger(level, style string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	var cfg zap.Config
	switch style {
	case "json":
		cfg = zap.NewProductionConfig()
	case "terminal", "":
		cfg = zap.NewDevelopmentConfig()
	case "noop":
		return zap.NewNop(), nil
	default:
		return nil, fmt.Errorf("unknown log style %q", style)
	}
	cfg.Level = lvl
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
