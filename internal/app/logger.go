package app

import (
	"strings"

	"github.com/opencampus/registrar/pkg/logger"
)

// ConfigureLogging initialises the global logger from the server section.
// The "warning" spelling is folded into zap's "warn" before it reaches the
// level parser.
func ConfigureLogging(cfg ServerConfig) error {
	level := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	switch level {
	case "":
		level = "info"
	case "warning":
		level = "warn"
	}
	return logger.Init(level)
}
