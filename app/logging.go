package app

import (
	"os"
	"strings"

	"example/chat-gateway/app/config"

	log "github.com/sirupsen/logrus"
)

// InitLogging configures the global logger from LOG_LEVEL and LOG_STYLE.
func InitLogging(cfg config.LogConfig) {
	log.SetOutput(os.Stdout)
	if strings.EqualFold(cfg.Style, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level, err := log.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
