package app

import (
	"testing"

	"example/chat-gateway/app/config"

	log "github.com/sirupsen/logrus"
)

func TestInitLogging(t *testing.T) {
	prevLevel, prevFormatter := log.GetLevel(), log.StandardLogger().Formatter
	t.Cleanup(func() {
		log.SetLevel(prevLevel)
		log.SetFormatter(prevFormatter)
	})

	InitLogging(config.LogConfig{Style: "json", Level: "debug"})
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("level = %v, want debug", log.GetLevel())
	}
	if _, ok := log.StandardLogger().Formatter.(*log.JSONFormatter); !ok {
		t.Fatalf("formatter = %T, want JSON", log.StandardLogger().Formatter)
	}

	InitLogging(config.LogConfig{Level: "chatty"})
	if log.GetLevel() != log.InfoLevel {
		t.Fatalf("unknown level should fall back to info, got %v", log.GetLevel())
	}
}
