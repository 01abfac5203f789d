package app

import (
	"context"
	"time"

	"example/chat-gateway/app/config"
	"example/chat-gateway/app/llm"
	"example/chat-gateway/app/models"

	log "github.com/sirupsen/logrus"
)

const DefaultContextLimit = 10

type RelayConfig struct {
	ContextLimit int
	Timeout      time.Duration
	// FallbackMessage replaces the reply on any upstream failure.
	FallbackMessage string
}

// Relay forwards a message and recent context to the model. It never returns
// an error: failures become the fallback message.
type Relay struct {
	completer llm.Completer
	cfg       RelayConfig
	metrics   *Metrics
}

func NewRelay(completer llm.Completer, cfg RelayConfig, metrics *Metrics) *Relay {
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = DefaultContextLimit
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = config.DefaultRelayFallback
	}
	return &Relay{completer: completer, cfg: cfg, metrics: metrics}
}

// recentTurns keeps the last limit messages.
func recentTurns(history []models.Message, limit int) []llm.Turn {
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	turns := make([]llm.Turn, 0, len(history))
	for _, m := range history {
		turns = append(turns, llm.Turn{Role: string(m.Role), Content: m.Content})
	}
	return turns
}

func (r *Relay) Relay(ctx context.Context, message string, history []models.Message) string {
	if r.completer == nil {
		log.Warn("relay: no completer configured")
		r.metrics.relayFallback()
		return r.cfg.FallbackMessage
	}
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	reply, err := r.completer.Complete(ctx, message, recentTurns(history, r.cfg.ContextLimit))
	if err != nil {
		log.WithError(err).Warn("relay failed, using fallback message")
		r.metrics.relayFallback()
		return r.cfg.FallbackMessage
	}
	return reply
}
