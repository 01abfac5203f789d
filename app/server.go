package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"example/chat-gateway/app/config"
	"example/chat-gateway/app/firestore"
	"example/chat-gateway/app/llm"
	"example/chat-gateway/app/memstore"
	"example/chat-gateway/app/pgstore"
	"example/chat-gateway/auth"

	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79"
	portal "github.com/stripe/stripe-go/v79/billingportal/session"
	"github.com/stripe/stripe-go/v79/checkout/session"
)

// Deps are the external collaborators a Server runs against.
type Deps struct {
	Docs DocumentStore
	// Completer backs the chat relay.
	Completer llm.Completer
	// Proxy backs POST /api/relay. Nil answers 500.
	Proxy    llm.Completer
	Limiter  *BurstLimiter
	Verifier *auth.Verifier
	Metrics  *Metrics
}

// Server holds the components behind the HTTP handlers.
type Server struct {
	cfg           *config.Config
	docs          DocumentStore
	users         *Users
	guard         *Guard
	conversations *ConversationStore
	relay         *Relay
	proxy         llm.Completer
	billing       *BillingSync
	limiter       *BurstLimiter
	verifier      *auth.Verifier
	metrics       *Metrics

	newCheckoutSession func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	newPortalSession   func(*stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	forward := cfg.Firestore.ForwardUserToken
	users := NewUsers(deps.Docs, forward)
	if deps.Limiter != nil && deps.Limiter.metrics == nil {
		deps.Limiter.metrics = metrics
	}

	return &Server{
		cfg:   cfg,
		docs:  deps.Docs,
		users: users,
		guard: NewGuard(users, GuardConfig{
			Limit:       cfg.Usage.FreeTierLimit,
			FailOpen:    cfg.Usage.FailOpen,
			ResetPeriod: cfg.Usage.ResetPeriod,
		}, metrics),
		conversations: NewConversationStore(deps.Docs, forward),
		relay: NewRelay(deps.Completer, RelayConfig{
			ContextLimit:    cfg.Relay.ContextLimit,
			Timeout:         time.Duration(cfg.Relay.TimeoutSeconds) * time.Second,
			FallbackMessage: cfg.Relay.FallbackMessage,
		}, metrics),
		proxy:              deps.Proxy,
		billing:            NewBillingSync(deps.Docs, metrics),
		limiter:            deps.Limiter,
		verifier:           deps.Verifier,
		metrics:            metrics,
		newCheckoutSession: session.New,
		newPortalSession:   portal.New,
	}
}

// OpenDocumentStore connects the configured backend.
func OpenDocumentStore(ctx context.Context, cfg *config.Config) (DocumentStore, func() error, error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		store, err := pgstore.Open(ctx, cfg.DB.DSN())
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		log.Println("Connected to Postgres")
		return store, store.Close, nil
	case config.BackendMemory:
		log.Warn("using in-memory document store; data is lost on exit")
		return memstore.New(), func() error { return nil }, nil
	default:
		fcfg := firestore.Config{
			ProjectID:    cfg.Firestore.ProjectID,
			BaseURL:      cfg.Firestore.BaseURL,
			EmulatorHost: cfg.Firestore.EmulatorHost,
		}
		if path := cfg.Firestore.CredentialsFile; path != "" {
			raw, err := os.ReadFile(path)
			if err != nil {
				return nil, nil, fmt.Errorf("read credentials: %w", err)
			}
			fcfg.CredentialsJSON = raw
		}
		client, err := firestore.NewClient(ctx, fcfg)
		if err != nil {
			return nil, nil, err
		}
		return client, func() error { return nil }, nil
	}
}

// NewCompleters picks the chat completer and the proxy completer from config.
func NewCompleters(cfg config.RelayConfig) (chat llm.Completer, proxy llm.Completer) {
	if cfg.APIKey != "" {
		proxy = &llm.AnthropicClient{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.APIURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}
	}
	if cfg.URL != "" {
		return &llm.EndpointClient{URL: cfg.URL}, proxy
	}
	return proxy, proxy
}

// MustInitServer builds a Server from the environment and exits on failure.
// The returned func releases the store.
func MustInitServer(ctx context.Context) (*Server, func()) {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	InitLogging(cfg.Logs)
	stripe.Key = cfg.Stripe.SecretKey

	docs, closeDocs, err := OpenDocumentStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open document store: %v", err)
	}

	var verifier *auth.Verifier
	if !auth.AuthDisabled() {
		verifier, err = auth.NewFirebaseVerifier(cfg.Firestore.ProjectID, cfg.Auth.JWKSURL)
		if err != nil {
			log.Fatalf("failed to initialize token verifier: %v", err)
		}
	}

	metrics := NewMetrics()
	var limiter *BurstLimiter
	if cfg.Redis.URL != "" {
		client, err := NewRedisClient(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("failed to configure redis: %v", err)
		}
		limiter = NewBurstLimiter(client, cfg.Redis.RequestsPerMinute, metrics)
	}

	chat, proxy := NewCompleters(cfg.Relay)
	if chat == nil {
		log.Warn("no RELAY_URL or LLM_API_KEY set; chat replies will use the fallback message")
	}

	srv := NewServer(cfg, Deps{
		Docs:      docs,
		Completer: chat,
		Proxy:     proxy,
		Limiter:   limiter,
		Verifier:  verifier,
		Metrics:   metrics,
	})
	return srv, func() {
		if err := closeDocs(); err != nil {
			log.Warnf("close document store: %v", err)
		}
	}
}

// Port is the listen port for the local server.
func (s *Server) Port() string {
	return s.cfg.Port
}
