package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"example/chat-gateway/app/config"
	"example/chat-gateway/app/firestore"
	"example/chat-gateway/app/llm"
	"example/chat-gateway/app/memstore"
	"example/chat-gateway/auth"

	"github.com/gin-gonic/gin"
)

var errStoreDown = errors.New("store unavailable")

// fakeCompleter answers with a fixed reply and records what it was sent.
type fakeCompleter struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	message string
	history []llm.Turn
}

func (f *fakeCompleter) Complete(_ context.Context, message string, history []llm.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.message = message
	f.history = history
	return f.reply, f.err
}

// failingStore fails every call the tests reach.
type failingStore struct {
	DocumentStore
}

func (failingStore) Get(context.Context, string) (*firestore.Document, error) {
	return nil, errStoreDown
}

func (failingStore) Create(context.Context, string, string, firestore.Fields) (*firestore.Document, error) {
	return nil, errStoreDown
}

func (failingStore) Patch(context.Context, string, firestore.Fields, []string) (*firestore.Document, error) {
	return nil, errStoreDown
}

func (failingStore) FindOne(context.Context, string, string, firestore.Value) (*firestore.Document, error) {
	return nil, errStoreDown
}

func testConfig() *config.Config {
	return &config.Config{
		Port: "8080",
		Stripe: config.StripeConfig{
			WebhookSecret:  "whsec_test",
			PriceIDMonthly: "price_monthly",
			PriceIDAnnual:  "price_annual",
			FrontendURL:    "https://app.example.com",
		},
		Relay: config.RelayConfig{ContextLimit: 10},
		Usage: config.UsageConfig{FreeTierLimit: 5, FailOpen: true, ResetPeriod: config.ResetLifetime},
	}
}

func newTestServer(t *testing.T, completer llm.Completer) (*Server, *memstore.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := memstore.New()
	srv := NewServer(testConfig(), Deps{Docs: store, Completer: completer, Proxy: completer})
	srv.billing.fetchSubscription = nil
	return srv, store
}

// asUser injects verified claims for uid, standing in for the auth middleware.
func asUser(uid string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := &auth.Claims{
			Subject: uid,
			UserID:  uid,
			Email:   uid + "@example.com",
			Token:   "token-" + uid,
		}
		c.Request = c.Request.WithContext(auth.WithClaims(c.Request.Context(), claims))
		c.Next()
	}
}

// userRouter mounts the protected handlers behind asUser.
func userRouter(s *Server, uid string) *gin.Engine {
	r := gin.New()
	g := r.Group("/", asUser(uid))
	g.GET("/me", s.Me)
	g.GET("/api/usage", s.Usage)
	g.POST("/api/chat", s.limiter.Middleware(), s.Chat)
	g.POST("/api/relay", s.RelayProxy)
	g.GET("/api/conversations", s.ListConversations)
	g.GET("/api/conversations/:id", s.GetConversation)
	g.DELETE("/api/conversations/:id", s.DeleteConversation)
	g.POST("/api/billing/create-checkout-session", s.CreateCheckoutSession)
	g.POST("/api/billing/portal-session", s.CreatePortalSession)
	r.POST("/api/stripe/webhook", s.StripeWebhook)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

// seedUser writes a user document directly, bypassing provisioning.
func seedUser(t *testing.T, docs DocumentStore, uid string, set func(f firestore.Fields)) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := firestore.Fields{
		"email":      firestore.String(uid + "@example.com"),
		"usageCount": firestore.Integer(0),
		"createdAt":  firestore.Timestamp(now),
		"updatedAt":  firestore.Timestamp(now),
	}
	f.Set("subscription.tier", firestore.String("free"))
	f.Set("subscription.status", firestore.String("active"))
	if set != nil {
		set(f)
	}
	if _, err := docs.Create(context.Background(), usersCollection, uid, f); err != nil {
		t.Fatalf("seed user %s: %v", uid, err)
	}
}

func loadUserFields(t *testing.T, docs DocumentStore, uid string) firestore.Fields {
	t.Helper()
	doc, err := docs.Get(context.Background(), userPath(uid))
	if err != nil {
		t.Fatalf("load user %s: %v", uid, err)
	}
	return doc.Fields
}
