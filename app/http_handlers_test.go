package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"example/chat-gateway/app/config"
	"example/chat-gateway/app/firestore"
	"example/chat-gateway/app/llm"

	"github.com/gin-gonic/gin"
)

func TestChatFirstMessageCreatesConversation(t *testing.T) {
	fc := &fakeCompleter{reply: "Hi! How can I help?"}
	srv, store := newTestServer(t, fc)
	r := userRouter(srv, "u1")

	rec := doJSON(t, r, http.MethodPost, "/api/chat", gin.H{"message": "Hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["allowed"] != true || body["response"] != "Hi! How can I help?" {
		t.Fatalf("body = %v", body)
	}
	id, _ := body["conversationId"].(string)
	if id == "" {
		t.Fatalf("missing conversationId: %v", body)
	}

	conv, err := srv.conversations.Get(context.Background(), Session{UserID: "u1"}, id)
	if err != nil || conv == nil {
		t.Fatalf("conversation not stored: %v", err)
	}
	if conv.Title != "Hello" || len(conv.Messages) != 2 {
		t.Fatalf("conversation = %+v", conv)
	}
	if got := loadUserFields(t, store, "u1").IntegerAt("usageCount"); got != 1 {
		t.Fatalf("usageCount = %d, want 1", got)
	}
}

func TestChatContinuesConversationWithContext(t *testing.T) {
	fc := &fakeCompleter{reply: "ok"}
	srv, _ := newTestServer(t, fc)
	r := userRouter(srv, "u1")

	first := decodeBody(t, doJSON(t, r, http.MethodPost, "/api/chat", gin.H{"message": "Hello"}))
	id := first["conversationId"].(string)

	rec := doJSON(t, r, http.MethodPost, "/api/chat", gin.H{"message": "And then?", "conversationId": id})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if len(fc.history) != 2 || fc.history[0].Content != "Hello" {
		t.Fatalf("context = %+v", fc.history)
	}

	conv, _ := srv.conversations.Get(context.Background(), Session{UserID: "u1"}, id)
	if len(conv.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(conv.Messages))
	}
}

func TestChatQuotaExceeded(t *testing.T) {
	fc := &fakeCompleter{reply: "ok"}
	srv, store := newTestServer(t, fc)
	seedUser(t, store, "u1", func(f firestore.Fields) {
		f["usageCount"] = firestore.Integer(5)
	})
	r := userRouter(srv, "u1")

	rec := doJSON(t, r, http.MethodPost, "/api/chat", gin.H{"message": "Hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["allowed"] != false || body["upgradeRequired"] != true {
		t.Fatalf("body = %v", body)
	}
	if fc.calls != 0 {
		t.Fatalf("model called %d times for a denied request", fc.calls)
	}
	convs, _ := srv.conversations.List(context.Background(), Session{UserID: "u1"})
	if len(convs) != 0 {
		t.Fatalf("denied request stored %d conversations", len(convs))
	}
}

func TestChatValidation(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCompleter{reply: "ok"})
	r := userRouter(srv, "u1")

	rec := doJSON(t, r, http.MethodPost, "/api/chat", gin.H{"message": "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank message status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "Message is required" {
		t.Fatalf("body = %v", body)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/chat", gin.H{"message": "hi", "conversationId": "missing"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown conversation status = %d", rec.Code)
	}
}

func TestChatUpstreamFailureUsesFallback(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCompleter{err: errors.New("boom")})
	r := userRouter(srv, "u1")

	body := decodeBody(t, doJSON(t, r, http.MethodPost, "/api/chat", gin.H{"message": "Hello"}))
	if body["allowed"] != true || body["response"] != config.DefaultRelayFallback {
		t.Fatalf("body = %v", body)
	}
}

func TestConversationEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCompleter{reply: "ok"})
	r := userRouter(srv, "u1")

	id := decodeBody(t, doJSON(t, r, http.MethodPost, "/api/chat", gin.H{"message": "Hello"}))["conversationId"].(string)

	rec := doJSON(t, r, http.MethodGet, "/api/conversations", nil)
	var list struct {
		Conversations []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"conversations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Conversations) != 1 || list.Conversations[0].ID != id {
		t.Fatalf("list = %+v", list)
	}

	if rec := doJSON(t, r, http.MethodGet, "/api/conversations/"+id, nil); rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if rec := doJSON(t, r, http.MethodDelete, "/api/conversations/"+id, nil); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := doJSON(t, r, http.MethodGet, "/api/conversations/"+id, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", rec.Code)
	}
}

func TestUsageEndpoint(t *testing.T) {
	srv, store := newTestServer(t, nil)
	seedUser(t, store, "u1", func(f firestore.Fields) {
		f["usageCount"] = firestore.Integer(2)
	})
	r := userRouter(srv, "u1")

	body := decodeBody(t, doJSON(t, r, http.MethodGet, "/api/usage", nil))
	if body["tier"] != "free" || body["usageCount"] != float64(2) || body["remaining"] != float64(3) {
		t.Fatalf("body = %v", body)
	}
}

func TestMeProvisionsUser(t *testing.T) {
	srv, store := newTestServer(t, nil)
	r := userRouter(srv, "fresh")

	rec := doJSON(t, r, http.MethodGet, "/me", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	f := loadUserFields(t, store, "fresh")
	if f.StringAt("email") != "fresh@example.com" || f.StringAt("subscription.tier") != "free" {
		t.Fatalf("provisioned fields = %v", f)
	}
}

func TestRelayProxy(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakeCompleter{reply: "pong"})
		body := decodeBody(t, doJSON(t, userRouter(srv, "u1"), http.MethodPost, "/api/relay", gin.H{"message": "ping"}))
		if body["message"] != "pong" {
			t.Fatalf("body = %v", body)
		}
	})
	t.Run("missing message", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakeCompleter{reply: "pong"})
		rec := doJSON(t, userRouter(srv, "u1"), http.MethodPost, "/api/relay", gin.H{})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
	})
	t.Run("not configured", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		rec := doJSON(t, userRouter(srv, "u1"), http.MethodPost, "/api/relay", gin.H{"message": "ping"})
		if rec.Code != http.StatusInternalServerError || decodeBody(t, rec)["error"] != "API configuration error" {
			t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
		}
	})
	t.Run("upstream status passed through", func(t *testing.T) {
		fc := &fakeCompleter{err: &llm.StatusError{Status: http.StatusTooManyRequests, Details: json.RawMessage(`{"type":"rate_limit_error"}`)}}
		srv, _ := newTestServer(t, fc)
		rec := doJSON(t, userRouter(srv, "u1"), http.MethodPost, "/api/relay", gin.H{"message": "ping"})
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("status = %d", rec.Code)
		}
		body := decodeBody(t, rec)
		details, ok := body["details"].(map[string]any)
		if body["error"] != "Error from LLM API" || !ok || details["type"] != "rate_limit_error" {
			t.Fatalf("body = %v", body)
		}
	})
	t.Run("transport failure", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakeCompleter{err: errors.New("dial tcp: refused")})
		rec := doJSON(t, userRouter(srv, "u1"), http.MethodPost, "/api/relay", gin.H{"message": "ping"})
		body := decodeBody(t, rec)
		if rec.Code != http.StatusInternalServerError || body["error"] != "Internal Server Error" {
			t.Fatalf("status = %d body=%v", rec.Code, body)
		}
	})
}
