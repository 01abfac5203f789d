package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"example/chat-gateway/app/llm"
	"example/chat-gateway/app/models"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const saveFailedMessage = "Failed to save your message. Please try again."

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
}

// Chat runs one exchange: usage check, model reply, persistence, usage count.
func (s *Server) Chat(c *gin.Context) {
	sess, ok := sessionFrom(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message is required"})
		return
	}
	ctx := c.Request.Context()
	logger := log.WithField("user", sess.UserID)

	var (
		decision Decision
		conv     *models.Conversation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		decision = s.guard.Check(gctx, sess)
		return nil
	})
	if req.ConversationID != "" {
		g.Go(func() error {
			var err error
			conv, err = s.conversations.Get(gctx, sess, req.ConversationID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		logger.Errorf("load conversation %s failed: %v", req.ConversationID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": saveFailedMessage})
		return
	}

	if !decision.Allowed {
		c.JSON(http.StatusOK, gin.H{
			"allowed":         false,
			"reason":          decision.Reason,
			"upgradeRequired": decision.UpgradeRequired,
		})
		return
	}
	if req.ConversationID != "" && conv == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}

	var history []models.Message
	if conv != nil {
		history = conv.Messages
	}
	reply := assistantContent(s.relay.Relay(ctx, message, history))

	conversationID := req.ConversationID
	var err error
	if conversationID == "" {
		conversationID, err = s.conversations.Create(ctx, sess, message, reply)
	} else {
		err = s.conversations.Append(ctx, sess, conversationID, message, reply)
	}
	if errors.Is(err, ErrConversationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if err != nil {
		logger.Errorf("save exchange failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": saveFailedMessage})
		return
	}

	if err := s.guard.Increment(ctx, sess); err != nil {
		logger.Warnf("usage increment failed: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"allowed":        true,
		"conversationId": conversationID,
		"response":       reply,
	})
}

// ListConversations returns the caller's conversations, newest activity first.
func (s *Server) ListConversations(c *gin.Context) {
	sess, ok := sessionFrom(c)
	if !ok {
		return
	}
	convs, err := s.conversations.List(c.Request.Context(), sess)
	if err != nil {
		log.WithField("user", sess.UserID).Errorf("list conversations failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (s *Server) GetConversation(c *gin.Context) {
	sess, ok := sessionFrom(c)
	if !ok {
		return
	}
	conv, err := s.conversations.Get(c.Request.Context(), sess, c.Param("id"))
	if err != nil {
		log.WithField("user", sess.UserID).Errorf("get conversation failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}
	if conv == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) DeleteConversation(c *gin.Context) {
	sess, ok := sessionFrom(c)
	if !ok {
		return
	}
	if err := s.conversations.Delete(c.Request.Context(), sess, c.Param("id")); err != nil {
		log.WithField("user", sess.UserID).Errorf("delete conversation failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Usage reports the caller's tier and remaining free messages.
func (s *Server) Usage(c *gin.Context) {
	sess, ok := sessionFrom(c)
	if !ok {
		return
	}
	report, err := s.guard.Usage(c.Request.Context(), sess)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not verify user limits"})
		return
	}
	c.JSON(http.StatusOK, report)
}

type relayRequest struct {
	Message string     `json:"message"`
	Context []llm.Turn `json:"context"`
}

// RelayProxy forwards a message straight to the model API and reports
// upstream failures instead of masking them.
func (s *Server) RelayProxy(c *gin.Context) {
	var req relayRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message is required"})
		return
	}
	if s.proxy == nil {
		log.Error("relay proxy: llm api key not configured")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "API configuration error"})
		return
	}

	reply, err := s.proxy.Complete(c.Request.Context(), req.Message, req.Context)
	var upstream *llm.StatusError
	switch {
	case errors.As(err, &upstream):
		log.Printf("llm api error status=%d details=%s", upstream.Status, upstream.Details)
		var details any = string(upstream.Details)
		if json.Valid(upstream.Details) {
			details = upstream.Details
		}
		c.JSON(upstream.Status, gin.H{"error": "Error from LLM API", "details": details})
		return
	case errors.Is(err, llm.ErrNoAPIKey):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "API configuration error"})
		return
	case err != nil:
		log.Printf("relay proxy failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": reply})
}
