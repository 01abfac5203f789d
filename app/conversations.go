package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"example/chat-gateway/app/firestore"
	"example/chat-gateway/app/models"

	"github.com/google/uuid"
)

const (
	defaultTitle    = "New Conversation"
	titleMaxRunes   = 30
	emptyAIResponse = "I'm sorry, I couldn't generate a response. Please try again."
)

var ErrConversationNotFound = errors.New("conversation not found")

// generateTitle keeps the first line of the opening message, cut to 30
// characters with an ellipsis.
func generateTitle(message string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(message), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return defaultTitle
	}
	if utf8.RuneCountInString(line) <= titleMaxRunes {
		return line
	}
	return string([]rune(line)[:titleMaxRunes]) + "..."
}

func assistantContent(response string) string {
	if strings.TrimSpace(response) == "" {
		return emptyAIResponse
	}
	return response
}

// ConversationStore persists a user's conversations under
// users/{uid}/conversations.
type ConversationStore struct {
	docs    DocumentStore
	forward bool
	now     func() time.Time
	newID   func() string
}

func NewConversationStore(docs DocumentStore, forwardUserToken bool) *ConversationStore {
	return &ConversationStore{
		docs:    docs,
		forward: forwardUserToken,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

func (s *ConversationStore) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func (s *ConversationStore) exchange(userMessage, aiResponse string, at time.Time) []models.Message {
	return []models.Message{
		{ID: s.newID(), Role: models.RoleUser, Content: userMessage, Timestamp: at},
		{ID: s.newID(), Role: models.RoleAssistant, Content: assistantContent(aiResponse), Timestamp: at},
	}
}

// Create starts a conversation with its first exchange and returns its id.
func (s *ConversationStore) Create(ctx context.Context, sess Session, firstMessage, aiResponse string) (string, error) {
	now := s.timestamp()
	conv := models.Conversation{
		Title:     generateTitle(firstMessage),
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  s.exchange(firstMessage, aiResponse, now),
	}
	doc, err := s.docs.Create(storeContext(ctx, sess, s.forward), conversationsPath(sess.UserID), "", encodeConversation(conv))
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return doc.ID(), nil
}

// Append adds one user/assistant exchange. The whole message array is read,
// extended and written back, so two concurrent appends can lose one of them.
func (s *ConversationStore) Append(ctx context.Context, sess Session, conversationID, userMessage, aiResponse string) error {
	ctx = storeContext(ctx, sess, s.forward)
	path := conversationPath(sess.UserID, conversationID)

	doc, err := s.docs.Get(ctx, path)
	if errors.Is(err, firestore.ErrNotFound) {
		return ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	conv := decodeConversation(doc)

	now := s.timestamp()
	conv.Messages = append(conv.Messages, s.exchange(userMessage, aiResponse, now)...)
	patch := firestore.Fields{
		"messages":  encodeMessages(conv.Messages),
		"updatedAt": firestore.Timestamp(now),
	}
	if _, err := s.docs.Patch(ctx, path, patch, []string{"messages", "updatedAt"}); err != nil {
		return fmt.Errorf("save conversation %s: %w", conversationID, err)
	}
	return nil
}

// Get returns nil, nil when the conversation does not exist.
func (s *ConversationStore) Get(ctx context.Context, sess Session, conversationID string) (*models.Conversation, error) {
	doc, err := s.docs.Get(storeContext(ctx, sess, s.forward), conversationPath(sess.UserID, conversationID))
	if errors.Is(err, firestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conv := decodeConversation(doc)
	return &conv, nil
}

// List returns the user's conversations, most recently updated first.
func (s *ConversationStore) List(ctx context.Context, sess Session) ([]models.Conversation, error) {
	docs, err := s.docs.List(storeContext(ctx, sess, s.forward), conversationsPath(sess.UserID))
	if err != nil {
		return nil, err
	}
	out := make([]models.Conversation, 0, len(docs))
	for _, doc := range docs {
		out = append(out, decodeConversation(doc))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *ConversationStore) Delete(ctx context.Context, sess Session, conversationID string) error {
	return s.docs.Delete(storeContext(ctx, sess, s.forward), conversationPath(sess.UserID, conversationID))
}
