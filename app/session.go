package app

import (
	"context"

	"example/chat-gateway/app/firestore"
	"example/chat-gateway/auth"
)

// Session identifies the caller of a single request. It is built from the
// verified token and handed to every component explicitly.
type Session struct {
	UserID      string
	Token       string
	Email       string
	DisplayName string
}

// SessionFromClaims builds a Session from verified claims.
func SessionFromClaims(claims *auth.Claims) Session {
	if claims == nil {
		return Session{}
	}
	return Session{
		UserID:      claims.UserID,
		Token:       claims.Token,
		Email:       claims.Email,
		DisplayName: claims.Name,
	}
}

// storeContext attaches the caller's token as the document store bearer when
// forwarding is enabled, so reads and writes run under the user's own rules.
func storeContext(ctx context.Context, sess Session, forward bool) context.Context {
	if forward && sess.Token != "" {
		return firestore.WithBearer(ctx, sess.Token)
	}
	return ctx
}
