// Package app provides user persistence helpers for authenticated requests.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example/chat-gateway/app/firestore"
	"example/chat-gateway/app/models"
)

// Users reads and provisions user records.
type Users struct {
	docs    DocumentStore
	forward bool
	now     func() time.Time
}

func NewUsers(docs DocumentStore, forwardUserToken bool) *Users {
	return &Users{docs: docs, forward: forwardUserToken, now: time.Now}
}

// Ensure returns the user's record, creating the default free-tier record on
// first access.
func (u *Users) Ensure(ctx context.Context, sess Session) (models.User, error) {
	ctx = storeContext(ctx, sess, u.forward)
	doc, err := u.docs.Get(ctx, userPath(sess.UserID))
	if err == nil {
		return decodeUser(doc), nil
	}
	if !errors.Is(err, firestore.ErrNotFound) {
		return models.User{}, err
	}

	user := models.NewUser(sess.UserID, sess.Email, sess.DisplayName, u.now().UTC().Truncate(time.Millisecond))
	doc, err = u.docs.Create(ctx, usersCollection, sess.UserID, encodeUser(user))
	if errors.Is(err, firestore.ErrAlreadyExists) {
		// Another request provisioned it first.
		doc, err = u.docs.Get(ctx, userPath(sess.UserID))
	}
	if err != nil {
		return models.User{}, fmt.Errorf("provision user %s: %w", sess.UserID, err)
	}
	return decodeUser(doc), nil
}

// Get loads a user without provisioning.
func (u *Users) Get(ctx context.Context, uid string) (models.User, error) {
	doc, err := u.docs.Get(ctx, userPath(uid))
	if err != nil {
		return models.User{}, err
	}
	return decodeUser(doc), nil
}

// SetTier moves an existing user between tiers and marks the subscription
// active. Unknown users return firestore.ErrNotFound.
func (u *Users) SetTier(ctx context.Context, uid string, tier models.Tier) (models.User, error) {
	if tier != models.TierFree && tier != models.TierPremium {
		return models.User{}, fmt.Errorf("unknown tier %q", tier)
	}
	if _, err := u.docs.Get(ctx, userPath(uid)); err != nil {
		return models.User{}, err
	}
	now := u.now().UTC()
	patch := firestore.Fields{}
	patch.Set("subscription.tier", firestore.String(string(tier)))
	patch.Set("subscription.status", firestore.String(string(models.StatusActive)))
	patch.Set("subscription.lastUpdated", firestore.Timestamp(now))
	patch.Set("updatedAt", firestore.Timestamp(now))

	doc, err := u.docs.Patch(ctx, userPath(uid), patch, []string{
		"subscription.tier", "subscription.status", "subscription.lastUpdated", "updatedAt",
	})
	if err != nil {
		return models.User{}, err
	}
	return decodeUser(doc), nil
}

// ResetUsage zeroes the free-tier counter.
func (u *Users) ResetUsage(ctx context.Context, uid string) (models.User, error) {
	if _, err := u.docs.Get(ctx, userPath(uid)); err != nil {
		return models.User{}, err
	}
	now := u.now().UTC()
	doc, err := u.docs.Patch(ctx, userPath(uid), firestore.Fields{
		"usageCount":       firestore.Integer(0),
		"usagePeriodStart": firestore.Timestamp(now),
		"updatedAt":        firestore.Timestamp(now),
	}, []string{"usageCount", "usagePeriodStart", "updatedAt"})
	if err != nil {
		return models.User{}, err
	}
	return decodeUser(doc), nil
}
