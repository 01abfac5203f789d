package app

import (
	"context"
	"time"

	"example/chat-gateway/app/firestore"
	"example/chat-gateway/app/models"
)

// DocumentStore is the document API the app runs against. It is satisfied by
// the Firestore REST client, the Postgres store and the in-memory store.
type DocumentStore interface {
	Get(ctx context.Context, path string) (*firestore.Document, error)
	Create(ctx context.Context, parent, docID string, fields firestore.Fields) (*firestore.Document, error)
	Patch(ctx context.Context, path string, fields firestore.Fields, mask []string) (*firestore.Document, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, parent string) ([]*firestore.Document, error)
	FindOne(ctx context.Context, collection, fieldPath string, value firestore.Value) (*firestore.Document, error)
}

const usersCollection = "users"

func userPath(uid string) string {
	return usersCollection + "/" + uid
}

func conversationsPath(uid string) string {
	return userPath(uid) + "/conversations"
}

func conversationPath(uid, cid string) string {
	return conversationsPath(uid) + "/" + cid
}

func encodeSubscription(s models.Subscription) firestore.Value {
	fields := firestore.Fields{
		"tier":                  firestore.String(string(s.Tier)),
		"status":                firestore.String(string(s.Status)),
		"startDate":             firestore.OptionalTimestamp(s.StartDate),
		"endDate":               firestore.OptionalTimestamp(s.EndDate),
		"lastUpdated":           firestore.OptionalTimestamp(s.LastUpdated),
		"lastPaymentDate":       firestore.OptionalTimestamp(s.LastPaymentDate),
		"lastFailedPaymentDate": firestore.OptionalTimestamp(s.LastFailedPaymentDate),
		"stripeCustomerId":      firestore.OptionalString(s.StripeCustomerID),
		"stripeSubscriptionId":  firestore.OptionalString(s.StripeSubscriptionID),
		"stripePlanId":          firestore.OptionalString(s.StripePlanID),
		"planInterval":          firestore.OptionalString(s.PlanInterval),
	}
	if s.ScheduleCanceled {
		fields["scheduleCanceled"] = firestore.Boolean(true)
	}
	return firestore.Map(fields)
}

func encodeUser(u models.User) firestore.Fields {
	fields := firestore.Fields{
		"email":        firestore.String(u.Email),
		"displayName":  firestore.String(u.DisplayName),
		"subscription": encodeSubscription(u.Subscription),
		"usageCount":   firestore.Integer(int64(u.UsageCount)),
		"createdAt":    firestore.Timestamp(u.CreatedAt),
		"updatedAt":    firestore.Timestamp(u.UpdatedAt),
	}
	if u.UsagePeriodStart != nil {
		fields["usagePeriodStart"] = firestore.Timestamp(*u.UsagePeriodStart)
	}
	return fields
}

func decodeUser(doc *firestore.Document) models.User {
	f := doc.Fields
	u := models.User{
		ID:               doc.ID(),
		Email:            f.StringAt("email"),
		DisplayName:      f.StringAt("displayName"),
		UsageCount:       int(f.IntegerAt("usageCount")),
		UsagePeriodStart: f.TimestampAt("usagePeriodStart"),
		Subscription: models.Subscription{
			Tier:                  models.Tier(f.StringAt("subscription.tier")),
			Status:                models.SubscriptionStatus(f.StringAt("subscription.status")),
			StartDate:             f.TimestampAt("subscription.startDate"),
			EndDate:               f.TimestampAt("subscription.endDate"),
			LastUpdated:           f.TimestampAt("subscription.lastUpdated"),
			LastPaymentDate:       f.TimestampAt("subscription.lastPaymentDate"),
			LastFailedPaymentDate: f.TimestampAt("subscription.lastFailedPaymentDate"),
			StripeCustomerID:      f.StringAt("subscription.stripeCustomerId"),
			StripeSubscriptionID:  f.StringAt("subscription.stripeSubscriptionId"),
			StripePlanID:          f.StringAt("subscription.stripePlanId"),
			PlanInterval:          f.StringAt("subscription.planInterval"),
			ScheduleCanceled:      f.BooleanAt("subscription.scheduleCanceled"),
		},
	}
	if u.Subscription.Tier == "" {
		u.Subscription.Tier = models.TierFree
	}
	if u.Subscription.Status == "" {
		u.Subscription.Status = models.StatusActive
	}
	if u.UsageCount < 0 {
		u.UsageCount = 0
	}
	if t := f.TimestampAt("createdAt"); t != nil {
		u.CreatedAt = *t
	} else {
		u.CreatedAt = doc.CreateTime
	}
	if t := f.TimestampAt("updatedAt"); t != nil {
		u.UpdatedAt = *t
	} else {
		u.UpdatedAt = doc.UpdateTime
	}
	return u
}

func encodeMessage(m models.Message) firestore.Value {
	return firestore.Map(firestore.Fields{
		"id":        firestore.String(m.ID),
		"role":      firestore.String(string(m.Role)),
		"content":   firestore.String(m.Content),
		"timestamp": firestore.Timestamp(m.Timestamp),
	})
}

func encodeMessages(msgs []models.Message) firestore.Value {
	values := make([]firestore.Value, 0, len(msgs))
	for _, m := range msgs {
		values = append(values, encodeMessage(m))
	}
	return firestore.Array(values...)
}

func encodeConversation(c models.Conversation) firestore.Fields {
	return firestore.Fields{
		"title":     firestore.String(c.Title),
		"createdAt": firestore.Timestamp(c.CreatedAt),
		"updatedAt": firestore.Timestamp(c.UpdatedAt),
		"messages":  encodeMessages(c.Messages),
	}
}

func decodeConversation(doc *firestore.Document) models.Conversation {
	f := doc.Fields
	c := models.Conversation{
		ID:       doc.ID(),
		Title:    f.StringAt("title"),
		Messages: []models.Message{},
	}
	c.CreatedAt = timeOr(f.TimestampAt("createdAt"), doc.CreateTime)
	c.UpdatedAt = timeOr(f.TimestampAt("updatedAt"), doc.UpdateTime)

	if v, ok := f.Lookup("messages"); ok && v.Kind == firestore.KindArray {
		for _, item := range v.Array {
			if item.Kind != firestore.KindMap {
				continue
			}
			m := item.Map
			c.Messages = append(c.Messages, models.Message{
				ID:        m.StringAt("id"),
				Role:      models.Role(m.StringAt("role")),
				Content:   m.StringAt("content"),
				Timestamp: timeOr(m.TimestampAt("timestamp"), time.Time{}),
			})
		}
	}
	return c
}

func timeOr(t *time.Time, fallback time.Time) time.Time {
	if t == nil {
		return fallback
	}
	return *t
}
