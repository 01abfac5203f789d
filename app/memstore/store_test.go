package memstore

import (
	"context"
	"testing"

	"example/chat-gateway/app/firestore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateGetPatch(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Create(ctx, "users", "u1", firestore.Fields{
		"usageCount": firestore.Integer(1),
		"email":      firestore.String("a@example.com"),
	})
	require.NoError(t, err)

	_, err = s.Create(ctx, "users", "u1", firestore.Fields{})
	assert.ErrorIs(t, err, firestore.ErrAlreadyExists)

	doc, err := s.Patch(ctx, "users/u1", firestore.Fields{"usageCount": firestore.Integer(2)}, []string{"usageCount"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Fields.IntegerAt("usageCount"))
	assert.Equal(t, "a@example.com", doc.Fields.StringAt("email"))

	_, err = s.Get(ctx, "users/missing")
	assert.ErrorIs(t, err, firestore.ErrNotFound)
}

func TestListOnlyDirectChildren(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _ = s.Create(ctx, "users", "u1", firestore.Fields{})
	_, _ = s.Create(ctx, "users/u1/conversations", "c1", firestore.Fields{})
	_, _ = s.Create(ctx, "users/u1/conversations", "c2", firestore.Fields{})

	docs, err := s.List(ctx, "users/u1/conversations")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "c1", docs[0].ID())

	users, err := s.List(ctx, "users")
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestFindOneNestedField(t *testing.T) {
	ctx := context.Background()
	s := New()
	fields := firestore.Fields{}
	fields.Set("subscription.stripeCustomerId", firestore.String("cus_9"))
	_, err := s.Create(ctx, "users", "u9", fields)
	require.NoError(t, err)

	doc, err := s.FindOne(ctx, "users", "subscription.stripeCustomerId", firestore.String("cus_9"))
	require.NoError(t, err)
	assert.Equal(t, "u9", doc.ID())

	_, err = s.FindOne(ctx, "users", "subscription.stripeCustomerId", firestore.String("cus_other"))
	assert.ErrorIs(t, err, firestore.ErrNotFound)
}

func TestDeleteRemovesDocument(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _ = s.Create(ctx, "users", "u1", firestore.Fields{})
	require.NoError(t, s.Delete(ctx, "users/u1"))
	_, err := s.Get(ctx, "users/u1")
	assert.ErrorIs(t, err, firestore.ErrNotFound)
}
