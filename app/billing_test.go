package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"example/chat-gateway/app/firestore"
	"example/chat-gateway/app/memstore"
	"example/chat-gateway/app/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
)

var billingNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestBilling(docs DocumentStore) (*BillingSync, *Metrics) {
	metrics := NewMetrics()
	b := NewBillingSync(docs, metrics)
	b.now = func() time.Time { return billingNow }
	b.fetchSubscription = func(id string) (*stripe.Subscription, error) {
		return &stripe.Subscription{
			ID: id,
			Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{{
				Plan: &stripe.Plan{ID: "price_monthly", Interval: stripe.PlanIntervalMonth},
			}}},
		}, nil
	}
	return b, metrics
}

func event(t *testing.T, id, typ, object string) stripe.Event {
	t.Helper()
	if !json.Valid([]byte(object)) {
		t.Fatalf("invalid event object: %s", object)
	}
	return stripe.Event{
		ID:   id,
		Type: stripe.EventType(typ),
		Data: &stripe.EventData{Raw: json.RawMessage(object)},
	}
}

func withCustomer(id string) func(firestore.Fields) {
	return func(f firestore.Fields) {
		f.Set("subscription.stripeCustomerId", firestore.String(id))
	}
}

func premium(f firestore.Fields) {
	f.Set("subscription.tier", firestore.String("premium"))
}

func TestCheckoutCompletedUpgrades(t *testing.T) {
	store := memstore.New()
	seedUser(t, store, "u1", nil)
	b, metrics := newTestBilling(store)

	err := b.Apply(context.Background(), event(t, "evt_1", "checkout.session.completed",
		`{"id":"cs_1","object":"checkout.session","client_reference_id":"u1","customer":"cus_1","subscription":"sub_1"}`))
	require.NoError(t, err)

	f := loadUserFields(t, store, "u1")
	assert.Equal(t, "premium", f.StringAt("subscription.tier"))
	assert.Equal(t, "active", f.StringAt("subscription.status"))
	assert.Equal(t, "cus_1", f.StringAt("subscription.stripeCustomerId"))
	assert.Equal(t, "sub_1", f.StringAt("subscription.stripeSubscriptionId"))
	assert.Equal(t, "price_monthly", f.StringAt("subscription.stripePlanId"))
	assert.Equal(t, "month", f.StringAt("subscription.planInterval"))
	assert.Equal(t, billingNow, *f.TimestampAt("subscription.startDate"))
	assert.Nil(t, f.TimestampAt("subscription.endDate"))
	assert.Equal(t, "u1@example.com", f.StringAt("email"), "unmasked fields survive")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.BillingEvents.WithLabelValues("checkout.session.completed", "applied")))

	uid, ok := b.customers.Get("cus_1")
	assert.True(t, ok)
	assert.Equal(t, "u1", uid)
}

func TestSubscriptionDeletedKeepsTierUntilPeriodEnd(t *testing.T) {
	store := memstore.New()
	seedUser(t, store, "u1", func(f firestore.Fields) {
		premium(f)
		withCustomer("cus_1")(f)
	})
	b, _ := newTestBilling(store)

	err := b.Apply(context.Background(), event(t, "evt_2", "customer.subscription.deleted",
		`{"id":"sub_1","object":"subscription","customer":"cus_1","status":"canceled","current_period_end":1767225600}`))
	require.NoError(t, err)

	f := loadUserFields(t, store, "u1")
	assert.Equal(t, "premium", f.StringAt("subscription.tier"))
	assert.Equal(t, "canceled", f.StringAt("subscription.status"))
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), *f.TimestampAt("subscription.endDate"))
	assert.Equal(t, billingNow, *f.TimestampAt("subscription.lastUpdated"))
}

func TestSubscriptionUpdatedStatusTransitions(t *testing.T) {
	tests := []struct {
		stripeStatus string
		want         string
		endDate      bool
	}{
		{"active", "active", false},
		{"trialing", "active", false},
		{"past_due", "past_due", false},
		{"unpaid", "past_due", false},
		{"incomplete_expired", "past_due", false},
		{"incomplete", "canceled", true},
		{"canceled", "canceled", true},
	}
	for _, tt := range tests {
		t.Run(tt.stripeStatus, func(t *testing.T) {
			store := memstore.New()
			seedUser(t, store, "u1", func(f firestore.Fields) {
				premium(f)
				withCustomer("cus_1")(f)
			})
			b, _ := newTestBilling(store)

			err := b.Apply(context.Background(), event(t, "evt", "customer.subscription.updated",
				`{"id":"sub_1","object":"subscription","customer":"cus_1","current_period_end":1767225600,"status":"`+tt.stripeStatus+`"}`))
			require.NoError(t, err)

			f := loadUserFields(t, store, "u1")
			assert.Equal(t, tt.want, f.StringAt("subscription.status"))
			assert.Equal(t, tt.endDate, f.TimestampAt("subscription.endDate") != nil)
		})
	}
}

func TestInvoiceEvents(t *testing.T) {
	store := memstore.New()
	seedUser(t, store, "u1", func(f firestore.Fields) {
		premium(f)
		withCustomer("cus_1")(f)
	})
	b, _ := newTestBilling(store)
	ctx := context.Background()

	require.NoError(t, b.Apply(ctx, event(t, "evt_f", "invoice.payment_failed",
		`{"id":"in_1","object":"invoice","customer":"cus_1","subscription":"sub_1","created":1767225600}`)))
	f := loadUserFields(t, store, "u1")
	assert.Equal(t, "past_due", f.StringAt("subscription.status"))
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), *f.TimestampAt("subscription.lastFailedPaymentDate"))

	require.NoError(t, b.Apply(ctx, event(t, "evt_p", "invoice.paid",
		`{"id":"in_2","object":"invoice","customer":"cus_1","subscription":"sub_1","created":1767312000}`)))
	f = loadUserFields(t, store, "u1")
	assert.Equal(t, "active", f.StringAt("subscription.status"))
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), *f.TimestampAt("subscription.lastPaymentDate"))
}

func TestInvoiceWithoutSubscriptionSkipped(t *testing.T) {
	store := memstore.New()
	seedUser(t, store, "u1", withCustomer("cus_1"))
	b, _ := newTestBilling(store)

	require.NoError(t, b.Apply(context.Background(), event(t, "evt", "invoice.payment_failed",
		`{"id":"in_1","object":"invoice","customer":"cus_1"}`)))
	assert.Equal(t, "active", loadUserFields(t, store, "u1").StringAt("subscription.status"))
}

func TestCustomerCreatedLinksByEmail(t *testing.T) {
	store := memstore.New()
	seedUser(t, store, "u1", nil)
	b, _ := newTestBilling(store)

	require.NoError(t, b.Apply(context.Background(), event(t, "evt", "customer.created",
		`{"id":"cus_9","object":"customer","email":"u1@example.com"}`)))
	assert.Equal(t, "cus_9", loadUserFields(t, store, "u1").StringAt("subscription.stripeCustomerId"))
}

func TestScheduleCanceledFlagged(t *testing.T) {
	store := memstore.New()
	seedUser(t, store, "u1", withCustomer("cus_1"))
	b, _ := newTestBilling(store)

	require.NoError(t, b.Apply(context.Background(), event(t, "evt", "subscription_schedule.canceled",
		`{"id":"sub_sched_1","object":"subscription_schedule","customer":"cus_1"}`)))
	assert.True(t, loadUserFields(t, store, "u1").BooleanAt("subscription.scheduleCanceled"))
}

func TestResolveOrder(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	seedUser(t, store, "by-ref", nil)
	seedUser(t, store, "by-email", nil)
	seedUser(t, store, "by-customer", withCustomer("cus_2"))
	b, _ := newTestBilling(store)

	uid, err := b.resolve(ctx, userRef{ReferenceID: "by-ref", Email: "by-email@example.com", CustomerID: "cus_2"})
	require.NoError(t, err)
	assert.Equal(t, "by-ref", uid)

	uid, err = b.resolve(ctx, userRef{ReferenceID: "stale-ref", Email: "by-email@example.com", CustomerID: "cus_2"})
	require.NoError(t, err)
	assert.Equal(t, "by-email", uid, "a reference to a missing user falls through")

	uid, err = b.resolve(ctx, userRef{Email: "by-email@example.com", CustomerID: "cus_2"})
	require.NoError(t, err)
	assert.Equal(t, "by-email", uid)

	uid, err = b.resolve(ctx, userRef{Email: "nobody@example.com", CustomerID: "cus_2"})
	require.NoError(t, err)
	assert.Equal(t, "by-customer", uid)

	_, err = b.resolve(ctx, userRef{Email: "nobody@example.com", CustomerID: "cus_unknown"})
	assert.ErrorIs(t, err, errUnresolved)
}

func TestUnresolvedEventDropped(t *testing.T) {
	store := memstore.New()
	seedUser(t, store, "u1", nil)
	b, metrics := newTestBilling(store)

	err := b.Apply(context.Background(), event(t, "evt", "customer.subscription.deleted",
		`{"id":"sub_1","object":"subscription","customer":"cus_missing","status":"canceled"}`))
	require.NoError(t, err)

	f := loadUserFields(t, store, "u1")
	assert.Equal(t, "active", f.StringAt("subscription.status"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.BillingEvents.WithLabelValues("customer.subscription.deleted", "dropped")))
}

func TestCheckoutWithUnknownReferenceCreatesNoUser(t *testing.T) {
	store := memstore.New()
	b, metrics := newTestBilling(store)

	err := b.Apply(context.Background(), event(t, "evt", "checkout.session.completed",
		`{"id":"cs_1","object":"checkout.session","client_reference_id":"ghost","customer":"cus_9","subscription":"sub_9"}`))
	require.NoError(t, err)

	_, err = store.Get(context.Background(), userPath("ghost"))
	assert.ErrorIs(t, err, firestore.ErrNotFound)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.BillingEvents.WithLabelValues("checkout.session.completed", "dropped")))
}

func TestCanceledWithoutPeriodEndUsesNow(t *testing.T) {
	store := memstore.New()
	seedUser(t, store, "u1", func(f firestore.Fields) {
		premium(f)
		withCustomer("cus_1")(f)
	})
	b, _ := newTestBilling(store)

	require.NoError(t, b.Apply(context.Background(), event(t, "evt", "customer.subscription.updated",
		`{"id":"sub_1","object":"subscription","customer":"cus_1","status":"canceled"}`)))

	f := loadUserFields(t, store, "u1")
	assert.Equal(t, "canceled", f.StringAt("subscription.status"))
	require.NotNil(t, f.TimestampAt("subscription.endDate"))
	assert.Equal(t, billingNow, *f.TimestampAt("subscription.endDate"))
}

func TestMalformedEventIsAnError(t *testing.T) {
	b, _ := newTestBilling(memstore.New())
	err := b.Apply(context.Background(), stripe.Event{
		ID:   "evt",
		Type: "invoice.paid",
		Data: &stripe.EventData{Raw: json.RawMessage(`[1,2]`)},
	})
	assert.Error(t, err)
}

func TestUnknownEventIgnored(t *testing.T) {
	b, _ := newTestBilling(memstore.New())
	assert.NoError(t, b.Apply(context.Background(), event(t, "evt", "charge.refunded", `{"id":"ch_1"}`)))
}

func TestMapStripeStatusDefaultsActive(t *testing.T) {
	assert.Equal(t, models.StatusActive, mapStripeStatus(stripe.SubscriptionStatus("paused")))
}
