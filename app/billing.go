package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"example/chat-gateway/app/firestore"
	"example/chat-gateway/app/models"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/subscription"
)

const (
	customerCacheSize = 1024
	customerCacheTTL  = 15 * time.Minute
)

// errUnresolved marks events whose user could not be found. They are logged
// and dropped.
var errUnresolved = errors.New("user not resolved")

// BillingSync applies Stripe lifecycle events to the user's subscription map.
type BillingSync struct {
	docs      DocumentStore
	customers *lru.LRU[string, string]
	metrics   *Metrics
	now       func() time.Time

	fetchSubscription func(id string) (*stripe.Subscription, error)
}

func NewBillingSync(docs DocumentStore, metrics *Metrics) *BillingSync {
	return &BillingSync{
		docs:      docs,
		customers: lru.NewLRU[string, string](customerCacheSize, nil, customerCacheTTL),
		metrics:   metrics,
		now:       time.Now,
		fetchSubscription: func(id string) (*stripe.Subscription, error) {
			return subscription.Get(id, nil)
		},
	}
}

// userRef carries what an event tells us about its user, in lookup order.
type userRef struct {
	ReferenceID string
	Email       string
	CustomerID  string
}

func (b *BillingSync) resolve(ctx context.Context, ref userRef) (string, error) {
	if ref.ReferenceID != "" {
		_, err := b.docs.Get(ctx, userPath(ref.ReferenceID))
		if err == nil {
			return ref.ReferenceID, nil
		}
		if !errors.Is(err, firestore.ErrNotFound) {
			return "", err
		}
	}
	if ref.Email != "" {
		doc, err := b.docs.FindOne(ctx, usersCollection, "email", firestore.String(ref.Email))
		if err == nil {
			return doc.ID(), nil
		}
		if !errors.Is(err, firestore.ErrNotFound) {
			return "", err
		}
	}
	if ref.CustomerID != "" {
		if uid, ok := b.customers.Get(ref.CustomerID); ok {
			return uid, nil
		}
		doc, err := b.docs.FindOne(ctx, usersCollection, "subscription.stripeCustomerId", firestore.String(ref.CustomerID))
		if err == nil {
			b.customers.Add(ref.CustomerID, doc.ID())
			return doc.ID(), nil
		}
		if !errors.Is(err, firestore.ErrNotFound) {
			return "", err
		}
	}
	return "", errUnresolved
}

// subscriptionPatch collects dotted subscription.* writes and their mask.
type subscriptionPatch struct {
	fields firestore.Fields
	mask   []string
}

func newSubscriptionPatch(now time.Time) *subscriptionPatch {
	p := &subscriptionPatch{fields: firestore.Fields{}}
	p.set("lastUpdated", firestore.Timestamp(now))
	return p
}

func (p *subscriptionPatch) set(field string, v firestore.Value) {
	path := "subscription." + field
	p.fields.Set(path, v)
	p.mask = append(p.mask, path)
}

func (b *BillingSync) write(ctx context.Context, uid string, p *subscriptionPatch) error {
	if _, err := b.docs.Patch(ctx, userPath(uid), p.fields, p.mask); err != nil {
		return fmt.Errorf("update subscription for %s: %w", uid, err)
	}
	return nil
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func customerEmail(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.Email
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// periodEnd is when a canceled subscription stops, or now when the payload
// carries no period end.
func (b *BillingSync) periodEnd(sub *stripe.Subscription) time.Time {
	if sub.CurrentPeriodEnd > 0 {
		return unixTime(sub.CurrentPeriodEnd)
	}
	return b.now().UTC()
}

// mapStripeStatus folds Stripe's subscription statuses into ours.
func mapStripeStatus(s stripe.SubscriptionStatus) models.SubscriptionStatus {
	switch s {
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
		return models.StatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncomplete:
		return models.StatusCanceled
	default:
		return models.StatusActive
	}
}

// planOf returns the plan id and interval of the first subscription item.
func planOf(sub *stripe.Subscription) (string, string) {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 {
		return "", ""
	}
	item := sub.Items.Data[0]
	if item.Plan != nil {
		return item.Plan.ID, string(item.Plan.Interval)
	}
	if item.Price != nil {
		interval := ""
		if item.Price.Recurring != nil {
			interval = string(item.Price.Recurring.Interval)
		}
		return item.Price.ID, interval
	}
	return "", ""
}

// Apply handles one verified event. It returns an error only when the store
// fails; events that cannot be matched to a user are logged and dropped.
func (b *BillingSync) Apply(ctx context.Context, event stripe.Event) error {
	eventType := string(event.Type)
	logger := log.WithFields(log.Fields{"event": event.ID, "type": eventType})

	err := b.apply(ctx, event, logger)
	switch {
	case errors.Is(err, errUnresolved):
		logger.Warn("billing event dropped: user not found")
		b.metrics.billingEvent(eventType, "dropped")
		return nil
	case err != nil:
		b.metrics.billingEvent(eventType, "error")
		return err
	}
	b.metrics.billingEvent(eventType, "applied")
	return nil
}

func (b *BillingSync) apply(ctx context.Context, event stripe.Event, logger *log.Entry) error {
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("decode checkout session: %w", err)
		}
		return b.checkoutCompleted(ctx, &sess, logger)

	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return b.subscriptionUpdated(ctx, &sub, logger)

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return b.subscriptionDeleted(ctx, &sub, logger)

	case "invoice.paid", "invoice.payment_succeeded":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return b.invoiceSettled(ctx, &inv, true, logger)

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return b.invoiceSettled(ctx, &inv, false, logger)

	case "customer.created":
		var cust stripe.Customer
		if err := json.Unmarshal(event.Data.Raw, &cust); err != nil {
			return fmt.Errorf("decode customer: %w", err)
		}
		return b.customerCreated(ctx, &cust, logger)

	case "payment_method.attached", "payment_method.detached":
		var pm stripe.PaymentMethod
		if err := json.Unmarshal(event.Data.Raw, &pm); err != nil {
			return fmt.Errorf("decode payment method: %w", err)
		}
		if customerID(pm.Customer) == "" {
			logger.Info("payment method not associated with a customer, skipping")
			return nil
		}
		uid, err := b.resolve(ctx, userRef{CustomerID: customerID(pm.Customer)})
		if err != nil {
			return err
		}
		logger.WithField("user", uid).Info("payment method changed")
		return nil

	case "subscription_schedule.updated", "subscription_schedule.canceled":
		var sched stripe.SubscriptionSchedule
		if err := json.Unmarshal(event.Data.Raw, &sched); err != nil {
			return fmt.Errorf("decode subscription schedule: %w", err)
		}
		uid, err := b.resolve(ctx, userRef{CustomerID: customerID(sched.Customer)})
		if err != nil {
			return err
		}
		if event.Type == "subscription_schedule.updated" {
			logger.WithField("user", uid).Info("subscription schedule updated")
			return nil
		}
		p := newSubscriptionPatch(b.now().UTC())
		p.set("scheduleCanceled", firestore.Boolean(true))
		return b.write(ctx, uid, p)

	default:
		logger.Debug("unhandled billing event")
		return nil
	}
}

func (b *BillingSync) checkoutCompleted(ctx context.Context, sess *stripe.CheckoutSession, logger *log.Entry) error {
	email := sess.CustomerEmail
	if email == "" && sess.CustomerDetails != nil {
		email = sess.CustomerDetails.Email
	}
	ref := userRef{
		ReferenceID: sess.ClientReferenceID,
		Email:       email,
		CustomerID:  customerID(sess.Customer),
	}
	if ref.ReferenceID == "" {
		ref.ReferenceID = sess.Metadata["userId"]
	}
	uid, err := b.resolve(ctx, ref)
	if err != nil {
		return err
	}

	sub := sess.Subscription
	if sub != nil && sub.ID != "" && (sub.Items == nil || len(sub.Items.Data) == 0) && b.fetchSubscription != nil {
		full, err := b.fetchSubscription(sub.ID)
		if err != nil {
			logger.WithError(err).Warn("could not fetch subscription for plan details")
		} else {
			sub = full
		}
	}
	planID, interval := planOf(sub)
	subID := ""
	if sub != nil {
		subID = sub.ID
	}

	now := b.now().UTC()
	p := newSubscriptionPatch(now)
	p.set("tier", firestore.String(string(models.TierPremium)))
	p.set("status", firestore.String(string(models.StatusActive)))
	p.set("startDate", firestore.Timestamp(now))
	p.set("endDate", firestore.Null())
	p.set("stripeCustomerId", firestore.OptionalString(ref.CustomerID))
	p.set("stripeSubscriptionId", firestore.OptionalString(subID))
	p.set("stripePlanId", firestore.OptionalString(planID))
	p.set("planInterval", firestore.OptionalString(interval))
	if err := b.write(ctx, uid, p); err != nil {
		return err
	}
	if ref.CustomerID != "" {
		b.customers.Add(ref.CustomerID, uid)
	}
	logger.WithField("user", uid).Info("user upgraded to premium")
	return nil
}

func (b *BillingSync) subscriptionRef(sub *stripe.Subscription) userRef {
	return userRef{
		ReferenceID: sub.Metadata["userId"],
		Email:       customerEmail(sub.Customer),
		CustomerID:  customerID(sub.Customer),
	}
}

func (b *BillingSync) subscriptionUpdated(ctx context.Context, sub *stripe.Subscription, logger *log.Entry) error {
	uid, err := b.resolve(ctx, b.subscriptionRef(sub))
	if err != nil {
		return err
	}
	status := mapStripeStatus(sub.Status)

	p := newSubscriptionPatch(b.now().UTC())
	p.set("status", firestore.String(string(status)))
	if planID, interval := planOf(sub); planID != "" {
		p.set("stripePlanId", firestore.String(planID))
		p.set("planInterval", firestore.OptionalString(interval))
	}
	if status == models.StatusCanceled {
		p.set("endDate", firestore.Timestamp(b.periodEnd(sub)))
	} else {
		p.set("endDate", firestore.Null())
	}
	if err := b.write(ctx, uid, p); err != nil {
		return err
	}
	logger.WithFields(log.Fields{"user": uid, "status": status}).Info("subscription updated")
	return nil
}

// subscriptionDeleted marks the subscription canceled as of the end of the
// paid period. The tier is left for the period end to lapse.
func (b *BillingSync) subscriptionDeleted(ctx context.Context, sub *stripe.Subscription, logger *log.Entry) error {
	uid, err := b.resolve(ctx, b.subscriptionRef(sub))
	if err != nil {
		return err
	}
	p := newSubscriptionPatch(b.now().UTC())
	p.set("status", firestore.String(string(models.StatusCanceled)))
	end := b.periodEnd(sub)
	p.set("endDate", firestore.Timestamp(end))
	if err := b.write(ctx, uid, p); err != nil {
		return err
	}
	logger.WithFields(log.Fields{"user": uid, "endDate": end}).Info("subscription canceled")
	return nil
}

func (b *BillingSync) invoiceSettled(ctx context.Context, inv *stripe.Invoice, paid bool, logger *log.Entry) error {
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		logger.Info("invoice not related to a subscription, skipping")
		return nil
	}
	email := inv.CustomerEmail
	if email == "" {
		email = customerEmail(inv.Customer)
	}
	uid, err := b.resolve(ctx, userRef{
		ReferenceID: inv.Subscription.Metadata["userId"],
		Email:       email,
		CustomerID:  customerID(inv.Customer),
	})
	if err != nil {
		return err
	}

	at := b.now().UTC()
	if inv.Created > 0 {
		at = unixTime(inv.Created)
	}
	p := newSubscriptionPatch(b.now().UTC())
	if paid {
		p.set("status", firestore.String(string(models.StatusActive)))
		p.set("lastPaymentDate", firestore.Timestamp(at))
	} else {
		p.set("status", firestore.String(string(models.StatusPastDue)))
		p.set("lastFailedPaymentDate", firestore.Timestamp(at))
	}
	if err := b.write(ctx, uid, p); err != nil {
		return err
	}
	logger.WithFields(log.Fields{"user": uid, "paid": paid}).Info("invoice recorded")
	return nil
}

func (b *BillingSync) customerCreated(ctx context.Context, cust *stripe.Customer, logger *log.Entry) error {
	email := strings.TrimSpace(cust.Email)
	if email == "" {
		logger.Info("customer has no email, skipping")
		return nil
	}
	uid, err := b.resolve(ctx, userRef{Email: email})
	if err != nil {
		return err
	}
	p := newSubscriptionPatch(b.now().UTC())
	p.set("stripeCustomerId", firestore.String(cust.ID))
	if err := b.write(ctx, uid, p); err != nil {
		return err
	}
	b.customers.Add(cust.ID, uid)
	logger.WithField("user", uid).Info("linked stripe customer")
	return nil
}
