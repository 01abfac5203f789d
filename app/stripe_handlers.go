package app

import (
	"errors"
	"io"
	"net/http"

	"example/chat-gateway/app/firestore"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

type checkoutRequest struct {
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	Interval string `json:"interval"`
}

func planType(interval string) string {
	if interval == "annual" {
		return "Premium Annual"
	}
	return "Premium Monthly"
}

// CreateCheckoutSession starts a Stripe Checkout Session for the authenticated user.
func (s *Server) CreateCheckoutSession(c *gin.Context) {
	sess, ok := sessionFrom(c)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.UserID != sess.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}

	priceID := s.cfg.Stripe.PriceIDMonthly
	if req.Interval == "annual" {
		priceID = s.cfg.Stripe.PriceIDAnnual
	}
	frontendURL := s.cfg.Stripe.FrontendURL
	if priceID == "" || frontendURL == "" {
		log.Printf("missing Stripe config: price_id=%t frontend_url=%t", priceID != "", frontendURL != "")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "billing not configured"})
		return
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(frontendURL + "/payment-success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(frontendURL + "/payment-cancel"),
		ClientReferenceID: stripe.String(req.UserID),
		Metadata: map[string]string{
			"userId":   req.UserID,
			"planType": planType(req.Interval),
		},
	}

	// Reuse a linked customer so the portal and webhooks stay on one record.
	user, err := s.users.Get(c.Request.Context(), sess.UserID)
	switch {
	case err == nil && user.Subscription.StripeCustomerID != "":
		params.Customer = stripe.String(user.Subscription.StripeCustomerID)
	case req.Email != "":
		params.CustomerEmail = stripe.String(req.Email)
	}
	if err != nil && !errors.Is(err, firestore.ErrNotFound) {
		log.WithField("user", sess.UserID).Warnf("checkout user lookup failed: %v", err)
	}

	cs, err := s.newCheckoutSession(params)
	if err != nil {
		log.Printf("stripe checkout session failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create checkout session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": cs.ID, "url": cs.URL})
}

// CreatePortalSession creates a Stripe Customer Portal session for the authenticated user.
func (s *Server) CreatePortalSession(c *gin.Context) {
	sess, ok := sessionFrom(c)
	if !ok {
		return
	}

	user, err := s.users.Get(c.Request.Context(), sess.UserID)
	if err != nil && !errors.Is(err, firestore.ErrNotFound) {
		log.Printf("portal lookup failed user=%s err=%v", sess.UserID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load customer"})
		return
	}
	if user.Subscription.StripeCustomerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stripe customer missing for user"})
		return
	}

	frontendURL := s.cfg.Stripe.FrontendURL
	if frontendURL == "" {
		log.Printf("missing Stripe config: frontend_url=false")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "billing not configured"})
		return
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(user.Subscription.StripeCustomerID),
		ReturnURL: stripe.String(frontendURL + "/"),
	}

	ps, err := s.newPortalSession(params)
	if err != nil {
		log.Printf("stripe portal session failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create portal session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": ps.URL})
}

// StripeWebhook verifies and applies Stripe subscription lifecycle events.
func (s *Server) StripeWebhook(c *gin.Context) {
	const maxBodyBytes = int64(65536)
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		log.Printf("stripe webhook read failed: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	endpointSecret := s.cfg.Stripe.WebhookSecret
	if endpointSecret == "" {
		log.Printf("stripe webhook secret missing")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook not configured"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(
		body,
		c.GetHeader("Stripe-Signature"),
		endpointSecret,
		webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		},
	)
	if err != nil {
		log.Printf("stripe webhook signature failed: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Webhook Error: " + err.Error()})
		return
	}

	if err := s.billing.Apply(c.Request.Context(), event); err != nil {
		log.WithFields(log.Fields{"event": event.ID, "type": event.Type}).Errorf("stripe webhook processing failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Webhook processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
