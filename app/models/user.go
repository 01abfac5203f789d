// Package models defines the user, subscription and conversation records.
package models

import "time"

type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

// Subscription mirrors the user document's subscription map. Nil timestamps
// are stored as null values.
type Subscription struct {
	Tier                  Tier               `json:"tier"`
	Status                SubscriptionStatus `json:"status"`
	StartDate             *time.Time         `json:"startDate"`
	EndDate               *time.Time         `json:"endDate"`
	LastUpdated           *time.Time         `json:"lastUpdated"`
	LastPaymentDate       *time.Time         `json:"lastPaymentDate"`
	LastFailedPaymentDate *time.Time         `json:"lastFailedPaymentDate"`
	StripeCustomerID      string             `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID  string             `json:"stripeSubscriptionId,omitempty"`
	StripePlanID          string             `json:"stripePlanId,omitempty"`
	PlanInterval          string             `json:"planInterval,omitempty"`
	ScheduleCanceled      bool               `json:"scheduleCanceled,omitempty"`
}

type User struct {
	ID               string       `json:"id"`
	Email            string       `json:"email"`
	DisplayName      string       `json:"displayName"`
	Subscription     Subscription `json:"subscription"`
	UsageCount       int          `json:"usageCount"`
	UsagePeriodStart *time.Time   `json:"usagePeriodStart,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// NewUser returns the record provisioned on first access.
func NewUser(id, email, displayName string, now time.Time) User {
	start := now
	return User{
		ID:          id,
		Email:       email,
		DisplayName: displayName,
		Subscription: Subscription{
			Tier:      TierFree,
			Status:    StatusActive,
			StartDate: &start,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
