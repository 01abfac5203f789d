// Package app enforces free-tier message limits for authenticated users.
package app

import (
	"context"
	"fmt"
	"time"

	"example/chat-gateway/app/config"
	"example/chat-gateway/app/firestore"
	"example/chat-gateway/app/models"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultFreeTierLimit = 5

	reasonVerifyFailed = "Could not verify user limits"
)

type GuardConfig struct {
	Limit    int
	FailOpen bool
	// ResetPeriod is config.ResetLifetime or config.ResetDaily.
	ResetPeriod string
}

// Decision is the outcome of a usage check.
type Decision struct {
	Allowed         bool
	Reason          string
	UpgradeRequired bool
	User            *models.User

	outcome string
}

// Guard decides whether a user may send another message.
type Guard struct {
	users   *Users
	docs    DocumentStore
	cfg     GuardConfig
	metrics *Metrics
	now     func() time.Time
}

func NewGuard(users *Users, cfg GuardConfig, metrics *Metrics) *Guard {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultFreeTierLimit
	}
	if cfg.ResetPeriod == "" {
		cfg.ResetPeriod = config.ResetLifetime
	}
	return &Guard{users: users, docs: users.docs, cfg: cfg, metrics: metrics, now: time.Now}
}

func dayStartUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// effectiveUsage is the counter that applies right now. With a daily period a
// counter stamped before today's UTC midnight no longer counts.
func (g *Guard) effectiveUsage(u models.User) int {
	if g.cfg.ResetPeriod != config.ResetDaily {
		return u.UsageCount
	}
	if u.UsagePeriodStart == nil || u.UsagePeriodStart.Before(dayStartUTC(g.now())) {
		return 0
	}
	return u.UsageCount
}

// Check loads (or provisions) the user record and applies the tier rules.
func (g *Guard) Check(ctx context.Context, sess Session) Decision {
	user, err := g.users.Ensure(ctx, sess)
	if err != nil {
		if g.cfg.FailOpen {
			log.WithFields(log.Fields{"user": sess.UserID}).Warnf("usage check failed, allowing: %v", err)
			g.metrics.guardDecision("error_open")
			return Decision{Allowed: true}
		}
		log.WithFields(log.Fields{"user": sess.UserID}).Errorf("usage check failed, denying: %v", err)
		g.metrics.guardDecision("error_closed")
		return Decision{Allowed: false, Reason: reasonVerifyFailed}
	}
	d := g.decide(user)
	g.metrics.guardDecision(d.outcome)
	return d
}

func (g *Guard) decide(user models.User) Decision {
	sub := user.Subscription
	if sub.Tier == models.TierPremium {
		if sub.Status != models.StatusActive {
			return Decision{
				Allowed: false,
				Reason:  fmt.Sprintf("Your subscription is currently %s. Please update your payment information.", sub.Status),
				User:    &user,
				outcome: "billing",
			}
		}
		return Decision{Allowed: true, User: &user, outcome: "allowed"}
	}

	if sub.Tier == models.TierFree && g.effectiveUsage(user) >= g.cfg.Limit {
		return Decision{
			Allowed:         false,
			Reason:          fmt.Sprintf("You've reached the limit of %d messages on the free tier.", g.cfg.Limit),
			UpgradeRequired: true,
			User:            &user,
			outcome:         "quota",
		}
	}
	return Decision{Allowed: true, User: &user, outcome: "allowed"}
}

// Increment bumps the free-tier counter. It re-reads the record and writes the
// new value with a separate masked patch, so concurrent sends can overrun the
// limit slightly. Premium users are never counted.
func (g *Guard) Increment(ctx context.Context, sess Session) error {
	user, err := g.users.Ensure(ctx, sess)
	if err != nil {
		return err
	}
	if user.Subscription.Tier != models.TierFree {
		return nil
	}

	now := g.now().UTC()
	patch := firestore.Fields{
		"updatedAt": firestore.Timestamp(now),
	}
	mask := []string{"usageCount", "updatedAt"}

	next := g.effectiveUsage(user) + 1
	if g.cfg.ResetPeriod == config.ResetDaily && g.effectiveUsage(user) == 0 {
		patch["usagePeriodStart"] = firestore.Timestamp(dayStartUTC(now))
		mask = append(mask, "usagePeriodStart")
	}
	patch["usageCount"] = firestore.Integer(int64(next))

	ctx = storeContext(ctx, sess, g.users.forward)
	if _, err := g.docs.Patch(ctx, userPath(sess.UserID), patch, mask); err != nil {
		return fmt.Errorf("increment usage %s: %w", sess.UserID, err)
	}
	return nil
}

// UsageReport is the body of GET /api/usage.
type UsageReport struct {
	Tier       models.Tier               `json:"tier"`
	Status     models.SubscriptionStatus `json:"status"`
	UsageCount int                       `json:"usageCount"`
	Limit      *int                      `json:"limit"`
	Remaining  *int                      `json:"remaining"`
	Allowed    bool                      `json:"allowed"`
	Reason     string                    `json:"reason,omitempty"`
}

// Usage reports the caller's standing without changing anything.
func (g *Guard) Usage(ctx context.Context, sess Session) (UsageReport, error) {
	user, err := g.users.Ensure(ctx, sess)
	if err != nil {
		return UsageReport{}, err
	}
	d := g.decide(user)
	report := UsageReport{
		Tier:       user.Subscription.Tier,
		Status:     user.Subscription.Status,
		UsageCount: g.effectiveUsage(user),
		Allowed:    d.Allowed,
		Reason:     d.Reason,
	}
	if user.Subscription.Tier == models.TierFree {
		limit := g.cfg.Limit
		remaining := limit - report.UsageCount
		if remaining < 0 {
			remaining = 0
		}
		report.Limit = &limit
		report.Remaining = &remaining
	}
	return report, nil
}
