package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultScanInterval = time.Hour
	scannerLockKey      = "trial-scanner"
	day                 = 24 * time.Hour
)

// DefaultReminderOffsets are the days before trial end at which reminders go out.
var DefaultReminderOffsets = []int{3, 1}

// ScannerConfig configures a TrialScanner.
type ScannerConfig struct {
	// Mode gates the scanner; self-hosted deployments never sweep
	Mode DeploymentMode

	// ReminderOffsets in days before trial end (default: 3 and 1)
	ReminderOffsets []int

	// Interval between sweeps in Run (default: 1 hour)
	Interval time.Duration

	// Notifier receives reminder and expiry notifications (default: NoopNotifier)
	Notifier Notifier

	// Locker keeps concurrent instances from sweeping at the same time
	// (default: the locker of the manager)
	Locker Locker
}

// SweepResult summarizes one scanner run.
type SweepResult struct {
	Skipped       bool
	RemindersSent map[int]int
	TrialsExpired int
	Failures      int
}

// TrialScanner sends trial reminders and pauses expired trials.
type TrialScanner struct {
	manager *Manager
	config  ScannerConfig
}

// NewTrialScanner creates a scanner driving manager.
func NewTrialScanner(manager *Manager, config ScannerConfig) *TrialScanner {
	if config.Mode == "" {
		config.Mode = ModeManaged
	}
	if len(config.ReminderOffsets) == 0 {
		config.ReminderOffsets = DefaultReminderOffsets
	}
	if config.Interval <= 0 {
		config.Interval = defaultScanInterval
	}
	if config.Notifier == nil {
		config.Notifier = &NoopNotifier{}
	}
	if config.Locker == nil {
		config.Locker = manager.locker
	}
	return &TrialScanner{manager: manager, config: config}
}

// Enabled reports whether the deployment mode allows sweeping.
func (s *TrialScanner) Enabled() bool {
	return s.config.Mode != ModeSelfHosted
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (s *TrialScanner) Run(ctx context.Context) {
	if !s.Enabled() {
		s.manager.logger.Info("Trial scanner disabled in self-hosted mode")
		return
	}
	s.manager.logger.Info("Trial scanner started", F("interval", s.config.Interval.String()))

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.manager.logger.Error("Trial scanner sweep failed", F("error", err))
		}

		select {
		case <-ctx.Done():
			s.manager.logger.Info("Trial scanner stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs the reminder sweeps followed by the expiry sweep.
// Another instance holding the scanner lock makes this run a skip.
func (s *TrialScanner) Sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{RemindersSent: make(map[int]int)}
	if !s.Enabled() {
		result.Skipped = true
		return result, nil
	}

	release, acquired, err := s.config.Locker.TryAcquire(ctx, scannerLockKey, s.config.Interval)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire scanner lock: %w", err)
	}
	if !acquired {
		s.manager.logger.Debug("Trial scanner already running elsewhere")
		result.Skipped = true
		return result, nil
	}
	defer release()

	var errs []error
	for _, days := range s.config.ReminderOffsets {
		sent, err := s.RemindExpiring(ctx, days)
		result.RemindersSent[days] = sent
		if err != nil {
			errs = append(errs, err)
		}
	}

	expired, err := s.ExpireTrials(ctx)
	result.TrialsExpired = expired
	if err != nil {
		errs = append(errs, err)
	}

	result.Failures = len(errs)
	return result, errors.Join(errs...)
}

// RemindExpiring notifies families whose trial ends on the calendar day
// that is days from today, once per subscription, offset and trial end.
func (s *TrialScanner) RemindExpiring(ctx context.Context, days int) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}

	start := time.Now()
	target := StartOfDay(s.manager.Now()).Add(time.Duration(days) * day)
	subs, err := s.manager.storage.ListTrialing(ctx, target, target.Add(day))
	if err != nil {
		return 0, fmt.Errorf("failed to list expiring trials: %w", err)
	}

	sent := 0
	for _, sub := range subs {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		ok, err := s.remind(ctx, sub, days)
		if err != nil {
			s.manager.logger.Error("Failed to send trial reminder",
				F("subscription_id", sub.ID),
				F("family_id", sub.FamilyID),
				F("days_remaining", days),
				F("error", err),
			)
			continue
		}
		if ok {
			sent++
		}
	}

	s.manager.metrics.RecordSweep(fmt.Sprintf("reminder_%dd", days), sent, time.Since(start))
	return sent, nil
}

func (s *TrialScanner) remind(ctx context.Context, sub *Subscription, days int) (bool, error) {
	family, err := s.manager.storage.GetFamily(ctx, sub.FamilyID)
	if err != nil {
		return false, err
	}
	if family.BillingEmail == "" {
		return false, nil
	}

	key := ReminderClaimKey(sub.ID, days, *sub.TrialEndsAt)
	claimed, err := s.manager.storage.Claim(ctx, key, time.Duration(days+2)*day)
	if err != nil {
		return false, fmt.Errorf("failed to claim reminder: %w", err)
	}
	if !claimed {
		return false, nil
	}

	payload := map[string]interface{}{
		"days_remaining": days,
		"trial_ends_at":  sub.TrialEndsAt.Format(time.RFC3339),
	}
	if err := s.config.Notifier.Send(ctx, TemplateTrialExpiringSoon, family.BillingEmail, payload); err != nil {
		// the next sweep may try again
		if relErr := s.manager.storage.ReleaseClaim(ctx, key); relErr != nil {
			s.manager.logger.Warn("Failed to release reminder claim", F("key", key), F("error", relErr))
		}
		return false, fmt.Errorf("failed to send notification: %w", err)
	}

	err = s.manager.RecordEvent(ctx, &Event{
		FamilyID:       sub.FamilyID,
		SubscriptionID: sub.ID,
		Type:           EventTrialExpirationReminderSent,
		Data:           map[string]interface{}{"days_remaining": days},
	})
	if err != nil {
		s.manager.logger.Error("Failed to record subscription event",
			F("subscription_id", sub.ID),
			F("event_type", string(EventTrialExpirationReminderSent)),
			F("error", err),
		)
	}
	return true, nil
}

// ExpireTrials pauses every trialing subscription whose trial ended before today.
func (s *TrialScanner) ExpireTrials(ctx context.Context) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}

	start := time.Now()
	subs, err := s.manager.storage.ListTrialing(ctx, time.Time{}, StartOfDay(s.manager.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to list expired trials: %w", err)
	}

	expired := 0
	for _, sub := range subs {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}

		expiredAt := s.manager.Now().UTC()
		_, err := s.manager.ApplyTransition(ctx, sub.ID, StatusPaused, TransitionFields{},
			RequireStatus(StatusTrialing),
			WithEventData(map[string]interface{}{
				"expired_at":    expiredAt.Format(time.RFC3339),
				"trial_ends_at": sub.TrialEndsAt.UTC().Format(time.RFC3339),
			}),
		)
		if err != nil {
			if errors.Is(err, ErrStatusChanged) {
				continue
			}
			s.manager.logger.Error("Failed to expire trial",
				F("subscription_id", sub.ID),
				F("family_id", sub.FamilyID),
				F("error", err),
			)
			continue
		}
		expired++

		s.manager.logger.Info("Trial expired",
			F("subscription_id", sub.ID),
			F("family_id", sub.FamilyID),
		)
		s.notifyExpired(ctx, sub, expiredAt)
	}

	s.manager.metrics.RecordSweep("expiry", expired, time.Since(start))
	return expired, nil
}

func (s *TrialScanner) notifyExpired(ctx context.Context, sub *Subscription, expiredAt time.Time) {
	family, err := s.manager.storage.GetFamily(ctx, sub.FamilyID)
	if err != nil || family.BillingEmail == "" {
		return
	}

	payload := map[string]interface{}{
		"expired_at":    expiredAt.Format(time.RFC3339),
		"trial_ends_at": sub.TrialEndsAt.UTC().Format(time.RFC3339),
	}
	if err := s.config.Notifier.Send(ctx, TemplateTrialExpired, family.BillingEmail, payload); err != nil {
		s.manager.logger.Error("Failed to send trial expired notification",
			F("subscription_id", sub.ID),
			F("family_id", sub.FamilyID),
			F("error", err),
		)
	}
}

// ReminderClaimKey identifies one reminder: a subscription, an offset and the
// trial end date it was computed for. Extending a trial yields a new key.
func ReminderClaimKey(subscriptionID string, days int, trialEndsAt time.Time) string {
	return fmt.Sprintf("trial-reminder:%s:%d:%s", subscriptionID, days, trialEndsAt.UTC().Format("2006-01-02"))
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
