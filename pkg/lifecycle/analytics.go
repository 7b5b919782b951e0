package lifecycle

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

const (
	// ConversionWindowDays is the default look-back for conversion rates.
	ConversionWindowDays = 90

	// SummaryWindowDays is the default look-back for everything else.
	SummaryWindowDays = 30

	// RecentEventsLimit is the default size of the recent activity feed.
	RecentEventsLimit = 50
)

// MetricsSummary bundles the headline counts and rates of a window.
type MetricsSummary struct {
	Start                 time.Time `json:"start"`
	End                   time.Time `json:"end"`
	TrialsStarted         int       `json:"trials_started"`
	TrialsConverted       int       `json:"trials_converted"`
	TrialsExpired         int       `json:"trials_expired"`
	SubscriptionsCreated  int       `json:"subscriptions_created"`
	SubscriptionsCanceled int       `json:"subscriptions_canceled"`
	PaymentFailures       int       `json:"payment_failures"`
	ConversionRate        float64   `json:"conversion_rate"`
	PaymentFailureRate    float64   `json:"payment_failure_rate"`
}

// TimelinePoint counts the trial events of one day.
type TimelinePoint struct {
	Date   string            `json:"date"`
	Counts map[EventType]int `json:"counts"`
}

// Aggregator computes read-only rollups over the event log.
type Aggregator struct {
	storage Storage
	now     func() time.Time
}

// NewAggregator creates an aggregator over storage.
func NewAggregator(storage Storage) *Aggregator {
	return &Aggregator{storage: storage, now: time.Now}
}

// DefaultWindow returns [now - days, now].
func (a *Aggregator) DefaultWindow(days int) (time.Time, time.Time) {
	end := a.now().UTC()
	return end.Add(-time.Duration(days) * day), end
}

// TrialConversionRate is the percentage of families that started a trial in
// [start, end] and converted in the same window. Zero when nobody started.
func (a *Aggregator) TrialConversionRate(ctx context.Context, start, end time.Time) (float64, error) {
	started, err := a.distinctFamilies(ctx, EventTrialStarted, start, end)
	if err != nil {
		return 0, err
	}
	converted, err := a.distinctFamilies(ctx, EventTrialConverted, start, end)
	if err != nil {
		return 0, err
	}
	return percentage(converted, started), nil
}

// PaymentFailureRate is failed / (failed + succeeded) as a percentage.
// Zero when there were no payments.
func (a *Aggregator) PaymentFailureRate(ctx context.Context, start, end time.Time) (float64, error) {
	failed, err := a.count(ctx, EventPaymentFailed, start, end)
	if err != nil {
		return 0, err
	}
	succeeded, err := a.count(ctx, EventPaymentSucceeded, start, end)
	if err != nil {
		return 0, err
	}
	return percentage(failed, failed+succeeded), nil
}

// Summary returns the headline counts and both rates for [start, end].
func (a *Aggregator) Summary(ctx context.Context, start, end time.Time) (*MetricsSummary, error) {
	summary := &MetricsSummary{Start: start, End: end}

	counts := []struct {
		eventType EventType
		dst       *int
	}{
		{EventTrialStarted, &summary.TrialsStarted},
		{EventTrialConverted, &summary.TrialsConverted},
		{EventTrialExpired, &summary.TrialsExpired},
		{EventSubscriptionCreated, &summary.SubscriptionsCreated},
		{EventSubscriptionCanceled, &summary.SubscriptionsCanceled},
		{EventPaymentFailed, &summary.PaymentFailures},
	}
	for _, c := range counts {
		n, err := a.count(ctx, c.eventType, start, end)
		if err != nil {
			return nil, err
		}
		*c.dst = n
	}

	var err error
	if summary.ConversionRate, err = a.TrialConversionRate(ctx, start, end); err != nil {
		return nil, err
	}
	if summary.PaymentFailureRate, err = a.PaymentFailureRate(ctx, start, end); err != nil {
		return nil, err
	}
	return summary, nil
}

// TrialTimeline counts trial events per UTC day in [start, end], oldest day first.
func (a *Aggregator) TrialTimeline(ctx context.Context, start, end time.Time) ([]TimelinePoint, error) {
	events, err := a.storage.ListEvents(ctx, EventQuery{
		Types: []EventType{EventTrialStarted, EventTrialConverted, EventTrialExpired},
		Start: start,
		End:   end,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list trial events: %w", err)
	}

	byDay := make(map[string]map[EventType]int)
	for _, e := range events {
		date := e.OccurredAt.UTC().Format("2006-01-02")
		if byDay[date] == nil {
			byDay[date] = make(map[EventType]int)
		}
		byDay[date][e.Type]++
	}

	points := make([]TimelinePoint, 0, len(byDay))
	for date, counts := range byDay {
		points = append(points, TimelinePoint{Date: date, Counts: counts})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date < points[j].Date })
	return points, nil
}

// RecentEvents returns the newest events, at most limit (default RecentEventsLimit).
func (a *Aggregator) RecentEvents(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = RecentEventsLimit
	}
	events, err := a.storage.ListEvents(ctx, EventQuery{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to list recent events: %w", err)
	}
	return events, nil
}

func (a *Aggregator) count(ctx context.Context, eventType EventType, start, end time.Time) (int, error) {
	n, err := a.storage.CountEvents(ctx, EventQuery{Types: []EventType{eventType}, Start: start, End: end})
	if err != nil {
		return 0, fmt.Errorf("failed to count %s events: %w", eventType, err)
	}
	return n, nil
}

func (a *Aggregator) distinctFamilies(ctx context.Context, eventType EventType, start, end time.Time) (int, error) {
	n, err := a.storage.CountDistinctFamilies(ctx, EventQuery{Types: []EventType{eventType}, Start: start, End: end})
	if err != nil {
		return 0, fmt.Errorf("failed to count %s families: %w", eventType, err)
	}
	return n, nil
}

func percentage(numerator, denominator int) float64 {
	if denominator == 0 {
		return 0
	}
	return math.Round(float64(numerator)/float64(denominator)*100*100) / 100
}
