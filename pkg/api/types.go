package api

import (
	"time"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

// SummaryResponse is the body of GET /analytics/summary
type SummaryResponse struct {
	RangeDays int                        `json:"range_days"`
	Metrics   *lifecycle.MetricsSummary `json:"metrics"`
}

// TimelineResponse is the body of GET /analytics/trials/timeline
type TimelineResponse struct {
	RangeDays int                       `json:"range_days"`
	Start     time.Time                 `json:"start"`
	End       time.Time                 `json:"end"`
	Points    []lifecycle.TimelinePoint `json:"points"`
}

// RecentEventsResponse is the body of GET /analytics/events/recent
type RecentEventsResponse struct {
	Events []EventView `json:"events"`
}

// EventView is the public shape of one event log entry
type EventView struct {
	ID             string                 `json:"id"`
	FamilyID       string                 `json:"family_id"`
	SubscriptionID string                 `json:"subscription_id,omitempty"`
	Type           lifecycle.EventType    `json:"type"`
	Data           map[string]interface{} `json:"data,omitempty"`
	OccurredAt     time.Time              `json:"occurred_at"`
}
