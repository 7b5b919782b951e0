package lifecycle

// ClassifyTransition derives the canonical event for a status change.
// It reports false when prev and next are equal, since nothing changed.
func ClassifyTransition(prev, next Status) (EventType, bool) {
	if prev == next {
		return "", false
	}

	switch {
	case prev == StatusTrialing && next == StatusActive:
		return EventTrialConverted, true
	case prev == StatusTrialing && (next == StatusPaused || next == StatusCanceled):
		return EventTrialExpired, true
	case prev == StatusActive && next == StatusCanceled:
		return EventSubscriptionCanceled, true
	default:
		return EventSubscriptionUpdated, true
	}
}

// ClassifyCreation derives the canonical event for a newly created subscription.
// Only trialing and active subscriptions announce their creation.
func ClassifyCreation(status Status) (EventType, bool) {
	switch status {
	case StatusTrialing:
		return EventTrialStarted, true
	case StatusActive:
		return EventSubscriptionCreated, true
	default:
		return "", false
	}
}
