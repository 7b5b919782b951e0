package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/lifecycle"
	"github.com/mihaimyh/gobilling/pkg/tasks"
	"github.com/mihaimyh/gobilling/storage/memory"
)

var testNow = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

const validSignature = "valid-signature"

// fakeProvider accepts the body when the signature equals validSignature and
// adapts events by id from a prepared table.
type fakeProvider struct {
	name       string
	configured bool
	canonicals map[string]billing.Canonical
	adaptErrs  map[string]error
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{
		name:       name,
		configured: true,
		canonicals: make(map[string]billing.Canonical),
		adaptErrs:  make(map[string]error),
	}
}

func (p *fakeProvider) Name() string            { return p.name }
func (p *fakeProvider) SignatureHeader() string { return "X-Test-Signature" }
func (p *fakeProvider) Configured() bool        { return p.configured }

func (p *fakeProvider) Verify(body []byte, signature string) (*billing.TrustedEvent, error) {
	if signature != validSignature {
		return nil, billing.ErrInvalidWebhookSignature
	}
	if string(body) == "{" {
		return nil, billing.ErrInvalidWebhookPayload
	}
	return &billing.TrustedEvent{
		Provider: p.name,
		ID:       string(body),
		Type:     "test.event",
		Payload:  map[string]interface{}{"id": string(body)},
		Raw:      body,
	}, nil
}

func (p *fakeProvider) Adapt(event *billing.TrustedEvent) (billing.Canonical, error) {
	if err := p.adaptErrs[event.ID]; err != nil {
		return nil, err
	}
	if c, ok := p.canonicals[event.ID]; ok {
		return c, nil
	}
	return billing.Unhandled{Type: event.Type}, nil
}

type sentNotification struct {
	template  lifecycle.Template
	recipient string
	payload   map[string]interface{}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, template lifecycle.Template, recipient string,
	payload map[string]interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{template: template, recipient: recipient, payload: payload})
	return n.err
}

type recordingReporter struct {
	mu     sync.Mutex
	errors []error
}

func (r *recordingReporter) Report(_ context.Context, err error, _ ...lifecycle.Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

// failingScheduler fails every enqueue
type failingScheduler struct {
	calls int
}

func (s *failingScheduler) Enqueue(_ context.Context, _ string, _ interface{}, _ time.Time) (string, error) {
	s.calls++
	return "", errors.New("queue unavailable")
}

type fixture struct {
	storage  *memory.Storage
	manager  *lifecycle.Manager
	queue    *tasks.MemoryQueue
	client   *tasks.Client
	provider *fakeProvider
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	storage := memory.New()
	storage.SetClock(func() time.Time { return testNow })
	manager, err := lifecycle.NewManager(storage, lifecycle.Config{
		Now: func() time.Time { return testNow },
	})
	require.NoError(t, err)

	queue := tasks.NewMemoryQueue()
	return &fixture{
		storage:  storage,
		manager:  manager,
		queue:    queue,
		client:   tasks.NewClient(queue, tasks.ClientConfig{Now: func() time.Time { return testNow }}),
		provider: newFakeProvider("stripe"),
		notifier: &recordingNotifier{},
	}
}

func (f *fixture) addFamily(t *testing.T, id, email, customerID string) {
	t.Helper()
	require.NoError(t, f.storage.SaveFamily(context.Background(), &lifecycle.Family{
		ID:                 id,
		BillingEmail:       email,
		ExternalCustomerID: customerID,
		CreatedAt:          testNow,
	}))
}

func (f *fixture) events(t *testing.T, familyID string) []*lifecycle.Event {
	t.Helper()
	events, err := f.storage.ListEvents(context.Background(), lifecycle.EventQuery{FamilyID: familyID})
	require.NoError(t, err)
	return events
}

func eventTypes(events []*lifecycle.Event) []lifecycle.EventType {
	types := make([]lifecycle.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

// appendFailingStorage fails every event append
type appendFailingStorage struct {
	*memory.Storage
}

func (s *appendFailingStorage) AppendEvent(_ context.Context, _ *lifecycle.Event) error {
	return errors.New("disk full")
}
