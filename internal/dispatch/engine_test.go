package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mailsling/mailsling/internal/config"
	"github.com/mailsling/mailsling/internal/email"
	"github.com/mailsling/mailsling/internal/metrics"
	"github.com/mailsling/mailsling/internal/store"
	"github.com/mailsling/mailsling/internal/tracker"
	"github.com/mailsling/mailsling/internal/transport"
)

// mockSender records sends and fails for selected recipients
type mockSender struct {
	mu      sync.Mutex
	sent    []transport.Message
	failFor map[string]bool
	closed  bool
}

func (m *mockSender) Send(ctx context.Context, msg *transport.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor[msg.To] {
		return errors.New("550 mailbox unavailable")
	}
	m.sent = append(m.sent, *msg)
	return nil
}

func (m *mockSender) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// mockFactory knows one company and hands out a shared mockSender
type mockFactory struct {
	company string
	sender  *mockSender
	created int
}

func (f *mockFactory) Known(company string) bool {
	return company == f.company
}

func (f *mockFactory) Create(company string) (transport.Sender, error) {
	if company != f.company {
		return nil, transport.ErrUnknownCompany
	}
	f.created++
	return f.sender, nil
}

// passFilter drops the listed addresses
type passFilter struct {
	drop map[string]bool
}

func (f *passFilter) Apply(ctx context.Context, recipients []email.Recipient) ([]email.Recipient, error) {
	var kept []email.Recipient
	for _, r := range recipients {
		if !f.drop[r.Email] {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

// mockLogs records appended entries
type mockLogs struct {
	mu      sync.Mutex
	entries []*store.LogEntry
	err     error
}

func (l *mockLogs) AppendLog(ctx context.Context, audience store.Audience, entry *store.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.entries = append(l.entries, entry)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeRecipients(n int) []email.Recipient {
	rs := make([]email.Recipient, n)
	for i := range rs {
		rs[i] = email.Recipient{
			Email: fmt.Sprintf("user%02d@example.com", i),
			Body:  `<a href="https://x.com">go</a>`,
		}
	}
	return rs
}

type testEngine struct {
	engine  *Engine
	factory *mockFactory
	sender  *mockSender
	logs    *mockLogs
	sleeps  *[]time.Duration
}

func newTestEngine(t *testing.T, batchSize int, drop map[string]bool) *testEngine {
	t.Helper()
	sender := &mockSender{failFor: map[string]bool{}}
	factory := &mockFactory{company: "Acme", sender: sender}
	logs := &mockLogs{}

	engine := NewEngine(
		factory,
		&passFilter{drop: drop},
		tracker.New("https://mail.example.com"),
		logs,
		metrics.New(),
		config.DispatchConfig{BatchSize: batchSize, BatchDelay: 2 * time.Second},
		testLogger(),
	)

	var sleeps []time.Duration
	engine.sleep = func(d time.Duration) {
		sleeps = append(sleeps, d)
	}

	return &testEngine{engine: engine, factory: factory, sender: sender, logs: logs, sleeps: &sleeps}
}

func TestDispatchUnknownCompany(t *testing.T) {
	te := newTestEngine(t, 10, nil)

	_, err := te.engine.Dispatch(context.Background(), &Request{
		Company:    "NoSuchCompany",
		Subject:    "Hi",
		Recipients: makeRecipients(3),
		Audience:   store.AudienceClient,
	})

	if !errors.Is(err, transport.ErrUnknownCompany) {
		t.Fatalf("Dispatch() error = %v, want ErrUnknownCompany", err)
	}
	if te.factory.created != 0 {
		t.Error("transport created for unknown company")
	}
	if len(te.sender.sent) != 0 {
		t.Errorf("sends attempted: %d, want 0", len(te.sender.sent))
	}
}

func TestDispatchAllUnsubscribed(t *testing.T) {
	recipients := makeRecipients(3)
	drop := map[string]bool{}
	for _, r := range recipients {
		drop[r.Email] = true
	}
	te := newTestEngine(t, 10, drop)

	result, err := te.engine.Dispatch(context.Background(), &Request{
		Company:    "Acme",
		Subject:    "Hi",
		Recipients: recipients,
		Audience:   store.AudienceClient,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if result.Sent != 0 || result.Total != 0 {
		t.Errorf("result = %+v, want {0 0}", result)
	}
	if te.factory.created != 0 {
		t.Error("transport created despite empty filtered list")
	}
}

func TestDispatchCountsFailures(t *testing.T) {
	te := newTestEngine(t, 10, nil)
	te.sender.failFor["user03@example.com"] = true
	te.sender.failFor["user17@example.com"] = true

	result, err := te.engine.Dispatch(context.Background(), &Request{
		Company:    "Acme",
		Subject:    "Hi",
		Recipients: makeRecipients(23),
		Audience:   store.AudienceStudent,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if result.Sent != 21 || result.Total != 23 {
		t.Errorf("result = %+v, want {21 23}", result)
	}
	if len(te.logs.entries) != 21 {
		t.Errorf("log entries = %d, want 21 (one per success)", len(te.logs.entries))
	}
	for _, e := range te.logs.entries {
		if e.Company != "Acme" || e.Subject != "Hi" {
			t.Errorf("bad log entry: %+v", e)
		}
	}
	if !te.sender.closed {
		t.Error("transport not closed after dispatch")
	}
}

func TestDispatchBatchPacing(t *testing.T) {
	tests := []struct {
		recipients int
		wantDelays int
	}{
		{1, 0},
		{10, 0},
		{11, 1},
		{23, 2},
		{30, 2},
	}

	for _, tc := range tests {
		te := newTestEngine(t, 10, nil)

		_, err := te.engine.Dispatch(context.Background(), &Request{
			Company:    "Acme",
			Subject:    "Hi",
			Recipients: makeRecipients(tc.recipients),
			Audience:   store.AudienceClient,
		})
		if err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}

		if got := len(*te.sleeps); got != tc.wantDelays {
			t.Errorf("recipients=%d: delays = %d, want %d", tc.recipients, got, tc.wantDelays)
		}
		for _, d := range *te.sleeps {
			if d != 2*time.Second {
				t.Errorf("delay = %v, want 2s", d)
			}
		}
	}
}

func TestDispatchBatchOrdering(t *testing.T) {
	te := newTestEngine(t, 3, nil)

	recipients := makeRecipients(7)
	_, err := te.engine.Dispatch(context.Background(), &Request{
		Company:    "Acme",
		Subject:    "Hi",
		Recipients: recipients,
		Audience:   store.AudienceClient,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if len(te.sender.sent) != 7 {
		t.Fatalf("sends = %d, want 7", len(te.sender.sent))
	}

	// Within a batch completion order is unspecified, but batch k fully
	// resolves before batch k+1 starts: the recorded sends group into
	// consecutive windows matching the input batches.
	batches := [][]email.Recipient{recipients[0:3], recipients[3:6], recipients[6:7]}
	offset := 0
	for bi, batch := range batches {
		want := map[string]bool{}
		for _, r := range batch {
			want[r.Email] = true
		}
		for _, msg := range te.sender.sent[offset : offset+len(batch)] {
			if !want[msg.To] {
				t.Errorf("batch %d contains %s, want one of %v", bi, msg.To, batch)
			}
		}
		offset += len(batch)
	}
}

func TestDispatchWrapsLinksPerRecipient(t *testing.T) {
	te := newTestEngine(t, 10, nil)

	_, err := te.engine.Dispatch(context.Background(), &Request{
		Company:    "Acme",
		Subject:    "Hi",
		Recipients: makeRecipients(2),
		Audience:   store.AudienceClient,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	for _, msg := range te.sender.sent {
		wantMarker := "email=" + strings.ReplaceAll(msg.To, "@", "%40")
		if !strings.Contains(msg.HTML, wantMarker) {
			t.Errorf("body for %s not wrapped with its own address: %s", msg.To, msg.HTML)
		}
		if strings.Contains(msg.HTML, `href="https://x.com"`) {
			t.Errorf("original link survived for %s", msg.To)
		}
	}
}

func TestDispatchLogFailureStillCountsSend(t *testing.T) {
	te := newTestEngine(t, 10, nil)
	te.logs.err = errors.New("disk full")

	result, err := te.engine.Dispatch(context.Background(), &Request{
		Company:    "Acme",
		Subject:    "Hi",
		Recipients: makeRecipients(4),
		Audience:   store.AudienceClient,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if result.Sent != 4 || result.Total != 4 {
		t.Errorf("result = %+v, want {4 4} despite log failures", result)
	}
}
