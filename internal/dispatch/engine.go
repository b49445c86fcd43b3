// Package dispatch implements the batched, rate-limited send pipeline.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mailsling/mailsling/internal/config"
	"github.com/mailsling/mailsling/internal/email"
	"github.com/mailsling/mailsling/internal/metrics"
	"github.com/mailsling/mailsling/internal/store"
	"github.com/mailsling/mailsling/internal/transport"
)

// Request is one inbound dispatch request
type Request struct {
	Company    string
	Subject    string
	Recipients []email.Recipient
	Audience   store.Audience
}

// Result is the aggregate outcome of a dispatch
type Result struct {
	Sent  int `json:"sentCount"`
	Total int `json:"totalCount"`
}

// TransportFactory produces the per-company sending channel.
type TransportFactory interface {
	Known(company string) bool
	Create(company string) (transport.Sender, error)
}

// Filter removes unsubscribed recipients.
type Filter interface {
	Apply(ctx context.Context, recipients []email.Recipient) ([]email.Recipient, error)
}

// LinkWrapper rewrites outbound links per recipient.
type LinkWrapper interface {
	WrapLinks(body, recipientEmail string) string
}

// LogAppender records one delivery-log entry per successful send.
type LogAppender interface {
	AppendLog(ctx context.Context, audience store.Audience, entry *store.LogEntry) error
}

// Engine orchestrates a dispatch: filter, batch, concurrent fan-out,
// inter-batch pacing, durable per-send logging.
type Engine struct {
	factory    TransportFactory
	filter     Filter
	tracker    LinkWrapper
	logs       LogAppender
	metrics    *metrics.Metrics
	batchSize  int
	batchDelay time.Duration
	sleep      func(time.Duration)
	logger     *slog.Logger
}

// NewEngine creates an Engine
func NewEngine(factory TransportFactory, filter Filter, tracker LinkWrapper, logs LogAppender, m *metrics.Metrics, cfg config.DispatchConfig, logger *slog.Logger) *Engine {
	return &Engine{
		factory:    factory,
		filter:     filter,
		tracker:    tracker,
		logs:       logs,
		metrics:    m,
		batchSize:  cfg.BatchSize,
		batchDelay: cfg.BatchDelay,
		sleep:      time.Sleep,
		logger:     logger,
	}
}

// sendOutcome is the tagged result of one recipient's send. Failures never
// cross the batch boundary as errors; they are collected and counted.
type sendOutcome struct {
	email string
	err   error
}

// Dispatch runs one request to completion. It returns an error only for
// request-level failures; individual send failures are absorbed into the
// counts.
func (e *Engine) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	if !e.factory.Known(req.Company) {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnknownCompany, req.Company)
	}

	recipients, err := e.filter.Apply(ctx, req.Recipients)
	if err != nil {
		return nil, fmt.Errorf("recipient filtering failed: %w", err)
	}

	if len(recipients) == 0 {
		e.logger.Info("no valid recipients after unsubscribe filtering", "company", req.Company)
		return &Result{Sent: 0, Total: 0}, nil
	}

	sender, err := e.factory.Create(req.Company)
	if err != nil {
		return nil, fmt.Errorf("transport creation failed: %w", err)
	}
	defer sender.Close()

	audience := req.Audience.Normalize()
	e.metrics.DispatchesTotal.WithLabelValues(req.Company).Inc()

	e.logger.Info("dispatch started",
		"company", req.Company,
		"subject", req.Subject,
		"recipients", len(recipients),
		"audience", string(audience),
	)

	sent := 0
	for start := 0; start < len(recipients); start += e.batchSize {
		end := start + e.batchSize
		if end > len(recipients) {
			end = len(recipients)
		}

		batchStart := time.Now()
		outcomes := e.sendBatch(ctx, sender, req, audience, recipients[start:end])
		e.metrics.BatchDurationSeconds.Observe(time.Since(batchStart).Seconds())

		for _, outcome := range outcomes {
			if outcome.err == nil {
				sent++
			}
		}

		if end < len(recipients) {
			// Fixed pause between batches so the provider does not
			// throttle or flag the sender.
			e.sleep(e.batchDelay)
		}
	}

	e.logger.Info("dispatch finished",
		"company", req.Company,
		"sent", sent,
		"total", len(recipients),
	)

	return &Result{Sent: sent, Total: len(recipients)}, nil
}

// sendBatch fans out one batch concurrently and waits for every send to
// resolve before returning.
func (e *Engine) sendBatch(ctx context.Context, sender transport.Sender, req *Request, audience store.Audience, batch []email.Recipient) []sendOutcome {
	outcomes := make([]sendOutcome, len(batch))

	var wg sync.WaitGroup
	for i, recipient := range batch {
		wg.Add(1)
		go func(i int, r email.Recipient) {
			defer wg.Done()
			outcomes[i] = sendOutcome{email: r.Email, err: e.sendOne(ctx, sender, req, audience, r)}
		}(i, recipient)
	}
	wg.Wait()

	return outcomes
}

// sendOne wraps, submits and logs a single message.
func (e *Engine) sendOne(ctx context.Context, sender transport.Sender, req *Request, audience store.Audience, r email.Recipient) error {
	body := e.tracker.WrapLinks(r.Body, r.Email)

	err := sender.Send(ctx, &transport.Message{
		To:      r.Email,
		Subject: req.Subject,
		HTML:    body,
	})
	if err != nil {
		e.metrics.SendFailuresTotal.WithLabelValues(req.Company).Inc()
		e.logger.Warn("send failed", "company", req.Company, "to", r.Email, "error", err)
		return err
	}

	e.metrics.SentTotal.WithLabelValues(req.Company, string(audience)).Inc()

	entry := &store.LogEntry{
		ID:      uuid.New().String(),
		Email:   r.Email,
		Subject: req.Subject,
		Company: req.Company,
		SentAt:  time.Now(),
	}
	if err := e.logs.AppendLog(ctx, audience, entry); err != nil {
		// The message already left; the durability gap is logged, not
		// surfaced to the caller.
		e.logger.Error("delivery log write failed", "to", r.Email, "error", err)
	}

	return nil
}
