// Package suppress removes opted-out recipients from dispatch lists.
package suppress

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mailsling/mailsling/internal/email"
	"github.com/mailsling/mailsling/internal/store"
)

// Registry is the subset of the store the filter reads.
type Registry interface {
	ListUnsubscribes(ctx context.Context) ([]*store.UnsubscribeRecord, error)
}

// Filter drops recipients present in the unsubscribe registry.
type Filter struct {
	registry Registry
	logger   *slog.Logger
}

// New creates a Filter
func New(registry Registry, logger *slog.Logger) *Filter {
	return &Filter{registry: registry, logger: logger}
}

// Apply returns the recipients not present in the registry. The registry is
// read once per call: an unsubscribe that lands while a dispatch is in
// flight does not affect that dispatch.
func (f *Filter) Apply(ctx context.Context, recipients []email.Recipient) ([]email.Recipient, error) {
	records, err := f.registry.ListUnsubscribes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load unsubscribe registry: %w", err)
	}

	suppressed := make(map[string]struct{}, len(records))
	for _, rec := range records {
		suppressed[email.Normalize(rec.Email)] = struct{}{}
	}

	kept := make([]email.Recipient, 0, len(recipients))
	for _, r := range recipients {
		if _, ok := suppressed[email.Normalize(r.Email)]; ok {
			f.logger.Debug("recipient suppressed", "email", r.Email)
			continue
		}
		kept = append(kept, r)
	}

	if dropped := len(recipients) - len(kept); dropped > 0 {
		f.logger.Info("unsubscribed recipients filtered", "dropped", dropped, "kept", len(kept))
	}

	return kept, nil
}
