package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-automation/internal/events"
	"github.com/spec-kit/ticket-automation/internal/observability"
	"github.com/spec-kit/ticket-automation/internal/repository"
)

// Dependencies bundles collaborators shared by the automation components.
type Dependencies struct {
	Store      repository.Store
	Dispatcher events.Dispatcher
	Metrics    *observability.Metrics
	Logger     *zap.Logger
	Now        func() time.Time
}

func (d Dependencies) normalized(name string) Dependencies {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	d.Logger = d.Logger.Named(name)
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// errNoop aborts a transaction whose guarded write matched nothing; the row
// was already handled by a concurrent or earlier run.
var errNoop = errors.New("already handled")

// appendEvent writes payload to the ledger through stores and returns the
// entry when it was new.
func appendEvent(ctx context.Context, stores repository.Stores, subjectID string, payload events.Payload) (*events.Entry, bool, error) {
	entry, err := events.NewEntry(subjectID, payload)
	if err != nil {
		return nil, false, err
	}
	inserted, err := stores.Ledger().AppendOnce(ctx, &entry)
	if err != nil {
		return nil, false, fmt.Errorf("append %s: %w", payload.EventType(), err)
	}
	return &entry, inserted, nil
}

// publish reports committed entries to metrics and in-process subscribers.
func (d Dependencies) publish(ctx context.Context, entries ...*events.Entry) {
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		d.Metrics.RecordLedgerEvent(string(entry.Type))
		if d.Dispatcher != nil {
			d.Dispatcher.Publish(ctx, *entry)
		}
	}
}

// NormalizeLimit returns def when no limit was requested and otherwise clamps
// the request into [1, max].
func NormalizeLimit(requested *int, def, max int) int {
	if max <= 0 {
		max = 500
	}
	if def <= 0 || def > max {
		def = max
	}
	switch {
	case requested == nil:
		return def
	case *requested < 1:
		return 1
	case *requested > max:
		return max
	default:
		return *requested
	}
}
