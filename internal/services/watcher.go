package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/crossledger/settlement/internal/models"
)

// Watcher registers deposit addresses with the deposit monitor.
type Watcher interface {
	Watch(m models.MonitoredAddress)
	// Unwatch drops every entry owned by the exchange or offer id.
	Unwatch(exchangeID string)
}

type nopWatcher struct{}

func (nopWatcher) Watch(models.MonitoredAddress) {}
func (nopWatcher) Unwatch(string)                {}

// adapterError wraps a chain or custodian failure so callers can match
// models.ErrExternalAdapter, keeping any more specific sentinel intact.
func adapterError(op string, err error) error {
	for _, known := range []error{
		models.ErrConfiguration, models.ErrValidation, models.ErrTimeout,
		models.ErrLiquidity, models.ErrExternalAdapter,
	} {
		if errors.Is(err, known) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", models.ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %v", models.ErrExternalAdapter, op, err)
}

func strPtr(s string) *string {
	return &s
}
