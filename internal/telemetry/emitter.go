// Package telemetry records security-relevant ceremony events for audit.
package telemetry

import (
	"context"
	"time"

	"github.com/louisbranch/abstractwallet/internal/platform/id"
	"github.com/louisbranch/abstractwallet/internal/storage"
)

// Event kinds recorded by the ceremony layer.
const (
	KindCounterRegression   = "COUNTER_REGRESSION"
	KindCloneWarning        = "CLONE_WARNING"
	KindVerificationFailure = "VERIFICATION_FAILURE"
)

// Emitter records security events. Events never surface through ceremony
// responses; they exist for operators.
type Emitter struct {
	store storage.SecurityEventStore
	clock func() time.Time
	newID func() (string, error)
}

// NewEmitter creates a new security event emitter.
func NewEmitter(store storage.SecurityEventStore) *Emitter {
	return &Emitter{store: store, clock: time.Now, newID: id.NewID}
}

// Emit records a security event. It is a no-op when the store is nil.
func (e *Emitter) Emit(ctx context.Context, event storage.SecurityEvent) error {
	if e == nil || e.store == nil {
		return nil
	}
	if event.ID == "" {
		generated, err := e.newID()
		if err != nil {
			return err
		}
		event.ID = generated
	}
	if event.Timestamp.IsZero() {
		if e.clock == nil {
			event.Timestamp = time.Now().UTC()
		} else {
			event.Timestamp = e.clock().UTC()
		}
	}
	return e.store.AppendSecurityEvent(ctx, event)
}
