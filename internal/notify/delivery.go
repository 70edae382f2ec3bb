package notify

import (
	"context"
	"sync"
)

type deliveriesKey struct{}

// Deliveries collects the channels that failed during one request
type Deliveries struct {
	mu     sync.Mutex
	failed []string
}

// WithDeliveries attaches a fresh delivery report to ctx
func WithDeliveries(ctx context.Context) (context.Context, *Deliveries) {
	d := &Deliveries{}
	return context.WithValue(ctx, deliveriesKey{}, d), d
}

// ReportFailure records a failed channel on the report in ctx, if any
func ReportFailure(ctx context.Context, channel string) {
	d, ok := ctx.Value(deliveriesKey{}).(*Deliveries)
	if !ok {
		return
	}
	d.mu.Lock()
	d.failed = append(d.failed, channel)
	d.mu.Unlock()
}

// Failed returns the failed channels in report order
func (d *Deliveries) Failed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.failed...)
}
