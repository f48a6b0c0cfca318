package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/uhyunpark/wagerbook/pkg/storage"
)

// Outbox is the durable queue the broadcaster drains.
type Outbox interface {
	ScanPending(fn func(rec storage.OutboxRecord) error) error
	MarkSent(rec storage.OutboxRecord) error
	MarkAcked(seq uint64) error
}

// Broadcaster replays unacknowledged outbox records to a Publisher on a
// ticker. Delivery is at-least-once; consumers dedupe on the event id.
type Broadcaster struct {
	outbox    Outbox
	publisher Publisher
	interval  time.Duration
	logger    *zap.Logger
	onSent    func(n int)
}

func NewBroadcaster(outbox Outbox, publisher Publisher, interval time.Duration, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Broadcaster{outbox: outbox, publisher: publisher, interval: interval, logger: logger}
}

// OnSent registers a callback with the count of records acked per pass.
func (b *Broadcaster) OnSent(fn func(n int)) { b.onSent = fn }

// Start runs the replay loop until ctx is cancelled.
func (b *Broadcaster) Start(ctx context.Context) {
	b.logger.Info("broadcaster_started", zap.Duration("interval", b.interval))
	go func() {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.ReplayOnce(ctx)
			}
		}
	}()
}

// ReplayOnce publishes pending records in order and stops at the first
// failure so ordering is kept for the next pass.
func (b *Broadcaster) ReplayOnce(ctx context.Context) int {
	sent := 0
	err := b.outbox.ScanPending(func(rec storage.OutboxRecord) error {
		if err := b.outbox.MarkSent(rec); err != nil {
			return err
		}
		if err := b.publisher.Publish(ctx, partitionKey(rec.Payload), rec.Payload); err != nil {
			b.logger.Warn("event_publish_failed", zap.Uint64("seq", rec.Seq), zap.Uint32("retries", rec.Retries+1), zap.Error(err))
			return errStop
		}
		if err := b.outbox.MarkAcked(rec.Seq); err != nil {
			return err
		}
		sent++
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		b.logger.Error("outbox_scan_failed", zap.Error(err))
	}
	if sent > 0 && b.onSent != nil {
		b.onSent(sent)
	}
	return sent
}

var errStop = errors.New("stop scan")

func partitionKey(payload []byte) []byte {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil
	}
	return e.Key()
}

func (b *Broadcaster) Close() error {
	return b.publisher.Close()
}
