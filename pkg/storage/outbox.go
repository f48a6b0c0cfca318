package storage

import (
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

type OutboxState uint8

const (
	OutboxNew OutboxState = iota
	OutboxSent
)

func (s OutboxState) String() string {
	switch s {
	case OutboxNew:
		return "NEW"
	case OutboxSent:
		return "SENT"
	default:
		return "UNKNOWN"
	}
}

// OutboxRecord is one event waiting for external publication.
type OutboxRecord struct {
	Seq         uint64
	State       OutboxState
	Retries     uint32
	LastAttempt int64
	Payload     []byte
}

// binary encoding: [state:1][retries:4][lastAttempt:8][payload...]
func encodeOutbox(r OutboxRecord) []byte {
	buf := make([]byte, 13+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	copy(buf[13:], r.Payload)
	return buf
}

func decodeOutbox(seq uint64, b []byte) (OutboxRecord, error) {
	if len(b) < 13 {
		return OutboxRecord{}, errors.Newf("invalid outbox record length %d", len(b))
	}
	return OutboxRecord{
		Seq:         seq,
		State:       OutboxState(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Payload:     append([]byte(nil), b[13:]...),
	}, nil
}

// ScanPending calls fn for every unacknowledged record in sequence order.
// Returning an error from fn stops the scan.
func (s *PebbleStore) ScanPending(fn func(rec OutboxRecord) error) error {
	prefix := []byte(prefixOutbox)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseOutboxKey(iter.Key())
		if err != nil {
			return errors.Wrapf(err, "bad outbox key %s", iter.Key())
		}
		rec, err := decodeOutbox(seq, iter.Value())
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// MarkSent records a publish attempt. Idempotent.
func (s *PebbleStore) MarkSent(rec OutboxRecord) error {
	rec.State = OutboxSent
	rec.Retries++
	rec.LastAttempt = time.Now().UnixNano()
	return s.db.Set(outboxKey(rec.Seq), encodeOutbox(rec), pebble.Sync)
}

// MarkAcked drops a record the sink confirmed.
func (s *PebbleStore) MarkAcked(seq uint64) error {
	return s.db.Delete(outboxKey(seq), pebble.Sync)
}

// PendingCount returns how many records still wait for an ack.
func (s *PebbleStore) PendingCount() (int, error) {
	n := 0
	err := s.ScanPending(func(OutboxRecord) error { n++; return nil })
	return n, err
}
