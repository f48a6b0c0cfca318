package storage

import (
	"encoding/binary"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/wagerbook/pkg/app/core/admin"
	"github.com/uhyunpark/wagerbook/pkg/app/core/escrow"
	"github.com/uhyunpark/wagerbook/pkg/app/core/game"
	"github.com/uhyunpark/wagerbook/pkg/app/core/orderbook"
)

// PebbleStore persists the wager state: orders, games, pools, pending
// payouts, in-flight transfers, house fees, sequencer mark, parameters,
// nonces and the event outbox. Writes go through Batch so one operation commits atomically.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pebble db at %s", path)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func encodeUint(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func decodeUint(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.Newf("expected 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// Batch collects the writes of one operation
type Batch struct {
	batch *pebble.Batch
}

func (s *PebbleStore) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

func (b *Batch) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s", key)
	}
	return b.batch.Set(key, data, nil)
}

func (b *Batch) SaveOrder(o *orderbook.Order) error {
	return b.setJSON(orderKey(uint64(o.ID)), o)
}

func (b *Batch) SaveGame(g *game.Game) error {
	return b.setJSON(gameKey(uint64(g.ID)), g)
}

func (b *Batch) SavePool(p *escrow.Pool) error {
	return b.setJSON(poolKey(uint64(p.GameID)), p)
}

// SetPending writes a pending balance; zero deletes it
func (b *Batch) SetPending(addr common.Address, amount int64) error {
	if amount == 0 {
		return b.batch.Delete(pendingKey(addr), nil)
	}
	return b.batch.Set(pendingKey(addr), encodeUint(uint64(amount)), nil)
}

// SavePayout journals an outbound transfer; nil removes the journal entry
func (b *Batch) SavePayout(ref string, p *escrow.Payout) error {
	if p == nil {
		return b.batch.Delete(payoutKey(ref), nil)
	}
	return b.setJSON(payoutKey(ref), p)
}

func (b *Batch) SetHouseFees(amount int64) error {
	return b.batch.Set([]byte(keyHouseFees), encodeUint(uint64(amount)), nil)
}

func (b *Batch) SetSequence(v uint64) error {
	return b.batch.Set([]byte(keySequence), encodeUint(v), nil)
}

func (b *Batch) SaveParams(p admin.Params) error {
	return b.setJSON([]byte(keyParams), p)
}

func (b *Batch) SetNonce(addr common.Address, nonce uint64) error {
	return b.batch.Set(nonceKey(addr), encodeUint(nonce), nil)
}

// AppendOutbox stages an event for the broadcaster
func (b *Batch) AppendOutbox(seq uint64, payload []byte) error {
	if err := b.batch.Set(outboxKey(seq), encodeOutbox(OutboxRecord{Seq: seq, State: OutboxNew, Payload: payload}), nil); err != nil {
		return err
	}
	return b.batch.Set([]byte(keyOutboxSeq), encodeUint(seq), nil)
}

func (b *Batch) Empty() bool { return b.batch.Empty() }

// Commit writes the batch atomically with fsync
func (b *Batch) Commit() error {
	if err := b.batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "failed to commit batch")
	}
	return nil
}

func (b *Batch) Close() error { return b.batch.Close() }

func scanJSON[T any](s *PebbleStore, prefix string) ([]*T, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keyUpperBound([]byte(prefix)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*T
	for iter.First(); iter.Valid(); iter.Next() {
		v := new(T)
		if err := json.Unmarshal(iter.Value(), v); err != nil {
			return nil, errors.Wrapf(err, "corrupt record %s", iter.Key())
		}
		out = append(out, v)
	}
	return out, iter.Error()
}

// LoadOrders returns every persisted order in id order
func (s *PebbleStore) LoadOrders() ([]*orderbook.Order, error) {
	return scanJSON[orderbook.Order](s, prefixOrder)
}

func (s *PebbleStore) LoadGames() ([]*game.Game, error) {
	return scanJSON[game.Game](s, prefixGame)
}

func (s *PebbleStore) LoadPools() ([]*escrow.Pool, error) {
	return scanJSON[escrow.Pool](s, prefixPool)
}

// LoadPayouts returns transfers whose outcome was never recorded
func (s *PebbleStore) LoadPayouts() ([]*escrow.Payout, error) {
	return scanJSON[escrow.Payout](s, prefixPayout)
}

func (s *PebbleStore) scanAddresses(prefix string) (map[common.Address]uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keyUpperBound([]byte(prefix)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make(map[common.Address]uint64)
	for iter.First(); iter.Valid(); iter.Next() {
		addr, err := addressFromKey(iter.Key(), prefix)
		if err != nil {
			return nil, err
		}
		v, err := decodeUint(iter.Value())
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt record %s", iter.Key())
		}
		out[addr] = v
	}
	return out, iter.Error()
}

func (s *PebbleStore) LoadPending() (map[common.Address]int64, error) {
	raw, err := s.scanAddresses(prefixPending)
	if err != nil {
		return nil, err
	}
	out := make(map[common.Address]int64, len(raw))
	for addr, v := range raw {
		out[addr] = int64(v)
	}
	return out, nil
}

func (s *PebbleStore) LoadNonces() (map[common.Address]uint64, error) {
	return s.scanAddresses(prefixNonce)
}

func (s *PebbleStore) getUint(key string) (uint64, error) {
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return decodeUint(val)
}

func (s *PebbleStore) LoadHouseFees() (int64, error) {
	v, err := s.getUint(keyHouseFees)
	return int64(v), err
}

// LoadSequence returns the id high-water mark, 0 on a fresh store
func (s *PebbleStore) LoadSequence() (uint64, error) {
	return s.getUint(keySequence)
}

// LoadOutboxSeq returns the last outbox sequence written
func (s *PebbleStore) LoadOutboxSeq() (uint64, error) {
	return s.getUint(keyOutboxSeq)
}

// LoadParams reports false when no parameters were ever saved
func (s *PebbleStore) LoadParams() (admin.Params, bool, error) {
	val, closer, err := s.db.Get([]byte(keyParams))
	if errors.Is(err, pebble.ErrNotFound) {
		return admin.Params{}, false, nil
	}
	if err != nil {
		return admin.Params{}, false, err
	}
	defer closer.Close()
	var p admin.Params
	if err := json.Unmarshal(val, &p); err != nil {
		return admin.Params{}, false, errors.Wrap(err, "corrupt params record")
	}
	return p, true, nil
}
