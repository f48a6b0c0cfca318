package wallet

import (
	"encoding/binary"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Store persists wallet accounts and the escrow vault in Pebble.
// Thread-safe: all operations go through Manager's mutex.
type Store struct {
	db *pebble.DB
}

// NewStore opens a Pebble database at the given path
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(16 << 20), // 16MB cache
		MemTableSize: 8 << 20,
		MaxOpenFiles: 256,
	}
	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open wallet db at %s", dbPath)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// LoadAccount returns nil if the account doesn't exist
func (s *Store) LoadAccount(addr common.Address) (*Account, error) {
	data, closer, err := s.db.Get(accountKey(addr))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get account")
	}
	defer closer.Close()

	var acc Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal account")
	}
	return &acc, nil
}

// LoadAllAccounts scans every account, sorted by key.
func (s *Store) LoadAllAccounts() ([]*Account, error) {
	prefix := []byte(prefixAccount)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open account iterator")
	}
	defer iter.Close()

	var out []*Account
	for iter.First(); iter.Valid(); iter.Next() {
		var acc Account
		if err := json.Unmarshal(iter.Value(), &acc); err != nil {
			continue // Skip invalid entries
		}
		out = append(out, &acc)
	}
	return out, nil
}

func (s *Store) LoadVault() (int64, error) {
	data, closer, err := s.db.Get([]byte(keyVault))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to get vault")
	}
	defer closer.Close()
	if len(data) != 8 {
		return 0, errors.Newf("corrupt vault record: %d bytes", len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

// HasPaid reports whether a payout ref was already applied.
func (s *Store) HasPaid(ref string) (bool, error) {
	_, closer, err := s.db.Get(paidKey(ref))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to get payout ref")
	}
	closer.Close()
	return true, nil
}

// SaveTransfer writes the touched account and the vault in one batch. A
// non-empty ref is recorded with it.
func (s *Store) SaveTransfer(acc *Account, vault int64, ref string) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal account")
	}
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(vault))

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(accountKey(acc.Address), data, nil); err != nil {
		return err
	}
	if err := b.Set([]byte(keyVault), v[:], nil); err != nil {
		return err
	}
	if ref != "" {
		if err := b.Set(paidKey(ref), nil, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "failed to commit wallet batch")
	}
	return nil
}
