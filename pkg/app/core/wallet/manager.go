package wallet

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// ErrInsufficientFunds is returned when a debit exceeds the balance.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Manager is the custodial wallet behind escrow.Funds. Balances live in an
// in-memory cache backed by Pebble; the vault tracks value the escrow holds.
type Manager struct {
	mu       sync.RWMutex
	accounts map[common.Address]*Account
	vault    int64
	store    *Store
	logger   *zap.Logger
}

// NewManager opens the wallet database at dbPath and loads the vault.
func NewManager(dbPath string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := NewStore(dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create wallet store")
	}
	vault, err := store.LoadVault()
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Manager{
		accounts: make(map[common.Address]*Account),
		vault:    vault,
		store:    store,
		logger:   logger,
	}, nil
}

func (m *Manager) Close() error {
	return m.store.Close()
}

// getAccountLocked loads or creates an account (assumes lock is held)
func (m *Manager) getAccountLocked(addr common.Address) *Account {
	if acc, ok := m.accounts[addr]; ok {
		return acc
	}
	acc, err := m.store.LoadAccount(addr)
	if err != nil {
		m.logger.Warn("wallet_load_failed", zap.String("address", addr.Hex()), zap.Error(err))
	}
	if acc == nil {
		acc = NewAccount(addr)
	}
	m.accounts[addr] = acc
	return acc
}

// ErrBalanceOverflow is returned when a credit would push a balance past int64.
var ErrBalanceOverflow = errors.New("balance overflow")

// apply runs fn on a copy of the account and only keeps the result once it
// is durable. A ref already applied makes the call a successful no-op.
func (m *Manager) apply(addr common.Address, vaultDelta int64, ref string, fn func(acc *Account) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ref != "" {
		done, err := m.store.HasPaid(ref)
		if err != nil {
			return err
		}
		if done {
			m.logger.Info("payout_already_applied", zap.String("ref", ref), zap.String("address", addr.Hex()))
			return nil
		}
	}

	next := m.getAccountLocked(addr).Clone()
	if err := fn(next); err != nil {
		return err
	}
	vault := m.vault + vaultDelta
	if vault < 0 {
		return errors.Wrapf(ErrInsufficientFunds, "vault holds %d, need %d", m.vault, -vaultDelta)
	}
	if err := m.store.SaveTransfer(next, vault, ref); err != nil {
		return err
	}
	m.accounts[addr] = next
	m.vault = vault
	return nil
}

// Deposit credits an account from outside the system (faucet or bridge).
func (m *Manager) Deposit(addr common.Address, amount int64) error {
	if amount <= 0 {
		return errors.Newf("deposit amount must be positive: %d", amount)
	}
	return m.apply(addr, 0, "", func(acc *Account) error {
		if err := credit(acc, amount); err != nil {
			return err
		}
		acc.TotalDeposited += amount
		return nil
	})
}

// Withdraw debits an account to outside the system.
func (m *Manager) Withdraw(addr common.Address, amount int64) error {
	if amount <= 0 {
		return errors.Newf("withdraw amount must be positive: %d", amount)
	}
	return m.apply(addr, 0, "", func(acc *Account) error {
		if acc.Balance < amount {
			return errors.Wrapf(ErrInsufficientFunds, "have %d, need %d", acc.Balance, amount)
		}
		acc.Balance -= amount
		acc.TotalWithdrawn += amount
		return nil
	})
}

// TransferIn moves a stake from payer's balance into the vault.
func (m *Manager) TransferIn(ctx context.Context, payer common.Address, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount <= 0 {
		return errors.Newf("transfer amount must be positive: %d", amount)
	}
	return m.apply(payer, amount, "", func(acc *Account) error {
		if acc.Balance < amount {
			return errors.Wrapf(ErrInsufficientFunds, "%s has %d, stake needs %d", payer.Hex(), acc.Balance, amount)
		}
		acc.Balance -= amount
		acc.TotalStaked += amount
		return nil
	})
}

// TransferOut pays payee from the vault. A payout is applied at most once
// per ref, so a retry after an unknown outcome is safe.
func (m *Manager) TransferOut(ctx context.Context, payee common.Address, amount int64, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount <= 0 {
		return errors.Newf("transfer amount must be positive: %d", amount)
	}
	return m.apply(payee, -amount, ref, func(acc *Account) error {
		if err := credit(acc, amount); err != nil {
			return err
		}
		acc.TotalReceived += amount
		return nil
	})
}

func credit(acc *Account, amount int64) error {
	if amount > math.MaxInt64-acc.Balance {
		return errors.Wrapf(ErrBalanceOverflow, "%s holds %d, credit %d", acc.Address.Hex(), acc.Balance, amount)
	}
	acc.Balance += amount
	return nil
}

// Balance returns the spendable balance of addr.
func (m *Manager) Balance(addr common.Address) int64 {
	acc := m.Account(addr)
	if acc == nil {
		return 0
	}
	return acc.Balance
}

// Account returns a copy of the account, nil if it was never funded.
func (m *Manager) Account(addr common.Address) *Account {
	m.mu.RLock()
	acc, ok := m.accounts[addr]
	m.mu.RUnlock()
	if ok {
		return acc.Clone()
	}
	loaded, err := m.store.LoadAccount(addr)
	if err != nil || loaded == nil {
		return nil
	}
	return loaded
}

// Vault returns the value currently held for the escrow.
func (m *Manager) Vault() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vault
}

// Accounts returns every persisted account sorted by address.
func (m *Manager) Accounts() ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out, err := m.store.LoadAllAccounts()
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Cmp(out[j].Address) < 0 })
	return out, nil
}
