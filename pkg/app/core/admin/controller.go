package admin

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
)

// Controller holds the live parameters and the single authority allowed to
// change them. Safe for concurrent readers.
type Controller struct {
	mu        sync.RWMutex
	authority common.Address
	params    Params
	dirty     bool
}

// NewController validates p and binds it to authority.
func NewController(authority common.Address, p Params) (*Controller, error) {
	if authority == (common.Address{}) {
		return nil, core.Rejectf("authority address is required")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Controller{authority: authority, params: p.Clone()}, nil
}

func (c *Controller) Authority() common.Address { return c.authority }

// Authorize fails with Unauthorized unless caller is the authority.
func (c *Controller) Authorize(caller common.Address) error {
	if caller != c.authority {
		return core.Unauthorizedf("%s is not the authority", caller.Hex())
	}
	return nil
}

// Params returns a snapshot of the current parameters.
func (c *Controller) Params() Params {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params.Clone()
}

func (c *Controller) Paused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params.Paused
}

// RequireOpen returns ErrPaused while creation is suspended.
func (c *Controller) RequireOpen() error {
	if c.Paused() {
		return core.ErrPaused
	}
	return nil
}

func (c *Controller) SetFeeBps(caller common.Address, bps int64) error {
	return c.update(caller, func(p *Params) error {
		if err := ValidateFee(bps); err != nil {
			return err
		}
		p.FeeBps = bps
		return nil
	})
}

func (c *Controller) SetTiers(caller common.Address, tiers []int64) error {
	return c.update(caller, func(p *Params) error {
		if err := ValidateTiers(tiers, p.TickSize); err != nil {
			return err
		}
		p.Tiers = append([]int64(nil), tiers...)
		return nil
	})
}

func (c *Controller) SetTolerance(caller common.Address, pct int64) error {
	return c.update(caller, func(p *Params) error {
		if err := ValidateTolerance(pct); err != nil {
			return err
		}
		p.TolerancePct = pct
		return nil
	})
}

// Pause suspends order, game and stake creation. Votes, unwinds and claims
// keep working.
func (c *Controller) Pause(caller common.Address) error {
	return c.update(caller, func(p *Params) error {
		if p.Paused {
			return core.Transitionf("already paused")
		}
		p.Paused = true
		return nil
	})
}

func (c *Controller) Resume(caller common.Address) error {
	return c.update(caller, func(p *Params) error {
		if !p.Paused {
			return core.Transitionf("not paused")
		}
		p.Paused = false
		return nil
	})
}

func (c *Controller) update(caller common.Address, fn func(p *Params) error) error {
	if err := c.Authorize(caller); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.params.Clone()
	if err := fn(&next); err != nil {
		return err
	}
	c.params = next
	c.dirty = true
	return nil
}

// TakeDirty reports whether parameters changed since the last call.
func (c *Controller) TakeDirty() (Params, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.dirty
	c.dirty = false
	return c.params.Clone(), d
}

// Restore replaces the parameters with a persisted copy.
func (c *Controller) Restore(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params = p.Clone()
	return nil
}
