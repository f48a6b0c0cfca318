package wager

import (
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/wagerbook/pkg/app/core/admin"
	"github.com/uhyunpark/wagerbook/pkg/events"
)

// Parameter changes reach only pools opened afterwards: a pool keeps the
// fee it captured and the matching config is read per placement.

func (a *App) SetFeeBps(caller common.Address, bps int64) (admin.Params, error) {
	return a.updateParams("set_fee", events.ParamsUpdated, func() error {
		return a.admin.SetFeeBps(caller, bps)
	})
}

func (a *App) SetTiers(caller common.Address, tiers []int64) (admin.Params, error) {
	return a.updateParams("set_tiers", events.ParamsUpdated, func() error {
		return a.admin.SetTiers(caller, tiers)
	})
}

func (a *App) SetTolerance(caller common.Address, pct int64) (admin.Params, error) {
	return a.updateParams("set_tolerance", events.ParamsUpdated, func() error {
		return a.admin.SetTolerance(caller, pct)
	})
}

// Pause stops new orders, games and stakes. Votes, overrides, unwinds,
// cancels and claims keep working.
func (a *App) Pause(caller common.Address) (admin.Params, error) {
	return a.updateParams("pause", events.SystemPaused, func() error {
		return a.admin.Pause(caller)
	})
}

func (a *App) Resume(caller common.Address) (admin.Params, error) {
	return a.updateParams("resume", events.SystemResumed, func() error {
		return a.admin.Resume(caller)
	})
}

func (a *App) updateParams(op string, t events.EventType, fn func() error) (admin.Params, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := fn(); err != nil {
		return admin.Params{}, a.fail(op, err)
	}
	p := a.admin.Params()
	a.emit(a.newEvent(t, p))
	a.logger.Info("params_updated",
		zap.String("op", op),
		zap.Int64("fee_bps", p.FeeBps),
		zap.Int64s("tiers", p.Tiers),
		zap.Int64("tolerance_pct", p.TolerancePct),
		zap.Bool("paused", p.Paused))

	if err := a.commit(); err != nil {
		return p, a.fail(op, err)
	}
	return p, nil
}
