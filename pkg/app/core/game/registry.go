package game

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
)

// MoveLimits bound the move log of a game.
type MoveLimits struct {
	MaxMoves     int
	MaxMoveBytes int
}

// Registry owns every game by id. Callers serialize access.
type Registry struct {
	games    map[core.GameID]*Game
	reserved map[core.GameID]common.Address // joiner whose stake transfer is in flight
	oracle   Oracle
	dirty    map[core.GameID]struct{}
}

func NewRegistry(oracle Oracle) *Registry {
	if oracle == nil {
		oracle = MoveLog{}
	}
	return &Registry{
		games:    make(map[core.GameID]*Game),
		reserved: make(map[core.GameID]common.Address),
		oracle:   oracle,
		dirty:    make(map[core.GameID]struct{}),
	}
}

func (r *Registry) add(g *Game) error {
	if g.ID == 0 {
		return core.Rejectf("game id 0 is reserved")
	}
	if _, ok := r.games[g.ID]; ok {
		return core.Rejectf("game %d already exists", g.ID)
	}
	if err := g.TimeControl.Validate(); err != nil {
		return err
	}
	r.games[g.ID] = g
	r.dirty[g.ID] = struct{}{}
	return nil
}

// CreateMatched registers a game funded by a fill. Both seats and both
// stakes are known, so it starts Active.
func (r *Registry) CreateMatched(id core.GameID, tc core.TimeControl, players [2]common.Address, amount int64, now int64) (*Game, error) {
	if amount <= 0 {
		return nil, core.Rejectf("match stake must be positive: %d", amount)
	}
	g := &Game{
		ID:          id,
		Origin:      OriginMatch,
		TimeControl: tc,
		Players:     players,
		Seated:      [2]bool{true, true},
		Stakes:      [2]int64{amount, amount},
		Status:      Active,
		CreatedAt:   now,
		StartedAt:   now,
	}
	if err := r.add(g); err != nil {
		return nil, err
	}
	return g.Clone(), nil
}

// CreateTier registers a fixed-tier game with the creator seated on side.
func (r *Registry) CreateTier(id core.GameID, creator common.Address, side core.Side, amount int64, tc core.TimeControl, now int64) (*Game, error) {
	if creator == (common.Address{}) {
		return nil, core.Rejectf("creator address is required")
	}
	if !side.Valid() {
		return nil, core.Rejectf("invalid side %d", uint8(side))
	}
	if amount <= 0 {
		return nil, core.Rejectf("tier stake must be positive: %d", amount)
	}
	g := &Game{
		ID:          id,
		Origin:      OriginTier,
		TimeControl: tc,
		Status:      Waiting,
		CreatedAt:   now,
	}
	g.Players[side] = creator
	g.Seated[side] = true
	g.Stakes[side] = amount
	if err := r.add(g); err != nil {
		return nil, err
	}
	return g.Clone(), nil
}

// OpenSeat returns the unseated side of a waiting game and the stake the
// joiner has to match.
func (r *Registry) OpenSeat(id core.GameID, joiner common.Address) (core.Side, int64, error) {
	g, err := r.get(id)
	if err != nil {
		return 0, 0, err
	}
	if g.Status != Waiting {
		return 0, 0, core.Transitionf("game %d is %s, not waiting", id, g.Status)
	}
	if joiner == (common.Address{}) {
		return 0, 0, core.Rejectf("joiner address is required")
	}
	if g.IsParticipant(joiner) {
		return 0, 0, core.Rejectf("%s cannot join own game %d", joiner.Hex(), id)
	}
	side := core.SideA
	if g.Seated[core.SideA] {
		side = core.SideB
	}
	return side, g.Stakes[side.Opposite()], nil
}

// Reserve holds the open seat for joiner while their stake transfer runs.
func (r *Registry) Reserve(id core.GameID, joiner common.Address) (core.Side, int64, error) {
	side, amount, err := r.OpenSeat(id, joiner)
	if err != nil {
		return 0, 0, err
	}
	if holder, ok := r.reserved[id]; ok {
		return 0, 0, core.Transitionf("game %d seat is reserved by %s", id, holder.Hex())
	}
	r.reserved[id] = joiner
	return side, amount, nil
}

// Release drops a reservation without seating anyone.
func (r *Registry) Release(id core.GameID, joiner common.Address) {
	if holder, ok := r.reserved[id]; ok && holder == joiner {
		delete(r.reserved, id)
	}
}

// Join seats the reservation holder and starts the game.
func (r *Registry) Join(id core.GameID, joiner common.Address, now int64) (*Game, error) {
	side, amount, err := r.OpenSeat(id, joiner)
	if err != nil {
		return nil, err
	}
	if holder, ok := r.reserved[id]; ok && holder != joiner {
		return nil, core.Transitionf("game %d seat is reserved by %s", id, holder.Hex())
	}
	delete(r.reserved, id)

	g := r.games[id]
	g.Players[side] = joiner
	g.Seated[side] = true
	g.Stakes[side] = amount
	g.Status = Active
	g.StartedAt = now
	r.dirty[id] = struct{}{}
	return g.Clone(), nil
}

// SubmitMove appends a move for the side to move.
func (r *Registry) SubmitMove(id core.GameID, player common.Address, move string, lim MoveLimits) (*Game, error) {
	g, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if g.Status != Active {
		return nil, core.Transitionf("game %d is %s, moves need an active game", id, g.Status)
	}
	if !g.IsParticipant(player) {
		return nil, core.Unauthorizedf("%s is not a participant of game %d", player.Hex(), id)
	}
	side := g.SideToMove()
	if g.Players[side] != player {
		return nil, core.Rejectf("not %s's turn in game %d", player.Hex(), id)
	}
	if lim.MaxMoveBytes > 0 && len(move) > lim.MaxMoveBytes {
		return nil, core.Rejectf("move is %d bytes, max %d", len(move), lim.MaxMoveBytes)
	}
	if lim.MaxMoves > 0 && len(g.Moves) >= lim.MaxMoves {
		return nil, core.Rejectf("game %d reached the %d move cap", id, lim.MaxMoves)
	}
	if !r.oracle.IsLegalMove(g.Position, move) {
		return nil, core.Rejectf("illegal move %q in game %d", move, id)
	}
	pos, err := r.oracle.ApplyMove(g.Position, move)
	if err != nil {
		return nil, err
	}

	g.Moves = append(g.Moves, move)
	g.Position = pos
	if res, ok := r.oracle.IsTerminal(pos); ok {
		g.TerminalHint = res
	}
	r.dirty[id] = struct{}{}
	return g.Clone(), nil
}

// SubmitVote records voter's result. It returns the agreed result once the
// second vote matches the first. Votes are final once cast.
func (r *Registry) SubmitVote(id core.GameID, voter common.Address, result core.Result) (core.Result, bool, error) {
	g, err := r.get(id)
	if err != nil {
		return core.Undetermined, false, err
	}
	if !result.Final() {
		return core.Undetermined, false, core.Rejectf("invalid result %s", result)
	}
	if g.Status != Active {
		return core.Undetermined, false, core.Transitionf("game %d is %s, votes need an active game", id, g.Status)
	}
	if !g.IsParticipant(voter) {
		return core.Undetermined, false, core.Unauthorizedf("%s is not a participant of game %d", voter.Hex(), id)
	}

	side, ok := unvotedSeat(g, voter)
	if !ok {
		return core.Undetermined, false, core.Rejectf("%s already voted in game %d", voter.Hex(), id)
	}
	g.Votes[side] = result
	r.dirty[id] = struct{}{}

	if g.BothVoted() && g.Votes[core.SideA] == g.Votes[core.SideB] {
		return result, true, nil
	}
	return core.Undetermined, false, nil
}

// a self-matched player holds both seats and votes once per seat
func unvotedSeat(g *Game, voter common.Address) (core.Side, bool) {
	for _, s := range []core.Side{core.SideA, core.SideB} {
		if g.Seated[s] && g.Players[s] == voter && !g.Voted(s) {
			return s, true
		}
	}
	return 0, false
}

// CheckOverride reports whether an authority may force a result.
func (r *Registry) CheckOverride(id core.GameID) error {
	g, err := r.get(id)
	if err != nil {
		return err
	}
	if g.Status != Active {
		return core.Transitionf("game %d is %s, override needs an active game", id, g.Status)
	}
	if !g.BothVoted() {
		return core.Transitionf("game %d: override requires both votes", id)
	}
	return nil
}

// Unwindable reports whether the game can still be forced to a draw.
func (r *Registry) Unwindable(id core.GameID) error {
	g, err := r.get(id)
	if err != nil {
		return err
	}
	if g.Status == Finished {
		return core.Transitionf("game %d already finished", id)
	}
	return nil
}

// Finish closes the game. The result is immutable afterwards.
func (r *Registry) Finish(id core.GameID, result core.Result, reason FinishReason, now int64) (*Game, error) {
	g, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if !result.Final() {
		return nil, core.Rejectf("invalid result %s", result)
	}
	if g.Status == Finished {
		return nil, core.Transitionf("game %d already finished", id)
	}
	delete(r.reserved, id)
	g.Status = Finished
	g.Result = result
	g.Reason = reason
	g.FinishedAt = now
	r.dirty[id] = struct{}{}
	return g.Clone(), nil
}

// Game returns a copy of the game.
func (r *Registry) Game(id core.GameID) (*Game, error) {
	g, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return g.Clone(), nil
}

// Games returns copies of all games, optionally filtered by participant.
func (r *Registry) Games(player *common.Address) []*Game {
	out := make([]*Game, 0)
	for _, g := range r.games {
		if player != nil && !g.IsParticipant(*player) {
			continue
		}
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int { return len(r.games) }

// CountByStatus tallies games per status.
func (r *Registry) CountByStatus() map[Status]int {
	out := make(map[Status]int, 3)
	for _, g := range r.games {
		out[g.Status]++
	}
	return out
}

func (r *Registry) get(id core.GameID) (*Game, error) {
	g, ok := r.games[id]
	if !ok {
		return nil, core.NotFoundf("game %d not found", id)
	}
	return g, nil
}

// TakeDirty returns copies of games changed since the last call.
func (r *Registry) TakeDirty() []*Game {
	out := make([]*Game, 0, len(r.dirty))
	for id := range r.dirty {
		out = append(out, r.games[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	r.dirty = make(map[core.GameID]struct{})
	return out
}

// Restore reloads persisted games.
func (r *Registry) Restore(games []*Game) {
	for _, g := range games {
		r.games[g.ID] = g
	}
}
