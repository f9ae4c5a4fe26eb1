package settlement

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/legchain/internal/domain"
	"github.com/alanyoungcy/legchain/internal/money"
)

// memStore is an in-memory record store with compare-and-set semantics. It
// queues a change for every committed write, like the outbox does.
type memStore struct {
	mu        sync.Mutex
	chains    map[string]domain.Chain
	positions map[string]domain.Position
	bets      map[string]domain.Bet
	changes   []change

	failBetUpdate error
}

type change struct {
	oldBet, newBet *domain.Bet
	oldPos, newPos *domain.Position
}

func newMemStore() *memStore {
	return &memStore{
		chains:    make(map[string]domain.Chain),
		positions: make(map[string]domain.Position),
		bets:      make(map[string]domain.Bet),
	}
}

func (s *memStore) pop() (change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.changes) == 0 {
		return change{}, false
	}
	c := s.changes[0]
	s.changes = s.changes[1:]
	return c, true
}

func (s *memStore) bet(id string) domain.Bet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bets[id]
}

func (s *memStore) position(id string) domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[id]
}

func (s *memStore) chain(id string) domain.Chain {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chains[id]
}

// setBet overwrites a bet without emitting a change, for arranging state.
func (s *memStore) setBet(b domain.Bet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bets[b.ID] = b
}

func (s *memStore) setPosition(p domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = p
}

type memChains struct{ s *memStore }

func (m memChains) GetByID(_ context.Context, id string) (domain.Chain, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.chains[id]
	if !ok {
		return domain.Chain{}, domain.ErrNotFound
	}
	return c, nil
}

func (m memChains) AdjustTotalValue(_ context.Context, id string, delta int64) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.chains[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.TotalValue += delta
	m.s.chains[id] = c
	return nil
}

func (m memChains) SetStatus(_ context.Context, id string, from, to domain.ChainStatus) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.chains[id]
	if !ok {
		return domain.ErrNotFound
	}
	if c.Status != from {
		return domain.ErrConflict
	}
	c.Status = to
	m.s.chains[id] = c
	return nil
}

type memPositions struct{ s *memStore }

func (m memPositions) GetByID(_ context.Context, id string) (domain.Position, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (m memPositions) ListByChain(_ context.Context, chainID string) ([]domain.Position, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.Position
	for _, p := range m.s.positions {
		if p.ChainID == chainID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m memPositions) ListByStatus(_ context.Context, status domain.PositionStatus, _ domain.ListOpts) ([]domain.Position, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.Position
	for _, p := range m.s.positions {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m memPositions) Open(_ context.Context, chain domain.Chain, pos domain.Position, bets []domain.Bet) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.positions[pos.ID]; ok {
		return domain.ErrAlreadyExists
	}
	c, ok := m.s.chains[chain.ID]
	if !ok {
		c = chain
	}
	c.TotalValue += pos.InitialStake
	m.s.chains[chain.ID] = c

	m.s.positions[pos.ID] = pos
	p := pos
	m.s.changes = append(m.s.changes, change{newPos: &p})
	for _, b := range bets {
		m.s.bets[b.ID] = b
		nb := b
		m.s.changes = append(m.s.changes, change{newBet: &nb})
	}
	return nil
}

func (m memPositions) Update(_ context.Context, pos domain.Position, expect domain.PositionStatus) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	old, ok := m.s.positions[pos.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if old.Status != expect {
		return domain.ErrConflict
	}
	pos.StakeReleased = old.StakeReleased
	m.s.positions[pos.ID] = pos
	np := pos
	m.s.changes = append(m.s.changes, change{oldPos: &old, newPos: &np})
	return nil
}

func (m memPositions) ReleaseStake(_ context.Context, id string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.positions[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.StakeReleased {
		return false, nil
	}
	p.StakeReleased = true
	m.s.positions[id] = p
	c := m.s.chains[p.ChainID]
	c.TotalValue -= p.InitialStake
	m.s.chains[p.ChainID] = c
	return true, nil
}

type memBets struct{ s *memStore }

func (m memBets) GetByID(_ context.Context, id string) (domain.Bet, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	b, ok := m.s.bets[id]
	if !ok {
		return domain.Bet{}, domain.ErrNotFound
	}
	return b, nil
}

func (m memBets) ListByPosition(_ context.Context, positionID string) ([]domain.Bet, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.Bet
	for _, b := range m.s.bets {
		if b.PositionID == positionID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m memBets) ListByCondition(_ context.Context, conditionID string) ([]domain.Bet, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []domain.Bet
	for _, b := range m.s.bets {
		if b.ConditionID == conditionID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m memBets) Update(_ context.Context, bet domain.Bet, expect domain.BetStatus) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.failBetUpdate != nil {
		return m.s.failBetUpdate
	}
	old, ok := m.s.bets[bet.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if old.Status != expect {
		return domain.ErrConflict
	}
	m.s.bets[bet.ID] = bet
	nb := bet
	m.s.changes = append(m.s.changes, change{oldBet: &old, newBet: &nb})
	return nil
}

// fakeExchange fills every order at fillPrice for stake/fillPrice shares
// unless fills is set, in which case GetOrder replays it.
type fakeExchange struct {
	mu        sync.Mutex
	placed    []domain.OrderRequest
	placeErr  error
	fillPrice int64
	fills     []domain.OrderFill
	getErr    error
	gets      int
	cancelled []string
}

func (f *fakeExchange) PlaceOrder(_ context.Context, _ domain.TradingCredentials, req domain.OrderRequest) (domain.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return domain.OrderAck{}, f.placeErr
	}
	f.placed = append(f.placed, req)
	return domain.OrderAck{OrderID: fmt.Sprintf("order-%d", len(f.placed)), State: domain.OrderStateLive}, nil
}

func (f *fakeExchange) GetOrder(_ context.Context, _ domain.TradingCredentials, orderID string) (domain.OrderFill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return domain.OrderFill{}, f.getErr
	}
	if len(f.fills) > 0 {
		fill := f.fills[0]
		if len(f.fills) > 1 {
			f.fills = f.fills[1:]
		}
		fill.OrderID = orderID
		return fill, nil
	}
	req := f.placed[len(f.placed)-1]
	shares, err := money.Shares(req.Amount, f.fillPrice)
	if err != nil {
		return domain.OrderFill{}, err
	}
	return domain.OrderFill{
		OrderID:      orderID,
		State:        domain.OrderStateMatched,
		FilledShares: shares,
		FillPrice:    f.fillPrice,
	}, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ domain.TradingCredentials, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeExchange) placeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

// hookExchange runs onPlace once, after the order is accepted and before
// PlaceOrder returns to the executor.
type hookExchange struct {
	*fakeExchange
	onPlace func()
}

func (x *hookExchange) PlaceOrder(ctx context.Context, creds domain.TradingCredentials, req domain.OrderRequest) (domain.OrderAck, error) {
	ack, err := x.fakeExchange.PlaceOrder(ctx, creds, req)
	if hook := x.onPlace; hook != nil {
		x.onPlace = nil
		hook()
	}
	return ack, err
}

type fakeMarkets struct {
	mu     sync.Mutex
	closed map[string]bool
	ends   map[string]time.Time
	err    error
}

func (f *fakeMarkets) Tradability(_ context.Context, conditionID string) (domain.Tradability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Tradability{}, f.err
	}
	t := domain.Tradability{
		ConditionID:     conditionID,
		Active:          true,
		AcceptingOrders: true,
		Closed:          f.closed[conditionID],
	}
	if end, ok := f.ends[conditionID]; ok {
		t.EndDate = &end
	}
	return t, nil
}

func (f *fakeMarkets) close(conditionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[conditionID] = true
}

// fakeSnapshots is the stored market snapshot table.
type fakeSnapshots struct {
	mu      sync.Mutex
	markets map[string]domain.Market
}

func (f *fakeSnapshots) Get(_ context.Context, conditionID string) (domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.markets[conditionID]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (f *fakeSnapshots) put(m domain.Market) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markets[m.ConditionID] = m
}

type fakeCredentials struct{ err error }

func (f fakeCredentials) Resolve(_ context.Context, userID string) (domain.TradingCredentials, error) {
	if f.err != nil {
		return domain.TradingCredentials{}, f.err
	}
	return domain.TradingCredentials{UserID: userID, Address: "0xabc"}, nil
}

type fakeFees struct {
	mu    sync.Mutex
	calls []int64
	err   error
}

func (f *fakeFees) Collect(_ context.Context, _ string, amount int64) (domain.FeeReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, amount)
	if f.err != nil {
		return domain.FeeReceipt{}, f.err
	}
	return domain.FeeReceipt{Amount: amount, TxHash: "0xfee"}, nil
}

type fakeTransfers struct {
	observed int64
}

func (f fakeTransfers) VerifyIncoming(_ context.Context, _ string, expected int64) (domain.PayoutCheck, error) {
	return domain.PayoutCheck{Expected: expected, Observed: f.observed, Matched: f.observed >= expected}, nil
}

type fakeAlerts struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeAlerts) Notify(_ context.Context, event, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type countingObserver struct {
	nopObserver
	mu         sync.Mutex
	skipped    int
	mismatches int
	finished   map[domain.PositionStatus]int
}

func (o *countingObserver) LegSkipped() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.skipped++
}

func (o *countingObserver) PayoutMismatch() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mismatches++
}

func (o *countingObserver) PositionFinished(s domain.PositionStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished == nil {
		o.finished = make(map[domain.PositionStatus]int)
	}
	o.finished[s]++
}

// harness wires the three handlers to fakes and dispatches queued changes
// through the trigger guards.
type harness struct {
	store     *memStore
	exchange  *fakeExchange
	markets   *fakeMarkets
	fees      *fakeFees
	alerts    *fakeAlerts
	observer  *countingObserver
	transfers TransferLog
	snapshots *fakeSnapshots
	creds     fakeCredentials
	cfg       Config
	now       time.Time
}

func newHarness() *harness {
	cfg := DefaultConfig()
	cfg.VerifyPayouts = false
	return &harness{
		store:    newMemStore(),
		exchange: &fakeExchange{fillPrice: money.MustParse("0.40")},
		markets:  &fakeMarkets{closed: map[string]bool{}, ends: map[string]time.Time{}},
		fees:     &fakeFees{},
		alerts:   &fakeAlerts{},
		observer: &countingObserver{},
		cfg:      cfg,
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// withSnapshots makes resolved markets visible to the executor.
func (h *harness) withSnapshots() *harness {
	h.snapshots = &fakeSnapshots{markets: map[string]domain.Market{}}
	return h
}

func (h *harness) deps() Deps {
	d := Deps{
		Chains:      memChains{h.store},
		Positions:   memPositions{h.store},
		Bets:        memBets{h.store},
		Exchange:    h.exchange,
		Markets:     h.markets,
		Credentials: h.creds,
		Transfers:   h.transfers,
		Fees:        h.fees,
		Alerts:      h.alerts,
		Observer:    h.observer,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:         func() time.Time { return h.now },
		Sleep:       func(context.Context, time.Duration) bool { return true },
	}
	if h.snapshots != nil {
		d.Snapshots = h.snapshots
	}
	return d
}

func (h *harness) executor() *Executor     { return NewExecutor(h.cfg, h.deps()) }
func (h *harness) resolver() *Resolver     { return NewResolver(h.cfg, h.deps()) }
func (h *harness) terminator() *Terminator { return NewTerminator(h.deps()) }

type legSpec struct {
	side   domain.Side
	target string
}

func yes(target string) legSpec { return legSpec{side: domain.SideYes, target: target} }

// open creates a position for user on a chain of legs (conditions cond-1,
// cond-2, ...) with the first bet READY and the rest QUEUED.
func (h *harness) open(t *testing.T, user string, stake string, legs ...legSpec) (domain.Position, []domain.Bet) {
	t.Helper()
	chainLegs := make([]domain.Leg, len(legs))
	for i, l := range legs {
		chainLegs[i] = domain.Leg{
			Sequence:    i + 1,
			ConditionID: fmt.Sprintf("cond-%d", i+1),
			TokenID:     fmt.Sprintf("tok-%d", i+1),
			Side:        l.side,
		}
	}
	chain, err := domain.NewChain(chainLegs)
	require.NoError(t, err)

	amount := money.MustParse(stake)
	pos := domain.Position{
		ID:                 "pos-" + user,
		ChainID:            chain.ID,
		UserID:             user,
		InitialStake:       amount,
		CurrentValue:       amount,
		CurrentLegSequence: 1,
		Status:             domain.PositionStatusPending,
		CreatedAt:          h.now,
	}
	bets := make([]domain.Bet, len(legs))
	for i, l := range legs {
		bets[i] = domain.Bet{
			ID:          fmt.Sprintf("bet-%s-%d", user, i+1),
			PositionID:  pos.ID,
			ChainID:     chain.ID,
			Sequence:    i + 1,
			ConditionID: chainLegs[i].ConditionID,
			TokenID:     chainLegs[i].TokenID,
			Side:        l.side,
			TargetPrice: money.MustParse(l.target),
			Status:      domain.BetStatusQueued,
			CreatedAt:   h.now,
		}
	}
	bets[0].Status = domain.BetStatusReady
	bets[0].RequestedStake = amount

	require.NoError(t, memPositions{h.store}.Open(context.Background(), chain, pos, bets))
	return pos, bets
}

// drain feeds queued changes to the handlers until the store is quiet,
// checking the single-active-leg invariant after every step.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	exec, term := h.executor(), h.terminator()
	for range 200 {
		c, ok := h.store.pop()
		if !ok {
			return
		}
		switch {
		case c.newBet != nil && BetBecameReady(c.oldBet, c.newBet):
			require.NoError(t, exec.Handle(ctx, *c.newBet))
		case c.newPos != nil && PositionBecameTerminated(c.oldPos, c.newPos):
			require.NoError(t, term.Handle(ctx, *c.newPos))
		}
		h.assertSingleActive(t)
	}
	t.Fatal("change queue did not settle")
}

// discard drops queued changes without handling them.
func (h *harness) discard() {
	for {
		if _, ok := h.store.pop(); !ok {
			return
		}
	}
}

func (h *harness) resolve(t *testing.T, conditionID string, status domain.MarketStatus, outcome domain.Outcome) {
	t.Helper()
	m := domain.Market{ConditionID: conditionID, Status: status, Outcome: outcome}
	m.Normalize()
	require.NoError(t, m.Validate())
	require.True(t, MarketBecameTerminal(&domain.Market{Status: domain.MarketStatusActive}, &m))
	if h.snapshots != nil {
		h.snapshots.put(m)
	}
	require.NoError(t, h.resolver().Handle(context.Background(), m))
}

func (h *harness) assertSingleActive(t *testing.T) {
	t.Helper()
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	active := map[string]int{}
	for _, b := range h.store.bets {
		if b.Status.IsActive() {
			active[b.PositionID]++
		}
	}
	for pos, n := range active {
		require.LessOrEqual(t, n, 1, "position %s has %d active bets", pos, n)
	}
}

// assertTotals checks that every chain total equals the stakes of its
// positions that did not end CANCELLED or FAILED.
func (h *harness) assertTotals(t *testing.T) {
	t.Helper()
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	want := map[string]int64{}
	for _, p := range h.store.positions {
		if !p.Status.ReleasesStake() {
			want[p.ChainID] += p.InitialStake
		}
	}
	for id, c := range h.store.chains {
		require.Equal(t, want[id], c.TotalValue, "chain %s total", id)
	}
}
