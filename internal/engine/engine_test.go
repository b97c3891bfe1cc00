package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hakifi-nibiru/backend-nibiru/internal/config"
	"github.com/hakifi-nibiru/backend-nibiru/internal/events"
	"github.com/hakifi-nibiru/backend-nibiru/internal/pricing"
	"github.com/hakifi-nibiru/backend-nibiru/internal/storage"
	"github.com/hakifi-nibiru/backend-nibiru/internal/stream"
)

const testWallet = "nibi1buyer"

type fixture struct {
	store    *memStore
	contract *fakeContract
	feed     *fakeFeed
	hedger   *fakeHedger
	bus      *events.InProcBus
	engine   *Engine
	t0       time.Time
}

func newFixture(t *testing.T, confirmations ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:    newMemStore(),
		contract: newFakeContract(),
		feed:     &fakeFeed{price: decimal.NewFromInt(100)},
		hedger:   &fakeHedger{},
		bus:      events.NewInProcBus(zerolog.Nop()),
		t0:       time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC),
	}
	calc := pricing.NewStandardCalculator(config.PricingConfig{
		MaxLeverage:     50,
		HedgeThreshold:  0.3,
		RefundMarginPct: 0.02,
		CancelMarginPct: 0.05,
		LiquidationPct:  0.9,
	})
	f.engine = New(Deps{
		Store:    f.store,
		Logs:     f.store,
		Ledger:   f.store,
		Users:    f.store,
		Contract: f.contract,
		Calc:     calc,
		Prices:   f.feed,
		Hedger:   f.hedger,
		Bus:      f.bus,
	}, config.ChainConfig{
		CreateWindow:  time.Minute,
		Confirmations: confirmations,
	}, zerolog.Nop())
	f.engine.now = func() time.Time { return f.t0 }
	return f
}

func (f *fixture) seedPending(t *testing.T, age time.Duration) *storage.Insurance {
	t.Helper()
	user := &storage.User{ID: uuid.New(), WalletAddress: testWallet, CreatedAt: f.t0}
	f.store.putUser(user)
	ins := &storage.Insurance{
		ID:           uuid.New(),
		UserID:       user.ID,
		Asset:        "BTC",
		Unit:         "USDT",
		State:        storage.StatePending,
		Margin:       decimal.NewFromInt(100),
		QCovered:     decimal.NewFromInt(1000),
		PClaim:       decimal.NewFromInt(90),
		Period:       1,
		PeriodUnit:   pricing.PeriodUnitDay,
		PeriodChange: decimal.RequireFromString("0.25"),
		CreatedAt:    f.t0.Add(-age),
	}
	f.store.put(ins)
	return ins
}

func (f *fixture) seedAvailable(t *testing.T) *storage.Insurance {
	t.Helper()
	ins := f.seedPending(t, 10*time.Second)
	ins.State = storage.StateAvailable
	ins.POpen = decimal.NewFromInt(100)
	ins.QClaim = decimal.NewFromInt(130)
	ins.PLiquidation = decimal.NewFromInt(109)
	ins.PRefund = decimal.NewFromInt(98)
	ins.PCancel = decimal.NewFromInt(95)
	f.store.put(ins)
	return ins
}

func (f *fixture) state(t *testing.T, id uuid.UUID) *storage.Insurance {
	t.Helper()
	ins, err := f.store.GetInsurance(context.Background(), id)
	if err != nil {
		t.Fatalf("load position: %v", err)
	}
	return ins
}

func (f *fixture) logs(t *testing.T, id uuid.UUID) []storage.StateLog {
	t.Helper()
	logs, err := f.store.ListStateLogs(context.Background(), id)
	if err != nil {
		t.Fatalf("list state logs: %v", err)
	}
	return logs
}

func createEvent(ins *storage.Insurance) stream.InsuranceEvent {
	return stream.InsuranceEvent{
		Type:   stream.EventCreate,
		ID:     ins.ID,
		Buyer:  testWallet,
		Margin: ins.Margin,
		TxHash: "CREATEHASH",
	}
}

func TestCreateActivatesPendingPosition(t *testing.T) {
	f := newFixture(t)
	ins := f.seedPending(t, 10*time.Second)

	f.engine.Dispatch(context.Background(), createEvent(ins))

	got := f.state(t, ins.ID)
	if got.State != storage.StateAvailable {
		t.Fatalf("state = %s, want AVAILABLE", got.State)
	}
	if !got.POpen.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("p_open = %s, want the fetched mark price", got.POpen)
	}
	if got.TxHash == nil || *got.TxHash != "CREATEHASH" {
		t.Fatalf("create txhash not recorded: %v", got.TxHash)
	}
	if got.ExpiredAt == nil || !got.ExpiredAt.Equal(ins.CreatedAt.AddDate(0, 0, 1)) {
		t.Fatalf("expiry not derived from terms: %v", got.ExpiredAt)
	}
	if n := f.contract.count("available"); n != 1 {
		t.Fatalf("available chain calls = %d, want 1", n)
	}

	txs := f.store.transactions()
	if len(txs) != 1 || txs[0].Type != storage.TxTypeMargin || !txs[0].Amount.Equal(ins.Margin) {
		t.Fatalf("expected one MARGIN ledger row for the deposit, got %+v", txs)
	}
	if txs[0].TxHash != "CREATEHASH" {
		t.Fatalf("ledger row should carry the deposit hash, got %q", txs[0].TxHash)
	}

	logs := f.logs(t, ins.ID)
	if len(logs) != 1 || logs[0].State != storage.StateAvailable {
		t.Fatalf("expected a single AVAILABLE audit entry, got %+v", logs)
	}
	if logs[0].TxHash == nil || logs[0].Error != nil {
		t.Fatalf("audit entry should carry the chain hash and no error: %+v", logs[0])
	}
	if f.hedger.count() != 0 {
		t.Fatal("distance below threshold must not hedge")
	}
}

func TestDuplicateCreateIsNoOp(t *testing.T) {
	f := newFixture(t)
	ins := f.seedPending(t, 10*time.Second)

	f.engine.Dispatch(context.Background(), createEvent(ins))
	f.engine.Dispatch(context.Background(), createEvent(ins))

	if got := f.state(t, ins.ID); got.State != storage.StateAvailable {
		t.Fatalf("state = %s, want AVAILABLE", got.State)
	}
	if n := f.contract.total(); n != 1 {
		t.Fatalf("chain calls = %d, want 1 despite the duplicate event", n)
	}
	if logs := f.logs(t, ins.ID); len(logs) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(logs))
	}
	if txs := f.store.transactions(); len(txs) != 1 {
		t.Fatalf("ledger rows = %d, want 1", len(txs))
	}
}

func TestCreateAfterWindowInvalidatesWithPayback(t *testing.T) {
	f := newFixture(t)
	ins := f.seedPending(t, 90*time.Second)

	f.engine.Dispatch(context.Background(), createEvent(ins))

	got := f.state(t, ins.ID)
	if got.State != storage.StateInvalid {
		t.Fatalf("state = %s, want INVALID", got.State)
	}
	if got.InvalidReason == nil || *got.InvalidReason != storage.ReasonCreatedTimeout {
		t.Fatalf("reason = %v, want CREATED_TIME_TIMEOUT", got.InvalidReason)
	}
	if n := f.contract.count("invalid"); n != 1 {
		t.Fatalf("payback chain calls = %d, want 1", n)
	}
	if n := f.contract.count("available"); n != 0 {
		t.Fatal("an invalidated deposit must never activate")
	}
	logs := f.logs(t, ins.ID)
	if len(logs) != 1 || logs[0].State != storage.StateInvalid || logs[0].TxHash == nil {
		t.Fatalf("expected one INVALID audit entry with the payback hash, got %+v", logs)
	}
}

func TestCreateMarginMismatchInvalidatesWithoutPayback(t *testing.T) {
	f := newFixture(t)
	ins := f.seedPending(t, 10*time.Second)

	ev := createEvent(ins)
	ev.Margin = decimal.NewFromInt(99)
	f.engine.Dispatch(context.Background(), ev)

	got := f.state(t, ins.ID)
	if got.State != storage.StateInvalid || got.InvalidReason == nil || *got.InvalidReason != storage.ReasonInvalidMargin {
		t.Fatalf("got state %s reason %v, want INVALID/INVALID_MARGIN", got.State, got.InvalidReason)
	}
	if f.contract.total() != 0 {
		t.Fatal("margin mismatch must not touch the chain")
	}
	logs := f.logs(t, ins.ID)
	if len(logs) != 1 || logs[0].TxHash != nil || logs[0].Error != nil {
		t.Fatalf("expected one bare INVALID audit entry, got %+v", logs)
	}
}

func TestCreateWalletMismatchInvalidates(t *testing.T) {
	f := newFixture(t)
	ins := f.seedPending(t, 10*time.Second)

	ev := createEvent(ins)
	ev.Buyer = "nibi1somebodyelse"
	f.engine.Dispatch(context.Background(), ev)

	got := f.state(t, ins.ID)
	if got.State != storage.StateInvalid || got.InvalidReason == nil || *got.InvalidReason != storage.ReasonInvalidWallet {
		t.Fatalf("got state %s reason %v, want INVALID/INVALID_WALLET_ADDRESS", got.State, got.InvalidReason)
	}
	if f.contract.total() != 0 {
		t.Fatal("wallet mismatch must not touch the chain")
	}
}

func TestCreateUnitMismatchInvalidates(t *testing.T) {
	f := newFixture(t)
	ins := f.seedPending(t, 10*time.Second)
	ins.Unit = "VNDC"
	f.store.put(ins)

	f.engine.Dispatch(context.Background(), createEvent(ins))

	got := f.state(t, ins.ID)
	if got.State != storage.StateInvalid || got.InvalidReason == nil || *got.InvalidReason != storage.ReasonInvalidUnit {
		t.Fatalf("got state %s reason %v, want INVALID/INVALID_UNIT", got.State, got.InvalidReason)
	}
}

func TestCreateForUnknownPositionIgnored(t *testing.T) {
	f := newFixture(t)

	f.engine.Dispatch(context.Background(), stream.InsuranceEvent{
		Type:   stream.EventCreate,
		ID:     uuid.New(),
		Margin: decimal.NewFromInt(100),
	})

	if f.contract.total() != 0 {
		t.Fatal("unknown positions must not trigger chain calls")
	}
}

func TestEchoEventsAreIgnored(t *testing.T) {
	f := newFixture(t)
	ins := f.seedPending(t, 10*time.Second)

	for _, typ := range []stream.EventType{stream.EventUpdateAvailable, stream.EventUpdateInvalid} {
		f.engine.Dispatch(context.Background(), stream.InsuranceEvent{Type: typ, ID: ins.ID})
	}

	if got := f.state(t, ins.ID); got.State != storage.StatePending {
		t.Fatalf("state = %s, echoes must not move the record", got.State)
	}
	if f.contract.total() != 0 || len(f.logs(t, ins.ID)) != 0 {
		t.Fatal("echoes must not produce chain calls or audit entries")
	}
}

func TestActivationHedgesWideDistance(t *testing.T) {
	f := newFixture(t)
	ins := f.seedPending(t, 10*time.Second)
	ins.PClaim = decimal.NewFromInt(60)
	ins.CanHedge = true
	f.store.put(ins)

	f.engine.Dispatch(context.Background(), createEvent(ins))

	got := f.state(t, ins.ID)
	if got.State != storage.StateAvailable || !got.Hedge {
		t.Fatalf("expected hedged AVAILABLE position, got state %s hedge %v", got.State, got.Hedge)
	}
	if f.hedger.count() != 1 {
		t.Fatalf("hedge orders = %d, want 1", f.hedger.count())
	}
}

func TestClaimPaysOutAndConfirms(t *testing.T) {
	f := newFixture(t)
	ins := f.seedAvailable(t)

	f.engine.Claim(context.Background(), ins.ID, decimal.NewFromInt(90))

	got := f.state(t, ins.ID)
	if got.State != storage.StateClaimed {
		t.Fatalf("state = %s, want CLAIMED", got.State)
	}
	if !got.PnLUser.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("pnl_user = %s, want 30 (q_claim 130 - margin 100)", got.PnLUser)
	}
	if !got.PnLProject.Equal(decimal.NewFromInt(-30)) {
		t.Fatalf("pnl_project = %s, want -30", got.PnLProject)
	}

	txs := f.store.transactions()
	if len(txs) != 1 || txs[0].Type != storage.TxTypeClaim || !txs[0].Amount.Equal(decimal.NewFromInt(130)) {
		t.Fatalf("expected one CLAIM ledger row of 130, got %+v", txs)
	}

	logs := f.logs(t, ins.ID)
	if len(logs) != 2 || logs[0].State != storage.StateClaimWaiting || logs[1].State != storage.StateClaimed {
		t.Fatalf("expected CLAIM_WAITING then CLAIMED audit entries, got %+v", logs)
	}
}

func TestClaimChainFailureParksWaiting(t *testing.T) {
	f := newFixture(t)
	ins := f.seedAvailable(t)
	f.contract.setFail("claim", errors.New("sequence mismatch"))

	f.engine.Claim(context.Background(), ins.ID, decimal.NewFromInt(90))

	got := f.state(t, ins.ID)
	if got.State != storage.StateClaimWaiting {
		t.Fatalf("state = %s, want CLAIM_WAITING after a failed payout call", got.State)
	}
	if txs := f.store.transactions(); len(txs) != 0 {
		t.Fatalf("no ledger row before the payout lands, got %+v", txs)
	}
	logs := f.logs(t, ins.ID)
	if len(logs) != 1 || logs[0].Error == nil {
		t.Fatalf("expected one audit entry carrying the chain error, got %+v", logs)
	}

	// The sweep retries the parked call once the chain recovers.
	f.contract.setFail("claim", nil)
	f.engine.Redrive(context.Background(), ins.ID)

	got = f.state(t, ins.ID)
	if got.State != storage.StateClaimed {
		t.Fatalf("state = %s, want CLAIMED after redrive", got.State)
	}
	if txs := f.store.transactions(); len(txs) != 1 || txs[0].Type != storage.TxTypeClaim {
		t.Fatalf("expected the CLAIM ledger row after redrive, got %+v", txs)
	}
}

func TestRefundReturnsMargin(t *testing.T) {
	f := newFixture(t)
	ins := f.seedAvailable(t)

	f.engine.Refund(context.Background(), ins.ID, decimal.NewFromInt(98))

	got := f.state(t, ins.ID)
	if got.State != storage.StateRefunded {
		t.Fatalf("state = %s, want REFUNDED", got.State)
	}
	txs := f.store.transactions()
	if len(txs) != 1 || txs[0].Type != storage.TxTypeRefund || !txs[0].Amount.Equal(ins.Margin) {
		t.Fatalf("expected one REFUND ledger row of the margin, got %+v", txs)
	}
	logs := f.logs(t, ins.ID)
	if len(logs) != 2 || logs[0].State != storage.StateRefundWaiting || logs[1].State != storage.StateRefunded {
		t.Fatalf("expected REFUND_WAITING then REFUNDED audit entries, got %+v", logs)
	}
}

func TestConcurrentClaimAndRefundExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ins := f.seedAvailable(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.engine.Claim(context.Background(), ins.ID, decimal.NewFromInt(90))
	}()
	go func() {
		defer wg.Done()
		f.engine.Refund(context.Background(), ins.ID, decimal.NewFromInt(98))
	}()
	wg.Wait()

	got := f.state(t, ins.ID)
	if got.State != storage.StateClaimed && got.State != storage.StateRefunded {
		t.Fatalf("state = %s, want exactly one terminal settlement", got.State)
	}
	if n := f.contract.count("claim") + f.contract.count("refund"); n != 1 {
		t.Fatalf("settlement chain calls = %d, want 1", n)
	}
	if txs := f.store.transactions(); len(txs) != 1 {
		t.Fatalf("ledger rows = %d, want 1", len(txs))
	}
}

func TestCancelBooksHedgeNetOfUser(t *testing.T) {
	f := newFixture(t)
	ins := f.seedAvailable(t)
	ins.PnLUser = decimal.NewFromInt(5)
	ins.PnLHedge = decimal.NewFromInt(2)
	f.store.put(ins)

	f.engine.Cancel(context.Background(), ins.ID, decimal.NewFromInt(95))

	got := f.state(t, ins.ID)
	if got.State != storage.StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", got.State)
	}
	if !got.PnLUser.Equal(decimal.NewFromInt(5)) || !got.PnLProject.Equal(decimal.NewFromInt(-3)) {
		t.Fatalf("pnl_user = %s pnl_project = %s, want 5 and -3", got.PnLUser, got.PnLProject)
	}
	txs := f.store.transactions()
	if len(txs) != 1 || txs[0].Type != storage.TxTypeCancel || !txs[0].Amount.Equal(ins.Margin) {
		t.Fatalf("expected one CANCEL ledger row of the margin, got %+v", txs)
	}
}

func TestSettleExpiredForfeitsMargin(t *testing.T) {
	f := newFixture(t)
	ins := f.seedAvailable(t)

	f.engine.Settle(context.Background(), ins.ID, storage.StateExpired, decimal.NewFromInt(97))

	got := f.state(t, ins.ID)
	if got.State != storage.StateExpired {
		t.Fatalf("state = %s, want EXPIRED", got.State)
	}
	if !got.PnLUser.Equal(decimal.NewFromInt(-100)) || !got.PnLProject.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("pnl_user = %s pnl_project = %s, want -100 and 100", got.PnLUser, got.PnLProject)
	}
	if f.contract.count("expire") != 1 {
		t.Fatal("expected one expire chain call")
	}
	if txs := f.store.transactions(); len(txs) != 0 {
		t.Fatalf("forfeits move no value to the user, got %+v", txs)
	}
}

func TestSettleLiquidatedUsesLiquidateCall(t *testing.T) {
	f := newFixture(t)
	ins := f.seedAvailable(t)

	f.engine.Settle(context.Background(), ins.ID, storage.StateLiquidated, decimal.NewFromInt(109))

	if got := f.state(t, ins.ID); got.State != storage.StateLiquidated {
		t.Fatalf("state = %s, want LIQUIDATED", got.State)
	}
	if f.contract.count("liquidate") != 1 || f.contract.count("expire") != 0 {
		t.Fatal("liquidation must use the liquidate call")
	}
}

func TestInboundConfirmationDisabledByDefault(t *testing.T) {
	f := newFixture(t)
	ins := f.seedAvailable(t)
	ins.State = storage.StateClaimWaiting
	f.store.put(ins)

	f.engine.Dispatch(context.Background(), stream.InsuranceEvent{
		Type: stream.EventClaim, ID: ins.ID, TxHash: "CLAIMHASH",
	})

	if got := f.state(t, ins.ID); got.State != storage.StateClaimWaiting {
		t.Fatalf("state = %s, confirmations are opt-in", got.State)
	}
}

func TestInboundConfirmationAdvancesWaiting(t *testing.T) {
	f := newFixture(t, "CLAIM")
	ins := f.seedAvailable(t)
	ins.State = storage.StateClaimWaiting
	f.store.put(ins)

	f.engine.Dispatch(context.Background(), stream.InsuranceEvent{
		Type: stream.EventClaim, ID: ins.ID, TxHash: "CLAIMHASH",
	})

	got := f.state(t, ins.ID)
	if got.State != storage.StateClaimed {
		t.Fatalf("state = %s, want CLAIMED", got.State)
	}
	logs := f.logs(t, ins.ID)
	if len(logs) != 1 || logs[0].State != storage.StateClaimed || logs[0].TxHash == nil || *logs[0].TxHash != "CLAIMHASH" {
		t.Fatalf("expected one CLAIMED audit entry carrying the inbound hash, got %+v", logs)
	}
}

func TestInboundConfirmationRequiresWaitingState(t *testing.T) {
	f := newFixture(t, "CLAIM")
	ins := f.seedAvailable(t)

	f.engine.Dispatch(context.Background(), stream.InsuranceEvent{
		Type: stream.EventClaim, ID: ins.ID, TxHash: "CLAIMHASH",
	})

	if got := f.state(t, ins.ID); got.State != storage.StateAvailable {
		t.Fatalf("state = %s, a confirmation must not skip the waiting state", got.State)
	}
}

func TestUpdatedEventsReachSubscribers(t *testing.T) {
	f := newFixture(t)
	ins := f.seedAvailable(t)

	ch, cancel := f.bus.Subscribe(events.TopicInsuranceUpdated, 8)
	defer cancel()

	f.engine.Claim(context.Background(), ins.ID, decimal.NewFromInt(90))

	seen := 0
	for {
		select {
		case ev := <-ch:
			if ev.Insurance.ID != ins.ID {
				t.Fatalf("unexpected position in event: %s", ev.Insurance.ID)
			}
			seen++
			if seen == 2 {
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("saw %d updated events, want 2 (waiting then terminal)", seen)
		}
	}
}
