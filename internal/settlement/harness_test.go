package settlement

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/crossledger/settlement/internal/chain"
	"github.com/crossledger/settlement/internal/events"
	"github.com/crossledger/settlement/internal/fees"
	"github.com/crossledger/settlement/internal/models"
	"github.com/crossledger/settlement/internal/quote"
	"github.com/crossledger/settlement/internal/services"
	"github.com/crossledger/settlement/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const hotWallet = "0xhot"

// scriptedAdapter is a hot-wallet style adapter whose deposits are set by the test.
type scriptedAdapter struct {
	key chain.Key

	mu         sync.Mutex
	deposits   []chain.Deposit
	next       string
	sinces     []string
	releases   []chain.TransferParams
	releaseErr error
}

func (a *scriptedAdapter) Chain() chain.Key { return a.key }

func (a *scriptedAdapter) CreateEscrow(_ context.Context, p chain.EscrowParams) (chain.Custody, error) {
	return chain.Custody{Handle: hotWallet, DepositAddress: hotWallet}, nil
}

func (a *scriptedAdapter) Release(_ context.Context, p chain.TransferParams) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.releaseErr != nil {
		return "", a.releaseErr
	}
	a.releases = append(a.releases, p)
	return fmt.Sprintf("release-%d", len(a.releases)), nil
}

func (a *scriptedAdapter) Refund(ctx context.Context, p chain.TransferParams) (string, error) {
	return a.Release(ctx, p)
}

func (a *scriptedAdapter) PollDeposits(_ context.Context, address, since string) ([]chain.Deposit, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sinces = append(a.sinces, since)
	var out []chain.Deposit
	for _, d := range a.deposits {
		if d.Address == address {
			out = append(out, d)
		}
	}
	return out, a.next, nil
}

func (a *scriptedAdapter) setDeposits(next string, deps ...chain.Deposit) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deposits = deps
	a.next = next
}

type fakeProvider struct {
	mu         sync.Mutex
	quoteErr   error
	execErr    error
	block      bool
	requests   []quote.Request
	executions int
}

func (p *fakeProvider) GetBestQuote(_ context.Context, req quote.Request) (*quote.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.quoteErr != nil {
		return nil, p.quoteErr
	}
	return &quote.Quote{
		Request:  req,
		ToAmount: req.Amount.Div(decimal.NewFromInt(50000)),
		Route:    "test-route",
		Handle:   "quote-1",
	}, nil
}

func (p *fakeProvider) ExecuteSwap(ctx context.Context, q *quote.Quote) (*quote.Result, error) {
	p.mu.Lock()
	p.executions++
	block, execErr := p.block, p.execErr
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if execErr != nil {
		return nil, execErr
	}
	return &quote.Result{TxHash: "dest-tx", Status: "SUCCESS"}, nil
}

func (p *fakeProvider) count() (requests, executions int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests), p.executions
}

type harness struct {
	sctx    *Context
	engine  *Engine
	swapSvc *services.SwapService
	escrow  *services.EscrowService
	swaps   *memory.SwapStore
	offers  *memory.OfferStore
	adapter *scriptedAdapter
	quotes  *fakeProvider
	events  *events.Recorder
	cursors *MemoryCursorStore
	now     time.Time
}

func newHarness(t *testing.T, timeout time.Duration, feeConfigs ...models.FeeConfig) *harness {
	t.Helper()
	log := zap.NewNop()
	h := &harness{
		sctx:    NewContext(),
		swaps:   memory.NewSwapStore(),
		offers:  memory.NewOfferStore(),
		adapter: &scriptedAdapter{key: chain.KeyXDC},
		quotes:  &fakeProvider{},
		events:  &events.Recorder{},
		cursors: NewMemoryCursorStore(),
		now:     time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	audit := memory.NewAuditStore()
	registry := chain.NewRegistry(h.adapter)
	calc := fees.NewCalculator(memory.NewFeeConfigStore(feeConfigs...), decimal.Zero)

	h.swapSvc = services.NewSwapService(h.swaps, audit, registry, h.sctx, h.events, time.Hour, log)
	h.swapSvc.SetClock(clock)
	h.escrow = services.NewEscrowService(h.offers, audit, registry, calc, h.sctx, h.events, log,
		services.WithEscrowClock(clock),
		services.WithSystemCredentials(chain.Credentials{Signer: "sweeper"}),
	)

	h.engine = New(h.sctx, Deps{
		Chains:     registry,
		Cursors:    h.cursors,
		Swaps:      h.swapSvc,
		Offers:     h.escrow,
		SwapStore:  h.swaps,
		OfferStore: h.offers,
		Audit:      audit,
		Publisher:  h.events,
		Fees:       calc,
		Quotes:     h.quotes,
	}, Options{CallTimeout: timeout}, log)
	h.engine.Sweeper.now = clock
	return h
}

func (h *harness) createSwap(t *testing.T, amount string) *models.SwapRecord {
	t.Helper()
	rec, err := h.swapSvc.CreateSwap(context.Background(), models.SwapInput{
		FromChain:        "xdc",
		FromCurrency:     "USDT",
		FromAmount:       decimal.RequireFromString(amount),
		ToChain:          "btc",
		ToCurrency:       "BTC",
		RecipientAddress: "bc1recipient",
	})
	require.NoError(t, err)
	return rec
}

// fundedSwap returns a swap whose deposit was already credited.
func (h *harness) fundedSwap(t *testing.T) *models.SwapRecord {
	t.Helper()
	rec := h.createSwap(t, "100")
	rec, err := h.swapSvc.MarkDepositReceived(context.Background(), rec.ID, deposit("0xfund", "100", 10))
	require.NoError(t, err)
	return rec
}

func (h *harness) swap(t *testing.T, rec *models.SwapRecord) *models.SwapRecord {
	t.Helper()
	got, err := h.swaps.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	return got
}

func deposit(tx, amount string, confirmations int64) chain.Deposit {
	return chain.Deposit{
		Chain:         chain.KeyXDC,
		TxRef:         tx,
		Address:       hotWallet,
		Currency:      "USDT",
		Amount:        decimal.RequireFromString(amount),
		Confirmations: confirmations,
		Cursor:        "99",
	}
}
