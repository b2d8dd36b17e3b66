package quote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crossledger/settlement/internal/models"
	oneclick "github.com/defuse-protocol/one-click-sdk-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAPI struct {
	tokens      []token
	tokenCalls  int
	quote       *quoteResult
	quoteErr    error
	lastQuote   *oneclick.QuoteRequest
	submitted   []string
	statuses    []statusResult
	statusCalls int
}

func (f *fakeAPI) Tokens(context.Context) ([]token, error) {
	f.tokenCalls++
	return f.tokens, nil
}

func (f *fakeAPI) Quote(_ context.Context, req *oneclick.QuoteRequest) (*quoteResult, error) {
	f.lastQuote = req
	return f.quote, f.quoteErr
}

func (f *fakeAPI) SubmitDeposit(_ context.Context, addr, tx string) error {
	f.submitted = append(f.submitted, addr+":"+tx)
	return nil
}

func (f *fakeAPI) Status(context.Context, string) (*statusResult, error) {
	i := f.statusCalls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.statusCalls++
	st := f.statuses[i]
	return &st, nil
}

type fakeFunder struct {
	calls int
	err   error
}

func (f *fakeFunder) Fund(context.Context, *Quote) (string, error) {
	f.calls++
	return "deposit-tx", f.err
}

func testTokens() []token {
	return []token{
		{AssetID: "nep141:btc", Symbol: "BTC", Blockchain: "btc", Decimals: 8},
		{AssetID: "nep141:xrp", Symbol: "XRP", Blockchain: "xrp", Decimals: 6},
	}
}

func TestGetBestQuote(t *testing.T) {
	api := &fakeAPI{
		tokens: testTokens(),
		quote:  &quoteResult{DepositAddress: "bc1qdeposit", AmountOutFormatted: "1234.5", TimeEstimate: 30 * time.Second},
	}
	p := newOneClick(api, &fakeFunder{}, zap.NewNop())

	q, err := p.GetBestQuote(context.Background(), Request{
		From:      Asset{Chain: "bitcoin", Currency: "btc"},
		To:        Asset{Chain: "xrpl", Currency: "XRP"},
		Amount:    decimal.RequireFromString("0.0995"),
		Recipient: "rRecipient",
	})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1234.5").Equal(q.ToAmount))
	assert.Equal(t, "bc1qdeposit", q.DepositAddress)
	assert.Equal(t, "1click:nep141:btc->nep141:xrp", q.Route)

	require.NotNil(t, api.lastQuote)
	assert.Equal(t, "9950000", api.lastQuote.GetAmount())
	assert.Equal(t, "rRecipient", api.lastQuote.GetRefundTo())

	_, err = p.GetBestQuote(context.Background(), Request{
		From: Asset{Chain: "btc", Currency: "BTC"}, To: Asset{Chain: "xrpl", Currency: "XRP"},
		Amount: decimal.NewFromInt(1), Recipient: "r",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, api.tokenCalls, "token list is cached")
}

func TestGetBestQuote_NoRoute(t *testing.T) {
	p := newOneClick(&fakeAPI{tokens: testTokens()}, &fakeFunder{}, zap.NewNop())

	_, err := p.GetBestQuote(context.Background(), Request{
		From: Asset{Chain: "xdc", Currency: "XDC"}, To: Asset{Chain: "btc", Currency: "BTC"},
		Amount: decimal.NewFromInt(1), Recipient: "x",
	})
	assert.ErrorIs(t, err, models.ErrLiquidity)
	assert.Equal(t, models.SwapStatusInReview, models.Classify(err))

	_, err = p.GetBestQuote(context.Background(), Request{
		From: Asset{Chain: "btc", Currency: "DOGE"}, To: Asset{Chain: "btc", Currency: "BTC"},
		Amount: decimal.NewFromInt(1), Recipient: "x",
	})
	assert.ErrorIs(t, err, models.ErrLiquidity)
}

func TestExecuteSwap_WaitsForSuccess(t *testing.T) {
	api := &fakeAPI{statuses: []statusResult{{Status: "PENDING_DEPOSIT"}, {Status: "PROCESSING"}, {Status: "SUCCESS", DestTx: "dest-tx"}}}
	funder := &fakeFunder{}
	p := newOneClick(api, funder, zap.NewNop())
	p.poll = time.Millisecond

	res, err := p.ExecuteSwap(context.Background(), &Quote{DepositAddress: "dep"})
	require.NoError(t, err)
	assert.Equal(t, "dest-tx", res.TxHash)
	assert.Equal(t, 1, funder.calls)
	assert.Equal(t, []string{"dep:deposit-tx"}, api.submitted)
	assert.Equal(t, 3, api.statusCalls)
}

func TestExecuteSwap_Refunded(t *testing.T) {
	api := &fakeAPI{statuses: []statusResult{{Status: "REFUNDED"}}}
	p := newOneClick(api, &fakeFunder{}, zap.NewNop())

	_, err := p.ExecuteSwap(context.Background(), &Quote{DepositAddress: "dep"})
	assert.ErrorIs(t, err, models.ErrExternalAdapter)
	assert.Contains(t, err.Error(), "refunded")
}

func TestExecuteSwap_TimeoutIsFailed(t *testing.T) {
	api := &fakeAPI{statuses: []statusResult{{Status: "PROCESSING"}}}
	p := newOneClick(api, &fakeFunder{}, zap.NewNop())
	p.poll = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.ExecuteSwap(ctx, &Quote{DepositAddress: "dep"})
	assert.ErrorIs(t, err, models.ErrTimeout)
	assert.Equal(t, models.SwapStatusFailed, models.Classify(err))
}

func TestExecuteSwap_FundingFailure(t *testing.T) {
	funder := &fakeFunder{err: errors.New("insufficient funds")}
	api := &fakeAPI{}
	p := newOneClick(api, funder, zap.NewNop())

	_, err := p.ExecuteSwap(context.Background(), &Quote{DepositAddress: "dep"})
	require.Error(t, err)
	assert.Empty(t, api.submitted)
	assert.Equal(t, models.SwapStatusFailed, models.Classify(err))
}
