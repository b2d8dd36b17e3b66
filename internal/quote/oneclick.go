package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/crossledger/settlement/internal/chain"
	"github.com/crossledger/settlement/internal/models"
	oneclick "github.com/defuse-protocol/one-click-sdk-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	slippageBps   = 100
	tokenCacheTTL = 10 * time.Minute
	statusPoll    = 5 * time.Second
)

// blockchains maps registry keys to 1Click blockchain identifiers.
var blockchains = map[chain.Key]string{
	chain.KeyBTC:     "btc",
	chain.KeyXRPL:    "xrp",
	chain.KeyStellar: "stellar",
	chain.KeyTON:     "ton",
	chain.KeyETH:     "eth",
}

type token struct {
	AssetID    string
	Symbol     string
	Blockchain string
	Decimals   int32
}

type quoteResult struct {
	DepositAddress     string
	DepositMemo        string
	AmountOutFormatted string
	TimeEstimate       time.Duration
}

type statusResult struct {
	Status string
	DestTx string
}

// api is the slice of the 1Click REST surface the provider uses.
type api interface {
	Tokens(ctx context.Context) ([]token, error)
	Quote(ctx context.Context, req *oneclick.QuoteRequest) (*quoteResult, error)
	SubmitDeposit(ctx context.Context, depositAddress, txHash string) error
	Status(ctx context.Context, depositAddress string) (*statusResult, error)
}

// OneClick is a Provider backed by the NEAR Intents 1Click API.
type OneClick struct {
	api    api
	funder Funder
	log    *zap.Logger
	now    func() time.Time
	poll   time.Duration

	mu       sync.Mutex
	tokens   []token
	loadedAt time.Time
}

func NewOneClick(jwtToken, baseURL string, funder Funder, log *zap.Logger) *OneClick {
	cfg := oneclick.NewConfiguration()
	if baseURL != "" {
		cfg.Servers = oneclick.ServerConfigurations{{URL: strings.TrimRight(baseURL, "/")}}
	}
	return newOneClick(&sdkAPI{client: oneclick.NewAPIClient(cfg), jwt: jwtToken}, funder, log)
}

func newOneClick(a api, funder Funder, log *zap.Logger) *OneClick {
	return &OneClick{
		api:    a,
		funder: funder,
		log:    log.With(zap.String("provider", "1click")),
		now:    time.Now,
		poll:   statusPoll,
	}
}

func (p *OneClick) GetBestQuote(ctx context.Context, req Request) (*Quote, error) {
	if req.Recipient == "" {
		return nil, fmt.Errorf("%w: recipient address is required", models.ErrValidation)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", models.ErrValidation)
	}

	src, err := p.findToken(ctx, req.From)
	if err != nil {
		return nil, err
	}
	dst, err := p.findToken(ctx, req.To)
	if err != nil {
		return nil, err
	}

	refundTo := req.RefundTo
	if refundTo == "" {
		refundTo = req.Recipient
	}
	qr := oneclick.NewQuoteRequest(
		false,
		"EXACT_INPUT",
		slippageBps,
		src.AssetID,
		"ORIGIN_CHAIN",
		dst.AssetID,
		req.Amount.Shift(src.Decimals).Truncate(0).String(),
		refundTo,
		"ORIGIN_CHAIN",
		req.Recipient,
		"DESTINATION_CHAIN",
		p.now().Add(24*time.Hour),
	)

	res, err := p.api.Quote(ctx, qr)
	if err != nil {
		return nil, err
	}
	out, err := decimal.NewFromString(res.AmountOutFormatted)
	if err != nil {
		return nil, fmt.Errorf("%w: bad amountOut %q", models.ErrExternalAdapter, res.AmountOutFormatted)
	}
	if res.DepositAddress == "" {
		return nil, fmt.Errorf("%w: quote without deposit address", models.ErrExternalAdapter)
	}

	q := &Quote{
		Request:        req,
		ToAmount:       out,
		Route:          fmt.Sprintf("1click:%s->%s", src.AssetID, dst.AssetID),
		EstimatedFee:   decimal.Zero, // 1Click prices its fee into amountOut
		Handle:         res.DepositAddress,
		DepositAddress: res.DepositAddress,
		DepositMemo:    res.DepositMemo,
		TimeEstimate:   res.TimeEstimate,
	}
	p.log.Info("quote received",
		zap.String("from", req.From.String()),
		zap.String("to", req.To.String()),
		zap.String("amount_in", req.Amount.String()),
		zap.String("amount_out", out.String()),
		zap.String("deposit_address", q.DepositAddress),
	)
	return q, nil
}

// ExecuteSwap funds the quote's deposit address, notifies 1Click and waits
// until the swap settles or ctx expires.
func (p *OneClick) ExecuteSwap(ctx context.Context, q *Quote) (*Result, error) {
	depositTx, err := p.funder.Fund(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("fund swap deposit: %w", err)
	}
	if err := p.api.SubmitDeposit(ctx, q.DepositAddress, depositTx); err != nil {
		// 1Click also detects the deposit on its own; keep waiting
		p.log.Warn("submit deposit tx failed", zap.String("deposit_address", q.DepositAddress), zap.Error(err))
	}

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		st, err := p.api.Status(ctx, q.DepositAddress)
		if err != nil {
			p.log.Warn("status check failed", zap.String("deposit_address", q.DepositAddress), zap.Error(err))
		} else {
			switch st.Status {
			case "SUCCESS", "COMPLETED":
				hash := st.DestTx
				if hash == "" {
					hash = depositTx
				}
				return &Result{TxHash: hash, Status: st.Status}, nil
			case "REFUNDED", "FAILED":
				return nil, fmt.Errorf("%w: swap %s by provider (deposit tx %s)", models.ErrExternalAdapter, strings.ToLower(st.Status), depositTx)
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for swap settlement: %w", models.ErrTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *OneClick) findToken(ctx context.Context, a Asset) (*token, error) {
	bc, ok := blockchains[chain.Normalize(a.Chain)]
	if !ok {
		return nil, fmt.Errorf("%w: no route for chain %s", models.ErrLiquidity, a.Chain)
	}
	tokens, err := p.loadTokens(ctx)
	if err != nil {
		return nil, err
	}
	symbol := strings.ToUpper(a.Currency)
	for i := range tokens {
		t := &tokens[i]
		if strings.ToUpper(t.Symbol) == symbol && strings.ToLower(t.Blockchain) == bc {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: no route for %s", models.ErrLiquidity, a)
}

func (p *OneClick) loadTokens(ctx context.Context) ([]token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tokens != nil && p.now().Sub(p.loadedAt) < tokenCacheTTL {
		return p.tokens, nil
	}
	tokens, err := p.api.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	p.tokens = tokens
	p.loadedAt = p.now()
	return tokens, nil
}

// sdkAPI adapts the generated 1Click client.
type sdkAPI struct {
	client *oneclick.APIClient
	jwt    string
}

func (s *sdkAPI) auth(ctx context.Context) context.Context {
	if s.jwt == "" {
		return ctx
	}
	return context.WithValue(ctx, oneclick.ContextAccessToken, s.jwt)
}

func (s *sdkAPI) Tokens(ctx context.Context) ([]token, error) {
	resp, httpResp, err := s.client.OneClickAPI.GetTokens(s.auth(ctx)).Execute()
	if err != nil {
		return nil, apiError("get tokens", httpResp, err)
	}
	defer httpResp.Body.Close()

	out := make([]token, 0, len(resp))
	for _, t := range resp {
		out = append(out, token{
			AssetID:    t.GetAssetId(),
			Symbol:     t.GetSymbol(),
			Blockchain: t.GetBlockchain(),
			Decimals:   int32(t.GetDecimals()),
		})
	}
	return out, nil
}

func (s *sdkAPI) Quote(ctx context.Context, req *oneclick.QuoteRequest) (*quoteResult, error) {
	resp, httpResp, err := s.client.OneClickAPI.GetQuote(s.auth(ctx)).QuoteRequest(*req).Execute()
	if err != nil {
		if httpResp != nil && httpResp.StatusCode >= 400 && httpResp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: %w", models.ErrLiquidity, apiError("quote", httpResp, err))
		}
		return nil, apiError("quote", httpResp, err)
	}
	defer httpResp.Body.Close()
	if resp == nil {
		return nil, fmt.Errorf("%w: empty quote response", models.ErrExternalAdapter)
	}

	q := resp.GetQuote()
	res := &quoteResult{
		DepositAddress:     q.GetDepositAddress(),
		AmountOutFormatted: q.GetAmountOutFormatted(),
		TimeEstimate:       time.Duration(float64(q.GetTimeEstimate()) * float64(time.Second)),
	}
	if q.HasDepositMemo() {
		res.DepositMemo = q.GetDepositMemo()
	}
	return res, nil
}

func (s *sdkAPI) SubmitDeposit(ctx context.Context, depositAddress, txHash string) error {
	req := oneclick.NewSubmitDepositTxRequest(txHash, depositAddress)
	_, httpResp, err := s.client.OneClickAPI.SubmitDepositTx(s.auth(ctx)).SubmitDepositTxRequest(*req).Execute()
	if err != nil {
		return apiError("submit deposit", httpResp, err)
	}
	httpResp.Body.Close()
	return nil
}

func (s *sdkAPI) Status(ctx context.Context, depositAddress string) (*statusResult, error) {
	resp, httpResp, err := s.client.OneClickAPI.GetExecutionStatus(s.auth(ctx)).DepositAddress(depositAddress).Execute()
	if err != nil {
		return nil, apiError("status", httpResp, err)
	}
	defer httpResp.Body.Close()

	res := &statusResult{Status: string(resp.GetStatus())}
	details := resp.GetSwapDetails()
	if txs := details.GetDestinationChainTxHashes(); len(txs) > 0 {
		res.DestTx = txs[0].GetHash()
	}
	return res, nil
}

// apiError extracts the message from an error body when there is one.
func apiError(op string, httpResp *http.Response, err error) error {
	if httpResp == nil || httpResp.Body == nil {
		return fmt.Errorf("%w: 1click %s: %w", models.ErrExternalAdapter, op, err)
	}
	defer httpResp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
	if readErr == nil && len(body) > 0 {
		var payload struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
			return fmt.Errorf("%w: 1click %s (status %d): %s", models.ErrExternalAdapter, op, httpResp.StatusCode, payload.Message)
		}
		return fmt.Errorf("%w: 1click %s (status %d): %s", models.ErrExternalAdapter, op, httpResp.StatusCode, string(body))
	}
	return fmt.Errorf("%w: 1click %s (status %d): %w", models.ErrExternalAdapter, op, httpResp.StatusCode, err)
}
