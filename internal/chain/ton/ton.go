package ton

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/crossledger/settlement/internal/chain"
	"github.com/crossledger/settlement/internal/models"
	"github.com/shopspring/decimal"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"go.uber.org/zap"
)

const (
	txBatchSize = 100
	nanoDigits  = 9
	currency    = "TON"
)

type Config struct {
	Network          string // mainnet/testnet
	HotWalletAddress string
	WalletSeed       string // space separated mnemonic, optional for watch-only
	LiteServerHost   string
	LiteServerPort   int
	LiteServerKey    string
	RPS              float64
}

// Adapter keeps custody in a single hot wallet and attributes deposits by
// the text comment attached to each transfer.
type Adapter struct {
	api     ton.APIClientWrapped
	hot     *address.Address
	wallet  *wallet.Wallet
	limiter *chain.Limiter
	log     *zap.Logger
	now     func() time.Time
}

// Connect establishes a connection to the TON network.
// If LiteServerHost + LiteServerKey are set, connects to a specific lite server.
// Otherwise, auto-discovers lite servers from the global config for the network.
func Connect(ctx context.Context, cfg Config, log *zap.Logger) (ton.APIClientWrapped, error) {
	client := liteclient.NewConnectionPool()

	if cfg.LiteServerHost != "" && cfg.LiteServerKey != "" {
		addr := fmt.Sprintf("%s:%d", cfg.LiteServerHost, cfg.LiteServerPort)
		log.Info("connecting to lite server", zap.String("addr", addr))
		if err := client.AddConnection(ctx, addr, cfg.LiteServerKey); err != nil {
			return nil, fmt.Errorf("connect to lite server %s: %w", addr, err)
		}
	} else {
		configURL := "https://ton.org/testnet-global.config.json"
		if strings.EqualFold(cfg.Network, "mainnet") {
			configURL = "https://ton.org/global.config.json"
		}
		log.Info("connecting via global config", zap.String("url", configURL), zap.String("network", cfg.Network))
		if err := client.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
			return nil, fmt.Errorf("connect via config %s: %w", configURL, err)
		}
	}

	policy := ton.ProofCheckPolicyFast
	if strings.EqualFold(cfg.Network, "mainnet") {
		policy = ton.ProofCheckPolicySecure
	}
	return ton.NewAPIClient(client, policy).WithRetry(), nil
}

func New(api ton.APIClientWrapped, cfg Config, log *zap.Logger) (*Adapter, error) {
	if cfg.HotWalletAddress == "" {
		return nil, fmt.Errorf("%w: TON_HOT_WALLET_ADDRESS is required", models.ErrConfiguration)
	}
	hot, err := address.ParseAddr(cfg.HotWalletAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid TON_HOT_WALLET_ADDRESS: %v", models.ErrConfiguration, err)
	}
	if cfg.RPS == 0 {
		cfg.RPS = 5
	}

	a := &Adapter{
		api:     api,
		hot:     hot,
		limiter: chain.NewLimiter(cfg.RPS, int(cfg.RPS)+1, chain.KeyTON),
		log:     log.With(zap.String("chain", string(chain.KeyTON))),
		now:     time.Now,
	}

	if seed := strings.Fields(cfg.WalletSeed); len(seed) > 0 {
		w, err := wallet.FromSeed(api, seed, wallet.V4R2)
		if err != nil {
			return nil, fmt.Errorf("%w: load TON wallet: %v", models.ErrConfiguration, err)
		}
		if !bytes.Equal(w.WalletAddress().Data(), hot.Data()) {
			log.Warn("wallet seed does not derive the configured hot wallet",
				zap.String("derived", w.WalletAddress().String()),
				zap.String("configured", hot.String()),
			)
		}
		a.wallet = w
	} else {
		log.Warn("TON wallet seed not set, adapter is watch-only")
	}
	return a, nil
}

func (a *Adapter) Chain() chain.Key { return chain.KeyTON }

// CreateEscrow hands out the hot wallet plus a per-reference memo.
func (a *Adapter) CreateEscrow(_ context.Context, p chain.EscrowParams) (chain.Custody, error) {
	if !strings.EqualFold(p.Currency, currency) {
		return chain.Custody{}, fmt.Errorf("%w: currency %s not supported on ton", models.ErrConfiguration, p.Currency)
	}
	return chain.Custody{
		Handle:         a.hot.String(),
		DepositAddress: a.hot.String(),
		Memo:           Memo(p.Reference, p.Side),
	}, nil
}

// Memo builds the comment a depositor must attach.
func Memo(reference, side string) string {
	if side == "" {
		return reference
	}
	return reference + "/" + side
}

func (a *Adapter) Release(ctx context.Context, p chain.TransferParams) (string, error) {
	return a.send(ctx, p)
}

func (a *Adapter) Refund(ctx context.Context, p chain.TransferParams) (string, error) {
	return a.send(ctx, p)
}

func (a *Adapter) send(ctx context.Context, p chain.TransferParams) (string, error) {
	if a.wallet == nil {
		return "", fmt.Errorf("%w: TON wallet not configured", models.ErrConfiguration)
	}
	if !strings.EqualFold(p.Currency, currency) {
		return "", fmt.Errorf("%w: currency %s not supported on ton", models.ErrConfiguration, p.Currency)
	}
	to, err := address.ParseAddr(p.To)
	if err != nil {
		return "", fmt.Errorf("%w: invalid destination %s: %v", models.ErrValidation, p.To, err)
	}
	if !p.Amount.IsPositive() {
		return "", fmt.Errorf("%w: amount must be positive", models.ErrValidation)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}

	amount := tlb.FromNanoTON(p.Amount.Shift(nanoDigits).Truncate(0).BigInt())
	tx, _, err := a.wallet.TransferWaitTransaction(ctx, to, amount, p.Memo)
	chain.RecordRPCCall(chain.KeyTON, "transfer", err)
	if err != nil {
		return "", fmt.Errorf("%w: ton transfer: %w", models.ErrExternalAdapter, err)
	}

	ref := hex.EncodeToString(tx.Hash)
	a.log.Info("transfer sent",
		zap.String("to", to.String()),
		zap.String("amount", amount.String()),
		zap.String("tx", ref),
	)
	return ref, nil
}

// PollDeposits returns incoming transfers to address with LT greater than the
// cursor. An empty cursor reads the latest batch of account history, so a
// transfer made before the first poll is still reported.
func (a *Adapter) PollDeposits(ctx context.Context, addrStr, since string) ([]chain.Deposit, string, error) {
	addr, err := address.ParseAddr(addrStr)
	if err != nil {
		return nil, since, fmt.Errorf("%w: invalid address %s: %v", models.ErrValidation, addrStr, err)
	}
	cursorLT, _, err := parseCursor(since)
	if err != nil {
		return nil, since, err
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, since, err
	}
	block, err := a.api.CurrentMasterchainInfo(ctx)
	chain.RecordRPCCall(chain.KeyTON, "getMasterchainInfo", err)
	if err != nil {
		return nil, since, fmt.Errorf("%w: get master block: %w", models.ErrExternalAdapter, err)
	}
	account, err := a.api.GetAccount(ctx, block, addr)
	chain.RecordRPCCall(chain.KeyTON, "getAccount", err)
	if err != nil {
		return nil, since, fmt.Errorf("%w: get account: %w", models.ErrExternalAdapter, err)
	}

	if account == nil || !account.IsActive || account.LastTxLT == 0 {
		return nil, since, nil
	}
	next := formatCursor(account.LastTxLT, account.LastTxHash)
	maxBatches := 0
	if since == "" {
		a.log.Info("cursor initialized from recent account history",
			zap.String("address", addrStr),
			zap.Uint64("lt", account.LastTxLT),
		)
		maxBatches = 1
	} else if account.LastTxLT <= cursorLT {
		return nil, since, nil
	}

	txs, err := a.fetchNewTransactions(ctx, addr, account, cursorLT, maxBatches)
	if err != nil {
		return nil, since, fmt.Errorf("%w: %w", models.ErrExternalAdapter, err)
	}

	var out []chain.Deposit
	for _, tx := range txs {
		d, ok := depositFromTx(tx, a.now())
		if !ok {
			continue
		}
		d.Address = addrStr
		out = append(out, d)
	}
	return out, next, nil
}

// fetchNewTransactions retrieves all transactions with LT > cursorLT.
// ListTransactions returns results oldest-first; we paginate backwards
// until we reach the cursor, then return in chronological order.
// maxBatches > 0 stops after that many pages.
func (a *Adapter) fetchNewTransactions(ctx context.Context, addr *address.Address, account *tlb.Account, cursorLT uint64, maxBatches int) ([]*tlb.Transaction, error) {
	var all []*tlb.Transaction

	lt := account.LastTxLT
	hash := account.LastTxHash
	for batch := 1; ; batch++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		txs, err := a.api.ListTransactions(ctx, addr, uint32(txBatchSize), lt, hash)
		chain.RecordRPCCall(chain.KeyTON, "listTransactions", err)
		if err != nil {
			return nil, fmt.Errorf("list transactions (lt=%d): %w", lt, err)
		}
		if len(txs) == 0 {
			break
		}

		reached := false
		for _, tx := range txs {
			if tx.LT <= cursorLT {
				reached = true
				continue
			}
			all = append(all, tx)
		}
		if reached || len(txs) < txBatchSize || batch == maxBatches {
			break
		}

		oldest := txs[0]
		if oldest.PrevTxLT == 0 {
			break
		}
		lt = oldest.PrevTxLT
		hash = oldest.PrevTxHash
	}

	sort.Slice(all, func(i, j int) bool { return all[i].LT < all[j].LT })
	return all, nil
}

// depositFromTx extracts an inbound, non-bounced value transfer.
func depositFromTx(tx *tlb.Transaction, now time.Time) (chain.Deposit, bool) {
	if tx.IO.In == nil {
		return chain.Deposit{}, false
	}
	in, ok := tx.IO.In.Msg.(*tlb.InternalMessage)
	if !ok || in == nil || in.Bounced {
		return chain.Deposit{}, false
	}
	nano := in.Amount.Nano()
	if nano.Sign() <= 0 {
		return chain.Deposit{}, false
	}
	return chain.Deposit{
		Chain:    chain.KeyTON,
		TxRef:    hex.EncodeToString(tx.Hash),
		Memo:     extractComment(in),
		Currency: currency,
		Amount:   decimal.NewFromBigInt(nano, -nanoDigits),
		// lite server answers only with applied blocks
		Confirmations: 1,
		Cursor:        formatCursor(tx.PrevTxLT, tx.PrevTxHash),
		ObservedAt:    now,
	}, true
}

// extractComment parses a text comment from an InternalMessage body.
// Text comments have opcode 0x00000000 followed by snake-encoded UTF-8.
func extractComment(in *tlb.InternalMessage) string {
	if in.Body == nil {
		return ""
	}
	slice := in.Body.BeginParse()
	if slice.BitsLeft() < 32 {
		return ""
	}
	op, err := slice.LoadUInt(32)
	if err != nil || op != 0 {
		return ""
	}
	text, err := slice.LoadStringSnake()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

func formatCursor(lt uint64, hash []byte) string {
	return strconv.FormatUint(lt, 10) + ":" + hex.EncodeToString(hash)
}

func parseCursor(s string) (uint64, []byte, error) {
	if s == "" {
		return 0, nil, nil
	}
	ltStr, hashStr, _ := strings.Cut(s, ":")
	lt, err := strconv.ParseUint(ltStr, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: bad ton cursor %q", models.ErrValidation, s)
	}
	hash, err := hex.DecodeString(hashStr)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: bad ton cursor %q", models.ErrValidation, s)
	}
	return lt, hash, nil
}
