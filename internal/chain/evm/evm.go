package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/crossledger/settlement/internal/chain"
	"github.com/crossledger/settlement/internal/models"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const erc20ABI = `[{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}]`

// keccak256("Transfer(address,address,uint256)")
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Token is an ERC20 contract the adapter recognises.
type Token struct {
	Symbol   string
	Contract common.Address
	Decimals int32
}

type Config struct {
	Key            chain.Key
	RPCURL         string
	PrivateKey     string
	NativeSymbol   string
	NativeDecimals int32
	Tokens         []Token
	MaxBlockRange  uint64
	RPS            float64
}

// ParseTokens reads a SYMBOL:contract:decimals list separated by commas.
func ParseTokens(list string) ([]Token, error) {
	var out []Token
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: token %q is not SYMBOL:contract:decimals", models.ErrConfiguration, item)
		}
		if !common.IsHexAddress(parts[1]) {
			return nil, fmt.Errorf("%w: token %s has invalid contract %q", models.ErrConfiguration, parts[0], parts[1])
		}
		dec, err := strconv.ParseInt(parts[2], 10, 32)
		if err != nil || dec < 0 {
			return nil, fmt.Errorf("%w: token %s has invalid decimals %q", models.ErrConfiguration, parts[0], parts[2])
		}
		out = append(out, Token{
			Symbol:   strings.ToUpper(parts[0]),
			Contract: common.HexToAddress(parts[1]),
			Decimals: int32(dec),
		})
	}
	return out, nil
}

// Backend is the subset of ethclient.Client the adapter needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Adapter holds custody in a hot wallet and detects deposits by scanning
// native transfers and ERC20 Transfer logs.
type Adapter struct {
	cfg        Config
	backend    Backend
	privateKey *ecdsa.PrivateKey
	wallet     common.Address
	tokens     map[string]Token
	byContract map[common.Address]Token
	transfer   abi.ABI
	limiter    *chain.Limiter
	log        *zap.Logger
	now        func() time.Time
}

// Dial connects to the RPC endpoint and builds an adapter.
func Dial(cfg Config, log *zap.Logger) (*Adapter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: RPC URL not configured for %s", models.ErrConfiguration, cfg.Key)
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}
	return New(cfg, client, log)
}

func New(cfg Config, backend Backend, log *zap.Logger) (*Adapter, error) {
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("%w: hot wallet key not configured for %s", models.ErrConfiguration, cfg.Key)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key: %v", models.ErrConfiguration, err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, err
	}
	if cfg.NativeDecimals == 0 {
		cfg.NativeDecimals = 18
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 50
	}
	if cfg.RPS == 0 {
		cfg.RPS = 10
	}

	a := &Adapter{
		cfg:        cfg,
		backend:    backend,
		privateKey: key,
		wallet:     crypto.PubkeyToAddress(key.PublicKey),
		tokens:     make(map[string]Token),
		byContract: make(map[common.Address]Token),
		transfer:   parsed,
		limiter:    chain.NewLimiter(cfg.RPS, int(cfg.RPS)+1, cfg.Key),
		log:        log.With(zap.String("chain", string(cfg.Key))),
		now:        time.Now,
	}
	for _, t := range cfg.Tokens {
		t.Symbol = strings.ToUpper(t.Symbol)
		a.tokens[t.Symbol] = t
		a.byContract[t.Contract] = t
	}
	return a, nil
}

func (a *Adapter) Chain() chain.Key { return a.cfg.Key }

// WalletAddress is the hot wallet holding custody.
func (a *Adapter) WalletAddress() string { return a.wallet.Hex() }

// CreateEscrow returns hot-wallet custody. EVM deposits carry no memo, so
// attribution relies on amount matching.
func (a *Adapter) CreateEscrow(ctx context.Context, p chain.EscrowParams) (chain.Custody, error) {
	if _, err := a.decimals(p.Currency); err != nil {
		return chain.Custody{}, err
	}
	if p.Owner != "" && !common.IsHexAddress(normalizeAddress(p.Owner)) {
		return chain.Custody{}, fmt.Errorf("%w: invalid owner address %s", models.ErrValidation, p.Owner)
	}
	return chain.Custody{
		Handle:         a.wallet.Hex(),
		DepositAddress: a.wallet.Hex(),
	}, nil
}

func (a *Adapter) Release(ctx context.Context, p chain.TransferParams) (string, error) {
	return a.send(ctx, p)
}

func (a *Adapter) Refund(ctx context.Context, p chain.TransferParams) (string, error) {
	return a.send(ctx, p)
}

func (a *Adapter) send(ctx context.Context, p chain.TransferParams) (string, error) {
	to := normalizeAddress(p.To)
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("%w: invalid recipient address: %s", models.ErrValidation, p.To)
	}
	if p.Handle != "" && !strings.EqualFold(normalizeAddress(p.Handle), a.wallet.Hex()) {
		return "", fmt.Errorf("%w: custody %s is not held by this wallet", models.ErrConfiguration, p.Handle)
	}
	if !p.Amount.IsPositive() {
		return "", fmt.Errorf("%w: amount must be positive", models.ErrValidation)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}

	chainID, err := a.backend.ChainID(ctx)
	if err != nil {
		return "", a.rpcErr("eth_chainId", err)
	}
	nonce, err := a.backend.PendingNonceAt(ctx, a.wallet)
	if err != nil {
		return "", a.rpcErr("eth_getTransactionCount", fmt.Errorf("failed to get nonce: %w", err))
	}
	gasPrice, err := a.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", a.rpcErr("eth_gasPrice", fmt.Errorf("failed to get gas price: %w", err))
	}

	recipient := common.HexToAddress(to)
	var tx *types.Transaction
	symbol := strings.ToUpper(p.Currency)
	if token, ok := a.tokens[symbol]; ok {
		value := toBaseUnits(p.Amount, token.Decimals)
		data, err := a.transfer.Pack("transfer", recipient, value)
		if err != nil {
			return "", fmt.Errorf("failed to pack transfer data: %w", err)
		}
		gasLimit := uint64(100000)
		contract := token.Contract
		if est, err := a.backend.EstimateGas(ctx, ethereum.CallMsg{From: a.wallet, To: &contract, Data: data}); err == nil {
			gasLimit = est * 120 / 100
		}
		tx = types.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, data)
	} else if symbol == strings.ToUpper(a.cfg.NativeSymbol) {
		tx = types.NewTransaction(nonce, recipient, toBaseUnits(p.Amount, a.cfg.NativeDecimals), 21000, gasPrice, nil)
	} else {
		return "", fmt.Errorf("%w: currency %s not supported on %s", models.ErrConfiguration, p.Currency, a.cfg.Key)
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), a.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := a.backend.SendTransaction(ctx, signed); err != nil {
		return "", a.rpcErr("eth_sendRawTransaction", fmt.Errorf("failed to send transaction: %w", err))
	}

	a.log.Info("transfer sent",
		zap.String("to", recipient.Hex()),
		zap.String("currency", symbol),
		zap.String("amount", p.Amount.String()),
		zap.String("tx", signed.Hash().Hex()),
	)
	return signed.Hash().Hex(), nil
}

// PollDeposits scans blocks after since (a block number) for native value
// transfers and token Transfer logs into address.
func (a *Adapter) PollDeposits(ctx context.Context, address, since string) ([]chain.Deposit, string, error) {
	addr := normalizeAddress(address)
	if !common.IsHexAddress(addr) {
		return nil, since, fmt.Errorf("%w: invalid address %s", models.ErrValidation, address)
	}
	target := common.HexToAddress(addr)

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, since, err
	}
	head, err := a.backend.BlockNumber(ctx)
	chain.RecordRPCCall(a.cfg.Key, "eth_blockNumber", err)
	if err != nil {
		return nil, since, a.wrap(err)
	}

	var from uint64
	if since == "" {
		// first poll: only look at the most recent window
		if head >= a.cfg.MaxBlockRange {
			from = head - a.cfg.MaxBlockRange + 1
		}
	} else {
		last, err := strconv.ParseUint(since, 10, 64)
		if err != nil {
			return nil, since, fmt.Errorf("%w: bad cursor %q", models.ErrValidation, since)
		}
		if last >= head {
			return nil, since, nil
		}
		from = last + 1
	}
	to := head
	if to-from+1 > a.cfg.MaxBlockRange {
		to = from + a.cfg.MaxBlockRange - 1
	}

	deposits, err := a.scanTokenLogs(ctx, target, from, to, head)
	if err != nil {
		return nil, since, err
	}
	if a.cfg.NativeSymbol != "" {
		native, err := a.scanNative(ctx, target, from, to, head)
		if err != nil {
			return nil, since, err
		}
		deposits = append(deposits, native...)
	}
	sortByCursor(deposits)

	for i := range deposits {
		deposits[i].Address = address
	}
	return deposits, strconv.FormatUint(to, 10), nil
}

func (a *Adapter) scanTokenLogs(ctx context.Context, target common.Address, from, to, head uint64) ([]chain.Deposit, error) {
	if len(a.byContract) == 0 {
		return nil, nil
	}
	contracts := make([]common.Address, 0, len(a.byContract))
	for c := range a.byContract {
		contracts = append(contracts, c)
	}
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: contracts,
		Topics:    [][]common.Hash{{transferTopic}, nil, {common.BytesToHash(target.Bytes())}},
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	logs, err := a.backend.FilterLogs(ctx, q)
	chain.RecordRPCCall(a.cfg.Key, "eth_getLogs", err)
	if err != nil {
		return nil, a.wrap(err)
	}

	var out []chain.Deposit
	for _, l := range logs {
		if l.Removed || len(l.Topics) < 3 {
			continue
		}
		token, ok := a.byContract[l.Address]
		if !ok {
			continue
		}
		if common.BytesToAddress(l.Topics[2].Bytes()) != target {
			continue
		}
		value := new(big.Int).SetBytes(l.Data)
		out = append(out, chain.Deposit{
			Chain:         a.cfg.Key,
			TxRef:         fmt.Sprintf("%s:%d", l.TxHash.Hex(), l.Index),
			Currency:      token.Symbol,
			Amount:        fromBaseUnits(value, token.Decimals),
			Confirmations: confirmations(head, l.BlockNumber),
			Cursor:        strconv.FormatUint(l.BlockNumber-1, 10),
			ObservedAt:    a.now(),
		})
	}
	return out, nil
}

func (a *Adapter) scanNative(ctx context.Context, target common.Address, from, to, head uint64) ([]chain.Deposit, error) {
	var out []chain.Deposit
	for n := from; n <= to; n++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		block, err := a.backend.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		chain.RecordRPCCall(a.cfg.Key, "eth_getBlockByNumber", err)
		if err != nil {
			return nil, a.wrap(err)
		}
		for _, tx := range block.Transactions() {
			if tx.To() == nil || *tx.To() != target || tx.Value().Sign() <= 0 {
				continue
			}
			receipt, err := a.backend.TransactionReceipt(ctx, tx.Hash())
			chain.RecordRPCCall(a.cfg.Key, "eth_getTransactionReceipt", err)
			if err != nil {
				return nil, a.wrap(err)
			}
			if receipt.Status != types.ReceiptStatusSuccessful {
				continue
			}
			out = append(out, chain.Deposit{
				Chain:         a.cfg.Key,
				TxRef:         tx.Hash().Hex(),
				Currency:      strings.ToUpper(a.cfg.NativeSymbol),
				Amount:        fromBaseUnits(tx.Value(), a.cfg.NativeDecimals),
				Confirmations: confirmations(head, n),
				Cursor:        strconv.FormatUint(n-1, 10),
				ObservedAt:    a.now(),
			})
		}
	}
	return out, nil
}

func (a *Adapter) decimals(currency string) (int32, error) {
	symbol := strings.ToUpper(currency)
	if t, ok := a.tokens[symbol]; ok {
		return t.Decimals, nil
	}
	if symbol == strings.ToUpper(a.cfg.NativeSymbol) {
		return a.cfg.NativeDecimals, nil
	}
	return 0, fmt.Errorf("%w: currency %s not supported on %s", models.ErrConfiguration, currency, a.cfg.Key)
}

func (a *Adapter) rpcErr(method string, err error) error {
	chain.RecordRPCCall(a.cfg.Key, method, err)
	return a.wrap(err)
}

func (a *Adapter) wrap(err error) error {
	return fmt.Errorf("%w: %s: %w", models.ErrExternalAdapter, a.cfg.Key, err)
}

// normalizeAddress accepts XDC-style "xdc" prefixes.
func normalizeAddress(addr string) string {
	if len(addr) > 3 && strings.EqualFold(addr[:3], "xdc") {
		return "0x" + addr[3:]
	}
	return addr
}

func confirmations(head, block uint64) int64 {
	if block > head {
		return 0
	}
	return int64(head-block) + 1
}

func toBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

func fromBaseUnits(value *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(value, -decimals)
}

func sortByCursor(deps []chain.Deposit) {
	sort.SliceStable(deps, func(i, j int) bool {
		x, _ := strconv.ParseUint(deps[i].Cursor, 10, 64)
		y, _ := strconv.ParseUint(deps[j].Cursor, 10, 64)
		return x < y
	})
}
