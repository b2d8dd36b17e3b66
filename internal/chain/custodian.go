package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/crossledger/settlement/internal/models"
	"go.uber.org/zap"
)

// Custodian creates custody and signs transfers for chains whose keys the
// worker does not hold.
type Custodian interface {
	CreateEscrow(ctx context.Context, key Key, p EscrowParams) (Custody, error)
	Transfer(ctx context.Context, key Key, kind string, p TransferParams) (string, error)
}

// CustodianClient talks to the signing service that holds keys for chains
// without an in-process hot wallet (BTC, XRPL, Stellar).
type CustodianClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *zap.Logger
}

func NewCustodianClient(baseURL, token string, log *zap.Logger) *CustodianClient {
	return &CustodianClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

type custodyRequest struct {
	Chain        Key         `json:"chain"`
	Reference    string      `json:"reference"`
	Side         string      `json:"side,omitempty"`
	Currency     string      `json:"currency"`
	Amount       string      `json:"amount"`
	Owner        string      `json:"owner"`
	Counterparty string      `json:"counterparty,omitempty"`
	Timeout      int64       `json:"timeout_unix,omitempty"`
	Credentials  Credentials `json:"credentials"`
}

type custodyResponse struct {
	Handle         string `json:"handle"`
	DepositAddress string `json:"deposit_address"`
	Memo           string `json:"memo"`
	TxRef          string `json:"tx_ref"`
}

type transferRequest struct {
	Chain       Key         `json:"chain"`
	Kind        string      `json:"kind"`
	Handle      string      `json:"handle"`
	To          string      `json:"to"`
	Memo        string      `json:"memo,omitempty"`
	Currency    string      `json:"currency"`
	Amount      string      `json:"amount"`
	Credentials Credentials `json:"credentials"`
}

type transferResponse struct {
	TxRef string `json:"tx_ref"`
}

// CreateEscrow asks the custodian to set up chain-native custody.
func (c *CustodianClient) CreateEscrow(ctx context.Context, key Key, p EscrowParams) (Custody, error) {
	body := custodyRequest{
		Chain:        key,
		Reference:    p.Reference,
		Side:         p.Side,
		Currency:     p.Currency,
		Amount:       p.Amount.String(),
		Owner:        p.Owner,
		Counterparty: p.Counterparty,
		Credentials:  p.Credentials,
	}
	if !p.Timeout.IsZero() {
		body.Timeout = p.Timeout.Unix()
	}

	var out custodyResponse
	if err := c.post(ctx, "/v1/escrows", body, &out); err != nil {
		return Custody{}, err
	}
	if out.DepositAddress == "" {
		out.DepositAddress = out.Handle
	}
	return Custody(out), nil
}

// Transfer submits a release or refund and returns the transaction reference.
func (c *CustodianClient) Transfer(ctx context.Context, key Key, kind string, p TransferParams) (string, error) {
	body := transferRequest{
		Chain:       key,
		Kind:        kind,
		Handle:      p.Handle,
		To:          p.To,
		Memo:        p.Memo,
		Currency:    p.Currency,
		Amount:      p.Amount.String(),
		Credentials: p.Credentials,
	}
	var out transferResponse
	if err := c.post(ctx, "/v1/transfers", body, &out); err != nil {
		return "", err
	}
	if out.TxRef == "" {
		return "", fmt.Errorf("%w: custodian returned empty tx ref", models.ErrExternalAdapter)
	}
	return out.TxRef, nil
}

func (c *CustodianClient) post(ctx context.Context, path string, in, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("%w: custodian not configured", models.ErrConfiguration)
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: custodian unavailable: %w", models.ErrExternalAdapter, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: custodian returned %d: %s", models.ErrExternalAdapter, resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
