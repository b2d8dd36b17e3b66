package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/crossledger/settlement/internal/auth"
	"github.com/crossledger/settlement/internal/chain"
	"github.com/crossledger/settlement/internal/config"
	"github.com/crossledger/settlement/internal/http/handlers"
	"github.com/crossledger/settlement/internal/models"
	"github.com/crossledger/settlement/internal/settlement"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEngine struct {
	triggerErr error
	sweepBusy  bool
	triggered  []uuid.UUID
}

func (f *fakeEngine) GetSwapQueueStatus() settlement.QueueStatus {
	return settlement.QueueStatus{QueueSize: 2, PendingSwaps: []string{"a", "b"}}
}

func (f *fakeEngine) GetMonitoringStatus() settlement.MonitoringStatus {
	return settlement.MonitoringStatus{
		IsRunning:          true,
		MonitoredAddresses: 1,
		ActiveChains:       []string{"ton"},
		Entries:            []models.MonitoredAddress{{ExchangeID: "x", Chain: "ton"}},
	}
}

func (f *fakeEngine) SweepNow(context.Context) (settlement.SweepResult, bool) {
	if f.sweepBusy {
		return settlement.SweepResult{}, false
	}
	return settlement.SweepResult{Swaps: 3}, true
}

func (f *fakeEngine) AddExchangeToMonitoring(_ context.Context, id uuid.UUID) (*models.SwapRecord, error) {
	return &models.SwapRecord{ID: id, Status: models.SwapStatusPending, MonitoringActive: true}, nil
}

func (f *fakeEngine) TriggerManualSwap(_ context.Context, id uuid.UUID) (*models.SwapRecord, error) {
	if f.triggerErr != nil {
		return nil, f.triggerErr
	}
	f.triggered = append(f.triggered, id)
	return &models.SwapRecord{ID: id, Status: models.SwapStatusProcessing}, nil
}

type fakeSwaps struct {
	transitions []string
}

func (f *fakeSwaps) GetSwap(_ context.Context, id uuid.UUID) (*models.SwapRecord, error) {
	return nil, fmt.Errorf("swap %s: %w", id, models.ErrNotFound)
}

func (f *fakeSwaps) Transition(_ context.Context, id uuid.UUID, to, note string) (*models.SwapRecord, error) {
	f.transitions = append(f.transitions, to+"|"+note)
	return &models.SwapRecord{ID: id, Status: to}, nil
}

type fakeAudit struct{}

func (fakeAudit) GetByEntity(_ context.Context, entityType string, id uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	return []models.AuditLog{{EntityType: entityType, EntityID: &id, Action: "offer_created"}}, nil
}

type fakeOffers struct {
	releaseErr  error
	lastFilter  models.OfferFilter
	lastCreds   chain.Credentials
	lastReason  string
	lastUserRef string
}

func (f *fakeOffers) GetOfferByID(_ context.Context, id uuid.UUID) (*models.EscrowOffer, error) {
	return &models.EscrowOffer{ID: id, Status: models.OfferStatusCreated}, nil
}

func (f *fakeOffers) GetPublicOffers(_ context.Context, filter models.OfferFilter) ([]models.EscrowOffer, error) {
	f.lastFilter = filter
	return nil, nil
}

func (f *fakeOffers) GetUserOffers(_ context.Context, userRef string, limit, offset int) ([]models.EscrowOffer, error) {
	f.lastUserRef = userRef
	return []models.EscrowOffer{{SellerRef: userRef}}, nil
}

func (f *fakeOffers) ReleaseEscrow(_ context.Context, id uuid.UUID, admin chain.Credentials) (*models.EscrowOffer, error) {
	f.lastCreds = admin
	if f.releaseErr != nil {
		return nil, f.releaseErr
	}
	return &models.EscrowOffer{ID: id, Status: models.OfferStatusCompleted}, nil
}

func (f *fakeOffers) CancelEscrow(_ context.Context, id uuid.UUID, reason string, admin chain.Credentials) (*models.EscrowOffer, error) {
	f.lastCreds = admin
	f.lastReason = reason
	return &models.EscrowOffer{ID: id, Status: models.OfferStatusCancelled}, nil
}

type testAPI struct {
	app    *fiber.App
	cfg    *config.Config
	engine *fakeEngine
	swaps  *fakeSwaps
	offers *fakeOffers
	token  string
	admin  string
	viewer string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	log := zap.NewNop()
	cfg := &config.Config{
		JWTSecret:        "test-secret",
		ViewerSubjects:   []string{"audit-1"},
		OperatorSubjects: []string{"ops-1"},
		AdminSubjects:    []string{"root"},
	}
	api := &testAPI{
		app:    fiber.New(),
		cfg:    cfg,
		engine: &fakeEngine{},
		swaps:  &fakeSwaps{},
		offers: &fakeOffers{},
	}
	admin := chain.Credentials{Signer: "admin"}
	SetupRouter(api.app, cfg, log, nil, Handlers{
		Status: handlers.NewStatusHandler(api.engine, log),
		Swaps:  handlers.NewSwapHandler(api.swaps, api.engine, fakeAudit{}, log),
		Offers: handlers.NewOfferHandler(api.offers, fakeAudit{}, admin, log),
	})

	api.token = mint(t, cfg, "ops-1")
	api.admin = mint(t, cfg, "root")
	api.viewer = mint(t, cfg, "audit-1")
	return api
}

func mint(t *testing.T, cfg *config.Config, subject string) string {
	t.Helper()
	token, err := auth.GenerateJWT(cfg.JWTSecret, subject, cfg.RoleOf(subject), time.Hour)
	require.NoError(t, err)
	return token
}

func (a *testAPI) do(t *testing.T, method, path, body, token string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func TestRouter_HealthIsPublic(t *testing.T) {
	api := newTestAPI(t)
	status, body := api.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_RequiresOperatorToken(t *testing.T) {
	api := newTestAPI(t)

	status, _ := api.do(t, http.MethodGet, "/api/v1/status/queue", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = api.do(t, http.MethodGet, "/api/v1/status/queue", "", "garbage")
	assert.Equal(t, http.StatusUnauthorized, status)

	stranger, err := auth.GenerateJWT(api.cfg.JWTSecret, "someone", "admin", time.Hour)
	require.NoError(t, err)
	status, _ = api.do(t, http.MethodGet, "/api/v1/status/queue", "", stranger)
	assert.Equal(t, http.StatusForbidden, status, "role claim is not trusted")

	status, body := api.do(t, http.MethodGet, "/api/v1/status/queue", "", api.token)
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]any)
	assert.EqualValues(t, 2, data["queue_size"])
}

func TestRouter_MonitoringSummary(t *testing.T) {
	api := newTestAPI(t)

	_, body := api.do(t, http.MethodGet, "/api/v1/status/monitoring", "", api.token)
	assert.Len(t, body["data"].(map[string]any)["entries"], 1)

	_, body = api.do(t, http.MethodGet, "/api/v1/status/monitoring?summary=true", "", api.token)
	data := body["data"].(map[string]any)
	assert.Nil(t, data["entries"])
	assert.Equal(t, true, data["is_running"])
}

func TestRouter_TriggerSwap(t *testing.T) {
	api := newTestAPI(t)
	id := uuid.New()

	status, _ := api.do(t, http.MethodPost, "/api/v1/swaps/not-a-uuid/trigger", "", api.token)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = api.do(t, http.MethodPost, "/api/v1/swaps/"+id.String()+"/trigger", "", api.token)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, []uuid.UUID{id}, api.engine.triggered)

	api.engine.triggerErr = fmt.Errorf("%w: swap is pending", models.ErrStateConflict)
	status, body := api.do(t, http.MethodPost, "/api/v1/swaps/"+id.String()+"/trigger", "", api.token)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, body["error"], "pending")
}

func TestRouter_SwapNotFoundAndTransition(t *testing.T) {
	api := newTestAPI(t)
	id := uuid.New().String()

	status, _ := api.do(t, http.MethodGet, "/api/v1/swaps/"+id, "", api.token)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = api.do(t, http.MethodPost, "/api/v1/swaps/"+id+"/transition", `{"note":"x"}`, api.token)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = api.do(t, http.MethodPost, "/api/v1/swaps/"+id+"/transition", `{"status":"failed","note":"refunded off-platform"}`, api.token)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"failed|operator ops-1: refunded off-platform"}, api.swaps.transitions)
}

func TestRouter_OfferAdmin(t *testing.T) {
	api := newTestAPI(t)
	id := uuid.New().String()

	status, _ := api.do(t, http.MethodPost, "/api/v1/offers/"+id+"/cancel", `{"reason":"  "}`, api.admin)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = api.do(t, http.MethodPost, "/api/v1/offers/"+id+"/cancel", `{"reason":"buyer vanished"}`, api.admin)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "buyer vanished", api.offers.lastReason)
	assert.Equal(t, "admin", api.offers.lastCreds.Signer, "configured admin credentials are used")

	api.offers.releaseErr = fmt.Errorf("%w: admin credentials required", models.ErrConfiguration)
	status, _ = api.do(t, http.MethodPost, "/api/v1/offers/"+id+"/release", "", api.admin)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestRouter_OfferQueries(t *testing.T) {
	api := newTestAPI(t)

	status, body := api.do(t, http.MethodGet, "/api/v1/offers?seller_chain=bitcoin&buyer_currency=usdt&limit=5", "", api.token)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, api.offers.lastFilter.SellerChain)
	assert.Equal(t, "btc", *api.offers.lastFilter.SellerChain)
	assert.Equal(t, "usdt", *api.offers.lastFilter.BuyerCurrency)
	assert.Equal(t, 5, api.offers.lastFilter.Limit)
	assert.Empty(t, body["data"].(map[string]any)["items"])

	status, _ = api.do(t, http.MethodGet, "/api/v1/users/alice/offers", "", api.token)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", api.offers.lastUserRef)

	status, body = api.do(t, http.MethodGet, "/api/v1/offers/"+uuid.New().String()+"/audit", "", api.token)
	assert.Equal(t, http.StatusOK, status)
	items := body["data"].(map[string]any)["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, models.EntityEscrowOffer, items[0].(map[string]any)["entity_type"])
}

func TestRouter_Sweep(t *testing.T) {
	api := newTestAPI(t)

	status, body := api.do(t, http.MethodPost, "/api/v1/sweep", "", api.token)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, body["data"].(map[string]any)["swaps"])

	api.engine.sweepBusy = true
	status, _ = api.do(t, http.MethodPost, "/api/v1/sweep", "", api.token)
	assert.Equal(t, http.StatusConflict, status)
}

func TestRouter_RolePermissions(t *testing.T) {
	api := newTestAPI(t)
	id := uuid.New().String()

	status, _ := api.do(t, http.MethodGet, "/api/v1/status/queue", "", api.viewer)
	assert.Equal(t, http.StatusOK, status)

	status, _ = api.do(t, http.MethodPost, "/api/v1/swaps/"+id+"/trigger", "", api.viewer)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = api.do(t, http.MethodPost, "/api/v1/sweep", "", api.viewer)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Empty(t, api.engine.triggered)

	status, body := api.do(t, http.MethodPost, "/api/v1/offers/"+id+"/release", "", api.token)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, body["error"], "release_escrow")
	status, _ = api.do(t, http.MethodPost, "/api/v1/offers/"+id+"/cancel", `{"reason":"x"}`, api.token)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Empty(t, api.offers.lastReason)

	status, _ = api.do(t, http.MethodPost, "/api/v1/offers/"+id+"/release", "", api.admin)
	assert.Equal(t, http.StatusOK, status)
}
