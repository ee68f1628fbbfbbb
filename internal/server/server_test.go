package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"monconnect/internal/config"
	"monconnect/internal/dispatch"
	"monconnect/internal/dispute"
	"monconnect/internal/escrow"
	"monconnect/internal/escrowsync"
	"monconnect/internal/localstore"
	"monconnect/internal/metrics"
	"monconnect/internal/roles"
)

var (
	organizer = common.HexToAddress("0x1000000000000000000000000000000000000001")
	vendor    = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

type testServer struct {
	srv    *Server
	chain  *escrow.FakeChain
	orgNFT *roles.FakeNFT
	jobID  uint64
}

func newTestServer(t *testing.T, status escrow.Status) *testServer {
	t.Helper()
	ctx := context.Background()

	chain := escrow.NewFakeChain()
	id := chain.Seed(escrow.RawEscrow{
		Organizer:      organizer,
		Vendor:         vendor,
		OriginalAmount: big.NewInt(1_000_000_000_000_000_000),
		EscrowBalance:  big.NewInt(1_000_000_000_000_000_000),
		Status:         uint8(status.Code()),
		Deadline:       big.NewInt(time.Now().Add(time.Hour).Unix()),
		PenaltyRate:    big.NewInt(5),
	})
	client := chain.Client(organizer)

	views := map[escrow.Role]*escrowsync.Synchronizer{}
	dviews := map[escrow.Role]dispatch.View{}
	for _, role := range []escrow.Role{escrow.RoleOrganizer, escrow.RoleVendor} {
		v := escrowsync.New(client, escrowsync.Options{Viewer: organizer, Role: role})
		if _, err := v.Refresh(ctx); err != nil {
			t.Fatalf("initial refresh: %v", err)
		}
		views[role] = v
		dviews[role] = v
	}

	store := localstore.NewMemoryStore()
	disputes := dispute.NewKVStore(store)
	jury := roles.NewJuryRegistry(store)
	orgNFT := roles.NewFakeNFT(common.HexToAddress("0xa1"))
	gate := roles.NewGate(roles.GateConfig{
		OrganizerNFT:       orgNFT,
		ServiceProviderNFT: roles.NewFakeNFT(common.HexToAddress("0xa2")),
		Jury:               jury,
		PollTimeout:        time.Second,
		PollInterval:       10 * time.Millisecond,
	})
	reg := metrics.New()

	cfg := &config.AppConfig{
		Chain: config.ChainConfig{ChainID: 10143, NativeSymbol: "MON"},
		Service: config.ServiceConfig{
			HMACSecret:        "test-secret",
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
		},
		Fees: config.FeesConfig{OrganizerBps: 100},
	}
	srv := NewServer(cfg, Deps{
		Self:   organizer,
		Client: client,
		Views:  views,
		Dispatcher: dispatch.New(dispatch.Config{
			Client:         client,
			Self:           organizer,
			Views:          dviews,
			Disputes:       disputes,
			ConfirmTimeout: 100 * time.Millisecond,
			Metrics:        reg,
		}),
		Disputes: disputes,
		Gate:     gate,
		Jury:     jury,
		Store:    store,
		Balance: func(context.Context) (*big.Int, error) {
			return big.NewInt(2_500_000_000_000_000_000), nil
		},
		Metrics: reg,
	})
	return &testServer{srv: srv, chain: chain, orgNFT: orgNFT, jobID: id}
}

func (ts *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) signed(method, path, key string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	ts.srv.hmac.SignRequest(req, body, time.Now())
	if key != "" {
		req.Header.Set(headerIdempotency, key)
	}
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestActionIdempotency(t *testing.T) {
	ts := newTestServer(t, escrow.StatusCompleted)

	rec := ts.do(t, ts.signed(http.MethodPost, "/api/v1/jobs/0/release", "key-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	first := rec.Body.Bytes()
	if got := decodeBody(t, rec)["status"]; got != string(escrow.StatusReleased) {
		t.Fatalf("expected resynced status Released, got %v", got)
	}

	rec2 := ts.do(t, ts.signed(http.MethodPost, "/api/v1/jobs/0/release", "key-1", nil))
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected cached 200 got %d", rec2.Code)
	}
	if !bytes.Equal(bytes.TrimSpace(first), bytes.TrimSpace(rec2.Body.Bytes())) {
		t.Fatalf("expected same response body on idempotent request")
	}
	if rec2.Header().Get("X-Idempotent-Replay") != "true" {
		t.Fatalf("expected replay marker on second response")
	}
	if subs := ts.chain.Submissions(); len(subs) != 1 {
		t.Fatalf("expected exactly one submission, got %v", subs)
	}
}

func TestWritesRequireSignatureAndKey(t *testing.T) {
	ts := newTestServer(t, escrow.StatusCompleted)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/0/release", nil)
	req.Header.Set(headerIdempotency, "key-1")
	rec := ts.do(t, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
	if kind := decodeBody(t, rec)["kind"]; kind != "unauthorized" {
		t.Fatalf("expected kind unauthorized, got %v", kind)
	}

	rec = ts.do(t, ts.signed(http.MethodPost, "/api/v1/jobs/0/release", "", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without idempotency key, got %d", rec.Code)
	}
	if subs := ts.chain.Submissions(); len(subs) != 0 {
		t.Fatalf("expected no submissions, got %v", subs)
	}
}

func TestStaleActionIsConflict(t *testing.T) {
	ts := newTestServer(t, escrow.StatusFunded)

	rec := ts.do(t, ts.signed(http.MethodPost, "/api/v1/jobs/0/release", "stale-1", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d: %s", rec.Code, rec.Body.String())
	}
	if kind := decodeBody(t, rec)["kind"]; kind != "stale_state" {
		t.Fatalf("expected kind stale_state, got %v", kind)
	}
	if subs := ts.chain.Submissions(); len(subs) != 0 {
		t.Fatalf("expected no submissions, got %v", subs)
	}
}

func TestUnconfirmedActionIsAccepted(t *testing.T) {
	ts := newTestServer(t, escrow.StatusCompleted)
	ts.chain.HoldConfirmations = true

	rec := ts.do(t, ts.signed(http.MethodPost, "/api/v1/jobs/0/release", "slow-1", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["kind"] != "not_confirmed" {
		t.Fatalf("expected kind not_confirmed, got %v", body["kind"])
	}
	result, _ := body["result"].(map[string]interface{})
	if hash, _ := result["txHash"].(string); !strings.HasPrefix(hash, "0x") {
		t.Fatalf("expected tx hash in result, got %v", body["result"])
	}
}

func TestRejectedActionCanBeRetried(t *testing.T) {
	ts := newTestServer(t, escrow.StatusCompleted)
	ts.chain.SubmitErr = escrow.ErrUserRejected

	rec := ts.do(t, ts.signed(http.MethodPost, "/api/v1/jobs/0/release", "retry-1", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d: %s", rec.Code, rec.Body.String())
	}
	if kind := decodeBody(t, rec)["kind"]; kind != "user_rejected" {
		t.Fatalf("expected kind user_rejected, got %v", kind)
	}

	ts.chain.SubmitErr = nil
	rec = ts.do(t, ts.signed(http.MethodPost, "/api/v1/jobs/0/release", "retry-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on retry got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Idempotent-Replay") != "" {
		t.Fatalf("rejected response must not be replayed")
	}
	if subs := ts.chain.Submissions(); len(subs) != 1 {
		t.Fatalf("expected one submission after retry, got %v", subs)
	}
}

func TestJobsListing(t *testing.T) {
	ts := newTestServer(t, escrow.StatusCompleted)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?view=organizer&tab=active", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var resp struct {
		Jobs []struct {
			Job          escrow.Job        `json:"job"`
			Counterparty common.Address    `json:"counterparty"`
			Actions      []dispatch.Action `json:"actions"`
		} `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Jobs) != 1 || resp.Jobs[0].Counterparty != vendor {
		t.Fatalf("unexpected jobs %+v", resp.Jobs)
	}
	want := []dispatch.Action{dispatch.ActionRelease, dispatch.ActionRefund, dispatch.ActionRaiseDispute}
	if len(resp.Jobs[0].Actions) != len(want) {
		t.Fatalf("expected actions %v, got %v", want, resp.Jobs[0].Actions)
	}
	for i := range want {
		if resp.Jobs[0].Actions[i] != want[i] {
			t.Fatalf("expected actions %v, got %v", want, resp.Jobs[0].Actions)
		}
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?view=vendor", nil))
	if jobs, _ := decodeBody(t, rec)["jobs"].([]interface{}); len(jobs) != 0 {
		t.Fatalf("organizer's job leaked into vendor view: %v", jobs)
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?tab=upcoming", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown tab, got %d", rec.Code)
	}
}

func TestDisputeAndJuryDashboard(t *testing.T) {
	ts := newTestServer(t, escrow.StatusInProgress)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/jury-dashboard", nil))
	if rec.Code != http.StatusTemporaryRedirect || rec.Header().Get("Location") != "/" {
		t.Fatalf("expected redirect to / without jury marker, got %d %q", rec.Code, rec.Header().Get("Location"))
	}

	payload := []byte(`{"jobId":0,"description":"vendor stopped replying"}`)
	rec = ts.do(t, ts.signed(http.MethodPost, "/api/v1/disputes", "dispute-1", payload))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, ts.signed(http.MethodPost, "/api/v1/jury", "jury-1", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 joining jury, got %d", rec.Code)
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/jury-dashboard", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var page struct {
		Data struct {
			Disputes []dispute.Dispute `json:"disputes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Data.Disputes) != 1 || page.Data.Disputes[0].Raiser != "organizer" {
		t.Fatalf("unexpected disputes %+v", page.Data.Disputes)
	}
	if subs := ts.chain.Submissions(); len(subs) != 0 {
		t.Fatalf("dispute must not send a transaction, got %v", subs)
	}
}

func TestDashboardRedirectsByRole(t *testing.T) {
	ts := newTestServer(t, escrow.StatusFunded)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	if rec.Header().Get("Location") != "/" {
		t.Fatalf("expected redirect to / without roles, got %q", rec.Header().Get("Location"))
	}

	ts.orgNFT.Give(organizer, 1)
	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	if rec.Code != http.StatusTemporaryRedirect || rec.Header().Get("Location") != "/organizer-dashboard" {
		t.Fatalf("expected redirect to organizer dashboard, got %d %q", rec.Code, rec.Header().Get("Location"))
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/organizer-dashboard", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/service-dashboard", nil))
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected service dashboard to be guarded, got %d", rec.Code)
	}
	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected landing page 200, got %d", rec.Code)
	}
}

func TestMintRole(t *testing.T) {
	ts := newTestServer(t, escrow.StatusFunded)

	body := []byte(`{"role":"organizer"}`)
	rec := ts.do(t, ts.signed(http.MethodPost, "/api/v1/roles/mint", "mint-1", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, ts.signed(http.MethodPost, "/api/v1/roles/mint", "mint-2", body))
	if rec.Code != http.StatusOK || decodeBody(t, rec)["alreadyMinted"] != true {
		t.Fatalf("expected alreadyMinted on second mint, got %d %s", rec.Code, rec.Body.String())
	}
	if ts.orgNFT.Mints() != 1 {
		t.Fatalf("expected one mint, got %d", ts.orgNFT.Mints())
	}
}

func TestCreateEscrowValidation(t *testing.T) {
	ts := newTestServer(t, escrow.StatusFunded)

	body, _ := json.Marshal(dispatch.CreateRequest{
		Vendor:   organizer.Hex(),
		Amount:   "1",
		Deadline: time.Now().Add(time.Hour),
	})
	rec := ts.do(t, ts.signed(http.MethodPost, "/api/v1/escrows", "create-1", body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for self as vendor, got %d", rec.Code)
	}

	body, _ = json.Marshal(dispatch.CreateRequest{
		Vendor:      vendor.Hex(),
		Amount:      "2",
		Deadline:    time.Now().Add(time.Hour),
		PenaltyRate: 10,
	})
	rec = ts.do(t, ts.signed(http.MethodPost, "/api/v1/escrows", "create-2", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	if id, _ := decodeBody(t, rec)["escrowId"].(float64); id != 1 {
		t.Fatalf("expected new escrow id 1, got %v", rec.Body.String())
	}
}

func TestQuoteAndAccount(t *testing.T) {
	ts := newTestServer(t, escrow.StatusFunded)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/escrows/quote?amount=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	display, _ := decodeBody(t, rec)["display"].(map[string]interface{})
	if display["totalToSend"] != "1.01" {
		t.Fatalf("expected total 1.01, got %v", display)
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/account", nil))
	if got := decodeBody(t, rec)["balance"]; got != "2.5" {
		t.Fatalf("expected balance 2.5, got %v", got)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, escrow.StatusFunded)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if decodeBody(t, rec)["status"] != "healthy" {
		t.Fatalf("expected healthy, got %s", rec.Body.String())
	}
	if rec.Header().Get(headerRequestID) == "" {
		t.Fatalf("expected a generated request id")
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	if !strings.Contains(rec.Body.String(), "monconnect_http_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestStatusForKinds(t *testing.T) {
	cases := map[string]int{
		"user_rejected":     http.StatusConflict,
		"stale_state":       http.StatusConflict,
		"contract_reverted": http.StatusUnprocessableEntity,
		"network":           http.StatusBadGateway,
		"not_confirmed":     http.StatusAccepted,
		"action_pending":    http.StatusTooManyRequests,
		"network_mismatch":  http.StatusPreconditionFailed,
		"invalid_input":     http.StatusBadRequest,
	}
	for kind, want := range cases {
		if got := statusFor(kind); got != want {
			t.Fatalf("statusFor(%q) = %d, want %d", kind, got, want)
		}
	}
	if kindOf(dispatch.ErrActionPending) != "action_pending" {
		t.Fatalf("expected pending kind")
	}
}
