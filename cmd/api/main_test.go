package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vendorflow/agreement"
	"vendorflow/auth"
	"vendorflow/dispute"
	"vendorflow/finalization"
	"vendorflow/payment"
	"vendorflow/timeline"
	"vendorflow/vendors"

	"github.com/jackc/pgx/v5/pgconn"
)

type stubAuth struct {
	actors map[string]auth.Actor
}

func (s *stubAuth) Register(_ context.Context, req auth.RegisterRequest) (*auth.User, error) {
	return &auth.User{ID: "u-new", Email: req.Email, FullName: req.FullName, Role: req.Role}, nil
}

func (s *stubAuth) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	return auth.LoginResult{}, auth.ErrInvalidCredentials
}

func (s *stubAuth) VerifyToken(token string) (auth.Actor, error) {
	actor, ok := s.actors[token]
	if !ok {
		return auth.Actor{}, auth.ErrInvalidToken
	}
	return actor, nil
}

type stubVendorRepo struct {
	profiles []vendors.Profile
	err      error
}

func (s *stubVendorRepo) GetByID(_ context.Context, id string) (vendors.Profile, error) {
	if s.err != nil {
		return vendors.Profile{}, s.err
	}
	for _, p := range s.profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return vendors.Profile{}, vendors.ErrNotFound
}

func (s *stubVendorRepo) List(_ context.Context, limit int) ([]vendors.Profile, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit <= 0 || limit > len(s.profiles) {
		limit = len(s.profiles)
	}
	return s.profiles[:limit], nil
}

type stubPayments struct {
	slab   agreement.Slab
	err    error
	params []payment.MarkPaidParams
}

func (s *stubPayments) MarkSlabPaid(_ context.Context, params payment.MarkPaidParams) (agreement.Slab, error) {
	s.params = append(s.params, params)
	return s.slab, s.err
}

type stubFinalizations struct {
	proposeErr error
	outcome    finalization.Outcome
}

func (s *stubFinalizations) Propose(_ context.Context, _ finalization.ProposeParams) (finalization.Request, error) {
	return finalization.Request{}, s.proposeErr
}

func (s *stubFinalizations) Respond(_ context.Context, _ finalization.RespondParams) (finalization.Outcome, error) {
	return s.outcome, nil
}

func (s *stubFinalizations) Get(_ context.Context, _ auth.Actor, _ string) (finalization.Request, error) {
	return finalization.Request{}, finalization.ErrNotFound
}

type stubDisputes struct {
	resolved   dispute.Dispute
	resolveErr error
	lastParams dispute.ResolveParams
	listed     []dispute.Dispute
}

func (s *stubDisputes) Raise(_ context.Context, params dispute.RaiseParams) (dispute.Dispute, error) {
	return dispute.Dispute{ID: "d-new", TargetKind: params.TargetKind, AgreementID: params.AgreementID, RaisedBy: params.Actor.ID, State: dispute.StateOpen}, nil
}

func (s *stubDisputes) Review(_ context.Context, _ auth.Actor, id string) (dispute.Dispute, error) {
	return dispute.Dispute{ID: id, State: dispute.StateUnderReview}, nil
}

func (s *stubDisputes) Resolve(_ context.Context, params dispute.ResolveParams) (dispute.Dispute, error) {
	s.lastParams = params
	return s.resolved, s.resolveErr
}

func (s *stubDisputes) Get(_ context.Context, _ auth.Actor, _ string) (dispute.Dispute, error) {
	return dispute.Dispute{}, dispute.ErrNotFound
}

func (s *stubDisputes) List(_ context.Context, _ auth.Actor, _ dispute.Filters) ([]dispute.Dispute, error) {
	return s.listed, nil
}

var (
	customer = auth.Actor{ID: "c1", Role: auth.RoleCustomer}
	vendorA  = auth.Actor{ID: "v1", Role: auth.RoleVendor}
	admin    = auth.Actor{ID: "a1", Role: auth.RoleAdmin}
)

func newTestServer() *Server {
	return &Server{
		auth: &stubAuth{actors: map[string]auth.Actor{
			"customer-token": customer,
			"vendor-token":   vendorA,
			"admin-token":    admin,
		}},
		gatewaySecret: []byte("gateway-secret"),
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func do(t *testing.T, s *Server, method, path, token, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	rec := do(t, newTestServer(), http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthenticateRejectsMissingAndUnknownTokens(t *testing.T) {
	s := newTestServer()
	s.vendors = vendors.NewService(&stubVendorRepo{})

	if rec := do(t, s, http.MethodGet, "/vendors", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/vendors", "forged", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown token: expected 401, got %d", rec.Code)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	rec := do(t, newTestServer(), http.MethodPost, "/auth/login", "", `{"email":"x@example.com","password":"nope"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestVendorDirectory(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := newTestServer()
	s.vendors = vendors.NewService(&stubVendorRepo{profiles: []vendors.Profile{
		{ID: "v1", FullName: "Lotus Caterers", CompletedAgreements: 3, CreatedAt: now},
		{ID: "v2", FullName: "Marigold Decor", CreatedAt: now},
	}})

	rec := do(t, s, http.MethodGet, "/vendors/v1", "customer-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp vendorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode vendor: %v", err)
	}
	if resp.FullName != "Lotus Caterers" || resp.CompletedAgreements != 3 || resp.CreatedAt != now.Format(time.RFC3339) {
		t.Fatalf("unexpected vendor payload: %+v", resp)
	}

	if rec := do(t, s, http.MethodGet, "/vendors/v9", "customer-token", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown vendor, got %d", rec.Code)
	}

	rec = do(t, s, http.MethodGet, "/vendors?limit=1", "customer-token", "")
	var list []vendorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "v1" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestUnexpectedErrorIsHidden(t *testing.T) {
	s := newTestServer()
	s.vendors = vendors.NewService(&stubVendorRepo{err: errors.New("connection reset")})

	rec := do(t, s, http.MethodGet, "/vendors", "customer-token", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "internal" || strings.Contains(resp.Error, "connection reset") {
		t.Fatalf("internal detail leaked: %+v", resp)
	}
}

func TestPaymentWebhookRequiresGatewaySecret(t *testing.T) {
	s := newTestServer()
	payments := &stubPayments{}
	s.payments = payments
	body := `{"slab_id":"s1","amount":3000,"paid_at":"2026-04-01T10:00:00Z"}`

	rec := do(t, s, http.MethodPost, "/webhooks/payments", "", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", rec.Code)
	}
	rec = do(t, s, http.MethodPost, "/webhooks/payments", "", body, gatewaySecretHeader, "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong secret, got %d", rec.Code)
	}
	if len(payments.params) != 0 {
		t.Fatalf("payment service must not be reached, got %d calls", len(payments.params))
	}
}

func TestPaymentWebhookReplayAnswersOK(t *testing.T) {
	paidAt := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	s := newTestServer()
	payments := &stubPayments{slab: agreement.Slab{ID: "s1", Seq: 1, Amount: 3000, State: agreement.SlabPaid, PaidAt: &paidAt}}
	s.payments = payments
	body := `{"slab_id":"s1","amount":3000,"paid_at":"2026-04-01T10:00:00Z"}`

	for i := 0; i < 2; i++ {
		rec := do(t, s, http.MethodPost, "/webhooks/payments", "", body, gatewaySecretHeader, "gateway-secret")
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i, rec.Code)
		}
		var resp slabResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode slab: %v", err)
		}
		if resp.State != string(agreement.SlabPaid) || resp.PaidAt == nil || *resp.PaidAt != paidAt.Format(time.RFC3339) {
			t.Fatalf("unexpected slab payload: %+v", resp)
		}
	}
	if len(payments.params) != 2 || !payments.params[1].PaidAt.Equal(paidAt) || payments.params[1].Amount != 3000 {
		t.Fatalf("unexpected webhook params: %+v", payments.params)
	}
}

func TestPaymentWebhookConflictingReplay(t *testing.T) {
	s := newTestServer()
	s.payments = &stubPayments{err: payment.ErrSlabAlreadyPaid}

	rec := do(t, s, http.MethodPost, "/webhooks/payments", "", `{"slab_id":"s1","amount":3000,"paid_at":"2026-04-02T10:00:00Z"}`, gatewaySecretHeader, "gateway-secret")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "slab_already_paid" {
		t.Fatalf("unexpected code %q", resp.Code)
	}
}

func TestBadBodyIsValidationError(t *testing.T) {
	s := newTestServer()
	s.payments = &stubPayments{}

	rec := do(t, s, http.MethodPost, "/webhooks/payments", "", `{"slab_id":"s1","surprise":true}`, gatewaySecretHeader, "gateway-secret")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "invalid_body" {
		t.Fatalf("unexpected code %q", resp.Code)
	}
}

func TestProposeWhileFinalizingConflicts(t *testing.T) {
	s := newTestServer()
	s.finalizations = &stubFinalizations{proposeErr: finalization.ErrAlreadyFinalizing}

	rec := do(t, s, http.MethodPost, "/requirements/r1/finalizations", "customer-token", `{"bid_id":"b1"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "already_finalizing" {
		t.Fatalf("unexpected code %q", resp.Code)
	}
}

func TestRespondAcceptIncludesAgreement(t *testing.T) {
	s := newTestServer()
	s.finalizations = &stubFinalizations{outcome: finalization.Outcome{
		Request:   finalization.Request{ID: "f1", State: finalization.StateAccepted},
		Agreement: &agreement.Agreement{ID: "ag1", Price: 10000, State: agreement.StateDraft},
	}}

	rec := do(t, s, http.MethodPost, "/finalizations/f1/respond", "vendor-token", `{"accept":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp finalizationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Agreement == nil || resp.Agreement.ID != "ag1" || resp.State != string(finalization.StateAccepted) {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestResolveDisputePassesSettlement(t *testing.T) {
	s := newTestServer()
	disputes := &stubDisputes{resolved: dispute.Dispute{ID: "d1", State: dispute.StateResolved, Outcome: dispute.OutcomeMutualSettlement}}
	s.disputes = disputes

	rec := do(t, s, http.MethodPost, "/disputes/d1/resolve", "admin-token", `{"outcome":"mutual-settlement","admin_note":"split","settlement_amount":2500}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	p := disputes.lastParams
	if p.DisputeID != "d1" || p.Actor != admin || p.Outcome != dispute.OutcomeMutualSettlement || p.SettlementAmount == nil || *p.SettlementAmount != 2500 {
		t.Fatalf("unexpected resolve params: %+v", p)
	}
}

func TestResolveDisputeErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"policy", dispute.ErrSettlementExceedsBalance, http.StatusUnprocessableEntity},
		{"terminal", dispute.ErrAlreadyResolved, http.StatusConflict},
		{"forbidden", auth.ErrRoleRequired, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer()
			s.disputes = &stubDisputes{resolveErr: tc.err}
			rec := do(t, s, http.MethodPost, "/disputes/d1/resolve", "admin-token", `{"outcome":"mutual-settlement","settlement_amount":1}`)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestTimelineAdminOnly(t *testing.T) {
	s := newTestServer()
	s.timeline = func(_ context.Context, kind, id string) ([]timeline.Event, error) {
		return []timeline.Event{{ID: 1, EntityKind: kind, EntityID: id, Type: "agreement.created"}}, nil
	}

	if rec := do(t, s, http.MethodGet, "/timeline/agreement/ag1", "customer-token", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for customer, got %d", rec.Code)
	}
	rec := do(t, s, http.MethodGet, "/timeline/agreement/ag1", "admin-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", rec.Code)
	}
	var events []timelineEventResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].Type != "agreement.created" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestSweepRunsEveryPass(t *testing.T) {
	boom := errors.New("finalization table locked")
	var overdueRan bool
	err := runSweep(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)),
		sweepPass{name: "finalizations_expired", run: func(context.Context) (int, error) { return 0, boom }},
		sweepPass{name: "slabs_overdue", run: func(context.Context) (int, error) { overdueRan = true; return 3, nil }},
	)
	if !errors.Is(err, boom) {
		t.Fatalf("expected the failed pass in the error, got %v", err)
	}
	if !overdueRan {
		t.Fatal("overdue pass skipped after an earlier failure")
	}

	if err := runSweep(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		t.Fatalf("empty sweep: %v", err)
	}
}

func TestMalformedIDIsNotFound(t *testing.T) {
	s := newTestServer()
	invalid := &pgconn.PgError{Code: "22P02", Message: `invalid input syntax for type uuid: "not-a-uuid"`}
	s.vendors = vendors.NewService(&stubVendorRepo{err: fmt.Errorf("vendors: get profile: %w", invalid)})

	rec := do(t, s, http.MethodGet, "/vendors/not-a-uuid", "customer-token", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "not_found" || strings.Contains(resp.Error, "uuid") {
		t.Fatalf("unexpected error body: %+v", resp)
	}
}
