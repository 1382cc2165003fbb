package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"vendorflow/agreement"
	"vendorflow/auth"
	"vendorflow/bid"
	"vendorflow/dispute"
	"vendorflow/execution"
	"vendorflow/finalization"
	"vendorflow/payment"
	"vendorflow/requirement"
	"vendorflow/timeline"
	"vendorflow/vendors"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Actor, error)
}

type requirementService interface {
	Create(ctx context.Context, params requirement.CreateParams) (requirement.Requirement, error)
	Close(ctx context.Context, params requirement.CloseParams) (requirement.Requirement, error)
	Get(ctx context.Context, id string) (requirement.Requirement, error)
	List(ctx context.Context, filters requirement.Filters) (requirement.ListResult, error)
}

type bidService interface {
	Submit(ctx context.Context, params bid.SubmitParams) (bid.Bid, error)
	Withdraw(ctx context.Context, params bid.WithdrawParams) (bid.Bid, error)
	Get(ctx context.Context, actor auth.Actor, id string) (bid.Bid, error)
	ListForRequirement(ctx context.Context, actor auth.Actor, requirementID string) ([]bid.Bid, error)
}

type finalizationService interface {
	Propose(ctx context.Context, params finalization.ProposeParams) (finalization.Request, error)
	Respond(ctx context.Context, params finalization.RespondParams) (finalization.Outcome, error)
	Get(ctx context.Context, actor auth.Actor, id string) (finalization.Request, error)
}

type agreementService interface {
	Get(ctx context.Context, actor auth.Actor, id string) (agreement.Agreement, error)
	List(ctx context.Context, actor auth.Actor) ([]agreement.Agreement, error)
	Sign(ctx context.Context, params agreement.SignParams) (agreement.Agreement, error)
	Complete(ctx context.Context, actor auth.Actor, id string) (agreement.Agreement, error)
	Void(ctx context.Context, actor auth.Actor, id, reason string) (agreement.Agreement, error)
	GenerateDocument(ctx context.Context, id string) (string, error)
}

type paymentService interface {
	MarkSlabPaid(ctx context.Context, params payment.MarkPaidParams) (agreement.Slab, error)
}

type executionService interface {
	Schedule(ctx context.Context, params execution.ScheduleParams) (execution.Record, error)
	SubmitMakeIn(ctx context.Context, params execution.SubmitParams) (execution.Record, error)
	ConfirmMakeIn(ctx context.Context, params execution.ConfirmParams) (execution.Record, error)
	SubmitMarkOut(ctx context.Context, params execution.SubmitParams) (execution.Record, error)
	ConfirmMarkOut(ctx context.Context, params execution.ConfirmParams) (execution.Record, error)
	RaiseIssue(ctx context.Context, params execution.IssueParams) (execution.Record, dispute.Dispute, error)
	Get(ctx context.Context, actor auth.Actor, id string) (execution.Record, error)
	ListForAgreement(ctx context.Context, actor auth.Actor, agreementID string) ([]execution.Record, error)
}

type disputeService interface {
	Raise(ctx context.Context, params dispute.RaiseParams) (dispute.Dispute, error)
	Review(ctx context.Context, actor auth.Actor, id string) (dispute.Dispute, error)
	Resolve(ctx context.Context, params dispute.ResolveParams) (dispute.Dispute, error)
	Get(ctx context.Context, actor auth.Actor, id string) (dispute.Dispute, error)
	List(ctx context.Context, actor auth.Actor, filters dispute.Filters) ([]dispute.Dispute, error)
}

type vendorDirectory interface {
	GetByID(ctx context.Context, id string) (vendors.Profile, error)
	List(ctx context.Context, limit int) ([]vendors.Profile, error)
}

// TimelineReader returns the audit trail of one entity.
type TimelineReader func(ctx context.Context, kind, id string) ([]timeline.Event, error)

// Server is the HTTP surface over the lifecycle services.
type Server struct {
	auth          authService
	requirements  requirementService
	bids          bidService
	finalizations finalizationService
	agreements    agreementService
	payments      paymentService
	executions    executionService
	disputes      disputeService
	vendors       vendorDirectory
	timeline      TimelineReader
	gatewaySecret []byte
	logger        *slog.Logger
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)

	r.With(s.gateway).Post("/webhooks/payments", s.handlePaymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/vendors", s.handleListVendors)
		r.Get("/vendors/{id}", s.handleVendor)

		r.Route("/requirements", func(r chi.Router) {
			r.Post("/", s.handleCreateRequirement)
			r.Get("/", s.handleListRequirements)
			r.Get("/{id}", s.handleRequirement)
			r.Post("/{id}/close", s.handleCloseRequirement)
			r.Post("/{id}/bids", s.handleSubmitBid)
			r.Get("/{id}/bids", s.handleListBids)
			r.Post("/{id}/finalizations", s.handleProposeFinalization)
		})

		r.Get("/bids/{id}", s.handleBid)
		r.Post("/bids/{id}/withdraw", s.handleWithdrawBid)

		r.Get("/finalizations/{id}", s.handleFinalization)
		r.Post("/finalizations/{id}/respond", s.handleRespondFinalization)

		r.Route("/agreements", func(r chi.Router) {
			r.Get("/", s.handleListAgreements)
			r.Get("/{id}", s.handleAgreement)
			r.Post("/{id}/sign", s.handleSignAgreement)
			r.Post("/{id}/complete", s.handleCompleteAgreement)
			r.Post("/{id}/void", s.handleVoidAgreement)
			r.Post("/{id}/document", s.handleAgreementDocument)
			r.Get("/{id}/executions", s.handleListExecutions)
			r.Post("/{id}/executions", s.handleScheduleExecution)
		})

		r.Route("/executions/{id}", func(r chi.Router) {
			r.Get("/", s.handleExecution)
			r.Post("/make-in", s.handleSubmitMakeIn)
			r.Post("/make-in/confirm", s.handleConfirmMakeIn)
			r.Post("/mark-out", s.handleSubmitMarkOut)
			r.Post("/mark-out/confirm", s.handleConfirmMarkOut)
			r.Post("/issues", s.handleRaiseIssue)
		})

		r.Route("/disputes", func(r chi.Router) {
			r.Post("/", s.handleRaiseDispute)
			r.Get("/", s.handleListDisputes)
			r.Get("/{id}", s.handleDispute)
			r.Post("/{id}/review", s.handleReviewDispute)
			r.Post("/{id}/resolve", s.handleResolveDispute)
		})

		r.Get("/timeline/{kind}/{id}", s.handleTimeline)
	})
	return r
}
