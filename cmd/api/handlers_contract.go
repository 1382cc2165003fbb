package main

import (
	"net/http"
	"time"

	"vendorflow/agreement"
	"vendorflow/apperr"
	"vendorflow/auth"
	"vendorflow/dispute"
	"vendorflow/execution"
	"vendorflow/payment"
	"vendorflow/timeline"

	"github.com/go-chi/chi/v5"
)

type slabResponse struct {
	ID         string  `json:"id"`
	Seq        int     `json:"seq"`
	Label      string  `json:"label"`
	Percentage int     `json:"percentage"`
	Amount     int64   `json:"amount"`
	DueDate    string  `json:"due_date"`
	State      string  `json:"state"`
	PaidAt     *string `json:"paid_at,omitempty"`
}

type agreementResponse struct {
	ID             string         `json:"id"`
	RequirementID  string         `json:"requirement_id"`
	BidID          string         `json:"bid_id"`
	CustomerID     string         `json:"customer_id"`
	VendorID       string         `json:"vendor_id"`
	Price          int64          `json:"price"`
	Terms          string         `json:"terms"`
	State          string         `json:"state"`
	CustomerSigned bool           `json:"customer_signed"`
	VendorSigned   bool           `json:"vendor_signed"`
	DocumentRef    *string        `json:"document_ref,omitempty"`
	CreatedAt      string         `json:"created_at"`
	Slabs          []slabResponse `json:"slabs,omitempty"`
}

func toSlabResponse(s agreement.Slab) slabResponse {
	return slabResponse{
		ID:         s.ID,
		Seq:        s.Seq,
		Label:      s.Label,
		Percentage: s.Percentage,
		Amount:     s.Amount,
		DueDate:    formatTime(s.DueDate),
		State:      string(s.State),
		PaidAt:     formatTimePtr(s.PaidAt),
	}
}

func toAgreementResponse(a agreement.Agreement) agreementResponse {
	resp := agreementResponse{
		ID:             a.ID,
		RequirementID:  a.RequirementID,
		BidID:          a.BidID,
		CustomerID:     a.CustomerID,
		VendorID:       a.VendorID,
		Price:          a.Price,
		Terms:          a.Terms,
		State:          string(a.State),
		CustomerSigned: a.CustomerSigned,
		VendorSigned:   a.VendorSigned,
		DocumentRef:    a.DocumentRef,
		CreatedAt:      formatTime(a.CreatedAt),
	}
	for _, s := range a.Slabs {
		resp.Slabs = append(resp.Slabs, toSlabResponse(s))
	}
	return resp
}

func (s *Server) handleListAgreements(w http.ResponseWriter, r *http.Request) {
	list, err := s.agreements.List(r.Context(), actorFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]agreementResponse, 0, len(list))
	for _, a := range list {
		out = append(out, toAgreementResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAgreement(w http.ResponseWriter, r *http.Request) {
	a, err := s.agreements.Get(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(a))
}

func (s *Server) handleSignAgreement(w http.ResponseWriter, r *http.Request) {
	a, err := s.agreements.Sign(r.Context(), agreement.SignParams{Actor: actorFrom(r.Context()), AgreementID: chi.URLParam(r, "id")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(a))
}

func (s *Server) handleCompleteAgreement(w http.ResponseWriter, r *http.Request) {
	a, err := s.agreements.Complete(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(a))
}

type voidRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleVoidAgreement(w http.ResponseWriter, r *http.Request) {
	var body voidRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.agreements.Void(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(a))
}

// handleAgreementDocument retries document generation for a party or admin.
func (s *Server) handleAgreementDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.agreements.Get(r.Context(), actorFrom(r.Context()), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	ref, err := s.agreements.GenerateDocument(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agreement_id": id, "document_ref": ref})
}

type paymentWebhook struct {
	SlabID string    `json:"slab_id"`
	Amount int64     `json:"amount"`
	PaidAt time.Time `json:"paid_at"`
}

// handlePaymentWebhook receives PaymentConfirmed callbacks. Replays with the
// same paid_at answer 200 with the stored slab.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var body paymentWebhook
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	slab, err := s.payments.MarkSlabPaid(r.Context(), payment.MarkPaidParams{SlabID: body.SlabID, PaidAt: body.PaidAt, Amount: body.Amount})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlabResponse(slab))
}

type executionResponse struct {
	ID               string  `json:"id"`
	AgreementID      string  `json:"agreement_id"`
	VendorID         string  `json:"vendor_id"`
	CustomerID       string  `json:"customer_id"`
	ExpectedStart    string  `json:"expected_start"`
	ExpectedEnd      string  `json:"expected_end"`
	State            string  `json:"state"`
	IssueLeg         string  `json:"issue_leg,omitempty"`
	ProposedMakeIn   *string `json:"proposed_make_in,omitempty"`
	ProposedMarkOut  *string `json:"proposed_mark_out,omitempty"`
	ConfirmedMakeIn  *string `json:"confirmed_make_in,omitempty"`
	ConfirmedMarkOut *string `json:"confirmed_mark_out,omitempty"`
}

func toExecutionResponse(rec execution.Record) executionResponse {
	return executionResponse{
		ID:               rec.ID,
		AgreementID:      rec.AgreementID,
		VendorID:         rec.VendorID,
		CustomerID:       rec.CustomerID,
		ExpectedStart:    formatTime(rec.ExpectedStart),
		ExpectedEnd:      formatTime(rec.ExpectedEnd),
		State:            string(rec.State),
		IssueLeg:         string(rec.IssueLeg),
		ProposedMakeIn:   formatTimePtr(rec.ProposedMakeIn),
		ProposedMarkOut:  formatTimePtr(rec.ProposedMarkOut),
		ConfirmedMakeIn:  formatTimePtr(rec.ConfirmedMakeIn),
		ConfirmedMarkOut: formatTimePtr(rec.ConfirmedMarkOut),
	}
}

type scheduleRequest struct {
	ExpectedStart time.Time `json:"expected_start"`
	ExpectedEnd   time.Time `json:"expected_end"`
}

func (s *Server) handleScheduleExecution(w http.ResponseWriter, r *http.Request) {
	var body scheduleRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.executions.Schedule(r.Context(), execution.ScheduleParams{
		Actor:         actorFrom(r.Context()),
		AgreementID:   chi.URLParam(r, "id"),
		ExpectedStart: body.ExpectedStart,
		ExpectedEnd:   body.ExpectedEnd,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toExecutionResponse(rec))
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	records, err := s.executions.ListForAgreement(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]executionResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toExecutionResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	rec, err := s.executions.Get(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExecutionResponse(rec))
}

type timestampRequest struct {
	At time.Time `json:"at"`
}

func (s *Server) submitLeg(w http.ResponseWriter, r *http.Request, submit func(*http.Request, execution.SubmitParams) (execution.Record, error)) {
	var body timestampRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := submit(r, execution.SubmitParams{Actor: actorFrom(r.Context()), RecordID: chi.URLParam(r, "id"), At: body.At})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExecutionResponse(rec))
}

func (s *Server) confirmLeg(w http.ResponseWriter, r *http.Request, confirm func(*http.Request, execution.ConfirmParams) (execution.Record, error)) {
	rec, err := confirm(r, execution.ConfirmParams{Actor: actorFrom(r.Context()), RecordID: chi.URLParam(r, "id")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExecutionResponse(rec))
}

func (s *Server) handleSubmitMakeIn(w http.ResponseWriter, r *http.Request) {
	s.submitLeg(w, r, func(r *http.Request, p execution.SubmitParams) (execution.Record, error) {
		return s.executions.SubmitMakeIn(r.Context(), p)
	})
}

func (s *Server) handleConfirmMakeIn(w http.ResponseWriter, r *http.Request) {
	s.confirmLeg(w, r, func(r *http.Request, p execution.ConfirmParams) (execution.Record, error) {
		return s.executions.ConfirmMakeIn(r.Context(), p)
	})
}

func (s *Server) handleSubmitMarkOut(w http.ResponseWriter, r *http.Request) {
	s.submitLeg(w, r, func(r *http.Request, p execution.SubmitParams) (execution.Record, error) {
		return s.executions.SubmitMarkOut(r.Context(), p)
	})
}

func (s *Server) handleConfirmMarkOut(w http.ResponseWriter, r *http.Request) {
	s.confirmLeg(w, r, func(r *http.Request, p execution.ConfirmParams) (execution.Record, error) {
		return s.executions.ConfirmMarkOut(r.Context(), p)
	})
}

type issueRequest struct {
	Description string `json:"description"`
}

type issueResponse struct {
	Execution executionResponse `json:"execution"`
	Dispute   disputeResponse   `json:"dispute"`
}

func (s *Server) handleRaiseIssue(w http.ResponseWriter, r *http.Request) {
	var body issueRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, d, err := s.executions.RaiseIssue(r.Context(), execution.IssueParams{
		Actor:       actorFrom(r.Context()),
		RecordID:    chi.URLParam(r, "id"),
		Description: body.Description,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issueResponse{Execution: toExecutionResponse(rec), Dispute: toDisputeResponse(d)})
}

type disputeRequest struct {
	TargetKind  string `json:"target_kind"`
	AgreementID string `json:"agreement_id"`
	ExecutionID string `json:"execution_id"`
	Description string `json:"description"`
}

type resolveRequest struct {
	Outcome          string `json:"outcome"`
	AdminNote        string `json:"admin_note"`
	SettlementAmount *int64 `json:"settlement_amount"`
}

type disputeResponse struct {
	ID               string  `json:"id"`
	TargetKind       string  `json:"target_kind"`
	AgreementID      string  `json:"agreement_id"`
	ExecutionID      *string `json:"execution_id,omitempty"`
	RaisedBy         string  `json:"raised_by"`
	Description      string  `json:"description"`
	State            string  `json:"state"`
	Outcome          string  `json:"outcome,omitempty"`
	AdminNote        string  `json:"admin_note,omitempty"`
	SettlementAmount *int64  `json:"settlement_amount,omitempty"`
	CreatedAt        string  `json:"created_at"`
	ResolvedAt       *string `json:"resolved_at,omitempty"`
}

func toDisputeResponse(d dispute.Dispute) disputeResponse {
	return disputeResponse{
		ID:               d.ID,
		TargetKind:       string(d.TargetKind),
		AgreementID:      d.AgreementID,
		ExecutionID:      d.ExecutionID,
		RaisedBy:         d.RaisedBy,
		Description:      d.Description,
		State:            string(d.State),
		Outcome:          string(d.Outcome),
		AdminNote:        d.AdminNote,
		SettlementAmount: d.SettlementAmount,
		CreatedAt:        formatTime(d.CreatedAt),
		ResolvedAt:       formatTimePtr(d.ResolvedAt),
	}
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	var body disputeRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.disputes.Raise(r.Context(), dispute.RaiseParams{
		Actor:       actorFrom(r.Context()),
		TargetKind:  dispute.TargetKind(body.TargetKind),
		AgreementID: body.AgreementID,
		ExecutionID: body.ExecutionID,
		Description: body.Description,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.disputes.List(r.Context(), actorFrom(r.Context()), dispute.Filters{
		State:       dispute.State(q.Get("state")),
		AgreementID: q.Get("agreement_id"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]disputeResponse, 0, len(list))
	for _, d := range list {
		out = append(out, toDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputes.Get(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleReviewDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputes.Review(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var body resolveRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.disputes.Resolve(r.Context(), dispute.ResolveParams{
		Actor:            actorFrom(r.Context()),
		DisputeID:        chi.URLParam(r, "id"),
		Outcome:          dispute.Outcome(body.Outcome),
		AdminNote:        body.AdminNote,
		SettlementAmount: body.SettlementAmount,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

type timelineEventResponse struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	ActorID   string         `json:"actor_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
}

var errTimelineUnavailable = apperr.NotFound("timeline_unavailable", "timeline is not available")

// handleTimeline exposes the audit trail to admins.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if err := auth.Require(actorFrom(r.Context()), auth.RoleAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.timeline == nil {
		s.writeError(w, r, errTimelineUnavailable)
		return
	}
	events, err := s.timeline(r.Context(), chi.URLParam(r, "kind"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]timelineEventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, toTimelineEventResponse(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

func toTimelineEventResponse(ev timeline.Event) timelineEventResponse {
	return timelineEventResponse{
		ID:        ev.ID,
		Type:      ev.Type,
		ActorID:   ev.ActorID,
		Payload:   ev.Payload,
		CreatedAt: formatTime(ev.CreatedAt),
	}
}
