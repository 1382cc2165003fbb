package main

import (
	"net/http"
	"time"

	"vendorflow/auth"
	"vendorflow/bid"
	"vendorflow/finalization"
	"vendorflow/requirement"
	"vendorflow/vendors"

	"github.com/go-chi/chi/v5"
)

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, FullName: u.FullName, Role: string(u.Role)}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.auth.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.auth.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: res.Token, User: toUserResponse(res.User)})
}

type vendorResponse struct {
	ID                  string `json:"id"`
	FullName            string `json:"full_name"`
	ActiveAgreements    int    `json:"active_agreements"`
	CompletedAgreements int    `json:"completed_agreements"`
	UpheldDisputes      int    `json:"upheld_disputes"`
	CreatedAt           string `json:"created_at"`
}

func toVendorResponse(p vendors.Profile) vendorResponse {
	return vendorResponse{
		ID:                  p.ID,
		FullName:            p.FullName,
		ActiveAgreements:    p.ActiveAgreements,
		CompletedAgreements: p.CompletedAgreements,
		UpheldDisputes:      p.UpheldDisputes,
		CreatedAt:           formatTime(p.CreatedAt),
	}
}

func (s *Server) handleVendor(w http.ResponseWriter, r *http.Request) {
	p, err := s.vendors.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVendorResponse(p))
}

func (s *Server) handleListVendors(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.vendors.List(r.Context(), queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]vendorResponse, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, toVendorResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

type requirementRequest struct {
	Category    string    `json:"category"`
	Title       string    `json:"title"`
	Location    string    `json:"location"`
	BudgetMin   int64     `json:"budget_min"`
	BudgetMax   int64     `json:"budget_max"`
	EventDate   time.Time `json:"event_date"`
	BidDeadline time.Time `json:"bid_deadline"`
}

type requirementResponse struct {
	ID          string  `json:"id"`
	CustomerID  string  `json:"customer_id"`
	Category    string  `json:"category"`
	Title       string  `json:"title"`
	Location    string  `json:"location"`
	BudgetMin   int64   `json:"budget_min"`
	BudgetMax   int64   `json:"budget_max"`
	EventDate   string  `json:"event_date"`
	BidDeadline string  `json:"bid_deadline"`
	State       string  `json:"state"`
	CreatedAt   string  `json:"created_at"`
	ClosedAt    *string `json:"closed_at,omitempty"`
}

func toRequirementResponse(req requirement.Requirement) requirementResponse {
	return requirementResponse{
		ID:          req.ID,
		CustomerID:  req.CustomerID,
		Category:    req.Category,
		Title:       req.Title,
		Location:    req.Location,
		BudgetMin:   req.BudgetMin,
		BudgetMax:   req.BudgetMax,
		EventDate:   formatTime(req.EventDate),
		BidDeadline: formatTime(req.BidDeadline),
		State:       string(req.State),
		CreatedAt:   formatTime(req.CreatedAt),
		ClosedAt:    formatTimePtr(req.ClosedAt),
	}
}

type requirementListResponse struct {
	Items []requirementResponse `json:"items"`
	Total int                   `json:"total"`
}

func (s *Server) handleCreateRequirement(w http.ResponseWriter, r *http.Request) {
	var body requirementRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.requirements.Create(r.Context(), requirement.CreateParams{
		Actor:       actorFrom(r.Context()),
		Category:    body.Category,
		Title:       body.Title,
		Location:    body.Location,
		BudgetMin:   body.BudgetMin,
		BudgetMax:   body.BudgetMax,
		EventDate:   body.EventDate,
		BidDeadline: body.BidDeadline,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequirementResponse(req))
}

func (s *Server) handleListRequirements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := requirement.Filters{
		State:    requirement.State(q.Get("state")),
		Category: q.Get("category"),
		Page:     queryInt(r, "page"),
		PageSize: queryInt(r, "page_size"),
	}
	if q.Get("mine") == "true" {
		filters.CustomerID = actorFrom(r.Context()).ID
	}
	res, err := s.requirements.List(r.Context(), filters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := requirementListResponse{Items: make([]requirementResponse, 0, len(res.Items)), Total: res.Total}
	for _, item := range res.Items {
		out.Items = append(out.Items, toRequirementResponse(item))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRequirement(w http.ResponseWriter, r *http.Request) {
	req, err := s.requirements.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequirementResponse(req))
}

func (s *Server) handleCloseRequirement(w http.ResponseWriter, r *http.Request) {
	req, err := s.requirements.Close(r.Context(), requirement.CloseParams{
		RequirementID: chi.URLParam(r, "id"),
		Actor:         actorFrom(r.Context()),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequirementResponse(req))
}

type bidRequest struct {
	Price        int64  `json:"price"`
	PackageTerms string `json:"package_terms"`
}

type bidResponse struct {
	ID            string `json:"id"`
	RequirementID string `json:"requirement_id"`
	VendorID      string `json:"vendor_id"`
	Price         int64  `json:"price"`
	PackageTerms  string `json:"package_terms"`
	State         string `json:"state"`
	SubmittedAt   string `json:"submitted_at"`
}

func toBidResponse(b bid.Bid) bidResponse {
	return bidResponse{
		ID:            b.ID,
		RequirementID: b.RequirementID,
		VendorID:      b.VendorID,
		Price:         b.Price,
		PackageTerms:  b.PackageTerms,
		State:         string(b.State),
		SubmittedAt:   formatTime(b.SubmittedAt),
	}
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	var body bidRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.bids.Submit(r.Context(), bid.SubmitParams{
		Actor:         actorFrom(r.Context()),
		RequirementID: chi.URLParam(r, "id"),
		Price:         body.Price,
		PackageTerms:  body.PackageTerms,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBidResponse(b))
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.bids.ListForRequirement(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]bidResponse, 0, len(bids))
	for _, b := range bids {
		out = append(out, toBidResponse(b))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBid(w http.ResponseWriter, r *http.Request) {
	b, err := s.bids.Get(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBidResponse(b))
}

func (s *Server) handleWithdrawBid(w http.ResponseWriter, r *http.Request) {
	b, err := s.bids.Withdraw(r.Context(), bid.WithdrawParams{Actor: actorFrom(r.Context()), BidID: chi.URLParam(r, "id")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBidResponse(b))
}

type proposeRequest struct {
	BidID string `json:"bid_id"`
}

type respondRequest struct {
	Accept bool `json:"accept"`
}

type finalizationResponse struct {
	ID               string             `json:"id"`
	RequirementID    string             `json:"requirement_id"`
	BidID            string             `json:"bid_id"`
	CustomerID       string             `json:"customer_id"`
	VendorID         string             `json:"vendor_id"`
	State            string             `json:"state"`
	ProposedAt       string             `json:"proposed_at"`
	ResponseDeadline string             `json:"response_deadline"`
	RespondedAt      *string            `json:"responded_at,omitempty"`
	Agreement        *agreementResponse `json:"agreement,omitempty"`
}

func toFinalizationResponse(fr finalization.Request) finalizationResponse {
	return finalizationResponse{
		ID:               fr.ID,
		RequirementID:    fr.RequirementID,
		BidID:            fr.BidID,
		CustomerID:       fr.CustomerID,
		VendorID:         fr.VendorID,
		State:            string(fr.State),
		ProposedAt:       formatTime(fr.ProposedAt),
		ResponseDeadline: formatTime(fr.ResponseDeadline),
		RespondedAt:      formatTimePtr(fr.RespondedAt),
	}
}

func (s *Server) handleProposeFinalization(w http.ResponseWriter, r *http.Request) {
	var body proposeRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	fr, err := s.finalizations.Propose(r.Context(), finalization.ProposeParams{
		Actor:         actorFrom(r.Context()),
		RequirementID: chi.URLParam(r, "id"),
		BidID:         body.BidID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFinalizationResponse(fr))
}

func (s *Server) handleRespondFinalization(w http.ResponseWriter, r *http.Request) {
	var body respondRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.finalizations.Respond(r.Context(), finalization.RespondParams{
		Actor:     actorFrom(r.Context()),
		RequestID: chi.URLParam(r, "id"),
		Accept:    body.Accept,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := toFinalizationResponse(out.Request)
	if out.Agreement != nil {
		a := toAgreementResponse(*out.Agreement)
		resp.Agreement = &a
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFinalization(w http.ResponseWriter, r *http.Request) {
	fr, err := s.finalizations.Get(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFinalizationResponse(fr))
}
