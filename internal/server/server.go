// Package server exposes the JSON API. Handlers are thin: decode,
// delegate to the pipeline registry or deal service, encode, and map
// domain errors onto HTTP status codes in one place.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dealdesk/dealdesk/internal/auth"
	"github.com/dealdesk/dealdesk/internal/deal"
	"github.com/dealdesk/dealdesk/internal/models"
	"github.com/dealdesk/dealdesk/internal/pipeline"
	"github.com/dealdesk/dealdesk/internal/store"
)

// Server bundles the API services behind an http.Handler.
type Server struct {
	pipelines *pipeline.Registry
	deals     *deal.Service
}

// NewServer creates the API server.
func NewServer(pipelines *pipeline.Registry, deals *deal.Service) *Server {
	return &Server{pipelines: pipelines, deals: deals}
}

// Handler returns the API route table. Every route assumes the auth
// middleware already resolved the caller to a usable account.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/me", s.handleMe)

	mux.HandleFunc("POST /v1/pipelines", s.handleCreatePipeline)
	mux.HandleFunc("GET /v1/pipelines", s.handleListPipelines)
	mux.HandleFunc("GET /v1/pipelines/{id}", s.handleGetPipeline)
	mux.HandleFunc("PATCH /v1/pipelines/{id}", s.handleUpdatePipeline)
	mux.HandleFunc("DELETE /v1/pipelines/{id}", s.handleDeletePipeline)

	mux.HandleFunc("POST /v1/pipelines/{id}/stages", s.handleCreateStage)
	mux.HandleFunc("PUT /v1/pipelines/{id}/stages/order", s.handleReorderStages)
	mux.HandleFunc("PATCH /v1/stages/{id}", s.handleUpdateStage)
	mux.HandleFunc("DELETE /v1/stages/{id}", s.handleDeleteStage)

	mux.HandleFunc("POST /v1/deals", s.handleCreateDeal)
	mux.HandleFunc("GET /v1/deals", s.handleListDeals)
	mux.HandleFunc("GET /v1/deals/{id}", s.handleGetDeal)
	mux.HandleFunc("POST /v1/deals/{id}/move", s.handleMoveDeal)

	return mux
}

// orgID pulls the caller's organization out of the request context. The
// auth middleware guarantees a usable account, so a missing one is a
// wiring bug surfaced as a 500.
func orgID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	account, ok := auth.AccountFromContext(r.Context())
	if !ok || account.OrgID == nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return uuid.Nil, false
	}
	return *account.OrgID, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeErrorMessage(w, http.StatusNotFound, "not found")
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error      string               `json:"error"`
	Fields     []pipeline.FieldError `json:"fields,omitempty"`
	Dependents int64                `json:"dependents,omitempty"`
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeError maps domain errors onto status codes. Unrecognized errors
// become a 500 and get logged with the request-scoped logger.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validation pipeline.ValidationError
	var conflict *store.DependencyConflictError

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "validation failed", Fields: validation})
	case errors.Is(err, deal.ErrInvalidTarget):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: conflict.Error(), Dependents: conflict.Dependents})
	case errors.Is(err, store.ErrStagePositionTaken):
		writeErrorMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrPipelineNotFound),
		errors.Is(err, store.ErrStageNotFound),
		errors.Is(err, store.ErrDealNotFound):
		writeErrorMessage(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrUnavailable):
		writeErrorMessage(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeErrorMessage(w, http.StatusInternalServerError, "internal error")
	}
}

type meResponse struct {
	AccountID  uuid.UUID `json:"accountId"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	OrgID      uuid.UUID `json:"orgId"`
	Roles      []string  `json:"roles"`
	ExternalID *string   `json:"externalId,omitempty"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	account, ok := auth.AccountFromContext(r.Context())
	if !ok || account.OrgID == nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		AccountID:  account.AccountID,
		Email:      account.Email,
		Name:       account.Name,
		OrgID:      *account.OrgID,
		Roles:      account.Roles,
		ExternalID: account.ExternalID,
	})
}

type createPipelineRequest struct {
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
	Position  int    `json:"position"`
}

func (s *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}

	var req createPipelineRequest
	if !decode(w, r, &req) {
		return
	}

	p, err := s.pipelines.CreatePipeline(r.Context(), org, pipeline.CreatePipelineInput{
		Name:      req.Name,
		IsDefault: req.IsDefault,
		Position:  req.Position,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}

	list, err := s.pipelines.ListPipelines(r.Context(), org)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]*models.Pipeline{"pipelines": list})
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	p, err := s.pipelines.GetPipeline(r.Context(), org, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type updatePipelineRequest struct {
	Name      *string `json:"name"`
	IsDefault *bool   `json:"isDefault"`
	Active    *bool   `json:"active"`
	Position  *int    `json:"position"`
}

func (s *Server) handleUpdatePipeline(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req updatePipelineRequest
	if !decode(w, r, &req) {
		return
	}

	// Patch semantics: merge the supplied fields over the current state
	// and hand the registry a full replacement.
	cur, err := s.pipelines.GetPipeline(r.Context(), org, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	in := pipeline.UpdatePipelineInput{
		Name:      cur.Name,
		Active:    cur.Active,
		IsDefault: cur.IsDefault,
		Position:  cur.Position,
	}
	if req.Name != nil {
		in.Name = *req.Name
	}
	if req.Active != nil {
		in.Active = *req.Active
	}
	if req.IsDefault != nil {
		in.IsDefault = *req.IsDefault
	}
	if req.Position != nil {
		in.Position = *req.Position
	}

	p, err := s.pipelines.UpdatePipeline(r.Context(), org, id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.pipelines.DeletePipeline(r.Context(), org, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createStageRequest struct {
	Name        string `json:"name"`
	Color       string `json:"color"`
	Position    *int   `json:"position"`
	Probability *int   `json:"probability"`
	IsFinal     bool   `json:"isFinal"`
}

func (s *Server) handleCreateStage(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	pipelineID, ok := pathID(w, r)
	if !ok {
		return
	}

	var req createStageRequest
	if !decode(w, r, &req) {
		return
	}

	st, err := s.pipelines.CreateStage(r.Context(), org, pipeline.CreateStageInput{
		PipelineID:  pipelineID,
		Name:        req.Name,
		Color:       req.Color,
		Position:    req.Position,
		Probability: req.Probability,
		IsFinal:     req.IsFinal,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

type updateStageRequest struct {
	Name        *string `json:"name"`
	Color       *string `json:"color"`
	Probability *int    `json:"probability"`
	IsFinal     *bool   `json:"isFinal"`
}

func (s *Server) handleUpdateStage(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req updateStageRequest
	if !decode(w, r, &req) {
		return
	}

	cur, err := s.pipelines.GetStage(r.Context(), org, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	in := pipeline.UpdateStageInput{
		Name:        cur.Name,
		Color:       cur.Color,
		Probability: cur.Probability,
		IsFinal:     cur.IsFinal,
	}
	if req.Name != nil {
		in.Name = *req.Name
	}
	if req.Color != nil {
		in.Color = *req.Color
	}
	if req.Probability != nil {
		in.Probability = *req.Probability
	}
	if req.IsFinal != nil {
		in.IsFinal = *req.IsFinal
	}

	st, err := s.pipelines.UpdateStage(r.Context(), org, id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDeleteStage(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.pipelines.DeleteStage(r.Context(), org, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reorderStagesRequest struct {
	StageIDs []uuid.UUID `json:"stageIds"`
}

func (s *Server) handleReorderStages(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	pipelineID, ok := pathID(w, r)
	if !ok {
		return
	}

	var req reorderStagesRequest
	if !decode(w, r, &req) {
		return
	}

	if err := s.pipelines.ReorderStages(r.Context(), org, pipelineID, req.StageIDs); err != nil {
		writeError(w, r, err)
		return
	}

	p, err := s.pipelines.GetPipeline(r.Context(), org, pipelineID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type createDealRequest struct {
	ContactID   uuid.UUID  `json:"contactId"`
	CompanyID   *uuid.UUID `json:"companyId"`
	Title       string     `json:"title"`
	ValueCents  int64      `json:"valueCents"`
	Probability int        `json:"probability"`
}

func (s *Server) handleCreateDeal(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}

	var req createDealRequest
	if !decode(w, r, &req) {
		return
	}

	d, err := s.deals.Create(r.Context(), org, deal.CreateInput{
		ContactID:   req.ContactID,
		CompanyID:   req.CompanyID,
		Title:       req.Title,
		ValueCents:  req.ValueCents,
		Probability: req.Probability,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDeals(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}

	list, err := s.deals.List(r.Context(), org)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]*models.Deal{"deals": list})
}

func (s *Server) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	d, err := s.deals.Get(r.Context(), org, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type moveDealRequest struct {
	Target string `json:"target"`
}

func (s *Server) handleMoveDeal(w http.ResponseWriter, r *http.Request) {
	org, ok := orgID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req moveDealRequest
	if !decode(w, r, &req) {
		return
	}

	d, err := s.deals.Move(r.Context(), org, id, req.Target)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
