/*
handlers.go - HTTP API handlers for the credit ledger

PURPOSE:
  Exposes the ledger engine and the document service via REST API.
  Handlers parse, validate, delegate and serialize; no ledger logic lives
  here.

ENDPOINTS:
  Parties:
    POST   /api/parties                          Register supplier or buyer
    GET    /api/parties?domain=                  List (both domains if empty)

  Balances:
    GET    /api/{domain}/balances                Every party's current balance
    GET    /api/{domain}/parties/{id}/balance    Cached + replayed balance
    GET    /api/{domain}/parties/{id}/statement  Entries in replay order

  Documents (same shape for each kind):
    POST   /api/purchase-orders                  Create + post
    GET    /api/purchase-orders/{id}
    PUT    /api/purchase-orders/{id}/total       Delete + repost
    DELETE /api/purchase-orders/{id}             Cascades over payments
    ... /api/payments, /api/sales, /api/buyer-payments
    POST   /api/documents/{kind}/{id}/repost     Post an unposted document

  Admin:
    POST   /api/admin/recalculate                Recalculate All Balances
    GET    /api/admin/audit                      Drift, orphans, duplicates

ERROR HANDLING:
  Errors are returned as JSON {error, code, details}:
  - 400 validation / invalid: bad body, non-positive amount, unknown kind
  - 404 not_found: document or party missing
  - 409 duplicate: reference already posted, id already taken
  - 500 verification_failed: entries survived a delete (details: ids)
  - 503 dependency: a store call or the party lock failed
  - 500 internal: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/warp/credit-ledger/documents"
	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/logger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *ledger.Engine
	Store     ledger.Store
	Documents *documents.Service

	log *logger.Logger
}

// NewHandler creates a handler on top of the engine and its store.
func NewHandler(engine *ledger.Engine) *Handler {
	return &Handler{
		Engine:    engine,
		Store:     engine.Store,
		Documents: documents.NewService(engine),
		log:       engine.Logger(),
	}
}

// =============================================================================
// PARTY ENDPOINTS
// =============================================================================

func (h *Handler) CreateParty(w http.ResponseWriter, r *http.Request) {
	var req CreatePartyRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	domain := ledger.Domain(req.Domain)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ctx := r.Context()
	_, err := h.Store.GetParty(ctx, domain, ledger.PartyID(req.ID))
	switch {
	case err == nil:
		writeError(w, http.StatusConflict, "duplicate", "party already exists", nil)
		return
	case !errors.Is(err, ledger.ErrNotFound):
		h.writeDomainError(w, r, err)
		return
	}

	party := ledger.Party{ID: ledger.PartyID(req.ID), Domain: domain, Name: req.Name}
	if err := h.Store.SaveParty(ctx, party); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	saved, err := h.Store.GetParty(ctx, domain, party.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPartyDTO(*saved))
}

func (h *Handler) ListParties(w http.ResponseWriter, r *http.Request) {
	domains := ledger.Domains
	if q := r.URL.Query().Get("domain"); q != "" {
		d, err := ledger.ParseDomain(q)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		domains = []ledger.Domain{d}
	}

	dtos := []PartyDTO{}
	for _, d := range domains {
		parties, err := h.Store.ListParties(r.Context(), d)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		for _, p := range parties {
			dtos = append(dtos, toPartyDTO(p))
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// BALANCE ENDPOINTS
// =============================================================================

func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	domain, ok := h.domainParam(w, r)
	if !ok {
		return
	}
	balances, err := h.Engine.Balances.AllBalances(r.Context(), domain)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make(map[string]string, len(balances))
	for id, b := range balances {
		out[string(id)] = b.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	domain, ok := h.domainParam(w, r)
	if !ok {
		return
	}
	partyID := ledger.PartyID(chi.URLParam(r, "id"))

	check, err := h.Engine.Balances.CheckBalance(r.Context(), domain, partyID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		Domain:     string(domain),
		PartyID:    string(partyID),
		Balance:    check.Cached.String(),
		Replayed:   check.Replayed.String(),
		Consistent: check.Consistent(),
	})
}

func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	domain, ok := h.domainParam(w, r)
	if !ok {
		return
	}
	partyID := ledger.PartyID(chi.URLParam(r, "id"))

	st, err := h.Engine.Balances.Statement(r.Context(), domain, partyID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dto := StatementDTO{
		Domain:  string(st.Domain),
		PartyID: string(st.PartyID),
		Balance: st.Balance.String(),
		Lines:   make([]StatementLineDTO, 0, len(st.Lines)),
	}
	for _, l := range st.Lines {
		dto.Lines = append(dto.Lines, StatementLineDTO{
			EntryDTO:  toEntryDTO(l.Entry),
			Direction: l.Direction.String(),
			Replayed:  l.Replayed.String(),
			Drifted:   l.Drifted(),
		})
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// DOCUMENT ENDPOINTS
// =============================================================================

// CreateDocument handles POST for purchase orders and sales.
func (h *Handler) CreateDocument(kind ledger.ReferenceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateDocumentRequest
		if err := decodeJSON(r, &req); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		posted, err := h.Documents.Create(r.Context(), kind, documents.CreateInput{
			ID:          req.ID,
			PartyID:     ledger.PartyID(req.PartyID),
			Total:       req.Total,
			Description: req.Description,
		})
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toPostedDTO(posted))
	}
}

// CreatePayment handles POST for supplier and buyer payments.
func (h *Handler) CreatePayment(kind ledger.ReferenceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreatePaymentRequest
		if err := decodeJSON(r, &req); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		posted, err := h.Documents.Create(r.Context(), kind, documents.CreateInput{
			ID:          req.ID,
			PartyID:     ledger.PartyID(req.PartyID),
			ParentID:    req.ParentID,
			Total:       req.Total,
			Description: req.Description,
		})
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toPostedDTO(posted))
	}
}

func (h *Handler) ListDocuments(kind ledger.ReferenceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := h.Documents.List(r.Context(), kind)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		dtos := make([]DocumentDTO, 0, len(docs))
		for _, d := range docs {
			dtos = append(dtos, toDocumentDTO(d))
		}
		writeJSON(w, http.StatusOK, dtos)
	}
}

func (h *Handler) GetDocument(kind ledger.ReferenceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := h.Documents.Get(r.Context(), kind, chi.URLParam(r, "id"))
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDocumentDTO(*doc))
	}
}

// ReviseTotal handles PUT {id}/total.
func (h *Handler) ReviseTotal(kind ledger.ReferenceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReviseTotalRequest
		if err := decodeJSON(r, &req); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		posted, err := h.Documents.ReviseTotal(r.Context(), kind, chi.URLParam(r, "id"), req.Total)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toPostedDTO(posted))
	}
}

// DeleteDocument handles DELETE for every kind. Deleting something already
// gone is a success.
func (h *Handler) DeleteDocument(kind ledger.ReferenceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.Documents.Delete(r.Context(), kind, chi.URLParam(r, "id")); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) RepostDocument(w http.ResponseWriter, r *http.Request) {
	kind := ledger.ReferenceType(chi.URLParam(r, "kind"))
	posted, err := h.Documents.RetryPosting(r.Context(), kind, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPostedDTO(posted))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// RecalculateAll runs Recalculate All Balances. Per-party failures do not
// fail the request; they are listed in the report.
func (h *Handler) RecalculateAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.RecalculateAllBalances(r.Context())

	resp := RecalcResponse{Domains: []RecalcDomainDTO{}}
	for _, d := range ledger.Domains {
		if rep, ok := report.Domains[d]; ok && rep != nil {
			resp.Domains = append(resp.Domains, toRecalcDomainDTO(rep))
		}
	}
	if err != nil {
		resp.Error = err.Error()
		h.log.WarnErr(h.requestCtx(r), "recalculate all finished with errors", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.Auditor.Run(r.Context())
	dto := toAuditDTO(report)
	if err != nil {
		dto.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, dto)
}

// Health pings the store when it supports it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "dependency", "store unavailable", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) domainParam(w http.ResponseWriter, r *http.Request) (ledger.Domain, bool) {
	d, err := ledger.ParseDomain(chi.URLParam(r, "domain"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return "", false
	}
	return d, true
}

func (h *Handler) requestCtx(r *http.Request) context.Context {
	ctx := r.Context()
	if id := middleware.GetReqID(ctx); id != "" {
		ctx = h.log.WithRequestID(ctx, id)
	}
	return ctx
}

// statusFor maps engine errors onto HTTP status and error code.
func statusFor(err error) (int, string) {
	var (
		ve  *validationError
		vfe *ledger.VerificationError
		pe  *ledger.PostingError
		se  *ledger.StoreError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, ledger.ErrDuplicatePosting):
		return http.StatusConflict, "duplicate"
	case errors.As(err, &vfe):
		return http.StatusInternalServerError, "verification_failed"
	case ledger.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case ledger.IsClientError(err):
		return http.StatusBadRequest, "invalid"
	case errors.As(err, &pe), errors.As(err, &se):
		return http.StatusServiceUnavailable, "dependency"
	}
	return http.StatusInternalServerError, "internal"
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)

	var details any
	var ve *validationError
	var vfe *ledger.VerificationError
	switch {
	case errors.As(err, &ve) && len(ve.fields) > 0:
		details = ve.fields
	case errors.As(err, &vfe):
		ids := make([]string, len(vfe.Remaining))
		for i, id := range vfe.Remaining {
			ids[i] = string(id)
		}
		details = map[string]any{"remaining_entry_ids": ids, "reference": vfe.Reference.String()}
	}

	if status >= http.StatusInternalServerError {
		h.log.Error(h.requestCtx(r), "request failed", err)
	}
	writeError(w, status, code, err.Error(), details)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

func toPostedDTO(p documents.Posted) PostedDTO {
	dto := PostedDTO{Document: toDocumentDTO(p.Document)}
	if p.Entry.ID != "" {
		e := toEntryDTO(p.Entry)
		dto.Entry = &e
	}
	return dto
}
