/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes for the HTTP API. Amounts travel as decimal strings
  ("1200.50"), never floats.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request structs carry go-playground/validator tags; decodeJSON runs them.
  Amount positivity is checked by the engine (ErrInvalidAmount -> 400).

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/credit-ledger/ledger"
)

// =============================================================================
// PARTIES
// =============================================================================

type CreatePartyRequest struct {
	ID     string `json:"id" validate:"omitempty,max=64"`
	Domain string `json:"domain" validate:"required,oneof=supplier buyer"`
	Name   string `json:"name" validate:"required,max=200"`
}

type PartyDTO struct {
	ID        string `json:"id"`
	Domain    string `json:"domain"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at,omitempty"`
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// CreateDocumentRequest creates a purchase order or a wholesale sale.
type CreateDocumentRequest struct {
	ID          string          `json:"id" validate:"omitempty,max=64"`
	PartyID     string          `json:"party_id" validate:"required,max=64"`
	Total       decimal.Decimal `json:"total"`
	Description string          `json:"description" validate:"max=500"`
}

// CreatePaymentRequest creates a payment against an existing order or sale.
type CreatePaymentRequest struct {
	ID          string          `json:"id" validate:"omitempty,max=64"`
	PartyID     string          `json:"party_id" validate:"required,max=64"`
	ParentID    string          `json:"parent_id" validate:"required,max=64"`
	Total       decimal.Decimal `json:"total"`
	Description string          `json:"description" validate:"max=500"`
}

type ReviseTotalRequest struct {
	Total decimal.Decimal `json:"total"`
}

type DocumentDTO struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	PartyID     string `json:"party_id"`
	ParentID    string `json:"parent_id,omitempty"`
	Total       string `json:"total"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

type PostedDTO struct {
	Document DocumentDTO `json:"document"`
	Entry    *EntryDTO   `json:"entry,omitempty"`
}

// =============================================================================
// LEDGER
// =============================================================================

type EntryDTO struct {
	ID            string `json:"id"`
	Domain        string `json:"domain"`
	PartyID       string `json:"party_id"`
	Type          string `json:"type"`
	Amount        string `json:"amount"`
	BalanceAfter  string `json:"balance_after"`
	ReferenceID   string `json:"reference_id,omitempty"`
	ReferenceType string `json:"reference_type,omitempty"`
	Description   string `json:"description,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type BalanceDTO struct {
	Domain     string `json:"domain"`
	PartyID    string `json:"party_id"`
	Balance    string `json:"balance"`
	Replayed   string `json:"replayed"`
	Consistent bool   `json:"consistent"`
}

type StatementLineDTO struct {
	EntryDTO
	Direction string `json:"direction"`
	Replayed  string `json:"replayed"`
	Drifted   bool   `json:"drifted,omitempty"`
}

type StatementDTO struct {
	Domain  string             `json:"domain"`
	PartyID string             `json:"party_id"`
	Balance string             `json:"balance"`
	Lines   []StatementLineDTO `json:"lines"`
}

// =============================================================================
// ADMIN
// =============================================================================

type DriftDTO struct {
	Domain   string `json:"domain"`
	PartyID  string `json:"party_id"`
	EntryID  string `json:"entry_id"`
	Stored   string `json:"stored"`
	Replayed string `json:"replayed"`
	Entries  int    `json:"entries"`
}

type RecalcDomainDTO struct {
	Domain        string            `json:"domain"`
	Succeeded     int               `json:"succeeded"`
	Failed        int               `json:"failed"`
	Failures      map[string]string `json:"failures,omitempty"`
	Discrepancies []DriftDTO        `json:"discrepancies"`
	DurationMS    int64             `json:"duration_ms"`
}

type RecalcResponse struct {
	Domains []RecalcDomainDTO `json:"domains"`
	Error   string            `json:"error,omitempty"`
}

type OrphanDTO struct {
	EntryDTO
	Reason string `json:"reason"`
}

type DuplicateDTO struct {
	Domain        string   `json:"domain"`
	ReferenceID   string   `json:"reference_id"`
	ReferenceType string   `json:"reference_type"`
	EntryIDs      []string `json:"entry_ids"`
}

type AuditDTO struct {
	Clean      bool           `json:"clean"`
	Drift      []DriftDTO     `json:"drift"`
	Orphans    []OrphanDTO    `json:"orphans"`
	Duplicates []DuplicateDTO `json:"duplicates"`
	Unposted   []DocumentDTO  `json:"unposted"`
	Error      string         `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toPartyDTO(p ledger.Party) PartyDTO {
	return PartyDTO{
		ID:        string(p.ID),
		Domain:    string(p.Domain),
		Name:      p.Name,
		CreatedAt: formatTime(p.CreatedAt),
	}
}

func toDocumentDTO(d ledger.Document) DocumentDTO {
	return DocumentDTO{
		ID:          d.ID,
		Kind:        string(d.Kind),
		PartyID:     string(d.PartyID),
		ParentID:    d.ParentID,
		Total:       d.Total.String(),
		Description: d.Description,
		CreatedAt:   formatTime(d.CreatedAt),
	}
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:            string(e.ID),
		Domain:        string(e.Domain),
		PartyID:       string(e.PartyID),
		Type:          string(e.Type),
		Amount:        e.Amount.String(),
		BalanceAfter:  e.BalanceAfter.String(),
		ReferenceID:   e.Reference.ID,
		ReferenceType: string(e.Reference.Type),
		Description:   e.Description,
		CreatedAt:     formatTime(e.CreatedAt),
	}
}

func toDriftDTOs(drift []ledger.DriftDetected) []DriftDTO {
	out := make([]DriftDTO, 0, len(drift))
	for _, d := range drift {
		out = append(out, DriftDTO{
			Domain:   string(d.Domain),
			PartyID:  string(d.PartyID),
			EntryID:  string(d.EntryID),
			Stored:   d.Stored.String(),
			Replayed: d.Replayed.String(),
			Entries:  d.Entries,
		})
	}
	return out
}

func toRecalcDomainDTO(r *ledger.RecalcReport) RecalcDomainDTO {
	dto := RecalcDomainDTO{
		Domain:        string(r.Domain),
		Succeeded:     r.Succeeded(),
		Failed:        r.Failed(),
		Discrepancies: toDriftDTOs(r.Discrepancies),
		DurationMS:    r.Duration.Milliseconds(),
	}
	if len(r.Failures) > 0 {
		dto.Failures = make(map[string]string, len(r.Failures))
		for id, err := range r.Failures {
			dto.Failures[string(id)] = err.Error()
		}
	}
	return dto
}

func toAuditDTO(r ledger.AuditReport) AuditDTO {
	dto := AuditDTO{
		Clean:      r.Clean(),
		Drift:      toDriftDTOs(r.Drift),
		Orphans:    make([]OrphanDTO, 0, len(r.Orphans)),
		Duplicates: make([]DuplicateDTO, 0, len(r.Duplicates)),
		Unposted:   make([]DocumentDTO, 0, len(r.Unposted)),
	}
	for _, o := range r.Orphans {
		dto.Orphans = append(dto.Orphans, OrphanDTO{EntryDTO: toEntryDTO(o.Entry), Reason: o.Reason})
	}
	for _, d := range r.Duplicates {
		ids := make([]string, len(d.EntryIDs))
		for i, id := range d.EntryIDs {
			ids[i] = string(id)
		}
		dto.Duplicates = append(dto.Duplicates, DuplicateDTO{
			Domain:        string(d.Domain),
			ReferenceID:   d.Reference.ID,
			ReferenceType: string(d.Reference.Type),
			EntryIDs:      ids,
		})
	}
	for _, d := range r.Unposted {
		dto.Unposted = append(dto.Unposted, toDocumentDTO(d))
	}
	return dto
}
