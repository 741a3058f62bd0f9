package events

import "github.com/bwmarrin/snowflake"

// Billing event types emitted by document lifecycle transitions.
const (
	EventInvoiceFinalized  = "invoice.finalized"
	EventInvoiceVoided     = "invoice.voided"
	EventCreditNoteCreated = "credit_note.created"
	EventCreditNoteVoided  = "credit_note.voided"
)

// InvoicePayload captures the minimal data downstream consumers need to
// react to an invoice transition.
type InvoicePayload struct {
	InvoiceID snowflake.ID
	Number    string
	Status    string
}

// ToMap converts the payload into an outbox-friendly map.
func (p InvoicePayload) ToMap() map[string]any {
	return map[string]any{
		"invoice_id": p.InvoiceID.String(),
		"number":     p.Number,
		"status":     p.Status,
	}
}

// CreditNotePayload captures the minimal data for credit note events.
type CreditNotePayload struct {
	CreditNoteID snowflake.ID
	InvoiceID    snowflake.ID
	Number       string
}

// ToMap converts the payload into an outbox-friendly map.
func (p CreditNotePayload) ToMap() map[string]any {
	return map[string]any{
		"credit_note_id": p.CreditNoteID.String(),
		"invoice_id":     p.InvoiceID.String(),
		"number":         p.Number,
	}
}
