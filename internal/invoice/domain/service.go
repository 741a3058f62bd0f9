package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidInvoiceID     = errors.New("invalid_invoice_id")
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrInvoiceNotFound      = errors.New("invoice_not_found")
	ErrInvalidTransition    = errors.New("invalid_invoice_transition")
	ErrInvoiceNotVoidable   = errors.New("invoice_not_voidable")
	ErrMissingBillingEntity = errors.New("missing_billing_entity")
	ErrMissingCustomer      = errors.New("missing_customer")
)

// Service drives the invoice lifecycle. Finalization allocates sequence
// numbers and renders the document number; voiding reverses a finalized
// invoice that has seen no payment activity.
type Service interface {
	GetByID(ctx context.Context, orgID, invoiceID snowflake.ID) (*Invoice, error)
	// RenderNumber returns the document number the invoice displays,
	// assigning the draft placeholder to invoices not yet finalized.
	RenderNumber(ctx context.Context, orgID, invoiceID snowflake.ID) (string, error)
	FinalizeInvoice(ctx context.Context, orgID, invoiceID snowflake.ID) (*Invoice, error)
	VoidInvoice(ctx context.Context, orgID, invoiceID snowflake.ID) (*Invoice, error)
	TransitionInvoice(ctx context.Context, orgID, invoiceID snowflake.ID, to InvoiceStatus) (*Invoice, error)
}
