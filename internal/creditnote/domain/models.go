package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// CreditStatus tracks what remains usable on a credit note.
type CreditStatus string

const (
	CreditStatusAvailable CreditStatus = "available"
	CreditStatusConsumed  CreditStatus = "consumed"
	CreditStatusVoided    CreditStatus = "voided"
)

var (
	ErrInvalidCreditNoteID    = errors.New("invalid_credit_note_id")
	ErrCreditNoteNotFound     = errors.New("credit_note_not_found")
	ErrCreditNoteNotVoidable  = errors.New("credit_note_not_voidable")
	ErrInvoiceNotCreditable   = errors.New("invoice_not_creditable")
	ErrAmountExceedsCredit    = errors.New("amount_exceeds_creditable")
	ErrAmountExceedsRefund    = errors.New("amount_exceeds_refundable")
	ErrInvalidCreditNoteSplit = errors.New("invalid_credit_note_split")
)

// CreditNote returns part of a finalized invoice, split between an account
// credit and a cash refund. SequentialID restarts per invoice and renders
// into the note number as "{invoice_number}-CN007".
type CreditNote struct {
	ID         snowflake.ID `gorm:"column:id;primaryKey"`
	OrgID      snowflake.ID `gorm:"column:org_id"`
	InvoiceID  snowflake.ID `gorm:"column:invoice_id"`
	CustomerID snowflake.ID `gorm:"column:customer_id"`

	SequentialID int64  `gorm:"column:sequential_id"`
	Number       string `gorm:"column:number"`
	Currency     string `gorm:"column:currency"`

	CreditAmountCents  int64 `gorm:"column:credit_amount_cents"`
	RefundAmountCents  int64 `gorm:"column:refund_amount_cents"`
	BalanceAmountCents int64 `gorm:"column:balance_amount_cents"`
	TotalAmountCents   int64 `gorm:"column:total_amount_cents"`

	CreditStatus CreditStatus `gorm:"column:credit_status"`
	VoidedAt     *time.Time   `gorm:"column:voided_at"`
	CreatedAt    time.Time    `gorm:"column:created_at"`
	UpdatedAt    time.Time    `gorm:"column:updated_at"`
}

func (CreditNote) TableName() string {
	return "credit_notes"
}

// Voidable reports whether the note can still be voided: only while it is
// available and some balance remains.
func (c *CreditNote) Voidable() bool {
	return c.CreditStatus == CreditStatusAvailable && c.BalanceAmountCents > 0
}

// CreateParams describes a new credit note against one invoice.
type CreateParams struct {
	OrgID             snowflake.ID
	InvoiceID         snowflake.ID
	CreditAmountCents int64
	RefundAmountCents int64
}

// Service issues and voids credit notes, enforcing the creditable and
// refundable ceilings computed from the invoice's history.
type Service interface {
	GetByID(ctx context.Context, orgID, creditNoteID snowflake.ID) (*CreditNote, error)
	CreateCreditNote(ctx context.Context, params CreateParams) (*CreditNote, error)
	VoidCreditNote(ctx context.Context, orgID, creditNoteID snowflake.ID) (*CreditNote, error)
}
