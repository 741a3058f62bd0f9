package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// InvoiceStatus models the invoice lifecycle.
type InvoiceStatus string

const (
	InvoiceStatusGenerating InvoiceStatus = "GENERATING"
	InvoiceStatusDraft      InvoiceStatus = "DRAFT"
	InvoiceStatusOpen       InvoiceStatus = "OPEN"
	InvoiceStatusFinalized  InvoiceStatus = "FINALIZED"
	InvoiceStatusVoided     InvoiceStatus = "VOIDED"
	InvoiceStatusFailed     InvoiceStatus = "FAILED"
	InvoiceStatusClosed     InvoiceStatus = "CLOSED"
	InvoiceStatusPending    InvoiceStatus = "PENDING"
)

// InvoiceType distinguishes what produced the invoice.
type InvoiceType string

const (
	InvoiceTypeSubscription InvoiceType = "subscription"
	InvoiceTypeAddOn        InvoiceType = "add_on"
	InvoiceTypeCredit       InvoiceType = "credit"
	InvoiceTypeOneOff       InvoiceType = "one_off"
	InvoiceTypeProgressive  InvoiceType = "progressive_billing"
)

// Money-math rule changes are gated on the invoice's version number so
// historical documents keep the arithmetic they were issued under.
const (
	// CreditNotesMinVersion is the first version eligible for credit notes.
	CreditNotesMinVersion = 2
	// CouponBeforeVATVersion is the first version where invoice-level
	// coupons are distributed across fees before VAT is computed.
	CouponBeforeVATVersion = 3
	// CurrentVersion is stamped on newly created invoices.
	CurrentVersion = 4
)

type Invoice struct {
	ID              snowflake.ID  `gorm:"column:id;primaryKey"`
	OrgID           snowflake.ID  `gorm:"column:org_id"`
	BillingEntityID snowflake.ID  `gorm:"column:billing_entity_id"`
	CustomerID      snowflake.ID  `gorm:"column:customer_id"`
	Status          InvoiceStatus `gorm:"column:status"`
	InvoiceType     InvoiceType   `gorm:"column:invoice_type"`
	Currency        string        `gorm:"column:currency"`

	// Zero means not yet assigned; each is set at most once.
	SequentialID              int64 `gorm:"column:sequential_id"`
	BillingEntitySequentialID int64 `gorm:"column:billing_entity_sequential_id"`
	OrganizationSequentialID  int64 `gorm:"column:organization_sequential_id"`

	Number        string `gorm:"column:number"`
	VersionNumber int    `gorm:"column:version_number"`
	SelfBilled    bool   `gorm:"column:self_billed"`

	FeesAmountCents                     int64 `gorm:"column:fees_amount_cents"`
	CouponsAmountCents                  int64 `gorm:"column:coupons_amount_cents"`
	TaxesAmountCents                    int64 `gorm:"column:taxes_amount_cents"`
	TotalAmountCents                    int64 `gorm:"column:total_amount_cents"`
	TotalPaidAmountCents                int64 `gorm:"column:total_paid_amount_cents"`
	ProgressiveBillingCreditAmountCents int64 `gorm:"column:progressive_billing_credit_amount_cents"`

	PaymentSucceeded          bool       `gorm:"column:payment_succeeded"`
	ReadyForPaymentProcessing bool       `gorm:"column:ready_for_payment_processing"`
	PaymentDisputeLostAt      *time.Time `gorm:"column:payment_dispute_lost_at"`
	IssuingDate               *time.Time `gorm:"column:issuing_date"`
	FinalizedAt               *time.Time `gorm:"column:finalized_at"`
	VoidedAt                  *time.Time `gorm:"column:voided_at"`

	Metadata  datatypes.JSONMap `gorm:"column:metadata;type:jsonb"`
	CreatedAt time.Time         `gorm:"column:created_at"`
	UpdatedAt time.Time         `gorm:"column:updated_at"`
}

func (Invoice) TableName() string {
	return "invoices"
}

// transitions is the allowed edge set of the lifecycle. Voided and closed
// are terminal.
var transitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusGenerating: {
		InvoiceStatusDraft,
		InvoiceStatusOpen,
		InvoiceStatusPending,
		InvoiceStatusFailed,
		InvoiceStatusFinalized,
		InvoiceStatusClosed,
	},
	InvoiceStatusDraft:     {InvoiceStatusFinalized},
	InvoiceStatusOpen:      {InvoiceStatusFinalized, InvoiceStatusPending},
	InvoiceStatusPending:   {InvoiceStatusFinalized, InvoiceStatusOpen},
	InvoiceStatusFailed:    {InvoiceStatusFinalized, InvoiceStatusOpen, InvoiceStatusPending},
	InvoiceStatusFinalized: {InvoiceStatusVoided},
}

// CanTransition reports whether moving from one status to another is a legal
// lifecycle edge.
func CanTransition(from, to InvoiceStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Draft reports whether the invoice has not been issued yet.
func (i *Invoice) Draft() bool {
	return i.Status == InvoiceStatusDraft || i.Status == InvoiceStatusGenerating
}

// CreditInvoice reports whether the invoice funds a wallet rather than
// billing usage.
func (i *Invoice) CreditInvoice() bool {
	return i.InvoiceType == InvoiceTypeCredit
}

// Voidable applies the business gates on top of the lifecycle edge: a lost
// payment dispute, collected cash, or a live credit note all pin the
// invoice. The caller supplies whether any non-voided credit note exists.
func (i *Invoice) Voidable(hasActiveCreditNotes bool) bool {
	if i.Status != InvoiceStatusFinalized {
		return false
	}
	if i.PaymentDisputeLostAt != nil {
		return false
	}
	if i.TotalPaidAmountCents > 0 {
		return false
	}
	return !hasActiveCreditNotes
}
