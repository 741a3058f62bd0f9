package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// FeeType distinguishes how a fee line was produced.
type FeeType string

const (
	FeeTypeCharge       FeeType = "charge"
	FeeTypeSubscription FeeType = "subscription"
	FeeTypeAddOn        FeeType = "add_on"
	FeeTypeCredit       FeeType = "credit"
	FeeTypeCommitment   FeeType = "commitment"
	FeeTypeFixedCharge  FeeType = "fixed_charge"
)

// Fee is one billed line on an invoice. Properties carries the billing
// period boundary fields as ISO-8601 strings; PreciseAmountCents mirrors
// AmountCents at higher precision, and reconciling the two is the credit
// engine's job, never stored drift.
type Fee struct {
	ID                  snowflake.ID      `gorm:"primaryKey"`
	OrgID               snowflake.ID      `gorm:"not null;index"`
	InvoiceID           snowflake.ID      `gorm:"not null;index"`
	FeeType             FeeType           `gorm:"type:text;not null;default:'charge'"`
	AmountCents         int64             `gorm:"not null;default:0"`
	PreciseAmountCents  decimal.Decimal   `gorm:"type:numeric(30,5);not null;default:0"`
	TaxesRate           float64           `gorm:"not null;default:0"` // stored float, legacy rate compatibility
	TaxesAmountCents    int64             `gorm:"not null;default:0"`
	Units               decimal.Decimal   `gorm:"type:numeric(30,10);not null;default:0"`
	CreditedAmountCents int64             `gorm:"not null;default:0"`
	Properties          datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt           time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Fee) TableName() string { return "fees" }

// CreditableAmountCents is the portion of the fee not yet consumed by
// prior credit notes.
func (f Fee) CreditableAmountCents() int64 {
	remaining := f.AmountCents - f.CreditedAmountCents
	if remaining < 0 {
		return 0
	}
	return remaining
}
