package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Service writes balanced ledger entries. CreateEntryTx posts inside a
// caller-owned transaction so document updates and their ledger postings
// commit or roll back together.
type Service interface {
	CreateEntry(ctx context.Context, orgID snowflake.ID, sourceType string, sourceID snowflake.ID, currency string, occurredAt time.Time, lines []LedgerEntryLine) error
	CreateEntryTx(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, sourceType string, sourceID snowflake.ID, currency string, occurredAt time.Time, lines []LedgerEntryLine) error
}

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrInvalidSourceType    = errors.New("invalid_source_type")
	ErrInvalidSourceID      = errors.New("invalid_source_id")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidOccurredAt    = errors.New("invalid_occurred_at")
	ErrInvalidEntryLines    = errors.New("invalid_entry_lines")
	ErrInvalidLineAmount    = errors.New("invalid_line_amount")
	ErrInvalidLineDirection = errors.New("invalid_line_direction")
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrUnbalancedEntry      = errors.New("unbalanced_entry")
)
