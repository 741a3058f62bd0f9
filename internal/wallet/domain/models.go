package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// WalletStatus represents the lifecycle of a prepaid credit wallet.
type WalletStatus string

const (
	WalletStatusActive     WalletStatus = "active"
	WalletStatusTerminated WalletStatus = "terminated"
)

// Wallet holds prepaid credits for a customer. Refunds against credit-type
// invoices are capped by the balance of the wallet they funded.
type Wallet struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	OrgID        snowflake.ID `gorm:"not null;index"`
	CustomerID   snowflake.ID `gorm:"not null;index"`
	Status       WalletStatus `gorm:"type:text;not null;default:'active'"`
	Currency     string       `gorm:"type:text;not null"`
	BalanceCents int64        `gorm:"not null;default:0"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Wallet) TableName() string { return "wallets" }

func (w Wallet) Active() bool { return w.Status == WalletStatusActive }
