package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// DocumentNumbering selects which sequence an entity's invoices draw from.
type DocumentNumbering string

const (
	DocumentNumberingPerCustomer     DocumentNumbering = "per_customer"
	DocumentNumberingPerOrganization DocumentNumbering = "per_organization"
)

// Organization is the top-level tenant. Its prefix seeds entity prefixes and
// carries the legacy organization-wide numbering sequence.
type Organization struct {
	ID                   snowflake.ID `gorm:"primaryKey"`
	Name                 string       `gorm:"type:text;not null"`
	DocumentNumberPrefix string       `gorm:"type:text;not null"`
	Timezone             string       `gorm:"type:text;not null;default:'UTC'"`
	CreatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Organization) TableName() string { return "organizations" }

// BillingEntity is an organizational sub-unit owning its own invoice
// numbering sequence and document prefix.
type BillingEntity struct {
	ID                   snowflake.ID      `gorm:"primaryKey"`
	OrgID                snowflake.ID      `gorm:"not null;index"`
	Name                 string            `gorm:"type:text;not null"`
	DocumentNumberPrefix string            `gorm:"type:text;not null"`
	DocumentNumbering    DocumentNumbering `gorm:"type:text;not null;default:'per_customer'"`
	Timezone             string            `gorm:"type:text;not null;default:'UTC'"`
	CreatedAt            time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingEntity) TableName() string { return "billing_entities" }

// DefaultDocumentNumberPrefix derives a prefix from the owning organization:
// first three letters of the name plus the last four characters of the id,
// both upcased. "LAGO" with an id ending "ab12" yields "LAG-AB12".
func DefaultDocumentNumberPrefix(name, id string) string {
	name = strings.TrimSpace(name)
	head := name
	if len(head) > 3 {
		head = head[:3]
	}
	tail := id
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return strings.ToUpper(head) + "-" + strings.ToUpper(tail)
}

// Location resolves the entity timezone, falling back to UTC on unknown
// or empty names.
func (e BillingEntity) Location() *time.Location {
	if e.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
