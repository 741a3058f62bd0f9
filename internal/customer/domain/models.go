package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Customer is a billable account attached to a billing entity. SequentialID
// is the customer's position within its entity, used to render the customer
// slug in per-customer invoice numbers.
type Customer struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	OrgID           snowflake.ID `gorm:"not null;index"`
	BillingEntityID snowflake.ID `gorm:"not null;index"`
	Name            string       `gorm:"type:text;not null"`
	SequentialID    int64        `gorm:"not null;default:0"`
	Currency        string       `gorm:"type:text;not null;default:'USD'"`
	Timezone        string       `gorm:"type:text;not null;default:'UTC'"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Customer) TableName() string { return "customers" }

// Slug renders the customer's document slug under the given entity prefix,
// e.g. "LAG-AB12-007".
func (c Customer) Slug(entityPrefix string) string {
	return fmt.Sprintf("%s-%03d", entityPrefix, c.SequentialID)
}
