package domain

import (
	"fmt"
	"time"

	billingentitydomain "github.com/billably/billably/internal/billingentity/domain"
	customerdomain "github.com/billably/billably/internal/customer/domain"
)

// DraftNumber is the placeholder shown before a real number is allocated.
func DraftNumber(entity billingentitydomain.BillingEntity) string {
	return fmt.Sprintf("%s-DRAFT", entity.DocumentNumberPrefix)
}

// CustomerScopedNumber renders the per-customer scheme, also used for
// self-billed invoices: the customer slug plus the invoice's own sequence.
func CustomerScopedNumber(entity billingentitydomain.BillingEntity, customer customerdomain.Customer, sequentialID int64) string {
	return fmt.Sprintf("%s-%03d", customer.Slug(entity.DocumentNumberPrefix), sequentialID)
}

// EntityScopedNumber renders the per-organization scheme: the entity prefix,
// the issuing month as seen in the entity's timezone, and the entity-scoped
// sequence.
func EntityScopedNumber(entity billingentitydomain.BillingEntity, issuedAt time.Time, entitySequentialID int64) string {
	month := issuedAt.In(entity.Location()).Format("200601")
	return fmt.Sprintf("%s-%s-%03d", entity.DocumentNumberPrefix, month, entitySequentialID)
}
