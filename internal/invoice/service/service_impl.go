package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	billingentitydomain "github.com/billably/billably/internal/billingentity/domain"
	"github.com/billably/billably/internal/clock"
	customerdomain "github.com/billably/billably/internal/customer/domain"
	"github.com/billably/billably/internal/events"
	"github.com/billably/billably/internal/invoice/domain"
	ledgerdomain "github.com/billably/billably/internal/ledger/domain"
	ledgerservice "github.com/billably/billably/internal/ledger/service"
	"github.com/billably/billably/internal/sequence"
)

// ServiceParam wires the invoice service dependencies.
type ServiceParam struct {
	fx.In

	Logger    *zap.Logger
	DB        *gorm.DB
	ID        *snowflake.Node
	Clock     clock.Clock
	Allocator *sequence.Allocator
	Ledger    ledgerdomain.Service
	Outbox    *events.Outbox
}

type invoiceService struct {
	log       *zap.Logger
	db        *gorm.DB
	genID     *snowflake.Node
	clock     clock.Clock
	allocator *sequence.Allocator
	ledger    ledgerdomain.Service
	outbox    *events.Outbox
}

// NewService constructs the invoice lifecycle service.
func NewService(p ServiceParam) domain.Service {
	return &invoiceService{
		log:       p.Logger.Named("invoice.service"),
		db:        p.DB,
		genID:     p.ID,
		clock:     p.Clock,
		allocator: p.Allocator,
		ledger:    p.Ledger,
		outbox:    p.Outbox,
	}
}

func (s *invoiceService) GetByID(ctx context.Context, orgID, invoiceID snowflake.ID) (*domain.Invoice, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	if invoiceID == 0 {
		return nil, domain.ErrInvalidInvoiceID
	}
	return s.loadInvoice(ctx, s.db, orgID, invoiceID)
}

// RenderNumber returns the number an invoice displays. Until the finalized
// transition allocates a real one, invoices carry the entity's draft
// placeholder, persisted so list views read a stable value.
func (s *invoiceService) RenderNumber(ctx context.Context, orgID, invoiceID snowflake.ID) (string, error) {
	if orgID == 0 {
		return "", domain.ErrInvalidOrganization
	}
	if invoiceID == 0 {
		return "", domain.ErrInvalidInvoiceID
	}

	inv, err := s.loadInvoice(ctx, s.db, orgID, invoiceID)
	if err != nil {
		return "", err
	}
	if inv.Number != "" {
		return inv.Number, nil
	}

	entity, err := s.loadBillingEntity(ctx, s.db, inv.BillingEntityID)
	if err != nil {
		return "", err
	}
	number := domain.DraftNumber(*entity)
	err = s.db.WithContext(ctx).Exec(
		`UPDATE invoices SET number = ?, updated_at = ? WHERE id = ? AND number = ''`,
		number,
		s.clock.Now(),
		inv.ID,
	).Error
	if err != nil {
		return "", err
	}
	return number, nil
}

// FinalizeInvoice issues the invoice: it allocates the sequence numbers the
// entity's numbering scheme requires, renders the document number, stamps
// finalized_at and the issuing date once, posts the ledger entry, and emits
// the finalized event. Finalizing an already finalized invoice is a no-op
// returning the stored document.
//
// The sequence locks are taken before the transaction opens and held until
// it commits. Releasing them any earlier would let a concurrent finalizer
// read the pre-commit max and allocate the same value.
func (s *invoiceService) FinalizeInvoice(ctx context.Context, orgID, invoiceID snowflake.ID) (*domain.Invoice, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	if invoiceID == 0 {
		return nil, domain.ErrInvalidInvoiceID
	}

	head, err := s.loadInvoice(ctx, s.db, orgID, invoiceID)
	if err != nil {
		return nil, err
	}
	if head.Status == domain.InvoiceStatusFinalized {
		return head, nil
	}
	scheme, err := s.loadBillingEntity(ctx, s.db, head.BillingEntityID)
	if err != nil {
		return nil, err
	}

	keys := []string{fmt.Sprintf("customer_sequential_id_%s", head.CustomerID)}
	if !head.SelfBilled && scheme.DocumentNumbering == billingentitydomain.DocumentNumberingPerOrganization {
		keys = append(keys,
			fmt.Sprintf("billing_entity_sequential_id_%s", head.BillingEntityID),
			fmt.Sprintf("organization_sequential_id_%s", head.OrgID),
		)
	}

	var result *domain.Invoice
	err = s.allocator.Locked(ctx, keys, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			inv, err := s.loadInvoice(ctx, tx, orgID, invoiceID)
			if err != nil {
				return err
			}
			if inv.Status == domain.InvoiceStatusFinalized {
				result = inv
				return nil
			}
			if !domain.CanTransition(inv.Status, domain.InvoiceStatusFinalized) {
				return domain.ErrInvalidTransition
			}

			entity, err := s.loadBillingEntity(ctx, tx, inv.BillingEntityID)
			if err != nil {
				return err
			}
			customer, err := s.loadCustomer(ctx, tx, inv.CustomerID)
			if err != nil {
				return err
			}

			now := s.clock.Now()
			issuedAt := now
			if inv.IssuingDate != nil {
				issuedAt = *inv.IssuingDate
			}

			if err := s.assignSequences(ctx, tx, inv, entity, issuedAt); err != nil {
				return err
			}

			if inv.SelfBilled || entity.DocumentNumbering == billingentitydomain.DocumentNumberingPerCustomer {
				inv.Number = domain.CustomerScopedNumber(*entity, *customer, inv.SequentialID)
			} else {
				inv.Number = domain.EntityScopedNumber(*entity, issuedAt, inv.BillingEntitySequentialID)
			}

			prior := inv.Status
			res := tx.WithContext(ctx).Exec(
				`UPDATE invoices
				 SET status = ?,
				     sequential_id = ?,
				     billing_entity_sequential_id = ?,
				     organization_sequential_id = ?,
				     number = ?,
				     finalized_at = COALESCE(finalized_at, ?),
				     issuing_date = COALESCE(issuing_date, ?),
				     ready_for_payment_processing = ?,
				     updated_at = ?
				 WHERE id = ? AND status = ?`,
				domain.InvoiceStatusFinalized,
				inv.SequentialID,
				inv.BillingEntitySequentialID,
				inv.OrganizationSequentialID,
				inv.Number,
				now,
				issuedAt,
				true,
				now,
				inv.ID,
				prior,
			)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return domain.ErrInvalidTransition
			}

			inv.Status = domain.InvoiceStatusFinalized
			if inv.FinalizedAt == nil {
				inv.FinalizedAt = &now
			}
			if inv.IssuingDate == nil {
				inv.IssuingDate = &issuedAt
			}
			inv.ReadyForPaymentProcessing = true

			if err := s.postLedgerEntry(ctx, tx, inv, false, now); err != nil {
				return err
			}
			if err := s.outbox.PublishTx(ctx, tx, events.Event{
				OrgID:     inv.OrgID,
				Type:      events.EventInvoiceFinalized,
				Payload:   events.InvoicePayload{InvoiceID: inv.ID, Number: inv.Number, Status: string(inv.Status)}.ToMap(),
				DedupeKey: fmt.Sprintf("invoice_finalized_%s", inv.ID),
			}); err != nil {
				return err
			}

			result = inv
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("invoice finalized",
		zap.String("invoice_id", result.ID.String()),
		zap.String("number", result.Number),
	)
	return result, nil
}

// VoidInvoice reverses a finalized invoice that has seen no payment
// activity: no lost dispute, no cash collected, and no live credit note.
func (s *invoiceService) VoidInvoice(ctx context.Context, orgID, invoiceID snowflake.ID) (*domain.Invoice, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	if invoiceID == 0 {
		return nil, domain.ErrInvalidInvoiceID
	}

	var result *domain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := s.loadInvoice(ctx, tx, orgID, invoiceID)
		if err != nil {
			return err
		}
		if !domain.CanTransition(inv.Status, domain.InvoiceStatusVoided) {
			return domain.ErrInvalidTransition
		}

		hasActiveNotes, err := s.hasActiveCreditNotes(ctx, tx, inv.ID)
		if err != nil {
			return err
		}
		if !inv.Voidable(hasActiveNotes) {
			return domain.ErrInvoiceNotVoidable
		}

		now := s.clock.Now()
		res := tx.WithContext(ctx).Exec(
			`UPDATE invoices
			 SET status = ?, voided_at = ?, ready_for_payment_processing = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			domain.InvoiceStatusVoided,
			now,
			false,
			now,
			inv.ID,
			domain.InvoiceStatusFinalized,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrInvalidTransition
		}

		inv.Status = domain.InvoiceStatusVoided
		inv.VoidedAt = &now
		inv.ReadyForPaymentProcessing = false

		if err := s.postLedgerEntry(ctx, tx, inv, true, now); err != nil {
			return err
		}
		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			OrgID:     inv.OrgID,
			Type:      events.EventInvoiceVoided,
			Payload:   events.InvoicePayload{InvoiceID: inv.ID, Number: inv.Number, Status: string(inv.Status)}.ToMap(),
			DedupeKey: fmt.Sprintf("invoice_voided_%s", inv.ID),
		}); err != nil {
			return err
		}

		result = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("invoice voided",
		zap.String("invoice_id", result.ID.String()),
		zap.String("number", result.Number),
	)
	return result, nil
}

// TransitionInvoice moves an invoice along any legal lifecycle edge. Edges
// with side effects route through their dedicated operations.
func (s *invoiceService) TransitionInvoice(ctx context.Context, orgID, invoiceID snowflake.ID, to domain.InvoiceStatus) (*domain.Invoice, error) {
	switch to {
	case domain.InvoiceStatusFinalized:
		return s.FinalizeInvoice(ctx, orgID, invoiceID)
	case domain.InvoiceStatusVoided:
		return s.VoidInvoice(ctx, orgID, invoiceID)
	}

	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	if invoiceID == 0 {
		return nil, domain.ErrInvalidInvoiceID
	}

	var result *domain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := s.loadInvoice(ctx, tx, orgID, invoiceID)
		if err != nil {
			return err
		}
		if !domain.CanTransition(inv.Status, to) {
			return domain.ErrInvalidTransition
		}

		now := s.clock.Now()
		res := tx.WithContext(ctx).Exec(
			`UPDATE invoices SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			to,
			now,
			inv.ID,
			inv.Status,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrInvalidTransition
		}

		inv.Status = to
		result = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// assignSequences allocates whichever sequence numbers the invoice still
// misses. Self-billed invoices always use the customer's own sequence and
// skip entity sequencing; per-organization entities additionally maintain
// the legacy organization-month sequence. The caller holds the lock keys
// for every scope touched here.
func (s *invoiceService) assignSequences(ctx context.Context, tx *gorm.DB, inv *domain.Invoice, entity *billingentitydomain.BillingEntity, issuedAt time.Time) error {
	if inv.SequentialID == 0 {
		value, err := s.allocator.Next(ctx,
			invoiceScope{
				tx:     tx,
				column: "sequential_id",
				where:  "customer_id = ?",
				args:   []any{inv.CustomerID},
			},
			s.commitSequence(tx, inv.ID, "sequential_id"),
		)
		if err != nil {
			return err
		}
		inv.SequentialID = value
	}

	if inv.SelfBilled || entity.DocumentNumbering != billingentitydomain.DocumentNumberingPerOrganization {
		return nil
	}

	// The month scope follows the issuing date, the same date the rendered
	// number takes its YYYYMM from. Scoping on finalized_at would let an
	// invoice issued in an earlier month probe a window it never joins and
	// restart that month's sequence at 1.
	monthStart, monthEnd := monthWindow(issuedAt, entity.Location())

	if inv.BillingEntitySequentialID == 0 {
		value, err := s.allocator.Next(ctx,
			invoiceScope{
				tx:     tx,
				column: "billing_entity_sequential_id",
				where:  "billing_entity_id = ? AND issuing_date >= ? AND issuing_date < ?",
				args:   []any{inv.BillingEntityID, monthStart, monthEnd},
			},
			s.commitSequence(tx, inv.ID, "billing_entity_sequential_id"),
		)
		if err != nil {
			return err
		}
		inv.BillingEntitySequentialID = value
	}

	if inv.OrganizationSequentialID == 0 {
		value, err := s.allocator.Next(ctx,
			invoiceScope{
				tx:     tx,
				column: "organization_sequential_id",
				where:  "org_id = ? AND issuing_date >= ? AND issuing_date < ?",
				args:   []any{inv.OrgID, monthStart, monthEnd},
			},
			s.commitSequence(tx, inv.ID, "organization_sequential_id"),
		)
		if err != nil {
			return err
		}
		inv.OrganizationSequentialID = value
	}
	return nil
}

func (s *invoiceService) commitSequence(tx *gorm.DB, invoiceID snowflake.ID, column string) func(ctx context.Context, value int64) error {
	return func(ctx context.Context, value int64) error {
		return tx.WithContext(ctx).Exec(
			fmt.Sprintf(`UPDATE invoices SET %s = ? WHERE id = ?`, column),
			value,
			invoiceID,
		).Error
	}
}

func (s *invoiceService) postLedgerEntry(ctx context.Context, tx *gorm.DB, inv *domain.Invoice, reverse bool, now time.Time) error {
	if reverse {
		return ledgerservice.PostInvoiceVoided(ctx, tx, s.genID, s.ledger, inv, now)
	}
	return ledgerservice.PostInvoiceFinalized(ctx, tx, s.genID, s.ledger, inv, now)
}

func (s *invoiceService) loadInvoice(ctx context.Context, db *gorm.DB, orgID, invoiceID snowflake.ID) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM invoices WHERE id = ? AND org_id = ?`,
		invoiceID,
		orgID,
	).Scan(&inv).Error
	if err != nil {
		return nil, err
	}
	if inv.ID == 0 {
		return nil, domain.ErrInvoiceNotFound
	}
	return &inv, nil
}

func (s *invoiceService) loadBillingEntity(ctx context.Context, db *gorm.DB, entityID snowflake.ID) (*billingentitydomain.BillingEntity, error) {
	var entity billingentitydomain.BillingEntity
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM billing_entities WHERE id = ?`,
		entityID,
	).Scan(&entity).Error
	if err != nil {
		return nil, err
	}
	if entity.ID == 0 {
		return nil, domain.ErrMissingBillingEntity
	}
	return &entity, nil
}

func (s *invoiceService) loadCustomer(ctx context.Context, db *gorm.DB, customerID snowflake.ID) (*customerdomain.Customer, error) {
	var customer customerdomain.Customer
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM customers WHERE id = ?`,
		customerID,
	).Scan(&customer).Error
	if err != nil {
		return nil, err
	}
	if customer.ID == 0 {
		return nil, domain.ErrMissingCustomer
	}
	return &customer, nil
}

func (s *invoiceService) hasActiveCreditNotes(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM credit_notes WHERE invoice_id = ? AND credit_status <> ?`,
		invoiceID,
		"voided",
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// invoiceScope adapts a filtered view of the invoices table to the sequence
// allocator. Max and existence probes run inside the caller's transaction.
type invoiceScope struct {
	tx     *gorm.DB
	column string
	where  string
	args   []any
}

func (s invoiceScope) MaxValue(ctx context.Context) (int64, error) {
	var max int64
	query := fmt.Sprintf(`SELECT COALESCE(MAX(%s), 0) FROM invoices WHERE %s`, s.column, s.where)
	if err := s.tx.WithContext(ctx).Raw(query, s.args...).Scan(&max).Error; err != nil {
		return 0, err
	}
	return max, nil
}

func (s invoiceScope) Exists(ctx context.Context, value int64) (bool, error) {
	var count int64
	query := fmt.Sprintf(`SELECT COUNT(1) FROM invoices WHERE %s AND %s = ?`, s.where, s.column)
	args := append(append([]any{}, s.args...), value)
	if err := s.tx.WithContext(ctx).Raw(query, args...).Scan(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// monthWindow returns the [start, next) bounds of the month containing at,
// as observed in loc. Bounds are computed in Go so the query stays portable
// across dialects.
func monthWindow(at time.Time, loc *time.Location) (time.Time, time.Time) {
	local := at.In(loc)
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}
