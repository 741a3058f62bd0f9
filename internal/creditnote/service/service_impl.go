package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/billably/billably/internal/clock"
	"github.com/billably/billably/internal/creditnote/domain"
	"github.com/billably/billably/internal/events"
	feedomain "github.com/billably/billably/internal/fee/domain"
	invoicedomain "github.com/billably/billably/internal/invoice/domain"
	"github.com/billably/billably/internal/sequence"
	walletdomain "github.com/billably/billably/internal/wallet/domain"
)

// ServiceParam wires the credit note service dependencies.
type ServiceParam struct {
	fx.In

	Logger    *zap.Logger
	DB        *gorm.DB
	ID        *snowflake.Node
	Clock     clock.Clock
	Allocator *sequence.Allocator
	Outbox    *events.Outbox
}

type creditNoteService struct {
	log       *zap.Logger
	db        *gorm.DB
	genID     *snowflake.Node
	clock     clock.Clock
	allocator *sequence.Allocator
	outbox    *events.Outbox
}

// NewService constructs the credit note service.
func NewService(p ServiceParam) domain.Service {
	return &creditNoteService{
		log:       p.Logger.Named("creditnote.service"),
		db:        p.DB,
		genID:     p.ID,
		clock:     p.Clock,
		allocator: p.Allocator,
		outbox:    p.Outbox,
	}
}

func (s *creditNoteService) GetByID(ctx context.Context, orgID, creditNoteID snowflake.ID) (*domain.CreditNote, error) {
	if orgID == 0 {
		return nil, invoicedomain.ErrInvalidOrganization
	}
	if creditNoteID == 0 {
		return nil, domain.ErrInvalidCreditNoteID
	}
	return s.loadCreditNote(ctx, s.db, orgID, creditNoteID)
}

// CreateCreditNote issues a credit note against a finalized invoice. The
// requested credit and refund portions are validated against the engine's
// ceilings, the per-invoice sequence is allocated under its lock, and each
// fee's credited amount is advanced so subsequent issuance sees a smaller
// ceiling.
func (s *creditNoteService) CreateCreditNote(ctx context.Context, params domain.CreateParams) (*domain.CreditNote, error) {
	if params.OrgID == 0 {
		return nil, invoicedomain.ErrInvalidOrganization
	}
	if params.InvoiceID == 0 {
		return nil, invoicedomain.ErrInvalidInvoiceID
	}
	if params.CreditAmountCents < 0 || params.RefundAmountCents < 0 ||
		params.CreditAmountCents+params.RefundAmountCents == 0 {
		return nil, domain.ErrInvalidCreditNoteSplit
	}

	// The per-invoice sequence lock brackets the whole transaction so a
	// concurrent creator cannot read a max that excludes this note.
	lockKey := fmt.Sprintf("credit_note_sequential_id_%s", params.InvoiceID)

	var result *domain.CreditNote
	err := s.allocator.Locked(ctx, []string{lockKey}, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			inv, err := s.loadInvoice(ctx, tx, params.OrgID, params.InvoiceID)
			if err != nil {
				return err
			}
			if inv.Status != invoicedomain.InvoiceStatusFinalized {
				return domain.ErrInvoiceNotCreditable
			}

			fees, err := s.loadFees(ctx, tx, inv.ID)
			if err != nil {
				return err
			}
			notes, err := s.loadCreditNotes(ctx, tx, inv.ID)
			if err != nil {
				return err
			}
			wallet, err := s.loadActiveWallet(ctx, tx, inv.CustomerID)
			if err != nil {
				return err
			}

			creditable := domain.CreditableAmountCents(inv, fees)
			if params.CreditAmountCents > creditable {
				return domain.ErrAmountExceedsCredit
			}
			refundable := domain.RefundableAmountCents(inv, notes, wallet)
			if params.RefundAmountCents > refundable {
				return domain.ErrAmountExceedsRefund
			}

			now := s.clock.Now()
			note := &domain.CreditNote{
				ID:                 s.genID.Generate(),
				OrgID:              inv.OrgID,
				InvoiceID:          inv.ID,
				CustomerID:         inv.CustomerID,
				Currency:           inv.Currency,
				CreditAmountCents:  params.CreditAmountCents,
				RefundAmountCents:  params.RefundAmountCents,
				BalanceAmountCents: params.CreditAmountCents,
				TotalAmountCents:   params.CreditAmountCents + params.RefundAmountCents,
				CreditStatus:       domain.CreditStatusAvailable,
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			if note.BalanceAmountCents == 0 {
				note.CreditStatus = domain.CreditStatusConsumed
			}

			_, err = s.allocator.Next(ctx,
				creditNoteScope{tx: tx, invoiceID: inv.ID},
				func(ctx context.Context, value int64) error {
					note.SequentialID = value
					note.Number = fmt.Sprintf("%s-CN%03d", inv.Number, value)
					return s.insertCreditNote(ctx, tx, note)
				},
			)
			if err != nil {
				return err
			}

			if err := s.consumeFeeCredit(ctx, tx, fees, creditable, note.TotalAmountCents, now); err != nil {
				return err
			}

			if err := s.outbox.PublishTx(ctx, tx, events.Event{
				OrgID:     note.OrgID,
				Type:      events.EventCreditNoteCreated,
				Payload:   events.CreditNotePayload{CreditNoteID: note.ID, InvoiceID: inv.ID, Number: note.Number}.ToMap(),
				DedupeKey: fmt.Sprintf("credit_note_created_%s", note.ID),
			}); err != nil {
				return err
			}

			result = note
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("credit note created",
		zap.String("credit_note_id", result.ID.String()),
		zap.String("number", result.Number),
	)
	return result, nil
}

// VoidCreditNote cancels the remaining balance of an available credit note.
// Already-consumed or voided notes cannot be voided again.
func (s *creditNoteService) VoidCreditNote(ctx context.Context, orgID, creditNoteID snowflake.ID) (*domain.CreditNote, error) {
	if orgID == 0 {
		return nil, invoicedomain.ErrInvalidOrganization
	}
	if creditNoteID == 0 {
		return nil, domain.ErrInvalidCreditNoteID
	}

	var result *domain.CreditNote
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := s.loadCreditNote(ctx, tx, orgID, creditNoteID)
		if err != nil {
			return err
		}
		if !note.Voidable() {
			return domain.ErrCreditNoteNotVoidable
		}

		now := s.clock.Now()
		res := tx.WithContext(ctx).Exec(
			`UPDATE credit_notes
			 SET credit_status = ?, balance_amount_cents = 0, voided_at = ?, updated_at = ?
			 WHERE id = ? AND credit_status = ?`,
			domain.CreditStatusVoided,
			now,
			now,
			note.ID,
			domain.CreditStatusAvailable,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrCreditNoteNotVoidable
		}

		note.CreditStatus = domain.CreditStatusVoided
		note.BalanceAmountCents = 0
		note.VoidedAt = &now

		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			OrgID:     note.OrgID,
			Type:      events.EventCreditNoteVoided,
			Payload:   events.CreditNotePayload{CreditNoteID: note.ID, InvoiceID: note.InvoiceID, Number: note.Number}.ToMap(),
			DedupeKey: fmt.Sprintf("credit_note_voided_%s", note.ID),
		}); err != nil {
			return err
		}

		result = note
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("credit note voided",
		zap.String("credit_note_id", result.ID.String()),
		zap.String("number", result.Number),
	)
	return result, nil
}

// consumeFeeCredit advances each fee's credited amount in proportion to the
// note's share of the remaining creditable ceiling, so the engine's next
// computation sees the issued note without a separate line-item table.
func (s *creditNoteService) consumeFeeCredit(ctx context.Context, tx *gorm.DB, fees []feedomain.Fee, creditable, noteTotal int64, now time.Time) error {
	if creditable <= 0 || noteTotal <= 0 {
		return nil
	}
	fraction := decimal.NewFromInt(noteTotal).Div(decimal.NewFromInt(creditable))
	if fraction.GreaterThan(decimal.NewFromInt(1)) {
		fraction = decimal.NewFromInt(1)
	}
	for i := range fees {
		remaining := fees[i].CreditableAmountCents()
		if remaining == 0 {
			continue
		}
		burn := decimal.NewFromInt(remaining).Mul(fraction).Round(0).IntPart()
		if burn == 0 {
			continue
		}
		if err := tx.WithContext(ctx).Exec(
			`UPDATE fees SET credited_amount_cents = credited_amount_cents + ?, updated_at = ? WHERE id = ?`,
			burn,
			now,
			fees[i].ID,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *creditNoteService) insertCreditNote(ctx context.Context, tx *gorm.DB, note *domain.CreditNote) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO credit_notes (
			id, org_id, invoice_id, customer_id, sequential_id, number,
			credit_status, currency, credit_amount_cents, refund_amount_cents,
			balance_amount_cents, total_amount_cents, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		note.ID,
		note.OrgID,
		note.InvoiceID,
		note.CustomerID,
		note.SequentialID,
		note.Number,
		note.CreditStatus,
		note.Currency,
		note.CreditAmountCents,
		note.RefundAmountCents,
		note.BalanceAmountCents,
		note.TotalAmountCents,
		note.CreatedAt,
		note.UpdatedAt,
	).Error
}

func (s *creditNoteService) loadCreditNote(ctx context.Context, db *gorm.DB, orgID, creditNoteID snowflake.ID) (*domain.CreditNote, error) {
	var note domain.CreditNote
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM credit_notes WHERE id = ? AND org_id = ?`,
		creditNoteID,
		orgID,
	).Scan(&note).Error
	if err != nil {
		return nil, err
	}
	if note.ID == 0 {
		return nil, domain.ErrCreditNoteNotFound
	}
	return &note, nil
}

func (s *creditNoteService) loadInvoice(ctx context.Context, db *gorm.DB, orgID, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	var inv invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM invoices WHERE id = ? AND org_id = ?`,
		invoiceID,
		orgID,
	).Scan(&inv).Error
	if err != nil {
		return nil, err
	}
	if inv.ID == 0 {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return &inv, nil
}

func (s *creditNoteService) loadFees(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]feedomain.Fee, error) {
	var fees []feedomain.Fee
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM fees WHERE invoice_id = ? ORDER BY id`,
		invoiceID,
	).Scan(&fees).Error
	if err != nil {
		return nil, err
	}
	return fees, nil
}

func (s *creditNoteService) loadCreditNotes(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.CreditNote, error) {
	var notes []domain.CreditNote
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM credit_notes WHERE invoice_id = ? ORDER BY sequential_id`,
		invoiceID,
	).Scan(&notes).Error
	if err != nil {
		return nil, err
	}
	return notes, nil
}

func (s *creditNoteService) loadActiveWallet(ctx context.Context, db *gorm.DB, customerID snowflake.ID) (*walletdomain.Wallet, error) {
	var wallet walletdomain.Wallet
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM wallets WHERE customer_id = ? AND status = ? ORDER BY id LIMIT 1`,
		customerID,
		walletdomain.WalletStatusActive,
	).Scan(&wallet).Error
	if err != nil {
		return nil, err
	}
	if wallet.ID == 0 {
		return nil, nil
	}
	return &wallet, nil
}

// creditNoteScope exposes one invoice's credit note sequence to the
// allocator.
type creditNoteScope struct {
	tx        *gorm.DB
	invoiceID snowflake.ID
}

func (s creditNoteScope) MaxValue(ctx context.Context) (int64, error) {
	var max int64
	err := s.tx.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(sequential_id), 0) FROM credit_notes WHERE invoice_id = ?`,
		s.invoiceID,
	).Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return max, nil
}

func (s creditNoteScope) Exists(ctx context.Context, value int64) (bool, error) {
	var count int64
	err := s.tx.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM credit_notes WHERE invoice_id = ? AND sequential_id = ?`,
		s.invoiceID,
		value,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
