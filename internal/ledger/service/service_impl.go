package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	invoicedomain "github.com/billably/billably/internal/invoice/domain"
	"github.com/billably/billably/internal/ledger/domain"
)

// ServiceParam wires the ledger service dependencies.
type ServiceParam struct {
	fx.In

	Logger *zap.Logger
	DB     *gorm.DB
	ID     *snowflake.Node
}

type ledgerService struct {
	log   *zap.Logger
	db    *gorm.DB
	genID *snowflake.Node
}

// NewService constructs the ledger writer.
func NewService(p ServiceParam) domain.Service {
	return &ledgerService{
		log:   p.Logger.Named("ledger.service"),
		db:    p.DB,
		genID: p.ID,
	}
}

func (s *ledgerService) CreateEntry(ctx context.Context, orgID snowflake.ID, sourceType string, sourceID snowflake.ID, currency string, occurredAt time.Time, lines []domain.LedgerEntryLine) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.CreateEntryTx(ctx, tx, orgID, sourceType, sourceID, currency, occurredAt, lines)
	})
}

func (s *ledgerService) CreateEntryTx(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, sourceType string, sourceID snowflake.ID, currency string, occurredAt time.Time, lines []domain.LedgerEntryLine) error {
	if orgID == 0 {
		return domain.ErrInvalidOrganization
	}
	if strings.TrimSpace(sourceType) == "" {
		return domain.ErrInvalidSourceType
	}
	if sourceID == 0 {
		return domain.ErrInvalidSourceID
	}
	if strings.TrimSpace(currency) == "" {
		return domain.ErrInvalidCurrency
	}
	if occurredAt.IsZero() {
		return domain.ErrInvalidOccurredAt
	}
	if err := domain.ValidateBalanced(lines); err != nil {
		return err
	}

	now := time.Now().UTC()
	entryID := s.genID.Generate()
	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO ledger_entries (id, org_id, source_type, source_id, currency, occurred_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entryID,
		orgID,
		sourceType,
		sourceID,
		currency,
		occurredAt,
		now,
	).Error; err != nil {
		return err
	}

	for _, line := range lines {
		if line.AccountID == 0 {
			return domain.ErrInvalidAccount
		}
		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO ledger_entry_lines (id, ledger_entry_id, account_id, direction, amount, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			s.genID.Generate(),
			entryID,
			line.AccountID,
			line.Direction,
			line.Amount,
			now,
		).Error; err != nil {
			return err
		}
	}

	s.log.Debug("ledger entry posted",
		zap.String("source_type", sourceType),
		zap.String("source_id", sourceID.String()),
		zap.Int("lines", len(lines)),
	)
	return nil
}

// EnsureAccount returns the id of an org's account with the given code,
// creating it on first use.
func EnsureAccount(ctx context.Context, tx *gorm.DB, genID *snowflake.Node, orgID snowflake.ID, code, name string, now time.Time) (snowflake.ID, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, domain.ErrInvalidAccount
	}

	var accountID snowflake.ID
	if err := tx.WithContext(ctx).Raw(
		`SELECT id FROM ledger_accounts WHERE org_id = ? AND code = ?`,
		orgID,
		code,
	).Scan(&accountID).Error; err != nil {
		return 0, err
	}
	if accountID != 0 {
		return accountID, nil
	}

	accountID = genID.Generate()
	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO ledger_accounts (id, org_id, code, name, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		accountID,
		orgID,
		code,
		name,
		now,
	).Error; err != nil {
		return 0, err
	}
	return accountID, nil
}

// PostInvoiceFinalized posts the revenue recognition entry for a freshly
// finalized invoice inside the caller's transaction.
func PostInvoiceFinalized(ctx context.Context, tx *gorm.DB, genID *snowflake.Node, svc domain.Service, inv *invoicedomain.Invoice, now time.Time) error {
	return postInvoice(ctx, tx, genID, svc, inv, false, now)
}

// PostInvoiceVoided posts the reversal of a voided invoice's entry.
func PostInvoiceVoided(ctx context.Context, tx *gorm.DB, genID *snowflake.Node, svc domain.Service, inv *invoicedomain.Invoice, now time.Time) error {
	return postInvoice(ctx, tx, genID, svc, inv, true, now)
}

func postInvoice(ctx context.Context, tx *gorm.DB, genID *snowflake.Node, svc domain.Service, inv *invoicedomain.Invoice, reverse bool, now time.Time) error {
	lines, err := invoiceLines(ctx, tx, genID, inv, reverse, now)
	if err != nil {
		return err
	}
	if lines == nil {
		return nil
	}
	return svc.CreateEntryTx(ctx, tx, inv.OrgID, domain.SourceTypeInvoice, inv.ID, inv.Currency, now, lines)
}

// invoiceLines builds the balanced posting for an invoice: receivable on one
// side, revenue net of taxes plus tax payable on the other. reverse flips
// the directions for voiding. Returns nil for zero-total invoices, which
// post nothing.
func invoiceLines(ctx context.Context, tx *gorm.DB, genID *snowflake.Node, inv *invoicedomain.Invoice, reverse bool, now time.Time) ([]domain.LedgerEntryLine, error) {
	if inv.TotalAmountCents == 0 {
		return nil, nil
	}

	receivableID, err := EnsureAccount(ctx, tx, genID, inv.OrgID, domain.AccountCodeAccountsReceivable, "Accounts Receivable", now)
	if err != nil {
		return nil, err
	}
	revenueID, err := EnsureAccount(ctx, tx, genID, inv.OrgID, domain.AccountCodeRevenue, "Revenue", now)
	if err != nil {
		return nil, err
	}
	taxID, err := EnsureAccount(ctx, tx, genID, inv.OrgID, domain.AccountCodeTaxPayable, "Tax Payable", now)
	if err != nil {
		return nil, err
	}

	debit := domain.LedgerEntryDirectionDebit
	credit := domain.LedgerEntryDirectionCredit
	if reverse {
		debit, credit = credit, debit
	}

	return []domain.LedgerEntryLine{
		{AccountID: receivableID, Direction: debit, Amount: inv.TotalAmountCents},
		{AccountID: revenueID, Direction: credit, Amount: inv.TotalAmountCents - inv.TaxesAmountCents},
		{AccountID: taxID, Direction: credit, Amount: inv.TaxesAmountCents},
	}, nil
}
