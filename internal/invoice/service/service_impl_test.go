package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	billingentitydomain "github.com/billably/billably/internal/billingentity/domain"
	"github.com/billably/billably/internal/clock"
	creditnotedomain "github.com/billably/billably/internal/creditnote/domain"
	customerdomain "github.com/billably/billably/internal/customer/domain"
	"github.com/billably/billably/internal/events"
	feedomain "github.com/billably/billably/internal/fee/domain"
	"github.com/billably/billably/internal/invoice/domain"
	ledgerdomain "github.com/billably/billably/internal/ledger/domain"
	ledgerservice "github.com/billably/billably/internal/ledger/service"
	"github.com/billably/billably/internal/sequence"
)

type fixture struct {
	svc      domain.Service
	db       *gorm.DB
	node     *snowflake.Node
	locker   *sequence.MemoryLocker
	org      snowflake.ID
	entity   billingentitydomain.BillingEntity
	customer customerdomain.Customer
}

func newFixture(t *testing.T, numbering billingentitydomain.DocumentNumbering) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.AutoMigrate(
		&billingentitydomain.Organization{},
		&billingentitydomain.BillingEntity{},
		&customerdomain.Customer{},
		&domain.Invoice{},
		&feedomain.Fee{},
		&creditnotedomain.CreditNote{},
		&ledgerdomain.LedgerAccount{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
		&events.BillingEvent{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	org := billingentitydomain.Organization{
		ID:                   node.Generate(),
		Name:                 "Lago",
		DocumentNumberPrefix: "LAG-AB12",
		Timezone:             "UTC",
	}
	if err := db.Create(&org).Error; err != nil {
		t.Fatalf("create organization: %v", err)
	}
	entity := billingentitydomain.BillingEntity{
		ID:                   node.Generate(),
		OrgID:                org.ID,
		Name:                 "Lago EU",
		DocumentNumberPrefix: "LAG-AB12",
		DocumentNumbering:    numbering,
		Timezone:             "UTC",
	}
	if err := db.Create(&entity).Error; err != nil {
		t.Fatalf("create billing entity: %v", err)
	}
	customer := customerdomain.Customer{
		ID:              node.Generate(),
		OrgID:           org.ID,
		BillingEntityID: entity.ID,
		Name:            "Acme",
		SequentialID:    7,
		Currency:        "EUR",
	}
	if err := db.Create(&customer).Error; err != nil {
		t.Fatalf("create customer: %v", err)
	}

	locker := sequence.NewMemoryLocker(200 * time.Millisecond)
	logger := zap.NewNop()
	ledger := ledgerservice.NewService(ledgerservice.ServiceParam{Logger: logger, DB: db, ID: node})
	svc := NewService(ServiceParam{
		Logger:    logger,
		DB:        db,
		ID:        node,
		Clock:     clock.FixedClock{At: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)},
		Allocator: sequence.NewAllocator(locker, logger),
		Ledger:    ledger,
		Outbox:    events.NewOutbox(db, node),
	})

	return &fixture{
		svc:      svc,
		db:       db,
		node:     node,
		locker:   locker,
		org:      org.ID,
		entity:   entity,
		customer: customer,
	}
}

func (f *fixture) createInvoice(t *testing.T, mutate func(*domain.Invoice)) *domain.Invoice {
	t.Helper()
	inv := domain.Invoice{
		ID:               f.node.Generate(),
		OrgID:            f.org,
		BillingEntityID:  f.entity.ID,
		CustomerID:       f.customer.ID,
		Status:           domain.InvoiceStatusDraft,
		InvoiceType:      domain.InvoiceTypeSubscription,
		Currency:         "EUR",
		VersionNumber:    domain.CurrentVersion,
		FeesAmountCents:  1000,
		TaxesAmountCents: 200,
		TotalAmountCents: 1200,
	}
	if mutate != nil {
		mutate(&inv)
	}
	if err := f.db.Create(&inv).Error; err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	return &inv
}

func (f *fixture) countRows(t *testing.T, table string) int64 {
	t.Helper()
	var count int64
	if err := f.db.Raw(fmt.Sprintf("SELECT COUNT(1) FROM %s", table)).Scan(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}

func TestFinalizePerCustomerNumbering(t *testing.T) {
	f := newFixture(t, billingentitydomain.DocumentNumberingPerCustomer)
	ctx := context.Background()

	first := f.createInvoice(t, nil)
	got, err := f.svc.FinalizeInvoice(ctx, f.org, first.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if got.Number != "LAG-AB12-007-001" {
		t.Fatalf("number = %q, want LAG-AB12-007-001", got.Number)
	}
	if got.SequentialID != 1 {
		t.Fatalf("sequential id = %d, want 1", got.SequentialID)
	}
	if got.Status != domain.InvoiceStatusFinalized {
		t.Fatalf("status = %s, want FINALIZED", got.Status)
	}
	if got.FinalizedAt == nil || got.IssuingDate == nil {
		t.Fatalf("finalized_at and issuing_date must be set")
	}
	if !got.ReadyForPaymentProcessing {
		t.Fatalf("finalized invoice must be ready for payment processing")
	}

	second := f.createInvoice(t, nil)
	got, err = f.svc.FinalizeInvoice(ctx, f.org, second.ID)
	if err != nil {
		t.Fatalf("finalize second: %v", err)
	}
	if got.Number != "LAG-AB12-007-002" {
		t.Fatalf("number = %q, want LAG-AB12-007-002", got.Number)
	}
}

func TestFinalizePerOrganizationNumbering(t *testing.T) {
	f := newFixture(t, billingentitydomain.DocumentNumberingPerOrganization)
	ctx := context.Background()

	first := f.createInvoice(t, nil)
	got, err := f.svc.FinalizeInvoice(ctx, f.org, first.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if got.Number != "LAG-AB12-202403-001" {
		t.Fatalf("number = %q, want LAG-AB12-202403-001", got.Number)
	}
	if got.BillingEntitySequentialID != 1 || got.OrganizationSequentialID != 1 {
		t.Fatalf("entity/org sequence = %d/%d, want 1/1", got.BillingEntitySequentialID, got.OrganizationSequentialID)
	}

	second := f.createInvoice(t, nil)
	got, err = f.svc.FinalizeInvoice(ctx, f.org, second.ID)
	if err != nil {
		t.Fatalf("finalize second: %v", err)
	}
	if got.Number != "LAG-AB12-202403-002" {
		t.Fatalf("number = %q, want LAG-AB12-202403-002", got.Number)
	}
}

func TestFinalizeBackdatedIssuingDateKeepsMonthSequence(t *testing.T) {
	f := newFixture(t, billingentitydomain.DocumentNumberingPerOrganization)
	ctx := context.Background()

	current := f.createInvoice(t, nil)
	if _, err := f.svc.FinalizeInvoice(ctx, f.org, current.ID); err != nil {
		t.Fatalf("finalize current month: %v", err)
	}

	feb := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	first := f.createInvoice(t, func(i *domain.Invoice) { i.IssuingDate = &feb })
	got, err := f.svc.FinalizeInvoice(ctx, f.org, first.ID)
	if err != nil {
		t.Fatalf("finalize backdated: %v", err)
	}
	if got.Number != "LAG-AB12-202402-001" {
		t.Fatalf("number = %q, want LAG-AB12-202402-001", got.Number)
	}

	second := f.createInvoice(t, func(i *domain.Invoice) { i.IssuingDate = &feb })
	got, err = f.svc.FinalizeInvoice(ctx, f.org, second.ID)
	if err != nil {
		t.Fatalf("finalize second backdated: %v", err)
	}
	if got.Number != "LAG-AB12-202402-002" {
		t.Fatalf("backdated invoices must share the issuing month's sequence, got %q", got.Number)
	}
	if got.BillingEntitySequentialID != 2 {
		t.Fatalf("entity sequence = %d, want 2", got.BillingEntitySequentialID)
	}

	// The backdated documents leave the current month untouched.
	next := f.createInvoice(t, nil)
	got, err = f.svc.FinalizeInvoice(ctx, f.org, next.ID)
	if err != nil {
		t.Fatalf("finalize next current month: %v", err)
	}
	if got.Number != "LAG-AB12-202403-002" {
		t.Fatalf("number = %q, want LAG-AB12-202403-002", got.Number)
	}
}

func TestFinalizeConcurrentTakesConsecutiveNumbers(t *testing.T) {
	f := newFixture(t, billingentitydomain.DocumentNumberingPerCustomer)
	ctx := context.Background()

	sqlDB, err := f.db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// A single connection keeps sqlite's shared cache out of the picture, so
	// the test exercises the sequence locks rather than driver locking.
	sqlDB.SetMaxOpenConns(1)

	first := f.createInvoice(t, nil)
	second := f.createInvoice(t, nil)

	var wg sync.WaitGroup
	results := make(chan *domain.Invoice, 2)
	errs := make(chan error, 2)
	for _, id := range []snowflake.ID{first.ID, second.ID} {
		wg.Add(1)
		go func(id snowflake.ID) {
			defer wg.Done()
			inv, err := f.svc.FinalizeInvoice(ctx, f.org, id)
			if err != nil {
				errs <- err
				return
			}
			results <- inv
		}(id)
	}
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		t.Fatalf("finalize: %v", err)
	}

	numbers := make(map[string]bool)
	for inv := range results {
		numbers[inv.Number] = true
	}
	if !numbers["LAG-AB12-007-001"] || !numbers["LAG-AB12-007-002"] {
		t.Fatalf("concurrent finalizations must take consecutive numbers, got %v", numbers)
	}
}

func TestRenderNumberDraftPlaceholder(t *testing.T) {
	f := newFixture(t, billingentitydomain.DocumentNumberingPerCustomer)
	ctx := context.Background()

	inv := f.createInvoice(t, nil)
	number, err := f.svc.RenderNumber(ctx, f.org, inv.ID)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if number != "LAG-AB12-DRAFT" {
		t.Fatalf("draft number = %q, want LAG-AB12-DRAFT", number)
	}

	reloaded, err := f.svc.GetByID(ctx, f.org, inv.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Number != "LAG-AB12-DRAFT" {
		t.Fatalf("placeholder must be persisted, got %q", reloaded.Number)
	}

	if _, err := f.svc.FinalizeInvoice(ctx, f.org, inv.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	number, err = f.svc.RenderNumber(ctx, f.org, inv.ID)
	if err != nil {
		t.Fatalf("render finalized: %v", err)
	}
	if number != "LAG-AB12-007-001" {
		t.Fatalf("finalized number = %q, want LAG-AB12-007-001", number)
	}
}

func TestFinalizeSelfBilledSkipsEntitySequence(t *testing.T) {
	f := newFixture(t, billingentitydomain.DocumentNumberingPerOrganization)
	ctx := context.Background()

	inv := f.createInvoice(t, func(i *domain.Invoice) { i.SelfBilled = true })
	got, err := f.svc.FinalizeInvoice(ctx, f.org, inv.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if got.Number != "LAG-AB12-007-001" {
		t.Fatalf("number = %q, want LAG-AB12-007-001", got.Number)
	}
	if got.BillingEntitySequentialID != 0 {
		t.Fatalf("self-billed invoice must not consume the entity sequence, got %d", got.BillingEntitySequentialID)
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	f := newFixture(t, billingentitydomain.DocumentNumberingPerCustomer)
	ctx := context.Background()

	inv := f.createInvoice(t, nil)
	first, err := f.svc.FinalizeInvoice(ctx, f.org, inv.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	second, err := f.svc.FinalizeInvoice(ctx, f.org, inv.ID)
	if err != nil {
		t.Fatalf("finalize again: %v", err)
	}
	if second.Number != first.Number || second.SequentialID != first.SequentialID {
		t.Fatalf("repeated finalize changed the document: %q vs %q", second.Number, first.Number)
	}
	if got := f.countRows(t, "ledger_entries"); got != 1 {
		t.Fatalf("ledger entries = %d, want 1", got)
	}
	if got := f.countRows(t, "billing_events"); got != 1 {
		t.Fatalf("billing events = %d, want 1", got)
	}
}

func TestFinalizeZeroTotalSkipsLedger(t *testing.T) {
	f := newFixture(t, billingentitydomain.DocumentNumberingPerCustomer)
	ctx := context.Background()

	inv := f.createInvoice(t, func(i *domain.Invoice) {
		i.FeesAmountCents = 0
		i.TaxesAmountCents = 0
		i.TotalAmountCents = 0
	})
	if _, err := f.svc.FinalizeInvoice(ctx, f.org, inv.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if got := f.countRows(t, "ledger_entries"); got != 0 {
		t.Fatalf("zero-total invoice must not post, got %d entries", got)
	}
}

func TestVoidInvoice(t *testing.T) {
	f := newFixture(t, billingentitydomain.DocumentNumberingPerCustomer)
	ctx := context.Background()

	inv := f.createInvoice(t, nil)
	if _, err := f.svc.FinalizeInvoice(ctx, f.org, inv.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	got, err := f.svc.VoidInvoice(ctx, f.org, inv.ID)
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if got.Status != domain.InvoiceStatusVoided {
		t.Fatalf("status = %s, want VOIDED", got.Status)
	}
	if got.VoidedAt == nil {
		t.Fatalf("voided_at must be set")
	}
	if got.ReadyForPaymentProcessing {
		t.Fatalf("voided invoice must not be ready for payment processing")
	}

	// One posting at finalization, one reversal at void.
	if entries := f.countRows(t, "ledger_entries"); entries != 2 {
		t.Fatalf("ledger entries = %d, want 2", entries)
	}
	if lines := f.countRows(t, "ledger_entry_lines"); lines != 6 {
		t.Fatalf("ledger lines = %d, want 6", lines)
	}
}

func TestVoidDraftInvalid(t *testing.T) {
	f := newFixture(t, billingentitydomain.DocumentNumberingPerCustomer)

	inv := f.createInvoice(t, nil)
	if _, err := f.svc.VoidInvoice(context.Background(), f.org, inv.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestVoidBlockedWhenPaid(t *testing.T) {
	f := newFixture(t, billingentitydomain.DocumentNumberingPerCustomer)
	ctx := context.Background()

	inv := f.createInvoice(t, nil)
	if _, err := f.svc.FinalizeInvoice(ctx, f.org, inv.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := f.db.Exec(`UPDATE invoices SET total_paid_amount_cents = 1200 WHERE id = ?`, inv.ID).Error; err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	if _, err := f.svc.VoidInvoice(ctx, f.org, inv.ID); !errors.Is(err, domain.ErrInvoiceNotVoidable) {
		t.Fatalf("expected ErrInvoiceNotVoidable, got %v", err)
	}
}

func TestVoidBlockedByActiveCreditNote(t *testing.T) {
	f := newFixture(t, billingentitydomain.DocumentNumberingPerCustomer)
	ctx := context.Background()

	inv := f.createInvoice(t, nil)
	if _, err := f.svc.FinalizeInvoice(ctx, f.org, inv.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	note := creditnotedomain.CreditNote{
		ID:           f.node.Generate(),
		OrgID:        f.org,
		InvoiceID:    inv.ID,
		CustomerID:   f.customer.ID,
		SequentialID: 1,
		Currency:     "EUR",
		CreditStatus: creditnotedomain.CreditStatusAvailable,
	}
	if err := f.db.Create(&note).Error; err != nil {
		t.Fatalf("create credit note: %v", err)
	}

	if _, err := f.svc.VoidInvoice(ctx, f.org, inv.ID); !errors.Is(err, domain.ErrInvoiceNotVoidable) {
		t.Fatalf("expected ErrInvoiceNotVoidable, got %v", err)
	}

	if err := f.db.Exec(`UPDATE credit_notes SET credit_status = ? WHERE id = ?`, creditnotedomain.CreditStatusVoided, note.ID).Error; err != nil {
		t.Fatalf("void credit note: %v", err)
	}
	if _, err := f.svc.VoidInvoice(ctx, f.org, inv.ID); err != nil {
		t.Fatalf("void after credit note voided: %v", err)
	}
}

func TestFinalizeLockTimeoutLeavesInvoiceUntouched(t *testing.T) {
	f := newFixture(t, billingentitydomain.DocumentNumberingPerCustomer)
	ctx := context.Background()

	inv := f.createInvoice(t, nil)

	key := fmt.Sprintf("customer_sequential_id_%s", f.customer.ID)
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = f.locker.WithLock(ctx, key, func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	if _, err := f.svc.FinalizeInvoice(ctx, f.org, inv.ID); !errors.Is(err, sequence.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	reloaded, err := f.svc.GetByID(ctx, f.org, inv.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != domain.InvoiceStatusDraft || reloaded.Number != "" || reloaded.SequentialID != 0 {
		t.Fatalf("aborted finalization must leave the invoice untouched, got %+v", reloaded)
	}
}

func TestTransitionInvoice(t *testing.T) {
	f := newFixture(t, billingentitydomain.DocumentNumberingPerCustomer)
	ctx := context.Background()

	inv := f.createInvoice(t, func(i *domain.Invoice) { i.Status = domain.InvoiceStatusPending })
	got, err := f.svc.TransitionInvoice(ctx, f.org, inv.ID, domain.InvoiceStatusOpen)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.Status != domain.InvoiceStatusOpen {
		t.Fatalf("status = %s, want OPEN", got.Status)
	}

	if _, err := f.svc.TransitionInvoice(ctx, f.org, inv.ID, domain.InvoiceStatusDraft); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	f := newFixture(t, billingentitydomain.DocumentNumberingPerCustomer)

	if _, err := f.svc.GetByID(context.Background(), f.org, f.node.Generate()); !errors.Is(err, domain.ErrInvoiceNotFound) {
		t.Fatalf("expected ErrInvoiceNotFound, got %v", err)
	}
}
