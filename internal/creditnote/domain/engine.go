package domain

import (
	"github.com/shopspring/decimal"

	feedomain "github.com/billably/billably/internal/fee/domain"
	invoicedomain "github.com/billably/billably/internal/invoice/domain"
	walletdomain "github.com/billably/billably/internal/wallet/domain"
)

var oneHundred = decimal.NewFromInt(100)

// AvailableToCreditAmountCents computes how much of the invoice can still be
// issued as credit notes. Fees carry their already-credited amounts, so the
// result shrinks as notes are issued and never double-counts prior ones.
//
// Invoice-level coupons (and progressive-billing credit) were never broken
// down per fee, so their share is distributed across fees in proportion to
// each fee's weight in the invoice total, then VAT is recomputed on the
// post-coupon amounts. The VAT sum is rounded once at the end; the cent-level
// imprecision this carries matches issued historical documents and must not
// change without a version bump.
func AvailableToCreditAmountCents(inv *invoicedomain.Invoice, fees []feedomain.Fee) int64 {
	if inv == nil || inv.VersionNumber < invoicedomain.CreditNotesMinVersion || inv.Draft() {
		return 0
	}

	feesTotal := decimal.Zero
	for i := range fees {
		feesTotal = feesTotal.Add(decimal.NewFromInt(fees[i].CreditableAmountCents()))
	}
	if feesTotal.IsZero() {
		return 0
	}

	adjustment := creditAdjustment(inv, feesTotal)

	vat := decimal.Zero
	for i := range fees {
		creditable := decimal.NewFromInt(fees[i].CreditableAmountCents())
		adjusted := creditable.Sub(creditable.Div(feesTotal).Mul(adjustment))
		vat = vat.Add(adjusted.Mul(decimal.NewFromFloat(fees[i].TaxesRate)))
	}
	vat = vat.Div(oneHundred).Round(0)

	return feesTotal.Sub(adjustment).Round(0).Add(vat).IntPart()
}

// CreditableAmountCents is the external ceiling for new credit: zero for
// credit-type invoices, which are refunded through their wallet instead.
func CreditableAmountCents(inv *invoicedomain.Invoice, fees []feedomain.Fee) int64 {
	if inv != nil && inv.CreditInvoice() {
		return 0
	}
	return AvailableToCreditAmountCents(inv, fees)
}

// RefundableAmountCents computes how much cash can still go back to the
// customer: what was actually paid, minus everything prior credit notes
// already returned, capped for credit-type invoices at the remaining balance
// of the wallet the invoice funded.
func RefundableAmountCents(inv *invoicedomain.Invoice, creditNotes []CreditNote, wallet *walletdomain.Wallet) int64 {
	if inv == nil || inv.VersionNumber < invoicedomain.CreditNotesMinVersion || inv.Draft() {
		return 0
	}
	if !inv.PaymentSucceeded && inv.TotalPaidAmountCents == inv.TotalAmountCents {
		return 0
	}

	amount := inv.TotalPaidAmountCents
	for i := range creditNotes {
		if creditNotes[i].CreditStatus == CreditStatusVoided {
			continue
		}
		amount -= creditNotes[i].RefundAmountCents + creditNotes[i].CreditAmountCents
	}
	if amount < 0 {
		amount = 0
	}

	if inv.CreditInvoice() {
		if wallet == nil || !wallet.Active() {
			return 0
		}
		if amount > wallet.BalanceCents {
			return wallet.BalanceCents
		}
	}
	return amount
}

func creditAdjustment(inv *invoicedomain.Invoice, feesTotal decimal.Decimal) decimal.Decimal {
	if inv.VersionNumber < invoicedomain.CouponBeforeVATVersion {
		return decimal.Zero
	}
	if inv.FeesAmountCents == 0 {
		return decimal.Zero
	}
	discounts := decimal.NewFromInt(inv.CouponsAmountCents + inv.ProgressiveBillingCreditAmountCents)
	return discounts.Div(decimal.NewFromInt(inv.FeesAmountCents)).Mul(feesTotal)
}
