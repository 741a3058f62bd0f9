package billingperiod

import (
	"time"

	feedomain "github.com/billably/billably/internal/fee/domain"
	"gorm.io/datatypes"
)

// Property keys used when boundaries are stored on a fee.
const (
	PropertyFromDatetime        = "from_datetime"
	PropertyToDatetime          = "to_datetime"
	PropertyChargesFromDatetime = "charges_from_datetime"
	PropertyChargesToDatetime   = "charges_to_datetime"
	PropertyChargesDuration     = "charges_duration"
	PropertyTimestamp           = "timestamp"
	PropertyIssuingDate         = "issuing_date"
)

const issuingDateLayout = "2006-01-02"

// Boundaries describes the edges of one billing cycle: the subscription
// window, the charge window (which can diverge when charges bill on a
// different split), the instant the boundaries were computed for, and an
// optional issuing-date override.
//
// No validation happens at construction; the object doubles as a lossy
// round-trip carrier for already-validated data, so nil fields mean
// "unknown period" and downstream consumers skip period-dependent math.
type Boundaries struct {
	FromDatetime        *time.Time
	ToDatetime          *time.Time
	ChargesFromDatetime *time.Time
	ChargesToDatetime   *time.Time
	ChargesDuration     *int
	Timestamp           *time.Time
	IssuingDate         *time.Time
}

// FromFee reconstructs boundaries from a fee's stored properties. A nil fee
// yields zero boundaries; unparsable fields come back nil.
func FromFee(fee *feedomain.Fee) Boundaries {
	if fee == nil {
		return FromProperties(nil)
	}
	return FromProperties(fee.Properties)
}

// FromProperties parses a string-keyed property map into boundaries.
func FromProperties(props datatypes.JSONMap) Boundaries {
	return Boundaries{
		FromDatetime:        parseDatetime(props[PropertyFromDatetime]),
		ToDatetime:          parseDatetime(props[PropertyToDatetime]),
		ChargesFromDatetime: parseDatetime(props[PropertyChargesFromDatetime]),
		ChargesToDatetime:   parseDatetime(props[PropertyChargesToDatetime]),
		ChargesDuration:     parseDuration(props[PropertyChargesDuration]),
		Timestamp:           parseDatetime(props[PropertyTimestamp]),
		IssuingDate:         parseDate(props[PropertyIssuingDate]),
	}
}

// ToMap serializes boundaries back into a fee-storable property map,
// omitting the issuing date when absent.
func (b Boundaries) ToMap() datatypes.JSONMap {
	out := datatypes.JSONMap{
		PropertyFromDatetime:        formatDatetime(b.FromDatetime),
		PropertyToDatetime:          formatDatetime(b.ToDatetime),
		PropertyChargesFromDatetime: formatDatetime(b.ChargesFromDatetime),
		PropertyChargesToDatetime:   formatDatetime(b.ChargesToDatetime),
		PropertyChargesDuration:     formatDuration(b.ChargesDuration),
		PropertyTimestamp:           formatDatetime(b.Timestamp),
	}
	if b.IssuingDate != nil {
		out[PropertyIssuingDate] = b.IssuingDate.Format(issuingDateLayout)
	}
	return out
}

// SetChargesTo adjusts the charge window end. This is the one field callers
// may rewrite before handing boundaries to a downstream computation.
func (b *Boundaries) SetChargesTo(at time.Time) {
	at = at.UTC()
	b.ChargesToDatetime = &at
}

func parseDatetime(value any) *time.Time {
	switch typed := value.(type) {
	case nil:
		return nil
	case time.Time:
		utc := typed.UTC()
		return &utc
	case string:
		if typed == "" {
			return nil
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", issuingDateLayout} {
			if parsed, err := time.Parse(layout, typed); err == nil {
				utc := parsed.UTC()
				return &utc
			}
		}
		return nil
	default:
		return nil
	}
}

func parseDate(value any) *time.Time {
	parsed := parseDatetime(value)
	if parsed == nil {
		return nil
	}
	day := time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC)
	return &day
}

func parseDuration(value any) *int {
	switch typed := value.(type) {
	case nil:
		return nil
	case int:
		return &typed
	case int64:
		days := int(typed)
		return &days
	case float64:
		days := int(typed)
		return &days
	default:
		return nil
	}
}

func formatDatetime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339)
}

func formatDuration(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}
