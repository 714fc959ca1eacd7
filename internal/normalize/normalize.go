package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"github.com/maltedev/listing-harvester/internal/models"
)

var (
	ErrIncomplete = errors.New("record has no usable price")
	ErrPriceFloor = errors.New("price at or below plausibility floor")
	ErrNotNumeric = errors.New("value has no digits")
)

const DefaultPriceFloor int64 = 1_000_000

// digitFolder maps Persian and Arabic-Indic digits to ASCII and the Arabic
// separators to their Latin counterparts.
var digitFolder = runes.Map(func(r rune) rune {
	switch {
	case r >= '۰' && r <= '۹':
		return '0' + (r - '۰')
	case r >= '٠' && r <= '٩':
		return '0' + (r - '٠')
	case r == '٬' || r == '،':
		return ','
	case r == '٫':
		return '.'
	}
	return r
})

// FoldDigits rewrites localized digit glyphs as ASCII digits.
func FoldDigits(s string) string {
	out, _, err := transform.String(digitFolder, s)
	if err != nil {
		return s
	}
	return out
}

var keepNumeric = runes.Remove(runes.Predicate(func(r rune) bool {
	return !(r >= '0' && r <= '9') && r != ',' && r != '.'
}))

// ParseNumber folds digits, drops everything but digits and separators, then
// drops the separators and parses the remainder.
func ParseNumber(s string) (int64, error) {
	folded := FoldDigits(s)
	digits, _, err := transform.String(keepNumeric, folded)
	if err != nil {
		return 0, fmt.Errorf("failed to clean %q: %w", s, err)
	}
	digits = strings.NewReplacer(",", "", ".", "").Replace(digits)
	if digits == "" {
		return 0, fmt.Errorf("%w: %q", ErrNotNumeric, s)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %q: %w", s, err)
	}
	return n, nil
}

// HasDigit reports whether s carries at least one digit in any supported script.
func HasDigit(s string) bool {
	for _, r := range FoldDigits(s) {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

// YearPolicy converts years that look like they are in another calendar.
type YearPolicy interface {
	Convert(year int) int
}

// OffsetYearPolicy subtracts Offset from any year above Threshold, treating
// it as gregorian and mapping it onto the solar hijri calendar. Approximate:
// the offset ignores the new-year boundary, and a hijri year above the
// threshold is converted too.
type OffsetYearPolicy struct {
	Threshold int
	Offset    int
}

func DefaultYearPolicy() OffsetYearPolicy {
	return OffsetYearPolicy{Threshold: 1400, Offset: 621}
}

func (p OffsetYearPolicy) Convert(year int) int {
	if year > p.Threshold {
		return year - p.Offset
	}
	return year
}

// KeepYear leaves years untouched.
type KeepYear struct{}

func (KeepYear) Convert(year int) int { return year }

type Normalizer struct {
	PriceFloor int64
	Years      YearPolicy
}

func New() *Normalizer {
	return &Normalizer{
		PriceFloor: DefaultPriceFloor,
		Years:      DefaultYearPolicy(),
	}
}

// Normalize turns a raw record into a clean one or explains why it cannot.
func (n *Normalizer) Normalize(raw models.RawRecord) (models.CleanRecord, error) {
	price := strings.TrimSpace(raw.Price)
	if price == "" || !HasDigit(price) {
		return models.CleanRecord{}, ErrIncomplete
	}

	parsed, err := ParseNumber(price)
	if err != nil {
		return models.CleanRecord{}, fmt.Errorf("%w: %v", ErrIncomplete, err)
	}
	if parsed <= n.PriceFloor {
		return models.CleanRecord{}, fmt.Errorf("%w: %d", ErrPriceFloor, parsed)
	}

	rec := models.CleanRecord{
		BrandModel: strings.TrimSpace(raw.BrandModel),
		Color:      strings.TrimSpace(raw.Color),
		Gearbox:    strings.TrimSpace(raw.Gearbox),
		FuelType:   strings.TrimSpace(raw.FuelType),
		Price:      parsed,
		City:       strings.TrimSpace(raw.City),
		URL:        strings.TrimSpace(raw.URL),
	}

	if year, ok := optionalInt(raw.Year); ok {
		if n.Years != nil {
			year = n.Years.Convert(year)
		}
		rec.Year = &year
	}
	if mileage, ok := optionalInt(raw.Mileage); ok {
		rec.Mileage = &mileage
	}

	return rec, nil
}

func optionalInt(s string) (int, bool) {
	if !HasDigit(s) {
		return 0, false
	}
	n, err := ParseNumber(s)
	if err != nil {
		return 0, false
	}
	return int(n), true
}
