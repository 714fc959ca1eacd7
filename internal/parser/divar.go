package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/listing-harvester/internal/models"
)

const (
	LabelBrandModel = "برند و تیپ"
	LabelGearbox    = "گیربکس"
	LabelFuelType   = "نوع سوخت"
	LabelPrice      = "قیمت پایه"

	CurrencyMarker = "تومان"

	// DefaultCity is written into every record. The detail page carries a
	// district but it is not read yet.
	DefaultCity = "iran"
)

const (
	rowSelector       = "div.kt-base-row"
	rowTitleSelector  = "p.kt-base-row__title"
	rowValueSelector  = "p.kt-unexpandable-row__value"
	rowActionSelector = "a.kt-unexpandable-row__action"
	rowEndSelector    = "div.kt-base-row__end"
	specTableSelector = "table.kt-group-row"
	specRowSelector   = "tbody tr.kt-group-row__data-row"
	specValueSelector = "td.kt-group-row-item__value"
)

var pricePattern = regexp.MustCompile(`[\d۰-۹٠-٩،٬,]+ ` + CurrencyMarker)

// LabelRow reads the value cell next to a row title with exactly Label.
type LabelRow struct {
	Label string
}

func (s LabelRow) Name() string { return "label_row:" + s.Label }

func (s LabelRow) Find(doc *goquery.Document) (string, bool) {
	var value string
	doc.Find(rowTitleSelector).EachWithBreak(func(_ int, title *goquery.Selection) bool {
		if strings.TrimSpace(title.Text()) != s.Label {
			return true
		}
		row := title.Closest(rowSelector)
		if row.Length() == 0 {
			return true
		}
		for _, sel := range []string{rowValueSelector, rowActionSelector, rowEndSelector} {
			if v := strings.TrimSpace(row.Find(sel).First().Text()); v != "" {
				value = v
				return false
			}
		}
		return true
	})
	return value, value != ""
}

// ValueScan returns the first value cell on the page that Match accepts.
type ValueScan struct {
	Label string
	Match func(text string) bool
}

func (s ValueScan) Name() string { return "value_scan:" + s.Label }

func (s ValueScan) Find(doc *goquery.Document) (string, bool) {
	var value string
	doc.Find(rowValueSelector).EachWithBreak(func(_ int, cell *goquery.Selection) bool {
		text := strings.TrimSpace(cell.Text())
		if text != "" && s.Match(text) {
			value = text
			return false
		}
		return true
	})
	return value, value != ""
}

// PagePattern takes the first match of Pattern across the whole page text.
type PagePattern struct {
	Pattern *regexp.Regexp
}

func (s PagePattern) Name() string { return "page_pattern:" + s.Pattern.String() }

func (s PagePattern) Find(doc *goquery.Document) (string, bool) {
	m := s.Pattern.FindString(doc.Text())
	m = strings.TrimSpace(m)
	return m, m != ""
}

func looksLikePrice(text string) bool {
	if !strings.Contains(text, CurrencyMarker) {
		return false
	}
	return strings.IndexFunc(text, isAnyDigit) >= 0
}

func isAnyDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= '۰' && r <= '۹') || (r >= '٠' && r <= '٩')
}

// SpecTable holds the positional cells of the kt-group-row table.
type SpecTable struct {
	Mileage string
	Year    string
	Color   string
}

// ReadSpecTable maps the first three data cells to mileage, year and color.
// Anything short of three cells yields an empty table.
func ReadSpecTable(doc *goquery.Document) SpecTable {
	cells := doc.Find(specTableSelector).First().Find(specRowSelector).First().Find(specValueSelector)
	if cells.Length() < 3 {
		return SpecTable{}
	}
	text := func(i int) string { return strings.TrimSpace(cells.Eq(i).Text()) }
	return SpecTable{Mileage: text(0), Year: text(1), Color: text(2)}
}

// DivarExtractor reads car listings from divar.ir detail pages.
type DivarExtractor struct {
	BrandModel Chain
	Gearbox    Chain
	FuelType   Chain
	Price      Chain
	City       string
}

func NewDivarExtractor() *DivarExtractor {
	return &DivarExtractor{
		BrandModel: Chain{LabelRow{Label: LabelBrandModel}},
		Gearbox:    Chain{LabelRow{Label: LabelGearbox}},
		FuelType:   Chain{LabelRow{Label: LabelFuelType}},
		Price: Chain{
			LabelRow{Label: LabelPrice},
			ValueScan{Label: "price", Match: looksLikePrice},
			PagePattern{Pattern: pricePattern},
		},
		City: DefaultCity,
	}
}

func (e *DivarExtractor) Extract(doc *goquery.Document, url string) models.RawRecord {
	if doc == nil {
		return models.RawRecord{City: e.City, URL: url}
	}
	table := ReadSpecTable(doc)
	return models.RawRecord{
		BrandModel: e.BrandModel.Resolve(doc),
		Year:       table.Year,
		Mileage:    table.Mileage,
		Color:      table.Color,
		Gearbox:    e.Gearbox.Resolve(doc),
		FuelType:   e.FuelType.Resolve(doc),
		Price:      e.Price.Resolve(doc),
		City:       e.City,
		URL:        url,
	}
}
