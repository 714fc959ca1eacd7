package parser

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const itemURL = "https://divar.ir/v/peugeot-206-model-1398/wXyZ1234"

func labelRow(label, valueHTML string) string {
	return `<div class="kt-base-row kt-base-row--large kt-unexpandable-row">
	<div class="kt-base-row__start"><p class="kt-base-row__title kt-unexpandable-row__title">` + label + `</p></div>
	<div class="kt-base-row__end kt-unexpandable-row__value-box">` + valueHTML + `</div>
</div>`
}

const specTable = `<table class="kt-group-row">
	<thead><tr><th>کارکرد</th><th>مدل (سال تولید)</th><th>رنگ</th></tr></thead>
	<tbody>
		<tr class="kt-group-row__data-row">
			<td class="kt-group-row-item kt-group-row-item__value">۸۵٬۰۰۰</td>
			<td class="kt-group-row-item kt-group-row-item__value">۱۳۹۸</td>
			<td class="kt-group-row-item kt-group-row-item__value">سفید</td>
		</tr>
	</tbody>
</table>`

func page(body ...string) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<html><body>" + strings.Join(body, "\n") + "</body></html>"))
	if err != nil {
		panic(err)
	}
	return doc
}

func fullPage() *goquery.Document {
	return page(
		specTable,
		labelRow(LabelBrandModel, `<a class="kt-unexpandable-row__action kt-text-truncate" href="/s/iran/car/peugeot/206">پژو ۲۰۶ تیپ ۲</a>`),
		labelRow(LabelGearbox, `<p class="kt-unexpandable-row__value">دنده‌ای</p>`),
		labelRow(LabelFuelType, `<p class="kt-unexpandable-row__value">بنزینی</p>`),
		labelRow(LabelPrice, `<p class="kt-unexpandable-row__value">۲۵,۰۰۰,۰۰۰ تومان</p>`),
	)
}

func TestDivarExtractorFullPage(t *testing.T) {
	rec := NewDivarExtractor().Extract(fullPage(), itemURL)

	assert.Equal(t, "پژو ۲۰۶ تیپ ۲", rec.BrandModel)
	assert.Equal(t, "۱۳۹۸", rec.Year)
	assert.Equal(t, "۸۵٬۰۰۰", rec.Mileage)
	assert.Equal(t, "سفید", rec.Color)
	assert.Equal(t, "دنده‌ای", rec.Gearbox)
	assert.Equal(t, "بنزینی", rec.FuelType)
	assert.Equal(t, "۲۵,۰۰۰,۰۰۰ تومان", rec.Price)
	assert.Equal(t, DefaultCity, rec.City)
	assert.Equal(t, itemURL, rec.URL)
	assert.Len(t, rec.Fields(), 9)
}

func TestDivarExtractorMissingPrice(t *testing.T) {
	doc := page(
		specTable,
		labelRow(LabelBrandModel, `<p class="kt-unexpandable-row__value">پراید ۱۳۱</p>`),
		labelRow(LabelGearbox, `<p class="kt-unexpandable-row__value">دنده‌ای</p>`),
		labelRow(LabelFuelType, `<p class="kt-unexpandable-row__value">بنزینی</p>`),
	)

	rec := NewDivarExtractor().Extract(doc, itemURL)
	assert.Equal(t, "", rec.Price)
	assert.Equal(t, "پراید ۱۳۱", rec.BrandModel)
	assert.Len(t, rec.Fields(), 9)
}

func TestDivarExtractorEmptyDocument(t *testing.T) {
	e := NewDivarExtractor()

	rec := e.Extract(page(), itemURL)
	assert.Equal(t, itemURL, rec.URL)
	assert.Equal(t, DefaultCity, rec.City)
	assert.Empty(t, rec.BrandModel)
	assert.Empty(t, rec.Price)

	rec = e.Extract(nil, itemURL)
	assert.Equal(t, itemURL, rec.URL)
}

func TestLabelRowValueVariants(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"plain value", `<p class="kt-unexpandable-row__value">اتوماتیک</p>`, "اتوماتیک"},
		{"link value", `<a class="kt-unexpandable-row__action">اتوماتیک</a>`, "اتوماتیک"},
		{"bare end section", `<span>اتوماتیک</span>`, "اتوماتیک"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := LabelRow{Label: LabelGearbox}.Find(page(labelRow(LabelGearbox, tt.value)))
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLabelRowRequiresExactLabel(t *testing.T) {
	doc := page(labelRow("قیمت پایه (قابل مذاکره)", `<p class="kt-unexpandable-row__value">۱۰۰ تومان</p>`))

	_, ok := LabelRow{Label: LabelPrice}.Find(doc)
	assert.False(t, ok)
}

func TestPriceFallbacks(t *testing.T) {
	e := NewDivarExtractor()

	t.Run("value scan", func(t *testing.T) {
		doc := page(labelRow("قیمت کل", `<p class="kt-unexpandable-row__value">۴۲۰,۰۰۰,۰۰۰ تومان</p>`))
		assert.Equal(t, "۴۲۰,۰۰۰,۰۰۰ تومان", e.Price.Resolve(doc))
	})

	t.Run("value scan skips cells without digits", func(t *testing.T) {
		doc := page(
			`<p class="kt-unexpandable-row__value">توافقی تومان</p>`,
			`<p class="kt-unexpandable-row__value">۳۱۰,۰۰۰,۰۰۰ تومان</p>`,
		)
		assert.Equal(t, "۳۱۰,۰۰۰,۰۰۰ تومان", e.Price.Resolve(doc))
	})

	t.Run("page pattern", func(t *testing.T) {
		doc := page(`<div class="post-header">قیمت: ۱۵۰،۰۰۰،۰۰۰ تومان</div>`)
		assert.Equal(t, "۱۵۰،۰۰۰،۰۰۰ تومان", e.Price.Resolve(doc))
	})

	t.Run("nothing", func(t *testing.T) {
		doc := page(`<div>بدون قیمت</div>`)
		_, ok := e.Price.Find(doc)
		assert.False(t, ok)
	})
}

func TestChainStopsAtFirstHit(t *testing.T) {
	var calls []string
	record := func(name, value string) Strategy {
		return StrategyFunc{Label: name, Fn: func(*goquery.Document) (string, bool) {
			calls = append(calls, name)
			return value, value != ""
		}}
	}

	chain := Chain{record("a", ""), record("b", "hit"), record("c", "late")}
	v, ok := chain.Find(page())

	require.True(t, ok)
	assert.Equal(t, "hit", v)
	assert.Equal(t, []string{"a", "b"}, calls)
	assert.Equal(t, "b", chain[1].Name())
}

func TestReadSpecTable(t *testing.T) {
	got := ReadSpecTable(page(specTable))
	assert.Equal(t, SpecTable{Mileage: "۸۵٬۰۰۰", Year: "۱۳۹۸", Color: "سفید"}, got)

	short := `<table class="kt-group-row"><tbody><tr class="kt-group-row__data-row">
		<td class="kt-group-row-item__value">۸۵٬۰۰۰</td>
		<td class="kt-group-row-item__value">۱۳۹۸</td>
	</tr></tbody></table>`
	assert.Equal(t, SpecTable{}, ReadSpecTable(page(short)))
	assert.Equal(t, SpecTable{}, ReadSpecTable(page()))
}
