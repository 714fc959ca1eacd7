package parser

import (
	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/listing-harvester/internal/models"
)

// Extractor turns one rendered detail page into a raw record. Implementations
// never fail: a field nothing could find is left empty.
type Extractor interface {
	Extract(doc *goquery.Document, url string) models.RawRecord
}

// Strategy is a single attempt at locating one field.
type Strategy interface {
	Name() string
	Find(doc *goquery.Document) (string, bool)
}

// Chain tries its strategies in order and stops at the first hit.
type Chain []Strategy

func (c Chain) Find(doc *goquery.Document) (string, bool) {
	for _, s := range c {
		if v, ok := s.Find(doc); ok {
			return v, true
		}
	}
	return "", false
}

// Resolve is Find that returns the empty string on a miss.
func (c Chain) Resolve(doc *goquery.Document) string {
	v, _ := c.Find(doc)
	return v
}

// StrategyFunc adapts a plain function into a Strategy.
type StrategyFunc struct {
	Label string
	Fn    func(doc *goquery.Document) (string, bool)
}

func (f StrategyFunc) Name() string { return f.Label }

func (f StrategyFunc) Find(doc *goquery.Document) (string, bool) {
	return f.Fn(doc)
}
