package models

import (
	"strconv"
	"time"
)

// Quota bounds a single crawl run. It is never mutated once the run starts.
type Quota struct {
	MaxItems            int `json:"max_items"`
	MaxIterations       int `json:"max_iterations"`
	MaxConsecutiveEmpty int `json:"max_consecutive_empty"`
}

func DefaultQuota() Quota {
	return Quota{
		MaxItems:            50,
		MaxIterations:       60,
		MaxConsecutiveEmpty: 3,
	}
}

// TerminationReason explains why a crawl loop stopped.
type TerminationReason string

const (
	ReasonQuotaReached  TerminationReason = "quota_reached"
	ReasonMaxIterations TerminationReason = "max_iterations"
	ReasonStalled       TerminationReason = "stalled"
	ReasonError         TerminationReason = "error"
	ReasonCanceled      TerminationReason = "canceled"
)

// SearchParams is what a user asks for. Only BrandModel drives the listing
// query; the rest identify the dataset file and feed the trainer downstream.
type SearchParams struct {
	BrandModel string `json:"brand_model"`
	YearModel  int    `json:"year_model"`
	Mileage    int    `json:"mileage"`
	Gearbox    string `json:"gearbox"`
	FuelType   string `json:"fuel_type"`
}

type CrawlResult struct {
	URLs       []string          `json:"urls"`
	Reason     TerminationReason `json:"termination_reason"`
	Iterations int               `json:"iterations"`
	Err        error             `json:"-"`
}

// RawRecord holds untyped field values exactly as read from a detail page.
type RawRecord struct {
	BrandModel string
	Year       string
	Mileage    string
	Color      string
	Gearbox    string
	FuelType   string
	Price      string
	City       string
	URL        string
}

// Fields returns the record in dataset column order.
func (r RawRecord) Fields() []string {
	return []string{r.BrandModel, r.Year, r.Mileage, r.Color, r.Gearbox, r.FuelType, r.Price, r.City, r.URL}
}

// CleanRecord is the validated, typed projection of a RawRecord. Year and
// Mileage are nil when the page did not carry a parseable value.
type CleanRecord struct {
	BrandModel string `json:"brand_model"`
	Year       *int   `json:"year_model,omitempty"`
	Mileage    *int   `json:"mileage,omitempty"`
	Color      string `json:"color"`
	Gearbox    string `json:"gearbox"`
	FuelType   string `json:"fuel_type"`
	Price      int64  `json:"price"`
	City       string `json:"city"`
	URL        string `json:"url"`
}

// DatasetHeader is the exact header row of every dataset file.
var DatasetHeader = []string{"brand_model", "year_model", "mileage", "color", "gearbox", "fuel_type", "price", "city", "url"}

// Row renders the record as a dataset row; missing optional ints are empty cells.
func (c CleanRecord) Row() []string {
	return []string{
		c.BrandModel,
		optionalInt(c.Year),
		optionalInt(c.Mileage),
		c.Color,
		c.Gearbox,
		c.FuelType,
		strconv.FormatInt(c.Price, 10),
		c.City,
		c.URL,
	}
}

func optionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

// FailedLink is an item that could not be turned into a CleanRecord.
type FailedLink struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

type ExtractResult struct {
	Found       int          `json:"found"`
	Written     int          `json:"written"`
	Failed      []FailedLink `json:"failed_links"`
	DatasetPath string       `json:"dataset_path"`
}

// FailedURLs returns just the URLs of failed items.
func (r ExtractResult) FailedURLs() []string {
	urls := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		urls = append(urls, f.URL)
	}
	return urls
}

// RunSummary is the history entry stored after a finished run.
type RunSummary struct {
	ID          string            `json:"id"`
	Params      SearchParams      `json:"params"`
	Reason      TerminationReason `json:"termination_reason"`
	URLsFound   int               `json:"urls_found"`
	Written     int               `json:"written"`
	Failed      int               `json:"failed"`
	DatasetPath string            `json:"dataset_path"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
}
