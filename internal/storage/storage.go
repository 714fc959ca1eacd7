package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

type LinkStatus string

const (
	StatusPending   LinkStatus = "pending"
	StatusCompleted LinkStatus = "completed"
	StatusFailed    LinkStatus = "failed"
)

// ItemLink is the ledger entry for one canonical item URL. Dataset is the
// file of the search that last discovered it.
type ItemLink struct {
	URL       string     `json:"url"`
	Dataset   string     `json:"dataset,omitempty"`
	Status    LinkStatus `json:"status"`
	AddedAt   time.Time  `json:"added_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Error     string     `json:"error,omitempty"`
}

// LinkStorage is a JSON-file ledger of item links and their outcome, keyed by
// canonical URL. A later run can re-drive the failed ones.
type LinkStorage struct {
	mu       sync.RWMutex
	links    map[string]*ItemLink
	filename string
	now      func() time.Time
}

func NewLinkStorage(filename string) (*LinkStorage, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	ls := &LinkStorage{
		links:    make(map[string]*ItemLink),
		filename: filename,
		now:      time.Now,
	}

	if err := ls.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return ls, nil
}

// AddPending records urls as pending for dataset. Entries already in the
// ledger for the same dataset keep their status; entries not yet tied to a
// dataset adopt it. An entry found by another search moves to dataset and
// starts over as pending.
func (ls *LinkStorage) AddPending(dataset string, urls []string) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := ls.now()
	for _, u := range urls {
		if u == "" {
			continue
		}
		if link, exists := ls.links[u]; exists {
			switch {
			case link.Dataset == dataset:
			case link.Dataset == "":
				link.Dataset = dataset
			default:
				link.Dataset = dataset
				link.Status = StatusPending
				link.Error = ""
				link.UpdatedAt = now
			}
			continue
		}
		ls.links[u] = &ItemLink{
			URL:       u,
			Dataset:   dataset,
			Status:    StatusPending,
			AddedAt:   now,
			UpdatedAt: now,
		}
	}

	return ls.save()
}

func (ls *LinkStorage) Get(url string) (ItemLink, bool) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	link, exists := ls.links[url]
	if !exists {
		return ItemLink{}, false
	}
	return *link, true
}

// GetByStatus returns matching urls in sorted order.
func (ls *LinkStorage) GetByStatus(status LinkStatus) []string {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	var urls []string
	for u, link := range ls.links {
		if link.Status == status {
			urls = append(urls, u)
		}
	}
	sort.Strings(urls)
	return urls
}

// GetByDataset returns the urls of dataset with the given status, sorted.
func (ls *LinkStorage) GetByDataset(dataset string, status LinkStatus) []string {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	var urls []string
	for u, link := range ls.links {
		if link.Dataset == dataset && link.Status == status {
			urls = append(urls, u)
		}
	}
	sort.Strings(urls)
	return urls
}

// MarkCompleted and MarkFailed record an item outcome, adding the url if needed.
func (ls *LinkStorage) MarkCompleted(url string) error {
	return ls.updateStatus(url, StatusCompleted, "")
}

func (ls *LinkStorage) MarkFailed(url, reason string) error {
	return ls.updateStatus(url, StatusFailed, reason)
}

func (ls *LinkStorage) updateStatus(url string, status LinkStatus, errorMsg string) error {
	if url == "" {
		return fmt.Errorf("url is required")
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := ls.now()
	link, exists := ls.links[url]
	if !exists {
		link = &ItemLink{URL: url, AddedAt: now}
		ls.links[url] = link
	}

	link.Status = status
	link.UpdatedAt = now
	link.Error = errorMsg

	return ls.save()
}

func (ls *LinkStorage) GetStats() map[string]int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	stats := make(map[string]int)
	for _, link := range ls.links {
		stats[string(link.Status)]++
	}
	stats["total"] = len(ls.links)
	return stats
}

func (ls *LinkStorage) save() error {
	data, err := json.MarshalIndent(ls.links, "", "  ")
	if err != nil {
		return err
	}

	tmpFile := ls.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write link ledger: %w", err)
	}

	return os.Rename(tmpFile, ls.filename)
}

func (ls *LinkStorage) Load() error {
	data, err := os.ReadFile(ls.filename)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, &ls.links)
}
