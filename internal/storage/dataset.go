package storage

import (
	"crypto/md5"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/maltedev/listing-harvester/internal/models"
)

var ErrWrite = errors.New("dataset write failed")

// utf8BOM lets spreadsheet tools detect the encoding.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DatasetWriter appends clean records to CSV files, creating each file with
// its header on first write. Safe for concurrent use.
type DatasetWriter struct {
	mu sync.Mutex
}

func NewDatasetWriter() *DatasetWriter {
	return &DatasetWriter{}
}

func (w *DatasetWriter) Write(path string, records ...models.CleanRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}

	info, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr) || (statErr == nil && info.Size() == 0)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	defer f.Close()

	if fresh {
		if _, err := f.Write(utf8BOM); err != nil {
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}

	cw := csv.NewWriter(f)
	if fresh {
		if err := cw.Write(models.DatasetHeader); err != nil {
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}
	for _, rec := range records {
		if err := cw.Write(rec.Row()); err != nil {
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// DatasetPath names the file for one search-parameter combination.
func DatasetPath(dir string, p models.SearchParams) string {
	key := p.BrandModel + "_" + strconv.Itoa(p.YearModel) + "_" + strconv.Itoa(p.Mileage) + "_" + p.Gearbox + "_" + p.FuelType
	sum := md5.Sum([]byte(key))
	return filepath.Join(dir, "user_data_"+hex.EncodeToString(sum[:])[:8]+".csv")
}
