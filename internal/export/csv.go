// Package export writes extracted records as CSV.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"

	"github.com/xkilldash9x/regscrape/internal/extract"
)

// Header returns the sorted union of every field name across records.
func Header(records []extract.Record) []string {
	seen := make(map[string]struct{})
	for _, r := range records {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	header := make([]string, 0, len(seen))
	for k := range seen {
		header = append(header, k)
	}
	sort.Strings(header)
	return header
}

// Write encodes records to w. Fields a record lacks are written empty.
func Write(w io.Writer, records []extract.Record) error {
	header := Header(records)
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	row := make([]string, len(header))
	for _, r := range records {
		for i, k := range header {
			row[i] = r[k]
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Encode returns the CSV text for records.
func Encode(records []extract.Record) (string, error) {
	var buf bytes.Buffer
	if err := Write(&buf, records); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Read decodes a CSV produced by Write. Every record carries every header
// field.
func Read(r io.Reader) ([]extract.Record, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	var out []extract.Record
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv row: %w", err)
		}
		rec := make(extract.Record, len(header))
		for i, k := range header {
			rec[k] = row[i]
		}
		out = append(out, rec)
	}
}

// Filename is the attachment name for a run finished at t.
func Filename(t time.Time) string {
	return fmt.Sprintf("registrations_%s.csv", t.Format("20060102_150405"))
}

// Files writes CSV files into a directory of an afero filesystem.
type Files struct {
	fs  afero.Fs
	dir string
}

func NewFiles(fs afero.Fs, dir string) *Files {
	return &Files{fs: fs, dir: dir}
}

// Save writes records to Filename(t) under the directory and returns the path.
func (f *Files) Save(records []extract.Record, t time.Time) (string, error) {
	return f.SaveAs(filepath.Join(f.dir, Filename(t)), records)
}

// SaveAs writes records to path, creating parent directories.
func (f *Files) SaveAs(path string, records []extract.Record) (string, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := f.fs.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create output directory %s: %w", dir, err)
		}
	}
	file, err := f.fs.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := Write(file, records); err != nil {
		file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", path, err)
	}
	return path, nil
}

// Load reads a CSV file written by Save.
func (f *Files) Load(path string) ([]extract.Record, error) {
	file, err := f.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()
	return Read(file)
}

// WriteBytes stores raw bytes, used for debug screenshots.
func (f *Files) WriteBytes(name string, data []byte) (string, error) {
	path := filepath.Join(f.dir, name)
	if err := f.fs.MkdirAll(f.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", f.dir, err)
	}
	if err := afero.WriteFile(f.fs, path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
