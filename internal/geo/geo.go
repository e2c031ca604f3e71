// Package geo maps datacenter codes reported by trace probes to a
// geographic label. The table is static and loaded once at startup.
package geo

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// ErrUnresolved is the soft failure for a code missing from the table.
var ErrUnresolved = errors.New("geo: code not in reference table")

// Record is one row of the reference table.
type Record struct {
	Code    string `csv:"code" json:"code"`
	Country string `csv:"country" json:"country"`
	Region  string `csv:"region" json:"region"`
	Emoji   string `csv:"emoji" json:"emoji"`
}

// Resolver is what the aggregator needs from the table.
type Resolver interface {
	Resolve(code string) (Record, error)
}

// Table is an immutable code -> Record index.
type Table struct {
	byCode map[string]Record
}

// NewTable indexes records by upper-cased code. Empty codes and an empty
// record set are rejected.
func NewTable(records []Record) (*Table, error) {
	if len(records) == 0 {
		return nil, errors.New("geo: reference table is empty")
	}
	t := &Table{byCode: make(map[string]Record, len(records))}
	for i, r := range records {
		r.Code = normalizeCode(r.Code)
		if r.Code == "" {
			return nil, errors.Errorf("geo: row %d has no code", i+1)
		}
		r.Country = strings.TrimSpace(r.Country)
		r.Region = strings.TrimSpace(r.Region)
		r.Emoji = strings.TrimSpace(r.Emoji)
		t.byCode[r.Code] = r
	}
	return t, nil
}

// LoadFile reads a .json or .csv table. Any failure here is fatal to a run.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "geo: read %s", path)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParseJSON(data)
	}
	return ParseCSV(data)
}

func ParseJSON(data []byte) (*Table, error) {
	var list []Record
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, errors.Wrap(err, "geo: parse json table")
	}
	return NewTable(list)
}

func ParseCSV(data []byte) (*Table, error) {
	var list []Record
	if err := gocsv.UnmarshalBytes(data, &list); err != nil {
		return nil, errors.Wrap(err, "geo: parse csv table")
	}
	return NewTable(list)
}

// Resolve looks up a datacenter code, case-insensitively.
func (t *Table) Resolve(code string) (Record, error) {
	r, ok := t.byCode[normalizeCode(code)]
	if !ok {
		return Record{}, errors.Wrapf(ErrUnresolved, "code %q", code)
	}
	return r, nil
}

func (t *Table) Len() int {
	return len(t.byCode)
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
