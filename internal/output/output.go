// Package output writes ranked endpoint records as CSV, JSON or plain
// "ip:port#TAG" lines.
package output

import (
	"bufio"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"edge-endpoint-probe/internal/aggregate"

	"github.com/gocarina/gocsv"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Format selects the encoding of a written file.
type Format string

const (
	FormatText Format = "text"
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// FormatFor picks the format from the file extension; anything but .csv and
// .json is text.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV
	case ".json":
		return FormatJSON
	default:
		return FormatText
	}
}

// Record is one output row.
type Record struct {
	Address      string  `csv:"address" json:"address"`
	Port         int     `csv:"port" json:"port"`
	LatencyMs    float64 `csv:"latency_ms" json:"latency_ms"`
	EgressIP     string  `csv:"egress_ip" json:"egress_ip,omitempty"`
	EgressFamily string  `csv:"egress_family" json:"egress_family,omitempty"`
	Tag          string  `csv:"tag" json:"tag"`
	Rank         int     `csv:"rank" json:"rank"`
	Country      string  `csv:"country" json:"country,omitempty"`
	Region       string  `csv:"region" json:"region,omitempty"`
	Emoji        string  `csv:"emoji" json:"emoji,omitempty"`
	Code         string  `csv:"code" json:"code,omitempty"`
}

// Label is the ranked tag written in text output.
func (r Record) Label() string {
	e := aggregate.Entry{Tag: r.Tag, Rank: r.Rank}
	return e.Label()
}

func FromEntries(entries []aggregate.Entry) []Record {
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		code := e.Geo.Code
		if code == "" {
			code = e.EgressCode
		}
		out = append(out, Record{
			Address:      e.Endpoint.Address,
			Port:         e.Endpoint.Port,
			LatencyMs:    float64(e.Latency.Microseconds()) / 1000,
			EgressIP:     e.EgressIP,
			EgressFamily: e.EgressFamily(),
			Tag:          e.Tag,
			Rank:         e.Rank,
			Country:      e.Geo.Country,
			Region:       e.Geo.Region,
			Emoji:        e.Geo.Emoji,
			Code:         code,
		})
	}
	return out
}

// WriteFile writes records to path in the format its extension selects.
func WriteFile(path string, records []Record) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "output: create %s", dir)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "output: create %s", path)
	}
	if err := Write(f, FormatFor(path), records); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "output: write %s", path)
	}
	return errors.Wrapf(f.Close(), "output: close %s", path)
}

func Write(w io.Writer, format Format, records []Record) error {
	switch format {
	case FormatCSV:
		return gocsv.Marshal(records, w)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	default:
		return writeText(w, records)
	}
}

func writeText(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	for _, r := range records {
		line := net.JoinHostPort(r.Address, strconv.Itoa(r.Port))
		if label := r.Label(); label != "" {
			line += "#" + label
		}
		if _, err := bw.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}
