package targets

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"edge-endpoint-probe/internal/model"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

// ErrEmpty is returned when a source yields no endpoints.
var ErrEmpty = errors.New("targets: endpoint list is empty")

// Options controls how bare addresses and CIDR lines are turned into endpoints.
type Options struct {
	// Ports are used for lines that carry no port.
	Ports []int
	// SamplePerCIDR > 0 samples CIDR lines instead of enumerating them.
	SamplePerCIDR int
	IPv6          bool
}

func (o Options) ports() []int {
	if len(o.Ports) == 0 {
		return []int{443}
	}
	return o.Ports
}

type csvRow struct {
	Address string `csv:"address"`
	Port    int    `csv:"port"`
	Tag     string `csv:"tag"`
}

// Load reads a candidate list. Files ending in .csv need an
// "address,port,tag" header; everything else is parsed line by line.
func Load(path string, opts Options) ([]model.Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "targets: read %s", path)
	}
	var endpoints []model.Endpoint
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		endpoints, err = ParseCSV(data)
	} else {
		endpoints, err = Parse(bytes.NewReader(data), opts)
	}
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return endpoints, nil
}

func ParseCSV(data []byte) ([]model.Endpoint, error) {
	var rows []csvRow
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, errors.Wrap(err, "targets: parse csv")
	}
	d := newDedup()
	for i, row := range rows {
		ep, err := newEndpoint(row.Address, row.Port, row.Tag)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", i+2)
		}
		d.add(ep)
	}
	return d.result()
}

// Parse accepts, one per line:
//
//	1.2.3.4:443#HKG1
//	[2606:4700::1]:2053#tag
//	1.2.3.4 443 tag
//	1.2.3.4            (default ports)
//	104.16.0.0/24#tag  (expanded, default ports)
//
// Blank lines and lines starting with '#' are skipped.
func Parse(r io.Reader, opts Options) ([]model.Endpoint, error) {
	d := newDedup()
	exclude := reservedSet()
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		line, tag := splitTag(line)
		if strings.Contains(line, "/") {
			prefix, err := netip.ParsePrefix(line)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", lineNo)
			}
			if prefix.Addr().Is6() && !opts.IPv6 {
				continue
			}
			hosts, err := ExpandPrefix(prefix, opts.SamplePerCIDR, exclude)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", lineNo)
			}
			for _, h := range hosts {
				for _, port := range opts.ports() {
					d.add(model.Endpoint{Address: h.String(), Port: port, Tag: tag})
				}
			}
			continue
		}

		eps, err := parseHostLine(line, tag, opts)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNo)
		}
		for _, ep := range eps {
			d.add(ep)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "targets: scan")
	}
	return d.result()
}

func splitTag(line string) (string, string) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])
	}
	return line, ""
}

func parseHostLine(line, tag string, opts Options) ([]model.Endpoint, error) {
	if fields := strings.Fields(line); len(fields) > 1 {
		port, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, errors.Errorf("invalid port %q", fields[1])
		}
		if tag == "" && len(fields) > 2 {
			tag = strings.Join(fields[2:], " ")
		}
		ep, err := newEndpoint(fields[0], port, tag)
		if err != nil {
			return nil, err
		}
		return []model.Endpoint{ep}, nil
	}

	if addr, err := netip.ParseAddr(strings.Trim(line, "[]")); err == nil {
		eps := make([]model.Endpoint, 0, len(opts.ports()))
		for _, port := range opts.ports() {
			eps = append(eps, model.Endpoint{Address: addr.String(), Port: port, Tag: tag})
		}
		return eps, nil
	}

	host, portStr, err := net.SplitHostPort(line)
	if err != nil {
		return nil, errors.Errorf("invalid endpoint %q", line)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.Errorf("invalid port %q", portStr)
	}
	ep, err := newEndpoint(host, port, tag)
	if err != nil {
		return nil, err
	}
	return []model.Endpoint{ep}, nil
}

func newEndpoint(address string, port int, tag string) (model.Endpoint, error) {
	addr, err := netip.ParseAddr(strings.Trim(strings.TrimSpace(address), "[]"))
	if err != nil {
		return model.Endpoint{}, errors.Errorf("invalid address %q", address)
	}
	if port <= 0 || port > 65535 {
		return model.Endpoint{}, errors.Errorf("port out of range: %d", port)
	}
	return model.Endpoint{Address: addr.Unmap().String(), Port: port, Tag: strings.TrimSpace(tag)}, nil
}

// dedup keeps the first occurrence of every address:port.
type dedup struct {
	seen map[string]struct{}
	out  []model.Endpoint
}

func newDedup() *dedup {
	return &dedup{seen: make(map[string]struct{})}
}

func (d *dedup) add(ep model.Endpoint) {
	if _, ok := d.seen[ep.Key()]; ok {
		return
	}
	d.seen[ep.Key()] = struct{}{}
	d.out = append(d.out, ep)
}

func (d *dedup) result() ([]model.Endpoint, error) {
	if len(d.out) == 0 {
		return nil, ErrEmpty
	}
	return d.out, nil
}
