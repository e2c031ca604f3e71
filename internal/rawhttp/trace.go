package rawhttp

import (
	"bufio"
	"bytes"
	"strings"

	"edge-endpoint-probe/internal/fault"
)

// Trace is the parsed key=value body of a CDN trace endpoint.
type Trace struct {
	IP   string
	Colo string
	Loc  string
	HTTP string
	TLS  string
	// Fields holds every key, including the ones above.
	Fields map[string]string
}

// ParseTrace requires at least the ip and colo keys.
func ParseTrace(body []byte) (Trace, error) {
	t := Trace{Fields: make(map[string]string)}
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		t.Fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := sc.Err(); err != nil {
		return Trace{}, &fault.ProtocolError{Msg: "malformed trace body", Err: err}
	}

	t.IP = t.Fields["ip"]
	t.Colo = strings.ToUpper(t.Fields["colo"])
	t.Loc = t.Fields["loc"]
	t.HTTP = t.Fields["http"]
	t.TLS = t.Fields["tls"]
	if t.IP == "" || t.Colo == "" {
		return Trace{}, &fault.ProtocolError{Msg: "trace body missing ip or colo"}
	}
	return t, nil
}
