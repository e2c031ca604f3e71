package pool

import (
	"net"
	"strings"

	"github.com/pkg/errors"
	utls "github.com/refraction-networking/utls"
)

var fingerprints = map[string]utls.ClientHelloID{
	"golang":  utls.HelloGolang,
	"chrome":  utls.HelloChrome_Auto,
	"firefox": utls.HelloFirefox_Auto,
	"safari":  utls.HelloSafari_Auto,
	"edge":    utls.HelloEdge_Auto,
	"ios":     utls.HelloIOS_Auto,
}

// ParseFingerprint maps a profile name to a uTLS ClientHello id.
func ParseFingerprint(name string) (utls.ClientHelloID, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return utls.HelloGolang, nil
	}
	id, ok := fingerprints[name]
	if !ok {
		return utls.ClientHelloID{}, errors.Errorf("unknown tls fingerprint %q", name)
	}
	return id, nil
}

// newUConn wraps raw in a client-side uTLS layer that only offers
// http/1.1, so the raw reader and the websocket upgrade both apply.
func newUConn(raw net.Conn, serverName string, id utls.ClientHelloID) (*utls.UConn, error) {
	cfg := &utls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true,
		NextProtos:         []string{"http/1.1"},
	}
	if id == utls.HelloGolang {
		return utls.UClient(raw, cfg, utls.HelloGolang), nil
	}

	spec, err := utls.UTLSIdToSpec(id)
	if err != nil {
		return nil, errors.Wrapf(err, "tls fingerprint %s", id.Str())
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}
	uconn := utls.UClient(raw, cfg, utls.HelloCustom)
	if err := uconn.ApplyPreset(&spec); err != nil {
		return nil, errors.Wrapf(err, "apply tls fingerprint %s", id.Str())
	}
	return uconn, nil
}
