package targets

import (
	"net/netip"
	"strings"

	"edge-endpoint-probe/internal/model"

	"github.com/pkg/errors"
)

const (
	DefaultSNI = "api.cloudflareclient.com"
	MasqueSNI  = "zero-trust-client.cloudflareclient.com"
)

// Pool is a built-in set of relay CIDRs sharing the same ports and probe kind.
type Pool struct {
	Name  string
	CIDRs []string
	Ports []int
	// Mode is the transport mode the pool is meant to be probed with.
	Mode string
	SNI  string
}

var builtinPools = map[string]Pool{
	"consumer": {
		Name:  "consumer",
		CIDRs: []string{"162.159.192.0/24"},
		Ports: []int{2408, 500, 1701, 4500},
		Mode:  "wireguard",
	},
	"wireguard": {
		Name:  "wireguard",
		CIDRs: []string{"162.159.193.0/24"},
		Ports: []int{2408, 500, 1701, 4500},
		Mode:  "wireguard",
	},
	"masque": {
		Name:  "masque",
		CIDRs: []string{"162.159.197.0/24", "2606:4700:102::/48"},
		Ports: []int{443},
		Mode:  "quic",
		SNI:   MasqueSNI,
	},
	"api": {
		Name: "api",
		CIDRs: []string{
			"14.204.96.224/27", "27.36.126.224/27", "27.128.218.224/27",
			"36.136.95.32/27", "36.147.52.160/27", "36.154.11.224/27",
			"42.236.121.160/27", "60.13.99.64/26", "101.69.205.224/27",
			"103.44.252.32/27", "106.225.240.96/27", "111.7.87.160/27",
			"111.48.87.160/27", "111.170.27.96/27", "111.177.11.224/27",
			"112.49.47.96/27", "113.56.217.96/27", "114.67.161.32/27",
			"114.67.192.208/28", "116.163.41.64/26", "116.198.49.144/28",
			"116.198.165.16/28", "117.187.40.32/27", "117.187.185.32/27",
			"119.0.67.32/27", "119.6.235.32/27", "119.188.204.32/27",
			"120.206.188.224/27", "120.220.55.96/27", "120.226.37.160/27",
			"121.17.125.32/27", "122.190.152.160/27", "122.226.163.224/27",
			"123.138.203.160/27", "124.166.232.32/27", "124.225.84.32/27",
			"124.236.72.32/27", "125.77.31.224/27", "150.138.153.192/26",
			"182.201.240.224/27", "183.131.87.224/27", "198.41.130.16/28",
			"218.60.77.224/27", "218.205.95.64/27", "218.207.1.32/27",
			"220.185.189.128/25", "222.211.66.64/27", "223.85.111.224/27",
		},
		Ports: []int{443},
		Mode:  "trace",
		SNI:   DefaultSNI,
	},
}

// 内部 connectivity test 等保留 IP 予以滤除
var reservedHosts = []string{"162.159.197.3"}

// BuiltinPool returns a named pool. "auto" infers the WARP tunnel pool from
// the client's tunnel protocol and MDM state.
func BuiltinPool(name, protocol string, mdm bool) (Pool, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "auto" {
		name = InferTunnelPool(protocol, mdm)
	}
	pool, ok := builtinPools[name]
	if !ok {
		return Pool{}, errors.Errorf("unknown built-in pool: %s", name)
	}
	return pool, nil
}

// InferTunnelPool picks the WARP pool a client would connect to.
func InferTunnelPool(protocol string, mdm bool) string {
	if !mdm {
		return "consumer"
	}
	if strings.EqualFold(strings.TrimSpace(protocol), "masque") {
		return "masque"
	}
	return "wireguard"
}

// Expand enumerates every pool host on every pool port, tagged with the
// pool name. samplePerCIDR > 0 samples each CIDR evenly instead.
func (p Pool) Expand(ipv6 bool, samplePerCIDR int) ([]model.Endpoint, error) {
	if len(p.Ports) == 0 {
		return nil, errors.Errorf("pool %s has no ports", p.Name)
	}

	prefixes := make([]netip.Prefix, 0, len(p.CIDRs))
	for _, c := range p.CIDRs {
		prefix, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, errors.Wrapf(err, "pool %s", p.Name)
		}
		if prefix.Addr().Is6() && !ipv6 {
			continue
		}
		prefixes = append(prefixes, prefix)
	}
	if len(prefixes) == 0 {
		return nil, errors.Errorf("pool %s has no usable cidr (ipv6=%v)", p.Name, ipv6)
	}

	exclude := reservedSet()
	endpoints := make([]model.Endpoint, 0)
	for _, prefix := range prefixes {
		hosts, err := ExpandPrefix(prefix, samplePerCIDR, exclude)
		if err != nil {
			return nil, err
		}
		for _, host := range hosts {
			for _, port := range p.Ports {
				endpoints = append(endpoints, model.Endpoint{
					Address: host.String(),
					Port:    port,
					Tag:     p.Name,
				})
			}
		}
	}
	return endpoints, nil
}
