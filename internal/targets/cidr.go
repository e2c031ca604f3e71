package targets

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"
	"net/netip"

	"github.com/pkg/errors"
	"go4.org/netipx"
)

// IPv6 大段随机采样上限
const ipv6SampleSize = 1024

func reservedSet() *netipx.IPSet {
	var b netipx.IPSetBuilder
	for _, h := range reservedHosts {
		b.Add(netip.MustParseAddr(h))
	}
	set, _ := b.IPSet()
	return set
}

// ExpandPrefix lists the host addresses of prefix, skipping the network and
// broadcast addresses and anything in exclude. IPv4 prefixes are enumerated
// (or evenly sampled when sample > 0); IPv6 prefixes are randomly sampled.
func ExpandPrefix(prefix netip.Prefix, sample int, exclude *netipx.IPSet) ([]netip.Addr, error) {
	prefix = prefix.Masked()
	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits == 0 {
		return keep([]netip.Addr{prefix.Addr()}, exclude), nil
	}
	if hostBits == 1 {
		return keep([]netip.Addr{prefix.Addr(), netipx.PrefixLastIP(prefix)}, exclude), nil
	}

	if prefix.Addr().Is4() {
		if sample > 0 {
			return keep(sampleIPv4(prefix, hostBits, sample), exclude), nil
		}
		return hostsInRange(prefix, exclude)
	}
	hosts, err := sampleIPv6(prefix, hostBits, sample)
	if err != nil {
		return nil, err
	}
	return keep(hosts, exclude), nil
}

func hostsInRange(prefix netip.Prefix, exclude *netipx.IPSet) ([]netip.Addr, error) {
	var b netipx.IPSetBuilder
	b.AddRange(netipx.IPRangeFrom(prefix.Addr().Next(), netipx.PrefixLastIP(prefix).Prev()))
	if exclude != nil {
		b.RemoveSet(exclude)
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, errors.Wrapf(err, "expand %s", prefix)
	}

	hosts := make([]netip.Addr, 0)
	for _, r := range set.Ranges() {
		for a := r.From(); a.IsValid() && a.Compare(r.To()) <= 0; a = a.Next() {
			hosts = append(hosts, a)
		}
	}
	return hosts, nil
}

// 均匀采样
func sampleIPv4(prefix netip.Prefix, hostBits, count int) []netip.Addr {
	b4 := prefix.Addr().As4()
	base := binary.BigEndian.Uint32(b4[:])
	hostCount := int(uint32(1<<hostBits) - 2)
	if count > hostCount {
		count = hostCount
	}
	step := hostCount / count
	if step < 1 {
		step = 1
	}
	hosts := make([]netip.Addr, 0, count)
	for i := 1; len(hosts) < count && i <= hostCount; i += step {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], base+uint32(i))
		hosts = append(hosts, netip.AddrFrom4(buf))
	}
	return hosts
}

func sampleIPv6(prefix netip.Prefix, hostBits, count int) ([]netip.Addr, error) {
	hostSpace := new(big.Int).Lsh(big.NewInt(1), uint(hostBits))

	sampleCount := ipv6SampleSize
	if count > 0 {
		sampleCount = count
	}
	if hostSpace.Cmp(big.NewInt(int64(sampleCount)+2)) < 0 {
		sampleCount = int(hostSpace.Int64()) - 2
	}
	if sampleCount <= 0 {
		return nil, nil
	}

	b16 := prefix.Addr().As16()
	base := new(big.Int).SetBytes(b16[:])

	seen := make(map[netip.Addr]struct{}, sampleCount)
	hosts := make([]netip.Addr, 0, sampleCount)
	for len(hosts) < sampleCount {
		offset, err := rand.Int(rand.Reader, hostSpace)
		if err != nil {
			return nil, errors.Wrap(err, "random sample")
		}
		if offset.Sign() == 0 {
			continue
		}
		var out [16]byte
		new(big.Int).Add(base, offset).FillBytes(out[:])
		addr := netip.AddrFrom16(out)
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		hosts = append(hosts, addr)
	}
	return hosts, nil
}

func keep(addrs []netip.Addr, exclude *netipx.IPSet) []netip.Addr {
	if exclude == nil {
		return addrs
	}
	out := addrs[:0]
	for _, a := range addrs {
		if !exclude.Contains(a) {
			out = append(out, a)
		}
	}
	return out
}
