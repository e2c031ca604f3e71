// Package verify runs an optional ICMP reachability check over the best
// endpoints of a finished run.
package verify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"edge-endpoint-probe/internal/aggregate"
	"edge-endpoint-probe/internal/logging"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Pinger checks that ip answers an echo request within timeout.
type Pinger func(ctx context.Context, ip string, timeout time.Duration) error

// Ping shells out to the system ping binary with a single packet.
func Ping(ctx context.Context, ip string, timeout time.Duration) error {
	if ip == "" {
		return errors.New("icmp: empty address")
	}
	cmd := exec.CommandContext(ctx, "ping", pingArgs(ip, timeout)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Errorf("icmp ping %s failed: %s", ip, strings.TrimSpace(string(output)))
	}
	return nil
}

func pingArgs(ip string, timeout time.Duration) []string {
	sec := fmt.Sprintf("%.0f", timeout.Seconds())
	if timeout < time.Second {
		sec = "1"
	}
	// -c 1: one packet, -W: reply timeout in seconds
	return []string{"-c", "1", "-W", sec, ip}
}

type Options struct {
	// TopN bounds how many leading entries are pinged; zero means all.
	TopN    int
	Timeout time.Duration
	Ping    Pinger
	Logger  logrus.FieldLogger
}

// FilterReachable drops entries among the first TopN that do not answer ICMP.
// Entries past TopN are kept unchecked. When no checked entry answers, the
// input is returned unchanged: many edges drop ICMP while serving TCP fine.
func FilterReachable(ctx context.Context, entries []aggregate.Entry, opts Options) []aggregate.Entry {
	if len(entries) == 0 {
		return entries
	}
	ping := opts.Ping
	if ping == nil {
		ping = Ping
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	n := opts.TopN
	if n <= 0 || n > len(entries) {
		n = len(entries)
	}
	log := logging.Component(opts.Logger, "icmp")

	kept := make([]aggregate.Entry, 0, len(entries))
	for _, e := range entries[:n] {
		if ctx.Err() != nil {
			break
		}
		if err := ping(ctx, e.Endpoint.Address, opts.Timeout); err != nil {
			log.WithField("endpoint", e.Endpoint.String()).Debugf("icmp fail: %v", err)
			continue
		}
		log.WithField("endpoint", e.Endpoint.String()).Debug("icmp pass")
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		log.Warn("no endpoint passed icmp, keeping latency-ranked results")
		return entries
	}
	return append(kept, entries[n:]...)
}
