// masque-probe: 极简版 MASQUE (HTTP/3 over QUIC) 握手延时探针
// 从指定 CIDR 中每段取样 IP，发起 QUIC ClientHello (ALPN=h3)，
// 无论握手成功或失败（因无客户端证书）均记录 RTT。
// 支持多轮探测计算平均延时，消除偶发性网络抖动。
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"edge-endpoint-probe/internal/logging"
	"edge-endpoint-probe/internal/model"
	"edge-endpoint-probe/internal/prober"
	"edge-endpoint-probe/internal/targets"
	"edge-endpoint-probe/internal/transport"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// summary 保存单个 IP 的多轮探测汇总结果。
type summary struct {
	Addr       string
	AvgLatency time.Duration // 有效轮次的平均延时
	MinLatency time.Duration
	MaxLatency time.Duration
	Rounds     int
	Responded  int
	LastErr    string
}

func summarize(r model.Result) summary {
	s := summary{
		Addr:       r.Endpoint.HostPort(),
		AvgLatency: r.AverageLatency(),
		Rounds:     len(r.Attempts),
		Responded:  r.SuccessCount(),
	}
	for _, a := range r.Attempts {
		if !a.Outcome.OK() {
			continue
		}
		lat := a.Outcome.Success.Latency
		if s.MinLatency == 0 || lat < s.MinLatency {
			s.MinLatency = lat
		}
		if lat > s.MaxLatency {
			s.MaxLatency = lat
		}
	}
	if f, ok := r.LastFailure(); ok && f.Err != nil {
		s.LastErr = f.Err.Error()
	}
	return s
}

// sortSummaries: 有回应的按平均延时升序，全超时的放最后
func sortSummaries(list []summary) {
	sort.Slice(list, func(i, j int) bool {
		li, lj := list[i].AvgLatency, list[j].AvgLatency
		if li == 0 && lj == 0 {
			return list[i].Addr < list[j].Addr
		}
		if li == 0 {
			return false
		}
		if lj == 0 {
			return true
		}
		return li < lj
	})
}

// reasonBreakdown 统计每轮失败原因
func reasonBreakdown(results []model.Result) map[string]int {
	counts := make(map[string]int)
	for _, r := range results {
		for _, a := range r.Attempts {
			if f := a.Outcome.Failure; f != nil {
				counts[f.Reason]++
			}
		}
	}
	return counts
}

// selectEndpoints: -cidr 优先，否则按 -mode 选内置池
func selectEndpoints(mode, cidrs string, port, sample int) ([]model.Endpoint, string, error) {
	if cidrs != "" {
		var lines []string
		for _, c := range strings.Split(cidrs, ",") {
			if c = strings.TrimSpace(c); c != "" {
				lines = append(lines, c+"#custom")
			}
		}
		eps, err := targets.Parse(strings.NewReader(strings.Join(lines, "\n")), targets.Options{
			Ports:         []int{port},
			SamplePerCIDR: sample,
		})
		return eps, "custom", err
	}

	mode = strings.ToLower(mode)
	if mode != "masque" && mode != "api" {
		return nil, mode, errors.Errorf("unknown mode: %s", mode)
	}
	pool, err := targets.BuiltinPool(mode, "", false)
	if err != nil {
		return nil, mode, err
	}
	pool.Ports = []int{port}
	eps, err := pool.Expand(false, sample)
	return eps, mode, err
}

func printTable(w io.Writer, list []summary, topN int) {
	if topN > len(list) {
		topN = len(list)
	}
	fmt.Fprintf(w, "\n%-24s  %8s  %8s  %8s  %5s  %s\n", "ENDPOINT", "AVG", "MIN", "MAX", "OK/N", "STATUS")
	fmt.Fprintln(w, strings.Repeat("-", 85))

	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	for _, r := range list[:topN] {
		status := "OK"
		if r.LastErr != "" {
			status = r.LastErr
			if len(status) > 30 {
				status = status[:30] + "..."
			}
		}
		okRatio := fmt.Sprintf("%d/%d", r.Responded, r.Rounds)
		if r.AvgLatency > 0 {
			fmt.Fprintf(w, "%-24s  %6.1fms  %6.1fms  %6.1fms  %5s  %s\n",
				r.Addr, ms(r.AvgLatency), ms(r.MinLatency), ms(r.MaxLatency), okRatio, status)
		} else {
			fmt.Fprintf(w, "%-24s  %8s  %8s  %8s  %5s  %s\n", r.Addr, "TIMEOUT", "-", "-", okRatio, status)
		}
	}
}

func main() {
	mode := flag.String("mode", "masque", "masque | api (ignored when -cidr is set)")
	cidrFlag := flag.String("cidr", "", "Custom CIDRs to probe (comma-separated, e.g. '1.2.3.0/24,5.6.7.0/27')")
	port := flag.Int("port", 443, "Target UDP port")
	sni := flag.String("sni", targets.MasqueSNI, "TLS SNI")
	sampleN := flag.Int("sample", 3, "IPs to sample per CIDR")
	rounds := flag.Int("rounds", 3, "Probe rounds per IP (average over N rounds)")
	concurrency := flag.Int("n", 20, "Concurrent probes")
	timeout := flag.Duration("timeout", 2*time.Second, "Per-probe timeout")
	topN := flag.Int("top", 20, "Show top N fastest results")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	log, err := logging.New(*logLevel, "text")
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	endpoints, label, err := selectEndpoints(*mode, *cidrFlag, *port, *sampleN)
	if err != nil {
		log.Fatalf("select targets: %v", err)
	}
	// api 池默认使用 api SNI
	if label == "api" && *sni == targets.MasqueSNI {
		*sni = targets.DefaultSNI
	}

	log.WithFields(logrus.Fields{
		"mode":        label,
		"sni":         *sni,
		"port":        *port,
		"targets":     len(endpoints),
		"rounds":      *rounds,
		"concurrency": *concurrency,
		"timeout":     *timeout,
	}).Info("starting masque probe")

	// 每个 IP 串行多轮、不同 IP 之间并发，轮间短暂间隔避免被 rate-limit
	p, err := prober.New(transport.NewQUIC(transport.QUICConfig{ServerName: *sni, Timeout: *timeout}), prober.Config{
		Concurrency:    *concurrency,
		Repetitions:    *rounds,
		RoundDelay:     50 * time.Millisecond,
		AttemptTimeout: *timeout + 500*time.Millisecond,
		Logger:         log,
	})
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	results, _, err := p.Run(ctx, endpoints)
	if err != nil {
		log.Warnf("run interrupted: %v", err)
	}

	list := make([]summary, 0, len(results))
	responded := 0
	for _, r := range results {
		s := summarize(r)
		if s.AvgLatency > 0 {
			responded++
		}
		list = append(list, s)
	}
	sortSummaries(list)
	printTable(os.Stdout, list, *topN)

	fields := logrus.Fields{
		"total":       len(list),
		"responded":   responded,
		"no_response": len(list) - responded,
	}
	for reason, n := range reasonBreakdown(results) {
		fields["fail_"+reason] = n
	}
	log.WithFields(fields).Info("summary")
}
