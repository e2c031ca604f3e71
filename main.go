package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"edge-endpoint-probe/internal/config"
	"edge-endpoint-probe/internal/logging"

	"github.com/pkg/errors"
)

// options are the run inputs that live outside the YAML config.
type options struct {
	configPath string
	dumpConfig string
	input      string
	pool       string
	ipv6       bool
	sample     int
	ports      []int
	geoPath    string
	allPath    string
	topPath    string
	icmpTop    int
	deadline   time.Duration
	progress   bool
	// modeSet records an explicit -mode, which wins over a pool's own mode.
	modeSet bool
	sniSet  bool
}

func main() {
	cfg, opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(2)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(2)
	}

	if opts.dumpConfig != "" {
		if err := cfg.Validate(); err != nil {
			log.Fatalf("invalid config: %v", err)
		}
		if err := cfg.Save(opts.dumpConfig); err != nil {
			log.Fatalf("dump config: %v", err)
		}
		log.Infof("configuration written to %s", opts.dumpConfig)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.deadline)
		defer cancel()
	}

	if err := run(ctx, cfg, opts, log); err != nil {
		if errors.Is(err, errNoReachable) {
			log.Warn("no reachable endpoints found")
			os.Exit(1)
		}
		log.Fatalf("%v", err)
	}
}

// parseArgs loads the YAML config, when given, and applies every flag the
// user set explicitly on top of it.
func parseArgs(args []string) (config.Config, options, error) {
	def := config.Default()
	fs := flag.NewFlagSet("edge-endpoint-probe", flag.ContinueOnError)

	var opts options
	fs.StringVar(&opts.configPath, "config", "", "YAML config file")
	fs.StringVar(&opts.dumpConfig, "dump-config", "", "Write the effective config as YAML to this path and exit")
	fs.StringVar(&opts.input, "f", "", "Candidate list: ip:port#tag lines, CIDRs or CSV (address,port,tag)")
	fs.StringVar(&opts.pool, "pool", "", "Built-in pool: consumer | wireguard | masque | api | auto")
	fs.BoolVar(&opts.ipv6, "6", false, "Include IPv6 CIDRs when expanding pools and lists")
	fs.IntVar(&opts.sample, "sample", 0, "Sample N hosts per CIDR instead of enumerating (0 = all)")
	portsFlag := fs.String("ports", "", "Comma-separated ports for list lines without one (default 443)")
	fs.StringVar(&opts.geoPath, "geo", "", "Datacenter code table (.csv or .json)")
	fs.StringVar(&opts.allPath, "o", "all.csv", "Output for every grouped result (.csv, .json or text)")
	fs.StringVar(&opts.topPath, "top", "top.txt", "Output for the capped per-group top results")
	fs.IntVar(&opts.icmpTop, "icmp", 0, "Ping the first N top results and drop silent ones (0 = off)")
	fs.DurationVar(&opts.deadline, "deadline", 0, "Hard limit for the whole run (0 = none)")
	noProgress := fs.Bool("no-progress", false, "Disable the progress bar")

	var (
		mode           = fs.String("mode", string(def.Mode), "Transport: trace | tunnel | quic | wireguard")
		concurrency    = fs.Int("n", def.Concurrency, "Concurrent attempts")
		repetitions    = fs.Int("r", def.Repetitions, "Rounds per endpoint; all must succeed")
		roundDelay     = fs.Duration("delay", def.RoundDelay, "Pause between rounds of one endpoint")
		roundJitter    = fs.Float64("jitter", def.RoundJitter, "Randomize the round pause by up to this fraction (0..1)")
		rateLimit      = fs.Float64("rate", def.RateLimit, "Attempt starts per second (0 = unlimited)")
		connectTimeout = fs.Duration("connect-timeout", def.Timeouts.Connect, "TCP connect timeout")
		handshake      = fs.Duration("handshake-timeout", def.Timeouts.Handshake, "TLS and websocket upgrade timeout")
		response       = fs.Duration("response-timeout", def.Timeouts.Response, "Response timeout")
		idleTimeout    = fs.Duration("idle-timeout", def.Pool.IdleTimeout, "Pooled connection idle timeout")
		maxConns       = fs.Int("max-conns", def.Pool.MaxSize, "Pooled connection cap")
		fingerprint    = fs.String("fingerprint", def.Pool.Fingerprint, "TLS fingerprint: golang | chrome | firefox | safari | edge | ios")
		sni            = fs.String("sni", def.Pool.ServerName, "TLS server name")
		traceHost      = fs.String("host", def.Trace.Host, "Host header of the trace request")
		securePorts    = fs.String("tls-ports", joinInts(def.Trace.SecurePorts), "Ports spoken to over TLS")
		minGroup       = fs.Int("min-group", def.Aggregate.MinGroupSize, "Minimum group size for top output")
		groupCap       = fs.Int("cap", def.Aggregate.GroupCap, "Top entries per group")
		groupBy        = fs.String("group-by", string(def.Aggregate.GroupBy), "Group label: country | region | code | tag")
		keepUnresolved = fs.Bool("keep-unresolved", def.Aggregate.KeepUnresolved, "List passes without a geo record in the all output")
		tunnelUUID     = fs.String("uuid", def.Tunnel.UUID, "Tunnel client id")
		tunnelPath     = fs.String("path", def.Tunnel.Path, "Tunnel websocket path")
		tunnelHost     = fs.String("ws-host", def.Tunnel.Host, "Tunnel websocket Host (default: endpoint address)")
		egress         = fs.Bool("egress", def.Tunnel.EgressProbe, "Send a trace request through the tunnel")
		logLevel       = fs.String("log-level", def.Log.Level, "Log level")
		logFormat      = fs.String("log-format", def.Log.Format, "Log format: text | json")
	)

	if err := fs.Parse(args); err != nil {
		return config.Config{}, opts, err
	}
	opts.progress = !*noProgress
	if *portsFlag != "" {
		ports, err := parseInts(*portsFlag)
		if err != nil {
			return config.Config{}, opts, errors.WithMessage(err, "-ports")
		}
		opts.ports = ports
	}

	cfg := def
	if opts.configPath != "" {
		loaded, err := config.Read(opts.configPath)
		if err != nil {
			return config.Config{}, opts, err
		}
		cfg = loaded
	}

	var err error
	fs.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "mode":
			opts.modeSet = true
			cfg.Mode, err = config.ParseMode(*mode)
		case "n":
			cfg.Concurrency = *concurrency
		case "r":
			cfg.Repetitions = *repetitions
		case "delay":
			cfg.RoundDelay = *roundDelay
		case "jitter":
			cfg.RoundJitter = *roundJitter
		case "rate":
			cfg.RateLimit = *rateLimit
		case "connect-timeout":
			cfg.Timeouts.Connect = *connectTimeout
		case "handshake-timeout":
			cfg.Timeouts.Handshake = *handshake
		case "response-timeout":
			cfg.Timeouts.Response = *response
		case "idle-timeout":
			cfg.Pool.IdleTimeout = *idleTimeout
		case "max-conns":
			cfg.Pool.MaxSize = *maxConns
		case "fingerprint":
			cfg.Pool.Fingerprint = *fingerprint
		case "sni":
			opts.sniSet = true
			cfg.Pool.ServerName = *sni
			cfg.QUIC.ServerName = *sni
		case "host":
			cfg.Trace.Host = *traceHost
		case "tls-ports":
			cfg.Trace.SecurePorts, err = parseInts(*securePorts)
		case "min-group":
			cfg.Aggregate.MinGroupSize = *minGroup
		case "cap":
			cfg.Aggregate.GroupCap = *groupCap
		case "group-by":
			cfg.Aggregate.GroupBy, err = config.ParseGroupBy(*groupBy)
		case "keep-unresolved":
			cfg.Aggregate.KeepUnresolved = *keepUnresolved
		case "uuid":
			cfg.Tunnel.UUID = *tunnelUUID
		case "path":
			cfg.Tunnel.Path = *tunnelPath
		case "ws-host":
			cfg.Tunnel.Host = *tunnelHost
		case "egress":
			cfg.Tunnel.EgressProbe = *egress
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		}
		if err != nil {
			err = errors.WithMessagef(err, "-%s", f.Name)
		}
	})
	if err != nil {
		return config.Config{}, opts, err
	}
	if opts.input == "" && opts.pool == "" {
		opts.pool = "auto"
	}
	if opts.input != "" && opts.pool != "" {
		return config.Config{}, opts, errors.New("-f and -pool are mutually exclusive")
	}
	// validated in run, after a pool had its say on the mode
	return cfg, opts, nil
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 || n > 65535 {
			return nil, errors.Errorf("invalid port %q", part)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, errors.New("no ports given")
	}
	return out, nil
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func isEnvTrue(name string) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return value == "true" || value == "1" || value == "yes"
}
