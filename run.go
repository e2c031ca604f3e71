package main

import (
	"context"
	"os"
	"time"

	"edge-endpoint-probe/internal/aggregate"
	"edge-endpoint-probe/internal/config"
	"edge-endpoint-probe/internal/geo"
	"edge-endpoint-probe/internal/handshake"
	"edge-endpoint-probe/internal/model"
	"edge-endpoint-probe/internal/output"
	"edge-endpoint-probe/internal/pool"
	"edge-endpoint-probe/internal/prober"
	"edge-endpoint-probe/internal/rawhttp"
	"edge-endpoint-probe/internal/targets"
	"edge-endpoint-probe/internal/transport"
	"edge-endpoint-probe/internal/verify"

	"github.com/cheggaaa/pb/v3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var errNoReachable = errors.New("no endpoint passed every round")

func run(ctx context.Context, cfg config.Config, opts options, log *logrus.Logger) error {
	endpoints, cfg, err := selectTargets(cfg, opts, log)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.WithMessage(err, "invalid config")
	}

	resolver, cfg, err := loadGeo(cfg, opts.geoPath, log)
	if err != nil {
		return err
	}

	tr, closeTransport, err := buildTransport(cfg, log)
	if err != nil {
		return err
	}
	defer closeTransport()

	log.WithFields(logrus.Fields{
		"mode":        cfg.Mode,
		"targets":     len(endpoints),
		"rounds":      cfg.Repetitions,
		"concurrency": cfg.Concurrency,
		"group_by":    cfg.Aggregate.GroupBy,
	}).Info("starting probe run")

	agg := aggregate.New(resolver, aggregate.Config{
		Repetitions:    cfg.Repetitions,
		MinGroupSize:   cfg.Aggregate.MinGroupSize,
		GroupCap:       cfg.Aggregate.GroupCap,
		GroupBy:        cfg.Aggregate.GroupBy,
		KeepUnresolved: cfg.Aggregate.KeepUnresolved,
		Expected:       len(endpoints),
		Logger:         log,
	})

	var bar *pb.ProgressBar
	if opts.progress {
		bar = pb.New(len(endpoints) * cfg.Repetitions)
		bar.SetTemplate(`{{counters . }} {{bar . }} {{percent . }} {{etime . }}`)
		bar.SetWriter(os.Stderr)
		bar.Start()
	}

	p, err := prober.New(tr, prober.Config{
		Concurrency:    cfg.Concurrency,
		Repetitions:    cfg.Repetitions,
		RoundDelay:     cfg.RoundDelay,
		RoundJitter:    cfg.RoundJitter,
		AttemptTimeout: cfg.Timeouts.Attempt(),
		RateLimit:      cfg.RateLimit,
		Logger:         log,
		Hooks: prober.Hooks{
			OnAttempt: func(model.Endpoint, model.Attempt) {
				if bar != nil {
					bar.Increment()
				}
			},
			OnComplete: func(r model.Result, _ bool) {
				if err := agg.Record(r); err != nil {
					log.WithField("endpoint", r.Endpoint.String()).Errorf("record result: %v", err)
				}
			},
		},
	})
	if err != nil {
		return err
	}
	defer p.Close()

	_, stats, runErr := p.Run(ctx, endpoints)
	if bar != nil {
		bar.Finish()
	}
	if runErr != nil {
		log.Warnf("run interrupted (%v); %d attempts recorded as canceled", runErr, stats.Canceled)
	}

	rep, err := agg.Finalize()
	if err != nil {
		return err
	}

	if opts.icmpTop > 0 {
		rep.Top = verify.FilterReachable(context.WithoutCancel(ctx), rep.Top, verify.Options{
			TopN:    opts.icmpTop,
			Timeout: cfg.Timeouts.Response,
			Logger:  log,
		})
	}

	if err := output.WriteFile(opts.allPath, output.FromEntries(rep.All)); err != nil {
		return err
	}
	if err := output.WriteFile(opts.topPath, output.FromEntries(rep.Top)); err != nil {
		return err
	}

	summary := log.WithFields(logrus.Fields{
		"passed":     rep.Passed,
		"failed":     rep.Failed,
		"unresolved": rep.Unresolved,
		"all":        opts.allPath,
		"top":        opts.topPath,
		"elapsed":    stats.Elapsed.Round(time.Millisecond),
	})
	if rep.Passed == 0 {
		summary.Info("run complete")
		return errNoReachable
	}
	if len(rep.Top) == 0 {
		summary.Warnf("run complete, no group reached %d members", cfg.Aggregate.MinGroupSize)
		return nil
	}
	best := rep.Top[0]
	summary.WithField("best", best.Endpoint.HostPort()+"#"+best.Label()).
		Infof("run complete, best %.1fms", float64(best.Latency)/float64(time.Millisecond))
	return nil
}

// selectTargets loads the candidate list. A built-in pool also sets the
// transport mode and server name it is meant for, unless given explicitly.
func selectTargets(cfg config.Config, opts options, log logrus.FieldLogger) ([]model.Endpoint, config.Config, error) {
	if opts.input != "" {
		endpoints, err := targets.Load(opts.input, targets.Options{
			Ports:         opts.ports,
			SamplePerCIDR: opts.sample,
			IPv6:          opts.ipv6,
		})
		if err != nil {
			return nil, cfg, err
		}
		return endpoints, cfg, nil
	}

	p, err := targets.BuiltinPool(opts.pool, os.Getenv("WARP_TUNNEL_PROTOCOL"), isEnvTrue("WARP_MDM_ENABLED"))
	if err != nil {
		return nil, cfg, err
	}
	if !opts.modeSet && p.Mode != "" {
		mode, err := config.ParseMode(p.Mode)
		if err != nil {
			return nil, cfg, err
		}
		cfg.Mode = mode
	}
	if !opts.sniSet && p.SNI != "" {
		cfg.Pool.ServerName = p.SNI
		cfg.QUIC.ServerName = p.SNI
	}
	endpoints, err := p.Expand(opts.ipv6, opts.sample)
	if err != nil {
		return nil, cfg, err
	}
	log.WithFields(logrus.Fields{"pool": p.Name, "targets": len(endpoints)}).Info("expanded built-in pool")
	return endpoints, cfg, nil
}

// hasEgress reports whether attempts in this mode learn the egress datacenter.
func hasEgress(cfg config.Config) bool {
	switch cfg.Mode {
	case config.ModeTrace:
		return true
	case config.ModeTunnel:
		return cfg.Tunnel.EgressProbe
	default:
		return false
	}
}

// loadGeo loads the code table. It is required whenever results are grouped
// by a geo attribute; modes without egress fall back to grouping by tag.
func loadGeo(cfg config.Config, path string, log logrus.FieldLogger) (geo.Resolver, config.Config, error) {
	if !hasEgress(cfg) && cfg.Aggregate.GroupBy != config.GroupByTag {
		log.Infof("%s mode reports no egress datacenter, grouping by tag", cfg.Mode)
		cfg.Aggregate.GroupBy = config.GroupByTag
	}
	if path == "" {
		if cfg.Aggregate.GroupBy == config.GroupByTag {
			return nil, cfg, nil
		}
		return nil, cfg, errors.New("a geo table (-geo) is required to group by " + string(cfg.Aggregate.GroupBy))
	}
	table, err := geo.LoadFile(path)
	if err != nil {
		return nil, cfg, err
	}
	log.WithField("codes", table.Len()).Debug("geo table loaded")
	return table, cfg, nil
}

func buildTransport(cfg config.Config, log *logrus.Logger) (prober.Transport, func(), error) {
	noop := func() {}
	switch cfg.Mode {
	case config.ModeQUIC:
		return transport.NewQUIC(transport.QUICConfig{
			ServerName: cfg.QUIC.ServerName,
			Timeout:    cfg.Timeouts.Handshake,
		}), noop, nil
	case config.ModeWireGuard:
		wg, err := transport.NewWireGuard(transport.WireGuardConfig{Timeout: cfg.Timeouts.Response})
		if err != nil {
			return nil, noop, err
		}
		return wg, noop, nil
	}

	connPool, err := pool.New(pool.Config{
		ConnectTimeout:   cfg.Timeouts.Connect,
		HandshakeTimeout: cfg.Timeouts.Handshake,
		IdleTimeout:      cfg.Pool.IdleTimeout,
		MaxSize:          cfg.Pool.MaxSize,
		EvictInterval:    cfg.Pool.EvictInterval,
		ServerName:       cfg.Pool.ServerName,
		Fingerprint:      cfg.Pool.Fingerprint,
		Logger:           log,
	})
	if err != nil {
		return nil, noop, err
	}
	shutdown := func() { connPool.Shutdown() }

	trace := rawhttp.Request{Host: cfg.Trace.Host, Path: cfg.Trace.Path, UserAgent: cfg.Trace.UserAgent}
	secure := transport.NewSecurePorts(cfg.Trace.SecurePorts)

	if cfg.Mode == config.ModeTrace {
		return transport.NewTrace(connPool, transport.TraceConfig{
			Request:         trace,
			SecurePorts:     secure,
			ResponseTimeout: cfg.Timeouts.Response,
			Logger:          log,
		}), shutdown, nil
	}

	id, err := uuid.Parse(cfg.Tunnel.UUID)
	if err != nil {
		shutdown()
		return nil, noop, errors.Wrap(err, "tunnel uuid")
	}
	tunnel, err := transport.NewTunnel(connPool, transport.TunnelConfig{
		Request: handshake.Request{
			Version:  cfg.Tunnel.Version,
			ClientID: id,
			Command:  cfg.Tunnel.Command,
			Port:     uint16(cfg.Tunnel.TargetPort),
			Address:  cfg.Tunnel.TargetAddress,
		},
		Path:             cfg.Tunnel.Path,
		Host:             cfg.Tunnel.Host,
		EgressProbe:      cfg.Tunnel.EgressProbe,
		Trace:            trace,
		SecurePorts:      secure,
		HandshakeTimeout: cfg.Timeouts.Handshake,
		ResponseTimeout:  cfg.Timeouts.Response,
		Logger:           log,
	})
	if err != nil {
		shutdown()
		return nil, noop, err
	}
	return tunnel, shutdown, nil
}
