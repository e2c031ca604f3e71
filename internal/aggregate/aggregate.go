// Package aggregate turns completed probe results into ranked groups.
//
// Passed results are enriched with the geo record of their egress
// datacenter, partitioned by a normalized label, sorted by average latency
// and numbered 1..k inside each group. The "top" view keeps only groups of
// at least MinGroupSize members, each capped at GroupCap; the "all" view
// keeps every group uncapped.
package aggregate

import (
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"edge-endpoint-probe/internal/config"
	"edge-endpoint-probe/internal/geo"
	"edge-endpoint-probe/internal/logging"
	"edge-endpoint-probe/internal/model"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrFinalized is returned by Record and Finalize after the first Finalize.
	ErrFinalized = errors.New("aggregate: already finalized")
	// ErrIncomplete means Finalize ran before every expected endpoint was recorded.
	ErrIncomplete = errors.New("aggregate: not every endpoint has completed")
)

// untagged labels tag groups whose endpoints carry no tag.
const untagged = "untagged"

type Config struct {
	// Repetitions is R; a result passes only with R successes.
	Repetitions  int
	MinGroupSize int
	// GroupCap limits each top group; zero means uncapped.
	GroupCap int
	GroupBy  config.GroupBy
	// KeepUnresolved lists passed results without a geo record in "all".
	KeepUnresolved bool
	// Expected is the number of endpoints Finalize waits for; zero skips the check.
	Expected int
	Logger   logrus.FieldLogger
}

// Entry is one enriched result.
type Entry struct {
	Endpoint   model.Endpoint
	Latency    time.Duration
	EgressIP   string
	EgressCode string
	Geo        geo.Record
	// Unresolved is set when the egress code has no geo record.
	Unresolved bool
	// Tag is the normalized group label; Rank is 1-based within the group,
	// zero for entries outside any group.
	Tag  string
	Rank int
}

// Label is the ranked name, e.g. "JP3".
func (e Entry) Label() string {
	if e.Rank == 0 {
		return e.Tag
	}
	return e.Tag + strconv.Itoa(e.Rank)
}

// EgressFamily is "ipv4", "ipv6" or empty when no egress IP was observed.
func (e Entry) EgressFamily() string {
	ip := net.ParseIP(e.EgressIP)
	switch {
	case ip == nil:
		return ""
	case ip.To4() != nil:
		return "ipv4"
	default:
		return "ipv6"
	}
}

type Group struct {
	Tag     string
	Entries []Entry
}

type Report struct {
	All        []Entry
	Top        []Entry
	Groups     []Group
	Passed     int
	Failed     int
	Unresolved int
}

// Aggregator collects results from the scheduler. Record and Finalize are
// safe for concurrent use.
type Aggregator struct {
	cfg      Config
	resolver geo.Resolver
	log      logrus.FieldLogger

	mu        sync.Mutex
	entries   []Entry
	recorded  int
	passed    int
	failed    int
	finalized bool
}

// New builds an aggregator. A nil resolver leaves every entry unresolved.
func New(resolver geo.Resolver, cfg Config) *Aggregator {
	if cfg.Repetitions <= 0 {
		cfg.Repetitions = 1
	}
	if cfg.MinGroupSize <= 0 {
		cfg.MinGroupSize = 1
	}
	if cfg.GroupBy == "" {
		cfg.GroupBy = config.GroupByCountry
	}
	return &Aggregator{
		cfg:      cfg,
		resolver: resolver,
		log:      logging.Component(cfg.Logger, "aggregate"),
	}
}

// Record takes one completed result. Failed results are only counted.
func (a *Aggregator) Record(r model.Result) error {
	if !r.Completed(a.cfg.Repetitions) {
		return errors.Errorf("aggregate: %s recorded with %d of %d rounds",
			r.Endpoint, len(r.Attempts), a.cfg.Repetitions)
	}
	var e Entry
	passed := r.Passed(a.cfg.Repetitions)
	if passed {
		e = a.Enrich(r)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return ErrFinalized
	}
	a.recorded++
	if !passed {
		a.failed++
		return nil
	}
	a.passed++
	a.entries = append(a.entries, e)
	return nil
}

// Enrich resolves the latest egress code of r. Grouping by tag needs no geo
// record, so such entries are never unresolved.
func (a *Aggregator) Enrich(r model.Result) Entry {
	e := Entry{Endpoint: r.Endpoint, Latency: r.AverageLatency()}
	if s, ok := r.LastSuccess(); ok {
		e.EgressIP = s.EgressIP
		e.EgressCode = s.EgressCode
	}

	if a.resolver != nil && e.EgressCode != "" {
		rec, err := a.resolver.Resolve(e.EgressCode)
		if err == nil {
			e.Geo = rec
		} else {
			e.Unresolved = true
			a.log.WithField("endpoint", r.Endpoint.String()).Debugf("geo: %v", err)
		}
	} else {
		e.Unresolved = true
	}

	if a.cfg.GroupBy == config.GroupByTag {
		e.Unresolved = false
	}
	if !e.Unresolved {
		e.Tag = NormalizeTag(label(e, a.cfg.GroupBy))
		if e.Tag == "" {
			e.Tag = untagged
		}
	}
	return e
}

func label(e Entry, by config.GroupBy) string {
	var s string
	switch by {
	case config.GroupByRegion:
		s = e.Geo.Region
	case config.GroupByCode:
		s = e.Geo.Code
	case config.GroupByTag:
		s = e.Endpoint.Tag
	default:
		s = e.Geo.Country
	}
	if strings.TrimSpace(s) == "" {
		if by == config.GroupByTag {
			return untagged
		}
		return e.Geo.Code
	}
	return s
}

// Finalize builds the report. It succeeds exactly once.
func (a *Aggregator) Finalize() (Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return Report{}, ErrFinalized
	}
	if a.cfg.Expected > 0 && a.recorded != a.cfg.Expected {
		return Report{}, errors.Wrapf(ErrIncomplete, "recorded %d of %d", a.recorded, a.cfg.Expected)
	}
	a.finalized = true

	var resolved, unresolved []Entry
	for _, e := range a.entries {
		if e.Unresolved {
			unresolved = append(unresolved, e)
		} else {
			resolved = append(resolved, e)
		}
	}

	rep := Report{
		Passed:     a.passed,
		Failed:     a.failed,
		Unresolved: len(unresolved),
		Groups:     GroupEntries(resolved),
	}
	for _, g := range rep.Groups {
		rep.All = append(rep.All, g.Entries...)
		if len(g.Entries) < a.cfg.MinGroupSize {
			continue
		}
		top := g.Entries
		if a.cfg.GroupCap > 0 && len(top) > a.cfg.GroupCap {
			top = top[:a.cfg.GroupCap]
		}
		rep.Top = append(rep.Top, top...)
	}
	if a.cfg.KeepUnresolved {
		sortEntries(unresolved)
		rep.All = append(rep.All, unresolved...)
	}

	a.log.WithFields(logrus.Fields{
		"passed":     rep.Passed,
		"failed":     rep.Failed,
		"unresolved": rep.Unresolved,
		"groups":     len(rep.Groups),
		"top":        len(rep.Top),
		"all":        len(rep.All),
	}).Info("results aggregated")
	return rep, nil
}

// GroupEntries partitions entries by Tag, sorts each group ascending by
// latency and ranks the members 1..k. Groups are ordered by their fastest
// member, ties broken by label.
func GroupEntries(entries []Entry) []Group {
	byTag := make(map[string][]Entry)
	var order []string
	for _, e := range entries {
		if _, ok := byTag[e.Tag]; !ok {
			order = append(order, e.Tag)
		}
		byTag[e.Tag] = append(byTag[e.Tag], e)
	}

	groups := make([]Group, 0, len(order))
	for _, tag := range order {
		members := byTag[tag]
		sortEntries(members)
		for i := range members {
			members[i].Rank = i + 1
		}
		groups = append(groups, Group{Tag: tag, Entries: members})
	}
	sort.SliceStable(groups, func(i, j int) bool {
		li, lj := groups[i].Entries[0].Latency, groups[j].Entries[0].Latency
		if li != lj {
			return li < lj
		}
		return groups[i].Tag < groups[j].Tag
	})
	return groups
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Latency != entries[j].Latency {
			return entries[i].Latency < entries[j].Latency
		}
		if entries[i].Endpoint.Address != entries[j].Endpoint.Address {
			return entries[i].Endpoint.Address < entries[j].Endpoint.Address
		}
		return entries[i].Endpoint.Port < entries[j].Endpoint.Port
	})
}

// NormalizeTag trims whitespace, strips any run of trailing ASCII digits
// and trims again: " HKG12 " and "HKG" share a group.
func NormalizeTag(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "0123456789")
	return strings.TrimSpace(s)
}
