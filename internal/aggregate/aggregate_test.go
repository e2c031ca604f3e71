package aggregate

import (
	"fmt"
	"testing"
	"time"

	"edge-endpoint-probe/internal/config"
	"edge-endpoint-probe/internal/geo"
	"edge-endpoint-probe/internal/model"

	"github.com/pkg/errors"
)

func table(t *testing.T) *geo.Table {
	t.Helper()
	tbl, err := geo.NewTable([]geo.Record{
		{Code: "X", Country: "A", Region: "North", Emoji: "🇦"},
		{Code: "NRT", Country: "JP", Region: "Asia", Emoji: "🇯🇵"},
		{Code: "KIX", Country: "JP", Region: "Asia", Emoji: "🇯🇵"},
		{Code: "FRA", Country: "DE", Region: "Europe", Emoji: "🇩🇪"},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return tbl
}

func result(addr, tag, code string, latencies ...time.Duration) model.Result {
	r := model.Result{Endpoint: model.Endpoint{Address: addr, Port: 443, Tag: tag}}
	for i, l := range latencies {
		var o model.Outcome
		if l < 0 {
			o = model.Failed("connect", errors.New("refused"))
		} else {
			o = model.Succeeded(model.Success{Latency: l, EgressIP: "198.51.100.7", EgressCode: code})
		}
		r.Attempts = append(r.Attempts, model.Attempt{Round: i + 1, Outcome: o})
	}
	return r
}

func labels(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = fmt.Sprintf("%s=%s", e.Endpoint.Address, e.Label())
	}
	return out
}

func TestThreeEndpointScenario(t *testing.T) {
	results := []model.Result{
		result("192.0.2.2", "", "X", 120*time.Millisecond, 120*time.Millisecond),
		result("192.0.2.3", "", "ZZZ", 50*time.Millisecond, 50*time.Millisecond),
		result("192.0.2.1", "", "X", 80*time.Millisecond, 80*time.Millisecond),
	}

	for _, keep := range []bool{false, true} {
		t.Run(fmt.Sprintf("keep_unresolved=%v", keep), func(t *testing.T) {
			agg := New(table(t), Config{Repetitions: 2, MinGroupSize: 2, GroupCap: 5, KeepUnresolved: keep, Expected: 3})
			for _, r := range results {
				if err := agg.Record(r); err != nil {
					t.Fatalf("Record: %v", err)
				}
			}
			rep, err := agg.Finalize()
			if err != nil {
				t.Fatalf("Finalize: %v", err)
			}

			wantTop := []string{"192.0.2.1=A1", "192.0.2.2=A2"}
			if got := labels(rep.Top); fmt.Sprint(got) != fmt.Sprint(wantTop) {
				t.Fatalf("top: got=%v want=%v", got, wantTop)
			}
			if rep.Top[0].Latency != 80*time.Millisecond || rep.Top[1].Latency != 120*time.Millisecond {
				t.Fatalf("top latencies: got=%s,%s", rep.Top[0].Latency, rep.Top[1].Latency)
			}

			wantAll := wantTop
			if keep {
				wantAll = append(wantAll, "192.0.2.3=")
			}
			if got := labels(rep.All); fmt.Sprint(got) != fmt.Sprint(wantAll) {
				t.Fatalf("all: got=%v want=%v", got, wantAll)
			}
			if rep.Passed != 3 || rep.Failed != 0 || rep.Unresolved != 1 {
				t.Fatalf("counts: got passed=%d failed=%d unresolved=%d", rep.Passed, rep.Failed, rep.Unresolved)
			}
		})
	}
}

func TestTopCappedAndOrdered(t *testing.T) {
	agg := New(table(t), Config{Repetitions: 1, MinGroupSize: 1, GroupCap: 3})
	for i, ms := range []int{90, 30, 70, 10, 50, 40} {
		code := "NRT"
		if i%2 == 1 {
			code = "KIX"
		}
		r := result(fmt.Sprintf("192.0.2.%d", i+1), "", code, time.Duration(ms)*time.Millisecond)
		if err := agg.Record(r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	rep, err := agg.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if len(rep.Groups) != 1 || rep.Groups[0].Tag != "JP" {
		t.Fatalf("NRT and KIX should share the JP group, got %+v", rep.Groups)
	}
	if len(rep.Top) != 3 {
		t.Fatalf("top size: got=%d want=3", len(rep.Top))
	}
	if len(rep.All) != 6 {
		t.Fatalf("all size: got=%d want=6", len(rep.All))
	}
	for i := 1; i < len(rep.All); i++ {
		if rep.All[i].Latency < rep.All[i-1].Latency {
			t.Fatalf("latency decreased at %d: %s < %s", i, rep.All[i].Latency, rep.All[i-1].Latency)
		}
		if rep.All[i].Rank != i+1 {
			t.Fatalf("rank: got=%d want=%d", rep.All[i].Rank, i+1)
		}
	}
}

func TestUndersizedGroupOnlyInAll(t *testing.T) {
	agg := New(table(t), Config{Repetitions: 1, MinGroupSize: 2, GroupCap: 5})
	records := []model.Result{
		result("192.0.2.1", "", "NRT", 30*time.Millisecond),
		result("192.0.2.2", "", "KIX", 40*time.Millisecond),
		result("192.0.2.3", "", "FRA", 10*time.Millisecond),
	}
	for _, r := range records {
		if err := agg.Record(r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	rep, err := agg.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	for _, e := range rep.Top {
		if e.Tag == "DE" {
			t.Fatalf("undersized group leaked into top: %v", labels(rep.Top))
		}
	}
	wantAll := []string{"192.0.2.3=DE1", "192.0.2.1=JP1", "192.0.2.2=JP2"}
	if got := labels(rep.All); fmt.Sprint(got) != fmt.Sprint(wantAll) {
		t.Fatalf("all: got=%v want=%v", got, wantAll)
	}
}

func TestFailedResultsAreCountedOnly(t *testing.T) {
	agg := New(table(t), Config{Repetitions: 3})
	if err := agg.Record(result("192.0.2.1", "", "NRT", 10*time.Millisecond, -1, 10*time.Millisecond)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	rep, err := agg.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if rep.Failed != 1 || rep.Passed != 0 || len(rep.All) != 0 {
		t.Fatalf("got failed=%d passed=%d all=%d", rep.Failed, rep.Passed, len(rep.All))
	}
}

func TestGroupByModes(t *testing.T) {
	cases := []struct {
		by   config.GroupBy
		tag  string
		want string
	}{
		{config.GroupByCountry, "", "JP1"},
		{config.GroupByRegion, "", "Asia1"},
		{config.GroupByCode, "", "NRT1"},
		{config.GroupByTag, "consumer7", "consumer1"},
		{config.GroupByTag, "", "untagged1"},
	}
	for _, tc := range cases {
		t.Run(string(tc.by)+"/"+tc.tag, func(t *testing.T) {
			agg := New(table(t), Config{Repetitions: 1, GroupBy: tc.by})
			if err := agg.Record(result("192.0.2.1", tc.tag, "NRT", time.Millisecond)); err != nil {
				t.Fatalf("Record: %v", err)
			}
			rep, err := agg.Finalize()
			if err != nil {
				t.Fatalf("Finalize: %v", err)
			}
			if len(rep.Top) != 1 || rep.Top[0].Label() != tc.want {
				t.Fatalf("label: got=%v want=%s", labels(rep.Top), tc.want)
			}
		})
	}
}

func TestGroupByTagWithoutResolver(t *testing.T) {
	agg := New(nil, Config{Repetitions: 1, GroupBy: config.GroupByTag})
	r := result("192.0.2.1", "masque", "", time.Millisecond)
	if err := agg.Record(r); err != nil {
		t.Fatalf("Record: %v", err)
	}
	rep, err := agg.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if rep.Unresolved != 0 || len(rep.Top) != 1 || rep.Top[0].Label() != "masque1" {
		t.Fatalf("got unresolved=%d top=%v", rep.Unresolved, labels(rep.Top))
	}
}

func TestFinalizeOnce(t *testing.T) {
	agg := New(table(t), Config{Repetitions: 1, Expected: 2})
	if err := agg.Record(result("192.0.2.1", "", "NRT", time.Millisecond)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := agg.Finalize(); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("early finalize: got=%v want=%v", err, ErrIncomplete)
	}
	if err := agg.Record(result("192.0.2.2", "", "NRT", time.Millisecond)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := agg.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := agg.Finalize(); !errors.Is(err, ErrFinalized) {
		t.Fatalf("second finalize: got=%v want=%v", err, ErrFinalized)
	}
	if err := agg.Record(result("192.0.2.3", "", "NRT", time.Millisecond)); !errors.Is(err, ErrFinalized) {
		t.Fatalf("record after finalize: got=%v want=%v", err, ErrFinalized)
	}
}

func TestRecordRejectsIncompleteResult(t *testing.T) {
	agg := New(table(t), Config{Repetitions: 3})
	if err := agg.Record(result("192.0.2.1", "", "NRT", time.Millisecond)); err == nil {
		t.Fatal("expected error for a result with missing rounds")
	}
}

func TestEgressFamily(t *testing.T) {
	cases := map[string]string{
		"198.51.100.1": "ipv4",
		"2001:db8::1":  "ipv6",
		"":             "",
	}
	for ip, want := range cases {
		if got := (Entry{EgressIP: ip}).EgressFamily(); got != want {
			t.Fatalf("%q: got=%q want=%q", ip, got, want)
		}
	}
}

func TestNormalizeTag(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"HKG", "HKG"},
		{"HKG12", "HKG"},
		{"  JP 3 ", "JP"},
		{"A1", "A"},
		{"v6-2", "v6-"},
		{"123", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeTag(tc.in); got != tc.want {
			t.Fatalf("NormalizeTag(%q): got=%q want=%q", tc.in, got, tc.want)
		}
	}
}
