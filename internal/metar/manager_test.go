// internal/metar/manager_test.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package metar

import (
	"context"
	"testing"
	"time"

	"github.com/mmp/fsdserver/internal/wx"
	"github.com/mmp/fsdserver/log"
)

type fakeFetcher struct {
	name       string
	all        map[string]*wx.ParsedMetar
	allErr     error
	single     map[string]*wx.ParsedMetar
	singleErr  error
	fetchCalls int
}

func (f *fakeFetcher) Source() string { return f.name }

func (f *fakeFetcher) Fetch(ctx context.Context, icao string) (*wx.ParsedMetar, error) {
	f.fetchCalls++
	if f.singleErr != nil {
		return nil, f.singleErr
	}
	return f.single[icao], nil
}

func (f *fakeFetcher) FetchAll(ctx context.Context) (map[string]*wx.ParsedMetar, error) {
	if f.allErr != nil {
		return nil, f.allErr
	}
	return f.all, nil
}

func testLogger(t *testing.T) *log.Logger {
	return log.New("error", t.TempDir())
}

func TestManagerCronCacheHit(t *testing.T) {
	lg := testLogger(t)
	metar := wx.ParseMetar("KJFK 291951Z 18012KT 10SM CLR 22/15 A3001", time.Now())
	f := &fakeFetcher{name: "NOAA", all: map[string]*wx.ParsedMetar{"KJFK": metar}}

	m := NewManager(Config{Mode: ModeCron, CronTime: time.Hour}, []Fetcher{f}, lg)
	m.refreshCache(context.Background())

	got := m.Query(context.Background(), "kjfk")
	if got == nil || got.StationID != "KJFK" {
		t.Fatalf("Query after cron refresh = %v, want cached KJFK", got)
	}
}

func TestManagerCronMissNoFallbackReturnsNil(t *testing.T) {
	lg := testLogger(t)
	f := &fakeFetcher{name: "NOAA", all: map[string]*wx.ParsedMetar{}}
	m := NewManager(Config{Mode: ModeCron, CronTime: time.Hour}, []Fetcher{f}, lg)
	m.refreshCache(context.Background())

	if got := m.Query(context.Background(), "EDDF"); got != nil {
		t.Errorf("Query on cache miss with no fallback = %v, want nil", got)
	}
}

func TestManagerCronMissFallbackOnceQueriesChain(t *testing.T) {
	lg := testLogger(t)
	metar := wx.ParseMetar("EDDF 291951Z 18012KT 10SM CLR 22/15 A3001", time.Now())
	cronFetcher := &fakeFetcher{name: "NOAA", all: map[string]*wx.ParsedMetar{}}
	fallbackFetcher := &fakeFetcher{name: "Backup", single: map[string]*wx.ParsedMetar{"EDDF": metar}}

	m := NewManager(Config{Mode: ModeCron, CronTime: time.Hour, Fallback: FallbackOnce},
		[]Fetcher{cronFetcher, fallbackFetcher}, lg)
	m.refreshCache(context.Background())

	got := m.Query(context.Background(), "EDDF")
	if got == nil || got.StationID != "EDDF" {
		t.Fatalf("Query with fallback=once on cache miss = %v, want EDDF", got)
	}
}

func TestManagerOnceModeQueriesChainDirectly(t *testing.T) {
	lg := testLogger(t)
	metar := wx.ParseMetar("LOWI 291951Z 18012KT 10SM CLR 22/15 A3001", time.Now())
	f := &fakeFetcher{name: "NOAA", single: map[string]*wx.ParsedMetar{"LOWI": metar}}
	m := NewManager(Config{Mode: ModeOnce}, []Fetcher{f}, lg)

	got := m.Query(context.Background(), "LOWI")
	if got == nil || got.StationID != "LOWI" {
		t.Fatalf("Query in once mode = %v, want LOWI", got)
	}
}

func TestManagerNotImplementedBulkIsSkippedOnNextRefresh(t *testing.T) {
	lg := testLogger(t)
	niFetcher := &fakeFetcher{name: "NI", allErr: ErrNotImplemented}
	metar := wx.ParseMetar("KJFK 291951Z 18012KT 10SM CLR 22/15 A3001", time.Now())
	goodFetcher := &fakeFetcher{name: "Good", all: map[string]*wx.ParsedMetar{"KJFK": metar}}

	m := NewManager(Config{Mode: ModeCron, CronTime: time.Hour}, []Fetcher{niFetcher, goodFetcher}, lg)
	m.refreshCache(context.Background())
	m.refreshCache(context.Background())

	if !m.isNotImplBulk(niFetcher) {
		t.Errorf("fetcher returning ErrNotImplemented should be remembered")
	}
	if got := m.Query(context.Background(), "KJFK"); got == nil {
		t.Errorf("second fetcher should still have populated the cache")
	}
}

func TestManagerOnceModeMemoizesIdenticalQueries(t *testing.T) {
	lg := testLogger(t)
	metar := wx.ParseMetar("LOWI 291951Z 18012KT 10SM CLR 22/15 A3001", time.Now())
	f := &fakeFetcher{name: "NOAA", single: map[string]*wx.ParsedMetar{"LOWI": metar}}
	m := NewManager(Config{Mode: ModeOnce}, []Fetcher{f}, lg)

	for range 3 {
		got := m.Query(context.Background(), "LOWI")
		if got == nil || got.StationID != "LOWI" {
			t.Fatalf("Query in once mode = %v, want LOWI", got)
		}
	}
	if f.fetchCalls != 1 {
		t.Errorf("fetchCalls = %d, want 1 (memoized after first fetch)", f.fetchCalls)
	}
}

func TestManagerFetchManyFansOutConcurrently(t *testing.T) {
	lg := testLogger(t)
	lowi := wx.ParseMetar("LOWI 291951Z 18012KT 10SM CLR 22/15 A3001", time.Now())
	kjfk := wx.ParseMetar("KJFK 291951Z 18012KT 10SM CLR 22/15 A3001", time.Now())
	f := &fakeFetcher{name: "NOAA", single: map[string]*wx.ParsedMetar{"LOWI": lowi, "KJFK": kjfk}}
	m := NewManager(Config{Mode: ModeOnce}, []Fetcher{f}, lg)

	got := m.FetchMany(context.Background(), []string{"lowi", "kjfk", "eddf"})
	if len(got) != 2 {
		t.Fatalf("FetchMany returned %d stations, want 2", len(got))
	}
	if got["LOWI"] == nil || got["LOWI"].StationID != "LOWI" {
		t.Errorf("FetchMany[LOWI] = %v, want LOWI", got["LOWI"])
	}
	if got["KJFK"] == nil || got["KJFK"].StationID != "KJFK" {
		t.Errorf("FetchMany[KJFK] = %v, want KJFK", got["KJFK"])
	}
	if _, ok := got["EDDF"]; ok {
		t.Errorf("FetchMany should omit stations the fetcher has no data for")
	}
}

func TestManagerDumpCacheRoundTripsNonEmpty(t *testing.T) {
	lg := testLogger(t)
	metar := wx.ParseMetar("KJFK 291951Z 18012KT 10SM CLR 22/15 A3001", time.Now())
	f := &fakeFetcher{name: "NOAA", all: map[string]*wx.ParsedMetar{"KJFK": metar}}
	m := NewManager(Config{Mode: ModeCron, CronTime: time.Hour}, []Fetcher{f}, lg)
	m.refreshCache(context.Background())

	dump, err := m.DumpCache()
	if err != nil {
		t.Fatalf("DumpCache: %v", err)
	}
	if len(dump) == 0 {
		t.Errorf("expected non-empty compressed dump")
	}
}
