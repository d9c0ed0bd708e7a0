// internal/metar/manager.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package metar

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mmp/fsdserver/internal/wx"
	"github.com/mmp/fsdserver/log"
	"github.com/mmp/fsdserver/util"
)

// onceCacheSize bounds the memoization cache backing mode=once Query
// calls; once-mode has no scheduled refresh of its own, so without
// this a burst of pilots requesting the same busy airport's weather
// would each walk the fetcher chain independently.
const onceCacheSize = 512

// onceCacheTTL is how long a memoized once-mode observation is served
// before the next Query for that station re-runs the fetcher chain.
const onceCacheTTL = 2 * time.Minute

type onceCacheEntry struct {
	observation *wx.ParsedMetar
	fetchedAt   time.Time
}

// Mode selects how the cache is kept warm.
type Mode int

const (
	// ModeCron refreshes the whole cache on a timer; Query serves out
	// of that cache.
	ModeCron Mode = iota
	// ModeOnce fetches a single station synchronously on Query; a
	// result is reused for onceCacheTTL before the station is fetched
	// again.
	ModeOnce
)

// Fallback selects cross-mode fallback behavior: FallbackNone (the
// zero value) means no fallback.
type Fallback int

const (
	FallbackNone Fallback = iota
	FallbackCron
	FallbackOnce
)

// Config mirrors the `pyfsd.metar` configuration subtree.
type Config struct {
	Mode                Mode
	Fallback            Fallback
	CronTime            time.Duration
	SkipPreviousFetcher bool

	// DiskCachePath, if non-empty, is the util.CacheStoreObject path a
	// cron-mode cache is mirrored to after every successful refresh and
	// loaded from at startup. This bridges the gap between process
	// start and the first completed bulk fetch with whatever was last
	// observed, rather than serving nothing; it is the METAR cache, not
	// session state, so it sits outside spec.md's no-persisted-session
	// Non-goal.
	DiskCachePath string
}

// Manager layers a cache, a refresh scheduler, and a fallback chain
// over an ordered list of Fetchers. The zero value is not usable;
// construct with NewManager.
type Manager struct {
	cfg      Config
	fetchers []Fetcher
	lg       *log.Logger

	mu              sync.RWMutex
	cache           map[string]*wx.ParsedMetar // replaced wholesale, never mutated in place
	lastCronFetcher Fetcher
	notImplBulk     map[Fetcher]bool
	notImplSingle   map[Fetcher]bool

	onceCache *lru.Cache[string, onceCacheEntry]
	sf        singleflight.Group

	cronCancel context.CancelFunc
	cronDone   chan struct{}
}

func NewManager(cfg Config, fetchers []Fetcher, lg *log.Logger) *Manager {
	onceCache, _ := lru.New[string, onceCacheEntry](onceCacheSize)
	return &Manager{
		cfg:           cfg,
		fetchers:      fetchers,
		lg:            lg,
		cache:         map[string]*wx.ParsedMetar{},
		notImplBulk:   map[Fetcher]bool{},
		notImplSingle: map[Fetcher]bool{},
		onceCache:     onceCache,
	}
}

// cronActive reports whether a periodic refresh task should be
// running, per the `mode=cron` / `fallback=cron` composition rules.
func (m *Manager) cronActive() bool {
	return m.cfg.Mode == ModeCron || m.cfg.Fallback == FallbackCron
}

// StartCache launches the periodic cache-refresh loop. It is a no-op
// (not an error) if this configuration never needs one. If a disk
// cache path is configured, it is loaded first so the cache isn't
// empty for the (CronTime-bounded) stretch before the first refresh
// completes.
func (m *Manager) StartCache(ctx context.Context) {
	if !m.cronActive() {
		return
	}
	m.loadDiskCache()

	ctx, cancel := context.WithCancel(ctx)
	m.cronCancel = cancel
	m.cronDone = make(chan struct{})

	go func() {
		defer close(m.cronDone)
		ticker := time.NewTicker(m.cfg.CronTime)
		defer ticker.Stop()
		m.refreshCache(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refreshCache(ctx)
			}
		}
	}()
}

// StopCache cancels the refresh loop and waits for it to exit.
func (m *Manager) StopCache() {
	if m.cronCancel == nil {
		return
	}
	m.cronCancel()
	<-m.cronDone
}

// refreshCache walks the fetcher chain in order, skipping any fetcher
// previously observed to lack a bulk implementation, and replaces the
// whole cache on the first success. An all-fail round leaves the
// previous cache in place.
func (m *Manager) refreshCache(ctx context.Context) {
	m.lg.Debug("fetching metar cache")

	for _, f := range m.fetchers {
		if m.isNotImplBulk(f) {
			continue
		}

		all, err := f.FetchAll(ctx)
		switch {
		case err == ErrNotImplemented:
			m.markNotImplBulk(f)
			continue
		case err != nil:
			m.lg.Warnf("metar fetcher %s: %v", f.Source(), err)
			continue
		}

		m.mu.Lock()
		m.cache = all
		m.lastCronFetcher = f
		m.mu.Unlock()
		m.lg.Infof("fetched %d metars from %s", len(all), f.Source())
		m.persistDiskCache(all)
		return
	}

	m.lg.Warn("no metar fetcher produced a cache this cycle; keeping previous cache")
}

// loadDiskCache primes the in-memory cache from the last persisted
// snapshot, if DiskCachePath is configured and a snapshot exists. A
// missing or unreadable file is logged at debug level and otherwise
// ignored -- the first refreshCache run will populate the cache soon
// enough regardless.
func (m *Manager) loadDiskCache() {
	if m.cfg.DiskCachePath == "" {
		return
	}
	var cache map[string]*wx.ParsedMetar
	modTime, err := util.CacheRetrieveObject(m.cfg.DiskCachePath, &cache)
	if err != nil {
		m.lg.Debugf("metar disk cache: %v", err)
		return
	}
	m.mu.Lock()
	m.cache = cache
	m.mu.Unlock()
	m.lg.Infof("loaded %d metars from disk cache (age %s)", len(cache), time.Since(modTime))
}

// persistDiskCache mirrors a freshly fetched cache to disk so a
// restart doesn't start cold. Best-effort: a write failure is logged
// and otherwise has no effect on serving the in-memory cache.
func (m *Manager) persistDiskCache(cache map[string]*wx.ParsedMetar) {
	if m.cfg.DiskCachePath == "" {
		return
	}
	if err := util.CacheStoreObject(m.cfg.DiskCachePath, cache); err != nil {
		m.lg.Debugf("metar disk cache: %v", err)
	}
}

func (m *Manager) isNotImplBulk(f Fetcher) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.notImplBulk[f]
}

func (m *Manager) markNotImplBulk(f Fetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notImplBulk[f] = true
}

func (m *Manager) isNotImplSingle(f Fetcher) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.notImplSingle[f]
}

func (m *Manager) markNotImplSingle(f Fetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notImplSingle[f] = true
}

// queryEach walks the per-station fetch chain in order, skipping any
// fetcher already known to lack a single-station implementation and
// any fetcher in skip. It returns the first successful non-nil
// result; a fetcher error is logged and the chain advances.
func (m *Manager) queryEach(ctx context.Context, icao string, skip Fetcher) *wx.ParsedMetar {
	for _, f := range m.fetchers {
		if f == skip || m.isNotImplSingle(f) {
			continue
		}

		observation, err := f.Fetch(ctx, icao)
		switch {
		case err == ErrNotImplemented:
			m.markNotImplSingle(f)
			continue
		case err != nil:
			m.lg.Warnf("metar fetcher %s: %v", f.Source(), err)
			continue
		}
		if observation != nil {
			return observation
		}
	}
	return nil
}

// Query resolves a single station's observation per the mode/fallback
// composition:
//
//	mode=cron, cache hit   -> cached value
//	mode=cron, cache miss  -> fallback=once runs the per-station chain, else nil
//	mode=once              -> runs the per-station chain; fallback=cron
//	                          consults the cache if the chain comes up empty
func (m *Manager) Query(ctx context.Context, icao string) *wx.ParsedMetar {
	icao = strings.ToUpper(icao)

	if m.cfg.Mode == ModeCron {
		m.mu.RLock()
		cached, ok := m.cache[icao]
		lastFetcher := m.lastCronFetcher
		m.mu.RUnlock()

		if ok {
			return cached
		}
		if m.cfg.Fallback != FallbackOnce {
			return nil
		}
		var skip Fetcher
		if m.cfg.SkipPreviousFetcher {
			skip = lastFetcher
		}
		return m.queryEach(ctx, icao, skip)
	}

	result := m.queryOnce(ctx, icao)
	if result == nil && m.cfg.Fallback == FallbackCron {
		m.mu.RLock()
		result = m.cache[icao]
		m.mu.RUnlock()
	}
	return result
}

// queryOnce serves a mode=once lookup out of a short-lived memoization
// cache, collapsing concurrent requests for the same station into a
// single fetcher-chain walk via singleflight -- two pilots asking for
// the same busy airport's weather in the same instant should produce
// one outbound request, not two.
func (m *Manager) queryOnce(ctx context.Context, icao string) *wx.ParsedMetar {
	if entry, ok := m.onceCache.Get(icao); ok && time.Since(entry.fetchedAt) < onceCacheTTL {
		return entry.observation
	}

	v, _, _ := m.sf.Do(icao, func() (any, error) {
		observation := m.queryEach(ctx, icao, nil)
		if observation != nil {
			m.onceCache.Add(icao, onceCacheEntry{observation: observation, fetchedAt: time.Now()})
		}
		return observation, nil
	})
	if v == nil {
		return nil
	}
	return v.(*wx.ParsedMetar)
}

// FetchMany resolves a batch of stations concurrently, fanning out
// across the fetcher chain with a bounded worker pool -- the same
// semaphore-over-errgroup shape the historical bulk METAR ingestion
// tooling uses for its archive-wide fan-out, scaled down to a handful
// of stations rather than a whole cycle file. Individual fetch errors
// are logged and that station is simply absent from the result.
func (m *Manager) FetchMany(ctx context.Context, icaos []string) map[string]*wx.ParsedMetar {
	const maxConcurrent = 8

	var mu sync.Mutex
	results := make(map[string]*wx.ParsedMetar, len(icaos))

	eg, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, maxConcurrent)

	for _, icao := range icaos {
		icao := strings.ToUpper(icao)
		eg.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			var observation *wx.ParsedMetar
			if m.cfg.Mode == ModeCron {
				m.mu.RLock()
				observation = m.cache[icao]
				m.mu.RUnlock()
				if observation == nil {
					observation = m.queryOnce(ctx, icao)
				}
			} else {
				observation = m.queryOnce(ctx, icao)
			}
			if observation == nil {
				return nil
			}

			mu.Lock()
			results[icao] = observation
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait() // individual station errors are absorbed inside queryEach/queryOnce

	return results
}

// DumpCache serializes the current cache snapshot (msgpack, zstd
// compressed) for diagnostics -- a compact operator-facing artifact
// distinct from the wire protocol, never sent to FSD clients.
func (m *Manager) DumpCache() ([]byte, error) {
	m.mu.RLock()
	snapshot := make(map[string]*wx.ParsedMetar, len(m.cache))
	for k, v := range m.cache {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	packed, err := msgpack.Marshal(snapshot)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(packed); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CacheLen reports how many stations the current cache holds.
func (m *Manager) CacheLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}
