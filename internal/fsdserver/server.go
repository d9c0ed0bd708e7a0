// internal/fsdserver/server.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package fsdserver

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/mmp/fsdserver/internal/auth"
	"github.com/mmp/fsdserver/internal/metar"
	"github.com/mmp/fsdserver/internal/packet"
	"github.com/mmp/fsdserver/internal/plugin"
	"github.com/mmp/fsdserver/internal/registry"
	"github.com/mmp/fsdserver/log"
	"github.com/mmp/fsdserver/util"
)

// Server is the factory that owns every connection's shared state: the
// client directory, the plugin bus, the credential checker, the METAR
// manager, and the TCP listener that spawns a Session per accepted
// connection.
type Server struct {
	cfg         Config
	lg          *log.Logger
	registry    *registry.Registry
	dispatch    *plugin.Dispatcher
	authChecker *auth.Checker
	metarMgr    *metar.Manager

	blacklistMu util.LoggingMutex
	blacklist   map[string]bool

	listener net.Listener

	wg sync.WaitGroup

	motdEncodingWarnOnce sync.Once
}

// New constructs a Server. The registry, dispatcher, auth checker, and
// METAR manager are built by the caller (cmd/fsdserver) and injected
// here so tests can substitute fakes for any of them.
func New(cfg Config, lg *log.Logger, reg *registry.Registry, dispatch *plugin.Dispatcher,
	authChecker *auth.Checker, metarMgr *metar.Manager) *Server {
	return &Server{
		cfg:         cfg,
		lg:          lg,
		registry:    reg,
		dispatch:    dispatch,
		authChecker: authChecker,
		metarMgr:    metarMgr,
		blacklist:   blacklistSet(cfg.Blacklist),
	}
}

func blacklistSet(hosts []string) map[string]bool {
	m := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		m[h] = true
	}
	return m
}

// SetBlacklist replaces the set of blocked remote hosts. Reconfigured
// rarely enough (an operator action, not a hot path) that holding the
// lock across the log line the LoggingMutex emits is no concern.
func (srv *Server) SetBlacklist(hosts []string) {
	srv.blacklistMu.Lock(srv.lg)
	defer srv.blacklistMu.Unlock(srv.lg)
	srv.blacklist = blacklistSet(hosts)
}

func (srv *Server) isBlacklisted(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	srv.blacklistMu.Lock(srv.lg)
	defer srv.blacklistMu.Unlock(srv.lg)
	return srv.blacklist[host]
}

// Start binds the listener, launches the accept loop and heartbeat
// ticker, and returns once the listener is live. It fires
// before_start first so a plugin can prepare before any connection
// can arrive; a hook's error is logged and does not stop the start.
func (srv *Server) Start(ctx context.Context) error {
	srv.dispatch.FireBeforeStart(ctx)

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", srv.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv.listener = l
	srv.lg.Infof("listening on %s", l.Addr())

	srv.metarMgr.StartCache(ctx)

	srv.wg.Add(2)
	go srv.acceptLoop(ctx)
	go srv.heartbeatLoop(ctx)

	return nil
}

// Stop fires before_stop, closes the listener so the accept loop
// exits, and waits up to 5s for the accept and heartbeat goroutines to
// drain before returning. It does not itself close live client
// connections; each Session.Run closes its connection and exits once
// the ctx passed to Start is cancelled.
func (srv *Server) Stop(ctx context.Context) {
	srv.dispatch.FireBeforeStop(ctx)

	if srv.listener != nil {
		_ = srv.listener.Close()
	}
	srv.metarMgr.StopCache()

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		srv.lg.Warn("server stop: timed out waiting for loops to drain")
	}
}

func (srv *Server) acceptLoop(ctx context.Context) {
	defer srv.wg.Done()
	defer srv.lg.CatchAndReportCrash()

	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			srv.lg.Errorf("accept: %v", err)
			continue
		}

		if srv.isBlacklisted(conn.RemoteAddr().String()) {
			srv.lg.Infof("rejecting blacklisted peer %s", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		session := newSession(srv, conn)
		go session.Run(ctx)
	}
}

// heartbeatLoop broadcasts a #DL wind-delta packet on cfg.heartbeatInterval,
// and periodically logs host resource usage via gopsutil the way a
// long-running daemon's operator would want in its log stream.
func (srv *Server) heartbeatLoop(ctx context.Context) {
	defer srv.wg.Done()
	defer srv.lg.CatchAndReportCrash()

	ticker := time.NewTicker(srv.cfg.heartbeatInterval())
	defer ticker.Stop()

	statsTicker := time.NewTicker(10 * srv.cfg.heartbeatInterval())
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			srv.broadcastHeartbeat()
		case <-statsTicker.C:
			srv.logResourceStats()
		}
	}
}

// broadcastHeartbeat sends "#DLSERVER:*:<r mod 11 - 5>:<r mod 21 - 10>"
// to every client, both deltas derived from a single fresh r drawn
// uniformly from the full signed-32-bit range -- correcting the
// historical source's randint(-214743648, 2147483647) bound, one digit
// short of INT32_MIN, to the true math.MinInt32.
func (srv *Server) broadcastHeartbeat() {
	r := int32(rand.Int63n(int64(math.MaxInt32)-int64(math.MinInt32)+1) + int64(math.MinInt32))
	d1 := (int(r)%11+11)%11 - 5
	d2 := (int(r)%21+21)%21 - 10
	out := packet.EncodeStrings(packet.WindDelta, "SERVER", "*", strconv.Itoa(d1), strconv.Itoa(d2))
	srv.registry.Broadcast(out, nil, nil)
}

func (srv *Server) logResourceStats() {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		srv.lg.Infof("cpu %.1f%%, clients %d", pct[0], srv.registry.Len())
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		srv.lg.Infof("mem used %.1f%%", vm.UsedPercent)
	}
}
