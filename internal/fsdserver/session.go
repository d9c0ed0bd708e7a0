// internal/fsdserver/session.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package fsdserver is the FSD session protocol engine and the
// server/factory that owns its shared state: the line-framed
// per-connection state machine (login, idle timeout, serialized
// handler dispatch) and the TCP accept loop, heartbeat ticker, and
// blacklist that wrap it.
package fsdserver

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmp/fsdserver/internal/fsdclient"
	"github.com/mmp/fsdserver/internal/packet"
	"github.com/mmp/fsdserver/internal/plugin"
	"github.com/mmp/fsdserver/log"
)

// connWriter is the per-connection Sender the registry and session
// both write through. Every write takes mu so a broadcast from
// another connection's goroutine can never interleave with a line
// this connection's own handler is emitting, and vice versa.
type connWriter struct {
	conn net.Conn
	mu   sync.Mutex
}

func (w *connWriter) SendLine(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.conn.Write(append(payload, packet.Newline...))
	return err
}

func (w *connWriter) Close() error {
	return w.conn.Close()
}

// Session is the per-connection state machine described in spec §4.I:
// unauthenticated until a successful ADD_ATC/ADD_PILOT, serialized
// line-at-a-time (one goroutine reads and dispatches each line to
// completion before the next is read), idle-killed after 800s without
// inbound bytes.
type Session struct {
	srv    *Server
	conn   net.Conn
	writer *connWriter
	lg     *log.Logger
	connID string

	client *fsdclient.Client

	idleMu    sync.Mutex
	idleTimer *time.Timer

	closeAfterLine bool
}

func newSession(srv *Server, conn net.Conn) *Session {
	connID := uuid.NewString()
	s := &Session{
		srv:    srv,
		conn:   conn,
		writer: &connWriter{conn: conn},
		lg:     srv.lg.With("conn_id", connID, "remote", conn.RemoteAddr().String()),
		connID: connID,
	}
	return s
}

// callsign reports the session's logged-in callsign, or "unknown"
// before login completes -- the form every wire-level error and log
// line uses.
func (s *Session) callsign() string {
	if s.client == nil {
		return "unknown"
	}
	return s.client.Callsign
}

// Run owns the connection for its whole lifetime: it reads lines
// until the peer disconnects, times out, or a handler asks to close,
// and always runs the connection-loss cleanup on the way out.
func (s *Session) Run(ctx context.Context) {
	defer s.lg.CatchAndReportCrash()
	defer s.onConnectionLost(ctx)

	s.srv.dispatch.FireNewConnectionEstablished(ctx, s.conn.RemoteAddr().String())

	stopCloseOnCancel := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stopCloseOnCancel()

	s.resetIdleTimer()
	defer s.stopIdleTimer()

	r := bufio.NewReaderSize(s.conn, 4096)
	for {
		line, err := readLine(r)
		if err != nil {
			if err != io.EOF {
				s.lg.Debugf("read: %v", err)
			}
			return
		}
		s.resetIdleTimer()

		s.dispatchLine(ctx, line)
		if s.closeAfterLine {
			return
		}
	}
}

// readLine reads one CRLF-terminated line and returns it without the
// terminator. A bare "\n" terminator (no preceding "\r") is also
// accepted, since real-world clients occasionally send one.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	line = bytes.TrimRight(line, "\r\n")
	return line, nil
}

// dispatchLine runs the plugin pre-event, the engine's own packet
// handler if no plugin preempted, and the post-event audit -- in that
// order, synchronously, matching the ordering guarantee in spec §5
// that the next line is not dispatched until this sequence completes.
func (s *Session) dispatchLine(ctx context.Context, line []byte) {
	handled, result := s.srv.dispatch.FireLineReceived(ctx, s.callsign(), line)
	if handled {
		result.HandledByPlugin = true
	} else {
		result = s.handleLine(ctx, line)
	}
	s.srv.dispatch.FireAuditLine(ctx, s.callsign(), line, result)
}

func (s *Session) resetIdleTimer() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idleTimer == nil {
		s.idleTimer = time.AfterFunc(s.srv.cfg.idleTimeout(), s.onIdleTimeout)
		return
	}
	s.idleTimer.Reset(s.srv.cfg.idleTimeout())
}

func (s *Session) stopIdleTimer() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
}

// onIdleTimeout fires 800s after the last inbound byte: write the
// timeout notice and force the connection closed, which unblocks
// Run's pending ReadBytes and lets the normal connection-loss cleanup
// run.
func (s *Session) onIdleTimeout() {
	s.lg.Infof("idle timeout for %s", s.callsign())
	_, _ = s.conn.Write([]byte("# Timeout" + packet.Newline))
	_ = s.conn.Close()
}

// onConnectionLost implements the connection-loss handler: cancel the
// timer (already stopped by the deferred stopIdleTimer), broadcast a
// REMOVE_ATC/REMOVE_PILOT if a client had been registered, fire
// client_disconnected, then drop the callsign from the registry.
func (s *Session) onConnectionLost(ctx context.Context) {
	_ = s.conn.Close()

	if s.client == nil {
		return
	}

	head := packet.RemovePilot
	if s.client.IsATC() {
		head = packet.RemoveATC
	}
	out := packet.EncodeStrings(head, s.client.Callsign, s.client.CID)
	s.srv.registry.Broadcast(out, nil, s.client)

	s.srv.dispatch.FireClientDisconnected(ctx, s.client.Callsign)
	s.srv.registry.Remove(s.client.Callsign)
	s.lg.Infof("%s disconnected", s.client.Callsign)
}

func resultFrom(success, packetOK bool) plugin.HandlerResult {
	return plugin.HandlerResult{Success: success, PacketOK: packetOK, HasResult: true}
}
