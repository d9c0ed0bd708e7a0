// internal/fsdserver/handlers_test.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package fsdserver

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmp/fsdserver/internal/auth"
	"github.com/mmp/fsdserver/internal/metar"
	"github.com/mmp/fsdserver/internal/packet"
	"github.com/mmp/fsdserver/internal/plugin"
	"github.com/mmp/fsdserver/internal/registry"
	"github.com/mmp/fsdserver/log"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// fakeConn is a minimal net.Conn: Write buffers in memory, Read blocks
// until Close, matching a real socket's behavior closely enough to
// drive Session.Run without a real listener.
type fakeConn struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) Read(b []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *fakeConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(b)
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) LocalAddr() net.Addr                { return fakeAddr("local") }
func (c *fakeConn) RemoteAddr() net.Addr               { return fakeAddr("remote:1234") }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

// writtenLines drains and returns the CRLF-delimited lines written so
// far.
func (c *fakeConn) writtenLines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw := strings.TrimRight(c.buf.String(), "\r\n")
	c.buf.Reset()
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\r\n")
}

type testUser struct {
	hash   string
	scheme auth.Scheme
	rating int
}

type testStore struct {
	users map[string]testUser
}

func (s *testStore) Lookup(cid string) (hash string, scheme auth.Scheme, rating int, found bool, err error) {
	u, ok := s.users[cid]
	if !ok {
		return "", 0, 0, false, nil
	}
	return u.hash, u.scheme, u.rating, true, nil
}

// add stores password as the account's legacy hash: the legacy scheme
// compares the wire value as-is, so the tests log in with that same
// string.
func (s *testStore) add(cid, password string, rating int) {
	s.users[cid] = testUser{hash: password, scheme: auth.SchemeMD5Legacy, rating: rating}
}

func newTestServer(t *testing.T) (*Server, *testStore) {
	lg := log.New("error", t.TempDir())
	store := &testStore{users: map[string]testUser{}}
	srv := New(Config{MOTD: []string{"welcome"}}, lg, registry.New(lg), plugin.NewDispatcher(lg),
		auth.NewChecker(store), metar.NewManager(metar.Config{}, nil, lg))
	return srv, store
}

func newTestSession(srv *Server) (*Session, *fakeConn) {
	conn := newFakeConn()
	return newSession(srv, conn), conn
}

func loginPilot(t *testing.T, srv *Server, store *testStore, callsign, cid, password string, rating int) (*Session, *fakeConn) {
	t.Helper()
	store.add(cid, password, rating)
	s, conn := newTestSession(srv)
	line := packet.EncodeStrings(packet.AddPilot, callsign, "SERVER", cid, password,
		strconv.Itoa(rating), protocolRevision, "1", "Test Pilot")
	result := s.handleLine(context.Background(), line)
	if !result.Success {
		t.Fatalf("pilot login failed for %s: %+v, wire=%v", callsign, result, conn.writtenLines())
	}
	conn.writtenLines() // drain MOTD
	return s, conn
}

func loginATC(t *testing.T, srv *Server, store *testStore, callsign, cid, password string, rating int) (*Session, *fakeConn) {
	t.Helper()
	store.add(cid, password, rating)
	s, conn := newTestSession(srv)
	line := packet.EncodeStrings(packet.AddATC, callsign, "SERVER", "Test Controller", cid, password,
		strconv.Itoa(rating), protocolRevision)
	result := s.handleLine(context.Background(), line)
	if !result.Success {
		t.Fatalf("atc login failed for %s: %+v, wire=%v", callsign, result, conn.writtenLines())
	}
	conn.writtenLines() // drain MOTD
	return s, conn
}

func TestAddPilotLoginSendsMOTD(t *testing.T) {
	srv, store := newTestServer(t)
	store.add("1000001", "secret", 5)
	s, conn := newTestSession(srv)

	line := packet.EncodeStrings(packet.AddPilot, "TEST1", "SERVER", "1000001", "secret", "5",
		protocolRevision, "1", "Test Pilot")
	result := s.handleLine(context.Background(), line)
	if !result.Success {
		t.Fatalf("expected login to succeed, got %+v", result)
	}
	if s.client == nil || s.client.Callsign != "TEST1" {
		t.Fatalf("expected client TEST1 to be registered, got %+v", s.client)
	}

	lines := conn.writtenLines()
	if len(lines) != 1 || !strings.Contains(lines[0], "welcome") {
		t.Fatalf("expected one MOTD line containing \"welcome\", got %v", lines)
	}
}

func TestHandleLineDropsPacketsBeforeLogin(t *testing.T) {
	srv, _ := newTestServer(t)
	s, conn := newTestSession(srv)

	line := packet.EncodeStrings(packet.Message, "TEST1", "TEST2", "hello")
	result := s.handleLine(context.Background(), line)
	if result.Success || result.PacketOK {
		t.Fatalf("expected an unauthenticated packet to be dropped, got %+v", result)
	}
	if s.client != nil {
		t.Fatal("expected no client to be registered")
	}
	if lines := conn.writtenLines(); lines != nil {
		t.Fatalf("expected no reply, got %v", lines)
	}
}

func TestKillRequiresMinimumRating(t *testing.T) {
	srv, store := newTestServer(t)
	killer, killerConn := loginPilot(t, srv, store, "KILLER", "1000001", "secret", killRatingThreshold-1)
	target, _ := loginPilot(t, srv, store, "TARGET", "1000002", "secret", 1)
	killerConn.writtenLines() // drain TARGET's ADD_PILOT broadcast

	line := packet.EncodeStrings(packet.Kill, killer.client.Callsign, target.client.Callsign, "test reason")
	result := killer.handleLine(context.Background(), line)
	if !result.Success || result.PacketOK {
		t.Fatalf("expected a handled refusal, got %+v", result)
	}

	lines := killerConn.writtenLines()
	if len(lines) != 1 || !strings.Contains(lines[0], "not allowed") {
		t.Fatalf("expected a refusal message, got %v", lines)
	}
	if _, ok := srv.registry.Get(target.client.Callsign); !ok {
		t.Fatal("target should still be registered")
	}
}

func TestKillDisconnectsTarget(t *testing.T) {
	srv, store := newTestServer(t)
	killer, killerConn := loginPilot(t, srv, store, "KILLER", "1000001", "secret", killRatingThreshold)
	target, targetConn := loginPilot(t, srv, store, "TARGET", "1000002", "secret", 1)
	killerConn.writtenLines() // drain TARGET's ADD_PILOT broadcast

	line := packet.EncodeStrings(packet.Kill, killer.client.Callsign, target.client.Callsign, "bye")
	result := killer.handleLine(context.Background(), line)
	if !result.Success || !result.PacketOK {
		t.Fatalf("expected kill to succeed, got %+v", result)
	}

	ackLines := killerConn.writtenLines()
	if len(ackLines) != 1 || !strings.Contains(ackLines[0], "Killed") {
		t.Fatalf("expected an ack to the killer, got %v", ackLines)
	}

	noticeLines := targetConn.writtenLines()
	if len(noticeLines) != 1 || !strings.HasPrefix(noticeLines[0], string(packet.Kill)) {
		t.Fatalf("expected a kill notice to the target, got %v", noticeLines)
	}
	if !targetConn.isClosed() {
		t.Fatal("expected the target's connection to be closed")
	}
}

func TestCQRealNameReply(t *testing.T) {
	srv, store := newTestServer(t)
	asker, askerConn := loginATC(t, srv, store, "ASKER", "1000001", "secret", 5)
	target, _ := loginPilot(t, srv, store, "TARGET", "1000002", "secret", 3)
	askerConn.writtenLines() // drain TARGET's ADD_PILOT broadcast

	line := packet.EncodeStrings(packet.CQ, asker.client.Callsign, "SERVER", "RN", target.client.Callsign)
	result := asker.handleLine(context.Background(), line)
	if !result.Success || !result.PacketOK {
		t.Fatalf("expected CQ RN to succeed, got %+v", result)
	}

	lines := askerConn.writtenLines()
	if len(lines) != 1 {
		t.Fatalf("expected one reply, got %v", lines)
	}
	if !strings.HasPrefix(lines[0], string(packet.CR)) || !strings.Contains(lines[0], "Test Pilot") ||
		!strings.Contains(lines[0], "3") {
		t.Fatalf("expected a $CR reply with the target's real name and rating, got %q", lines[0])
	}
}

func TestCQFlightPlanRequiresATC(t *testing.T) {
	srv, store := newTestServer(t)
	pilotAsker, pilotAskerConn := loginPilot(t, srv, store, "ASKER1", "1000001", "secret", 5)
	atcAsker, atcAskerConn := loginATC(t, srv, store, "ASKER2", "1000003", "secret", 5)
	pilotAskerConn.writtenLines() // drain ASKER2's ADD_ATC broadcast
	target, _ := loginPilot(t, srv, store, "TARGET", "1000002", "secret", 3)
	pilotAskerConn.writtenLines() // drain TARGET's ADD_PILOT broadcast
	atcAskerConn.writtenLines()   // drain TARGET's ADD_PILOT broadcast

	planLine := packet.EncodeStrings(packet.FlightPlan, target.client.Callsign, "SERVER", "I", "B738", "420",
		"KJFK", "0", "1200", "35000", "KLAX", "5", "30", "6", "0", "KLAS", "", "DCT")
	if result := target.handleLine(context.Background(), planLine); !result.Success {
		t.Fatalf("expected flight plan filing to succeed, got %+v", result)
	}
	atcAskerConn.writtenLines() // drain the AllATCChecker plan broadcast

	cqLine := packet.EncodeStrings(packet.CQ, pilotAsker.client.Callsign, "SERVER", "FP", target.client.Callsign)
	result := pilotAsker.handleLine(context.Background(), cqLine)
	if result.PacketOK {
		t.Fatalf("expected a non-ATC CQ FP request to be refused, got %+v", result)
	}
	if lines := pilotAskerConn.writtenLines(); lines != nil {
		t.Fatalf("expected no reply to the non-ATC asker, got %v", lines)
	}

	cqLine = packet.EncodeStrings(packet.CQ, atcAsker.client.Callsign, "SERVER", "FP", target.client.Callsign)
	result = atcAsker.handleLine(context.Background(), cqLine)
	if !result.Success || !result.PacketOK {
		t.Fatalf("expected the ATC's CQ FP request to succeed, got %+v", result)
	}
	lines := atcAskerConn.writtenLines()
	if len(lines) != 1 || !strings.HasPrefix(lines[0], string(packet.FlightPlan)) {
		t.Fatalf("expected a relayed $FP line, got %v", lines)
	}
}

func TestMessageDeliversToDirectCallsign(t *testing.T) {
	srv, store := newTestServer(t)
	a, _ := loginPilot(t, srv, store, "ALPHA", "1000001", "secret", 5)
	_, bConn := loginPilot(t, srv, store, "BRAVO", "1000002", "secret", 5)

	line := packet.EncodeStrings(packet.Message, a.client.Callsign, "BRAVO", "hello there")
	result := a.handleLine(context.Background(), line)
	if !result.Success || !result.PacketOK {
		t.Fatalf("expected message delivery to succeed, got %+v", result)
	}

	lines := bConn.writtenLines()
	if len(lines) != 1 || !strings.Contains(lines[0], "hello there") || !strings.Contains(lines[0], "ALPHA") {
		t.Fatalf("expected BRAVO to receive the message, got %v", lines)
	}
}

func TestHandleCastRejectsSpoofedSource(t *testing.T) {
	srv, store := newTestServer(t)
	a, aConn := loginPilot(t, srv, store, "ALPHA", "1000001", "secret", 5)
	_, bConn := loginPilot(t, srv, store, "BRAVO", "1000002", "secret", 5)
	aConn.writtenLines() // drain BRAVO's ADD_PILOT broadcast

	line := packet.EncodeStrings(packet.Message, "NOTALPHA", "BRAVO", "hi")
	result := a.handleLine(context.Background(), line)
	if result.Success {
		t.Fatalf("expected a spoofed-source message to be rejected, got %+v", result)
	}

	lines := aConn.writtenLines()
	if len(lines) != 1 || !strings.Contains(lines[0], "Invalid source in packet") {
		t.Fatalf("expected an ERR_SRCINVALID reply, got %v", lines)
	}
	if lines := bConn.writtenLines(); lines != nil {
		t.Fatalf("expected BRAVO to receive nothing, got %v", lines)
	}
}

func TestAddPilotBroadcastsServerAnnouncement(t *testing.T) {
	srv, store := newTestServer(t)
	_, bConn := loginPilot(t, srv, store, "BRAVO", "1000002", "secret", 5)

	store.add("1000001", "password", 3)
	s, _ := newTestSession(srv)
	line := packet.EncodeStrings(packet.AddPilot, "CSN1012", "SERVER", "1000001", "password", "1",
		protocolRevision, "0", "Real Name")
	result := s.handleLine(context.Background(), line)
	if !result.Success {
		t.Fatalf("expected login to succeed, got %+v", result)
	}

	lines := bConn.writtenLines()
	if len(lines) != 1 {
		t.Fatalf("expected one broadcast line, got %v", lines)
	}
	want := "#APCSN1012:SERVER:1000001::1:1:0"
	if lines[0] != want {
		t.Errorf("broadcast = %q, want %q", lines[0], want)
	}
}

func TestAddATCBroadcastsServerAnnouncement(t *testing.T) {
	srv, store := newTestServer(t)
	_, bConn := loginPilot(t, srv, store, "BRAVO", "1000002", "secret", 5)

	store.add("1000001", "password", 5)
	s, _ := newTestSession(srv)
	line := packet.EncodeStrings(packet.AddATC, "CSN_CTR", "SERVER", "Real Name", "1000001", "password",
		"4", protocolRevision)
	result := s.handleLine(context.Background(), line)
	if !result.Success {
		t.Fatalf("expected login to succeed, got %+v", result)
	}

	lines := bConn.writtenLines()
	if len(lines) != 1 {
		t.Fatalf("expected one broadcast line, got %v", lines)
	}
	want := "#AACSN_CTR:SERVER:Real Name:1000001::4"
	if lines[0] != want {
		t.Errorf("broadcast = %q, want %q", lines[0], want)
	}
}

func TestRejectOldProtocolSendsEmptyEnvError(t *testing.T) {
	srv, _ := newTestServer(t)
	s, conn := newTestSession(srv)

	line := packet.EncodeStrings(packet.AddPilot, "CSN1012", "SERVER", "1012", "password", "1", "8", "0", "Real Name")
	result := s.handleLine(context.Background(), line)
	if result.Success {
		t.Fatalf("expected login to fail on an old protocol revision, got %+v", result)
	}

	lines := conn.writtenLines()
	want := "$ERserver:unknown:010::Invalid protocol revision"
	if len(lines) != 1 || lines[0] != want {
		t.Fatalf("got %v, want [%q]", lines, want)
	}
	if !s.closeAfterLine {
		t.Error("expected the session to be marked for close after ERR_REVISION")
	}
}

func TestAddPilotLevelErrorEnvIsRequestedRating(t *testing.T) {
	srv, store := newTestServer(t)
	store.add("1000001", "secret", 2)
	s, conn := newTestSession(srv)

	line := packet.EncodeStrings(packet.AddPilot, "CSN1012", "SERVER", "1000001", "secret", "5",
		protocolRevision, "0", "Real Name")
	result := s.handleLine(context.Background(), line)
	if result.Success {
		t.Fatalf("expected login to fail when the requested rating exceeds the stored one, got %+v", result)
	}

	lines := conn.writtenLines()
	if len(lines) != 1 || !strings.Contains(lines[0], ":011:5:") {
		t.Fatalf("expected an ERR_LEVEL reply with env %q, got %v", "5", lines)
	}
}

func TestAddPilotCIDInvalidErrorEnvIsCID(t *testing.T) {
	srv, _ := newTestServer(t)
	s, conn := newTestSession(srv)

	line := packet.EncodeStrings(packet.AddPilot, "CSN1012", "SERVER", "1000099", "secret", "1",
		protocolRevision, "0", "Real Name")
	result := s.handleLine(context.Background(), line)
	if result.Success {
		t.Fatalf("expected login to fail for an unknown CID, got %+v", result)
	}

	lines := conn.writtenLines()
	if len(lines) != 1 || !strings.Contains(lines[0], ":006:1000099:") {
		t.Fatalf("expected an ERR_CIDINVALID reply with env %q, got %v", "1000099", lines)
	}
}
