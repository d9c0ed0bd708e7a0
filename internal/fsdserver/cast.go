// internal/fsdserver/cast.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package fsdserver

import (
	"github.com/mmp/fsdserver/internal/geo"
	"github.com/mmp/fsdserver/internal/packet"
	"github.com/mmp/fsdserver/internal/plugin"
)

// handleCast implements the spec §4.I cast algorithm shared by every
// packet type that just relays from one client toward a destination
// callsign: MESSAGE, the handoff/SB/PC/comm family, PING/PONG, and the
// generic CQ/CR fallthrough.
//
// atPredicate is the checker used when the destination is "@...";
// nil falls back to AtChecker. multicastAble gates whether "*", "*A",
// and "*P" destinations are honored at all -- for the non-multicast
// cast family, a multicast destination is simply dropped
// (packet_ok=false), matching "dest must resolve to a single
// callsign" in spec §4.I.
func (s *Session) handleCast(head packet.Head, fields [][]byte, multicastAble bool, atPredicate geo.Checker) plugin.HandlerResult {
	if s.client == nil {
		return resultFrom(false, false)
	}
	if len(fields) < 2 {
		s.sendError(errSyntax, "")
		return resultFrom(false, false)
	}
	if !s.requireSelf(fields, 0) {
		return resultFrom(false, false)
	}

	toCallsign := string(fields[1])
	outFields := make([][]byte, 0, len(fields))
	outFields = append(outFields, []byte(s.client.Callsign), []byte(toCallsign))
	outFields = append(outFields, fields[2:]...)
	out := packet.Encode(head, outFields...)

	if packet.IsMulticast(toCallsign) {
		if !multicastAble {
			return resultFrom(true, false)
		}

		var delivered bool
		switch toCallsign {
		case "*":
			delivered = s.srv.registry.Broadcast(out, nil, s.client)
		case "*A":
			delivered = s.srv.registry.Broadcast(out, geo.AllATCChecker, s.client)
		case "*P":
			delivered = s.srv.registry.Broadcast(out, geo.AllPilotChecker, s.client)
		default: // "@..."
			pred := atPredicate
			if pred == nil {
				pred = geo.AtChecker
			}
			delivered = s.srv.registry.Broadcast(out, pred, s.client)
		}
		return resultFrom(true, delivered)
	}

	delivered := s.srv.registry.SendTo(toCallsign, out)
	return resultFrom(true, delivered)
}

// requireSelf validates that fields[idx] -- the callsign the packet
// itself claims to be from -- matches this session's logged-in
// client, sending ERR_SRCINVALID on a mismatch.
func (s *Session) requireSelf(fields [][]byte, idx int) bool {
	if s.client == nil {
		return false
	}
	if idx >= len(fields) || string(fields[idx]) != s.client.Callsign {
		s.sendError(errSrcInvalid, "")
		return false
	}
	return true
}
