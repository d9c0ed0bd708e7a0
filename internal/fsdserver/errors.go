// internal/fsdserver/errors.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package fsdserver

import (
	"strconv"

	"github.com/mmp/fsdserver/internal/packet"
)

// errCode is the §6 packet error taxonomy: a three-digit code sent
// back over the wire via $ER, paired with its fixed name and whether
// it closes the connection after being sent.
type errCode struct {
	code  int
	name  string
	fatal bool
}

var (
	errNoError       = errCode{0, "No error", false}
	errCSInUse       = errCode{1, "Callsign in use", false}
	errCSInvalid     = errCode{2, "Callsign invalid", true}
	errAlreadyReg    = errCode{3, "Already registered", false}
	errSyntax        = errCode{4, "Syntax error", false}
	errSrcInvalid    = errCode{5, "Invalid source in packet", false}
	errCIDInvalid    = errCode{6, "Invalid CID/password", true}
	errNoSuchCS      = errCode{7, "No such callsign", false}
	errNoFP          = errCode{8, "No flightplan", false}
	errNoWeather     = errCode{9, "No such weather", false}
	errRevision      = errCode{10, "Invalid protocol revision", true}
	errLevel         = errCode{11, "Requested level too high", true}
	errNoMoreClients = errCode{12, "No more clients", true}
	errCSSuspended   = errCode{13, "CID/PID suspended", true}
)

// sendError writes "$ERserver:<callsign|unknown>:NNN:<env>:<errname>" to
// the session's own connection and, if e.fatal, marks the connection
// for close once the current line finishes processing.
func (s *Session) sendError(e errCode, env string) {
	cs := "unknown"
	if s.client != nil {
		cs = s.client.Callsign
	}
	line := packet.EncodeStrings(packet.Error, "server", cs, threeDigits(e.code), env, e.name)
	if err := s.writer.SendLine(line); err != nil {
		s.lg.Debugf("sendError write failed: %v", err)
	}
	if e.fatal {
		s.closeAfterLine = true
	}
}

func threeDigits(n int) string {
	s := strconv.Itoa(n)
	for len(s) < 3 {
		s = "0" + s
	}
	return s
}
