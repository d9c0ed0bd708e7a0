// internal/fsdserver/handlers.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package fsdserver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mmp/fsdserver/internal/fsdclient"
	"github.com/mmp/fsdserver/internal/geo"
	"github.com/mmp/fsdserver/internal/packet"
	"github.com/mmp/fsdserver/internal/plugin"
	"github.com/mmp/fsdserver/internal/wx"
)

// protocolRevision is the only protocol revision ADD_ATC/ADD_PILOT
// accept; anything else draws ERR_REVISION.
const protocolRevision = "9"

// killRatingThreshold is the minimum rating required to use $!!.
const killRatingThreshold = 11

// handleLine is the engine's own packet dispatch table, run once a
// plugin's line_received_from_client hook has had first refusal.
// Unauthenticated connections may only send ADD_ATC/ADD_PILOT; every
// other packet type is silently dropped until login completes.
func (s *Session) handleLine(ctx context.Context, line []byte) plugin.HandlerResult {
	head, fields, ok := packet.Decode(line)
	if !ok {
		s.sendError(errSyntax, "")
		return resultFrom(false, false)
	}

	if s.client == nil && head != packet.AddATC && head != packet.AddPilot {
		return resultFrom(false, false)
	}

	switch head {
	case packet.AddATC:
		return s.handleAddATC(ctx, fields)
	case packet.AddPilot:
		return s.handleAddPilot(ctx, fields)
	case packet.RemoveATC, packet.RemovePilot:
		return s.handleRemove(fields)
	case packet.FlightPlan:
		return s.handlePlan(fields)
	case packet.PilotPos:
		return s.handlePilotPosition(fields)
	case packet.ATCPos:
		return s.handleATCPosition(fields)
	case packet.Ping:
		return s.handlePing(fields)
	case packet.Pong:
		return s.handleCast(packet.Pong, fields, true, nil)
	case packet.Message:
		return s.handleMessage(fields)
	case packet.RequestHO, packet.ACHandoff, packet.SBProto, packet.PCProto,
		packet.RequestComm, packet.ReplyComm, packet.CR:
		return s.handleCast(head, fields, false, nil)
	case packet.RequestWX:
		return s.handleWeather(ctx, fields)
	case packet.RequestAcars:
		return s.handleAcars(ctx, fields)
	case packet.CQ:
		return s.handleCQ(ctx, fields)
	case packet.Kill:
		return s.handleKill(fields)
	default:
		// WeatherReply, CloudData, WindData, TempData, Error, ReplyAcars,
		// WindDelta: server->client only, never legitimately inbound.
		return resultFrom(false, false)
	}
}

// handleAddATC implements the unauthenticated ATC login handshake:
// validate shape, authenticate against the configured Store, register
// the client, and announce it to everyone else as a fresh #AA server
// notice (not the client's original login line).
func (s *Session) handleAddATC(ctx context.Context, fields [][]byte) plugin.HandlerResult {
	if s.client != nil {
		s.sendError(errAlreadyReg, "")
		return resultFrom(false, false)
	}
	if len(fields) < 7 {
		s.sendError(errSyntax, "")
		return resultFrom(false, false)
	}

	callsign := string(fields[0])
	realName := string(fields[2])
	cid := string(fields[3])
	password := string(fields[4])
	requestedRatingStr := string(fields[5])
	protocol := string(fields[6])

	if !packet.IsCallsignValid(callsign) {
		s.sendError(errCSInvalid, "")
		return resultFrom(false, false)
	}
	if protocol != protocolRevision {
		s.sendError(errRevision, "")
		return resultFrom(false, false)
	}
	if !utf8.ValidString(cid) || !utf8.ValidString(password) {
		s.sendError(errCIDInvalid, cid)
		return resultFrom(false, false)
	}

	requestedRating := packet.StrToInt(fields[5], 0)

	rec, err := s.srv.authChecker.Check(cid, password)
	if err != nil {
		s.sendError(errCIDInvalid, cid)
		return resultFrom(false, false)
	}
	if rec.Rating == 0 {
		s.sendError(errCSSuspended, "")
		return resultFrom(false, false)
	}
	if rec.Rating < requestedRating {
		s.sendError(errLevel, requestedRatingStr)
		return resultFrom(false, false)
	}

	c := fsdclient.New(fsdclient.ATC, callsign, cid, realName, rec.Rating)
	if err := s.srv.registry.Add(c, s.writer); err != nil {
		s.sendError(errCSInUse, "")
		return resultFrom(false, false)
	}

	s.client = c
	s.lg = s.lg.With("callsign", callsign)

	// Re-announce with the requested rating, per the ATC login
	// broadcast layout: callsign:SERVER:realname:cid::rating.
	out := packet.EncodeStrings(packet.AddATC, callsign, "SERVER", realName, cid, "", requestedRatingStr)
	s.srv.registry.Broadcast(out, nil, c)

	s.sendMOTD()
	s.srv.dispatch.FireNewClientCreated(ctx, callsign, "ATC")
	s.lg.Infof("%s logged in as ATC (rating %d)", callsign, rec.Rating)
	return resultFrom(true, true)
}

// handleAddPilot is handleAddATC's PILOT counterpart; the field
// layout differs (cid/password come before the rating/protocol pair,
// and a sim-type code and real name follow) but the login steps are
// identical.
func (s *Session) handleAddPilot(ctx context.Context, fields [][]byte) plugin.HandlerResult {
	if s.client != nil {
		s.sendError(errAlreadyReg, "")
		return resultFrom(false, false)
	}
	if len(fields) < 8 {
		s.sendError(errSyntax, "")
		return resultFrom(false, false)
	}

	callsign := string(fields[0])
	cid := string(fields[2])
	password := string(fields[3])
	requestedRatingStr := string(fields[4])
	protocol := string(fields[5])
	simType := packet.StrToInt(fields[6], 0)
	realName := string(fields[7])

	if !packet.IsCallsignValid(callsign) {
		s.sendError(errCSInvalid, "")
		return resultFrom(false, false)
	}
	if protocol != protocolRevision {
		s.sendError(errRevision, "")
		return resultFrom(false, false)
	}
	if !utf8.ValidString(cid) || !utf8.ValidString(password) {
		s.sendError(errCIDInvalid, cid)
		return resultFrom(false, false)
	}

	requestedRating := packet.StrToInt(fields[4], 0)

	rec, err := s.srv.authChecker.Check(cid, password)
	if err != nil {
		s.sendError(errCIDInvalid, cid)
		return resultFrom(false, false)
	}
	if rec.Rating == 0 {
		s.sendError(errCSSuspended, "")
		return resultFrom(false, false)
	}
	if rec.Rating < requestedRating {
		s.sendError(errLevel, requestedRatingStr)
		return resultFrom(false, false)
	}

	c := fsdclient.New(fsdclient.Pilot, callsign, cid, realName, rec.Rating)
	c.SimType = simType
	if err := s.srv.registry.Add(c, s.writer); err != nil {
		s.sendError(errCSInUse, "")
		return resultFrom(false, false)
	}

	s.client = c
	s.lg = s.lg.With("callsign", callsign)

	// Re-announce with the requested rating doubled (not a typo, per
	// the reference client), in place of the raw login line: the
	// protocol-revision field and the real name are never in this
	// broadcast.
	out := packet.EncodeStrings(packet.AddPilot, callsign, "SERVER", cid, "", requestedRatingStr, requestedRatingStr, string(fields[6]))
	s.srv.registry.Broadcast(out, nil, c)

	s.sendMOTD()
	s.srv.dispatch.FireNewClientCreated(ctx, callsign, "PILOT")
	s.lg.Infof("%s logged in as PILOT", callsign)
	return resultFrom(true, true)
}

// sendMOTD writes the configured MOTD as one #TM line per entry,
// directly to this connection only. MOTDEncoding names a charset to
// transcode lines into before sending; only "" (raw UTF-8, the wire's
// de facto charset) is actually handled; anything else draws a
// once-per-process warning and is otherwise passed through unchanged.
func (s *Session) sendMOTD() {
	if s.srv.cfg.MOTDEncoding != "" {
		s.srv.motdEncodingWarnOnce.Do(func() {
			s.lg.Warnf("motd_encoding %q unsupported, sending MOTD as raw UTF-8", s.srv.cfg.MOTDEncoding)
		})
	}
	for _, line := range s.srv.cfg.MOTD {
		out := packet.EncodeStrings(packet.Message, "server", s.client.Callsign, line)
		if err := s.writer.SendLine(out); err != nil {
			s.lg.Debugf("motd write failed: %v", err)
			return
		}
	}
}

// handleRemove implements a client-initiated logoff: the connection
// is closed once this line finishes processing, which runs the same
// connection-loss cleanup (REMOVE_* broadcast, client_disconnected,
// registry removal) as an unexpected drop.
func (s *Session) handleRemove(fields [][]byte) plugin.HandlerResult {
	if !s.requireSelf(fields, 0) {
		return resultFrom(false, false)
	}
	s.closeAfterLine = true
	return resultFrom(true, true)
}

// handlePlan stores a filed flight plan and rebroadcasts it verbatim
// to every ATC client.
func (s *Session) handlePlan(fields [][]byte) plugin.HandlerResult {
	if len(fields) < 17 {
		s.sendError(errSyntax, "")
		return resultFrom(false, false)
	}
	if !s.requireSelf(fields, 0) {
		return resultFrom(false, false)
	}

	var rules byte
	if len(fields[2]) > 0 {
		rules = fields[2][0]
	}
	plan := fsdclient.FlightPlan{
		Rules:            rules,
		AircraftType:     string(fields[3]),
		CruiseSpeed:      packet.StrToInt(fields[4], 0),
		DepartureAirport: string(fields[5]),
		ActualDepartTime: packet.StrToInt(fields[6], 0),
		DepartureTime:    packet.StrToInt(fields[7], 0),
		Altitude:         string(fields[8]),
		ArrivalAirport:   string(fields[9]),
		HoursEnroute:     packet.StrToInt(fields[10], 0),
		MinutesEnroute:   packet.StrToInt(fields[11], 0),
		HoursFuel:        packet.StrToInt(fields[12], 0),
		MinutesFuel:      packet.StrToInt(fields[13], 0),
		AlternateAirport: string(fields[14]),
		Remarks:          string(fields[15]),
		Route:            string(fields[16]),
	}
	s.client.UpdatePlan(plan)

	out := packet.Encode(packet.FlightPlan, fields...)
	s.srv.registry.Broadcast(out, geo.AllATCChecker, s.client)
	return resultFrom(true, true)
}

// handlePilotPosition updates the client's published position and
// rebroadcasts the packet to whichever clients position_checker says
// should see it.
func (s *Session) handlePilotPosition(fields [][]byte) plugin.HandlerResult {
	if len(fields) < 10 {
		s.sendError(errSyntax, "")
		return resultFrom(false, false)
	}
	if !s.requireSelf(fields, 1) {
		return resultFrom(false, false)
	}

	ident := string(fields[0]) == "Y"
	transponder := packet.StrToInt(fields[2], 0)
	lat := packet.StrToFloat(fields[4], 0)
	lon := packet.StrToFloat(fields[5], 0)
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		s.lg.Warnf("pilot position out of range: lat=%v lon=%v", lat, lon)
	}
	altitude := packet.StrToInt(fields[6], 0)
	groundSpeed := packet.StrToInt(fields[7], 0)
	pbh := uint32(packet.StrToInt(fields[8], 0))

	s.client.UpdatePilotPosition(lat, lon, altitude, groundSpeed, transponder, pbh, ident)

	out := packet.Encode(packet.PilotPos, fields...)
	s.srv.registry.Broadcast(out, geo.PositionChecker, s.client)
	return resultFrom(true, true)
}

// handleATCPosition is PILOT_POSITION's ATC counterpart: frequency,
// facility type, and visual range in place of transponder/pbh/flags.
func (s *Session) handleATCPosition(fields [][]byte) plugin.HandlerResult {
	if len(fields) < 8 {
		s.sendError(errSyntax, "")
		return resultFrom(false, false)
	}
	if !s.requireSelf(fields, 0) {
		return resultFrom(false, false)
	}

	frequency := packet.StrToInt(fields[1], 0)
	facility := packet.StrToInt(fields[2], 0)
	visualRange := packet.StrToInt(fields[3], 0)
	lat := packet.StrToFloat(fields[5], 0)
	lon := packet.StrToFloat(fields[6], 0)
	altitude := packet.StrToInt(fields[7], 0)

	s.client.UpdateATCPosition(frequency, facility, visualRange, lat, lon, altitude)

	out := packet.Encode(packet.ATCPos, fields...)
	s.srv.registry.Broadcast(out, geo.PositionChecker, s.client)
	return resultFrom(true, true)
}

// handlePing answers a PING addressed to the literal "server" locally
// with a PONG; any other destination is handled as an ordinary cast.
func (s *Session) handlePing(fields [][]byte) plugin.HandlerResult {
	if len(fields) < 2 {
		s.sendError(errSyntax, "")
		return resultFrom(false, false)
	}
	if !s.requireSelf(fields, 0) {
		return resultFrom(false, false)
	}

	if strings.EqualFold(string(fields[1]), "server") {
		outFields := append([][]byte{[]byte("server"), fields[0]}, fields[2:]...)
		out := packet.Encode(packet.Pong, outFields...)
		if err := s.writer.SendLine(out); err != nil {
			s.lg.Debugf("pong write failed: %v", err)
		}
		return resultFrom(true, true)
	}

	return s.handleCast(packet.Ping, fields, true, nil)
}

// handleMessage is MESSAGE's cast, using message_checker for its
// "@..." range predicate.
func (s *Session) handleMessage(fields [][]byte) plugin.HandlerResult {
	return s.handleCast(packet.Message, fields, true, geo.MessageChecker)
}

// handleWeather answers REQUEST_WX by querying the metar manager and,
// on a hit, synthesizing and sending a TEMP_DATA/WIND_DATA/CLOUD_DATA
// triple fixed for the requester's own position.
func (s *Session) handleWeather(ctx context.Context, fields [][]byte) plugin.HandlerResult {
	if len(fields) < 2 {
		s.sendError(errSyntax, "")
		return resultFrom(false, false)
	}
	if !s.requireSelf(fields, 0) {
		return resultFrom(false, false)
	}

	icao := strings.ToUpper(string(fields[1]))
	parsed := s.srv.metarMgr.Query(ctx, icao)
	if parsed == nil {
		s.sendError(errNoWeather, icao)
		return resultFrom(true, false)
	}

	profile := wx.NewProfile(time.Now().Unix(), parsed)
	profile.Fix(s.client.Lat(), s.client.Lon())

	for _, line := range s.buildWeatherLines(icao, profile) {
		if err := s.writer.SendLine(line); err != nil {
			s.lg.Debugf("weather write failed: %v", err)
			break
		}
	}
	return resultFrom(true, true)
}

func (s *Session) buildWeatherLines(icao string, p *wx.Profile) [][]byte {
	self := s.client.Callsign

	tempFields := []string{"server", self, icao,
		strconv.Itoa(p.Barometer), strconv.Itoa(p.DewPoint), strconv.FormatFloat(p.Visibility, 'f', -1, 64)}
	for _, t := range p.Temps {
		tempFields = append(tempFields, strconv.Itoa(t.Ceiling), strconv.Itoa(t.Temp))
	}
	temp := packet.EncodeStrings(packet.TempData, tempFields...)

	windFields := []string{"server", self, icao}
	for _, w := range p.Winds {
		windFields = append(windFields, strconv.Itoa(w.Ceiling), strconv.Itoa(w.Floor),
			strconv.Itoa(w.Direction), strconv.Itoa(w.Speed), strconv.Itoa(w.Gusting), strconv.Itoa(w.Turbulence))
	}
	wind := packet.EncodeStrings(packet.WindData, windFields...)

	layers := append(append([]wx.CloudLayer{}, p.Clouds[:]...), p.Tstorm)
	cloudFields := []string{"server", self, icao}
	for _, c := range layers {
		cloudFields = append(cloudFields, strconv.Itoa(c.Ceiling), strconv.Itoa(c.Floor),
			strconv.Itoa(c.Coverage), strconv.Itoa(c.Icing), strconv.Itoa(c.Turbulence))
	}
	cloud := packet.EncodeStrings(packet.CloudData, cloudFields...)

	return [][]byte{temp, wind, cloud}
}

// handleAcars answers the "METAR" subcommand of REQUEST_ACARS with
// the raw report text; any other subcommand is acknowledged as
// handled but produces no reply.
func (s *Session) handleAcars(ctx context.Context, fields [][]byte) plugin.HandlerResult {
	if len(fields) < 3 {
		s.sendError(errSyntax, "")
		return resultFrom(false, false)
	}
	if !s.requireSelf(fields, 0) {
		return resultFrom(false, false)
	}

	if !strings.EqualFold(string(fields[2]), "metar") || len(fields) < 4 {
		return resultFrom(true, false)
	}

	icao := strings.ToUpper(string(fields[3]))
	parsed := s.srv.metarMgr.Query(ctx, icao)
	if parsed == nil {
		s.sendError(errNoWeather, icao)
		return resultFrom(true, false)
	}

	out := packet.EncodeStrings(packet.ReplyAcars, "server", s.client.Callsign, "METAR", parsed.Raw)
	if err := s.writer.SendLine(out); err != nil {
		s.lg.Debugf("acars reply write failed: %v", err)
	}
	return resultFrom(true, true)
}

// handleCQ handles the "$CQ...:SERVER:..." subcommand family locally
// and falls back to a generic cast for any other destination.
func (s *Session) handleCQ(ctx context.Context, fields [][]byte) plugin.HandlerResult {
	if len(fields) < 2 {
		s.sendError(errSyntax, "")
		return resultFrom(false, false)
	}
	if !s.requireSelf(fields, 0) {
		return resultFrom(false, false)
	}

	if string(fields[1]) != "SERVER" {
		return s.handleCast(packet.CQ, fields, true, nil)
	}
	if len(fields) < 3 {
		return resultFrom(true, false)
	}

	switch strings.ToUpper(string(fields[2])) {
	case "FP":
		return s.handleCQFlightPlan(fields)
	case "RN":
		return s.handleCQRealName(fields)
	default:
		return resultFrom(true, false)
	}
}

// handleCQFlightPlan answers "$CQ...:SERVER:FP:<target>" -- an ATC
// asking the server to relay a pilot's flight plan back to them.
func (s *Session) handleCQFlightPlan(fields [][]byte) plugin.HandlerResult {
	if !s.client.IsATC() {
		return resultFrom(true, false)
	}
	if len(fields) < 4 {
		s.sendError(errSyntax, "")
		return resultFrom(false, false)
	}

	target := string(fields[3])
	targetClient, ok := s.srv.registry.Get(target)
	if !ok {
		s.sendError(errNoSuchCS, target)
		return resultFrom(true, false)
	}
	plan := targetClient.Plan()
	if plan == nil {
		s.sendError(errNoFP, target)
		return resultFrom(true, false)
	}

	out := packet.EncodeStrings(packet.FlightPlan, target, s.client.Callsign,
		string(plan.Rules), plan.AircraftType, strconv.Itoa(plan.CruiseSpeed), plan.DepartureAirport,
		strconv.Itoa(plan.ActualDepartTime), strconv.Itoa(plan.DepartureTime), plan.Altitude,
		plan.ArrivalAirport, strconv.Itoa(plan.HoursEnroute), strconv.Itoa(plan.MinutesEnroute),
		strconv.Itoa(plan.HoursFuel), strconv.Itoa(plan.MinutesFuel), plan.AlternateAirport,
		plan.Remarks, plan.Route)
	if err := s.writer.SendLine(out); err != nil {
		s.lg.Debugf("cq fp reply failed: %v", err)
	}
	return resultFrom(true, true)
}

// handleCQRealName answers "$CQ...:SERVER:RN:<target>" with the
// target's real name and rating.
func (s *Session) handleCQRealName(fields [][]byte) plugin.HandlerResult {
	if len(fields) < 4 {
		s.sendError(errSyntax, "")
		return resultFrom(false, false)
	}

	target := string(fields[3])
	targetClient, ok := s.srv.registry.Get(target)
	if !ok {
		s.sendError(errNoSuchCS, target)
		return resultFrom(true, false)
	}

	out := packet.EncodeStrings(packet.CR, target, s.client.Callsign, "RN",
		targetClient.RealName, "USER", strconv.Itoa(targetClient.Rating))
	if err := s.writer.SendLine(out); err != nil {
		s.lg.Debugf("cq rn reply failed: %v", err)
	}
	return resultFrom(true, true)
}

// handleKill implements the supervisor disconnect command: refuse
// below killRatingThreshold, otherwise acknowledge to the caller,
// notify the target, and force its connection closed.
func (s *Session) handleKill(fields [][]byte) plugin.HandlerResult {
	if len(fields) < 3 {
		s.sendError(errSyntax, "")
		return resultFrom(false, false)
	}
	if !s.requireSelf(fields, 0) {
		return resultFrom(false, false)
	}

	target := string(fields[1])
	reason := string(fields[2])

	if s.client.Rating < killRatingThreshold {
		refusal := packet.EncodeStrings(packet.Message, "server", s.client.Callsign, "You are not allowed to kill users!")
		_ = s.writer.SendLine(refusal)
		return resultFrom(true, false)
	}

	if _, ok := s.srv.registry.Get(target); !ok {
		s.sendError(errNoSuchCS, target)
		return resultFrom(true, false)
	}

	ack := packet.EncodeStrings(packet.Message, "server", s.client.Callsign, fmt.Sprintf("Killed %s: %s", target, reason))
	_ = s.writer.SendLine(ack)

	notice := packet.EncodeStrings(packet.Kill, "SERVER", target, reason)
	s.srv.registry.SendTo(target, notice)
	s.srv.registry.CloseClient(target)

	return resultFrom(true, true)
}
