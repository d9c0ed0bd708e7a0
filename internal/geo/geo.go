// internal/geo/geo.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package geo implements great-circle distance and the broadcast
// visibility predicates used to decide which of the clients live in
// the registry should receive a given packet.
package geo

import "math"

// Endpoint is the minimal view of a Client that a visibility predicate
// needs. It is satisfied by *fsdclient.Client without this package
// importing fsdclient, keeping the dependency direction leaf-ward.
type Endpoint interface {
	PositionOK() bool
	Lat() float64
	Lon() float64
	IsATC() bool
	IsPilot() bool
	Range() int
	VisualRange() int
}

const earthRadiusMeters = 6371000
const metersToNM = 0.000539957

// Distance returns the great-circle distance between a and b in
// nautical miles, using the haversine formula.
func Distance(a, b Endpoint) float64 {
	lat1, lon1 := a.Lat()*math.Pi/180, a.Lon()*math.Pi/180
	lat2, lon2 := b.Lat()*math.Pi/180, b.Lon()*math.Pi/180

	dlat := lat2 - lat1
	dlon := lon2 - lon1

	h := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c * metersToNM
}

// Checker is a pure, side-effect-free broadcast predicate: should a
// packet originating at from be delivered to to?
type Checker func(from, to Endpoint) bool

// RangeChecker returns a Checker requiring both endpoints to have a
// valid position and be within R nautical miles of each other.
func RangeChecker(r float64) Checker {
	return func(from, to Endpoint) bool {
		return from.PositionOK() && to.PositionOK() && Distance(from, to) < r
	}
}

// visualRange computes the effective radius for a position broadcast
// between from and to: the ATC recipient's declared visual range if
// it is ATC, the sum of both ranges if both are PILOT, and the max of
// the two ranges otherwise. This ATC-visual-range branch is specific
// to position_checker; message_checker (see MessageChecker) has no
// such branch and always falls back to range.
func visualRange(from, to Endpoint) float64 {
	if to.IsATC() {
		// The newer variant of this check reads VisualRange directly
		// rather than refusing to deliver when it is unset; an ATC
		// client that hasn't sent a position report yet (VisualRange
		// == 0) simply receives nothing until it does.
		return float64(to.VisualRange())
	}
	if from.IsPilot() && to.IsPilot() {
		return float64(from.Range() + to.Range())
	}
	return math.Max(float64(from.Range()), float64(to.Range()))
}

// PositionChecker implements position_checker: visibility radius is
// the recipient ATC's visual range, the sum of both ranges if both
// endpoints are PILOT, else the max of the two ranges.
func PositionChecker(from, to Endpoint) bool {
	return from.PositionOK() && to.PositionOK() && Distance(from, to) < visualRange(from, to)
}

// MessageChecker implements broadcast_message_checker: unlike
// PositionChecker, it has no ATC-specific branch — an ATC recipient's
// visual range is never consulted here, only its range. The radius is
// the sum of both ranges for a PILOT-PILOT pair, else the max of the
// two.
func MessageChecker(from, to Endpoint) bool {
	if !from.PositionOK() || !to.PositionOK() {
		return false
	}
	var radius float64
	if from.IsPilot() && to.IsPilot() {
		radius = float64(from.Range() + to.Range())
	} else {
		radius = math.Max(float64(from.Range()), float64(to.Range()))
	}
	return Distance(from, to) < radius
}

// AtChecker implements at_checker, used when the destination callsign
// begins with "@": the predicate is distance < the sender's own
// range, irrespective of the recipient's type.
func AtChecker(from, to Endpoint) bool {
	return from.PositionOK() && to.PositionOK() && Distance(from, to) < float64(from.Range())
}

// AllATCChecker selects ATC recipients only.
func AllATCChecker(from, to Endpoint) bool {
	return to.IsATC()
}

// AllPilotChecker selects PILOT recipients only -- except that it
// does not. The historical implementation this is ported from checks
// to.type == "ATC", the same test as AllATCChecker, despite its name.
// Whether "*P" should therefore reach pilots (per its name) or ATCs
// (per this code) is an open question in the source; this is
// preserved rather than silently corrected, consistent with "*A" and
// "*P" sharing the same predicate today.
func AllPilotChecker(from, to Endpoint) bool {
	return to.IsATC()
}

// Composed returns the conjunction of the given checkers: a recipient
// must satisfy all of them.
func Composed(checkers ...Checker) Checker {
	return func(from, to Endpoint) bool {
		for _, c := range checkers {
			if !c(from, to) {
				return false
			}
		}
		return true
	}
}

// PilotRange computes get_range() for a PILOT at the given altitude in
// feet: floor(10 + 1.414*sqrt(max(altitude,0))).
func PilotRange(altitude int) int {
	a := float64(altitude)
	if a < 0 {
		a = 0
	}
	return int(math.Floor(10 + 1.414*math.Sqrt(a)))
}

// atcFacilityRange maps an ATC facility_type to its nautical-mile
// range; facility types not in the table (including any outside
// 1-7) fall back to 40.
var atcFacilityRange = map[int]int{
	1: 1500,
	2: 5,
	3: 5,
	4: 30,
	5: 100,
	6: 400,
	7: 1500,
}

// ATCRange computes get_range() for an ATC client with the given
// facility_type.
func ATCRange(facilityType int) int {
	if r, ok := atcFacilityRange[facilityType]; ok {
		return r
	}
	return 40
}
