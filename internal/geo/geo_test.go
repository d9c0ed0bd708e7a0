// internal/geo/geo_test.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package geo

import "testing"

type fakeEndpoint struct {
	lat, lon    float64
	ok          bool
	atc, pilot  bool
	rng, vrange int
}

func (f fakeEndpoint) PositionOK() bool  { return f.ok }
func (f fakeEndpoint) Lat() float64      { return f.lat }
func (f fakeEndpoint) Lon() float64      { return f.lon }
func (f fakeEndpoint) IsATC() bool       { return f.atc }
func (f fakeEndpoint) IsPilot() bool     { return f.pilot }
func (f fakeEndpoint) Range() int        { return f.rng }
func (f fakeEndpoint) VisualRange() int  { return f.vrange }

func TestPilotRange(t *testing.T) {
	if r := PilotRange(10000); r != 151 {
		t.Errorf("PilotRange(10000) = %d, want 151", r)
	}
}

func TestATCRange(t *testing.T) {
	cases := map[int]int{1: 1500, 2: 5, 3: 5, 4: 30, 5: 100, 6: 400, 7: 1500, 0: 40, 99: 40}
	for ft, want := range cases {
		if got := ATCRange(ft); got != want {
			t.Errorf("ATCRange(%d) = %d, want %d", ft, got, want)
		}
	}
}

func TestPositionCheckerWithinRange(t *testing.T) {
	a := fakeEndpoint{lat: 0, lon: 0, ok: true, pilot: true, rng: 151}
	b := fakeEndpoint{lat: 0, lon: 0.1, ok: true, pilot: true, rng: 151}
	if !PositionChecker(a, b) {
		t.Errorf("expected delivery: distance ~6nm < sum of ranges 302nm")
	}
}

func TestPositionCheckerOutOfRange(t *testing.T) {
	a := fakeEndpoint{lat: 0, lon: 0, ok: true, pilot: true, rng: 151}
	b := fakeEndpoint{lat: 5, lon: 5, ok: true, pilot: true, rng: 151}
	if PositionChecker(a, b) {
		t.Errorf("expected no delivery: distance ~420nm > sum of ranges 302nm")
	}
}

func TestMessageCheckerIgnoresATCVisualRange(t *testing.T) {
	pilot := fakeEndpoint{lat: 0, lon: 0, ok: true, pilot: true, rng: 5}
	atc := fakeEndpoint{lat: 0, lon: 0.1, ok: true, atc: true, rng: 5, vrange: 0}
	if MessageChecker(pilot, atc) {
		t.Errorf("expected no delivery: ~6nm distance exceeds max(5, 5)nm range (visual range 0 not consulted), but got delivery")
	}
	atc.rng = 10
	if !MessageChecker(pilot, atc) {
		t.Errorf("expected delivery: max(5, 10)nm > ~6nm distance, and visual_range (0) must not be consulted")
	}
}

func TestAllPilotCheckerMatchesATCChecker(t *testing.T) {
	atc := fakeEndpoint{atc: true}
	pilot := fakeEndpoint{pilot: true}
	from := fakeEndpoint{}
	if AllPilotChecker(from, pilot) {
		t.Errorf("AllPilotChecker selected a PILOT recipient; legacy behavior selects ATC only")
	}
	if !AllPilotChecker(from, atc) {
		t.Errorf("AllPilotChecker did not select an ATC recipient, contradicting the preserved legacy quirk")
	}
}

func TestComposed(t *testing.T) {
	always := func(from, to Endpoint) bool { return true }
	never := func(from, to Endpoint) bool { return false }
	if !Composed(always, always)(fakeEndpoint{}, fakeEndpoint{}) {
		t.Errorf("Composed(always, always) = false")
	}
	if Composed(always, never)(fakeEndpoint{}, fakeEndpoint{}) {
		t.Errorf("Composed(always, never) = true")
	}
}
