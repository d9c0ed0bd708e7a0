// internal/wx/profile.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package wx synthesizes a layered WeatherProfile (wind, temperature,
// and cloud layers at four altitude bands) from a parsed METAR, the
// way the legacy FSD server derived the weather clients render from a
// single ground observation. The numeric rules below are preserved
// bit-for-bit from that historical logic, quirks included.
package wx

import (
	"math"
	"sync"
	"time"
)

// CloudLayer describes one cloud deck.
type CloudLayer struct {
	Ceiling, Floor      int
	Coverage            int
	Icing, Turbulence   int
}

// WindLayer describes the wind at one altitude band.
type WindLayer struct {
	Ceiling, Floor      int
	Direction, Speed    int
	Gusting, Turbulence int
}

// TempLayer describes the temperature at one altitude band.
type TempLayer struct {
	Ceiling, Temp int
}

// Profile is a full weather profile: four wind layers, four temp
// layers, two cloud layers, a thunderstorm layer, and a handful of
// scalars. Indices follow the historical layering: 0 is the surface,
// 3 is the uppermost band fix() perturbs first.
type Profile struct {
	Creation  int64
	Name      string
	DewPoint  int
	Visibility float64
	Barometer int

	Winds  [4]WindLayer
	Temps  [4]TempLayer
	Clouds [2]CloudLayer
	Tstorm CloudLayer
}

// newProfile returns a Profile pre-populated with the historical
// default layer geometry, before feed_metar overwrites whichever
// fields the observation actually reports.
func newProfile(creation int64) *Profile {
	return &Profile{
		Creation:   creation,
		Visibility: 15.0,
		Barometer:  2950,
		Winds: [4]WindLayer{
			{Ceiling: -1, Floor: -1},
			{Ceiling: 10400, Floor: 2500},
			{Ceiling: 22600, Floor: 10400},
			{Ceiling: 90000, Floor: 20700},
		},
		Temps: [4]TempLayer{
			{Ceiling: 100},
			{Ceiling: 10000},
			{Ceiling: 18000},
			{Ceiling: 35000},
		},
		Clouds: [2]CloudLayer{
			{Ceiling: -1, Floor: -1},
			{Ceiling: -1, Floor: -1},
		},
		Tstorm: CloudLayer{Ceiling: -1, Floor: -1},
	}
}

var skyCoverage = map[string]int{
	"SKC": 0, "CLR": 0, "NSC": 0, "NCD": 0,
	"VV": 8, "FEW": 1, "SCT": 3, "BKN": 5, "OVC": 8,
}

// NewProfile builds a Profile from a parsed METAR at creation (unix
// seconds), running feed_metar to populate it. Call Fix afterward to
// perturb the upper-level layers for a specific client position.
func NewProfile(creation int64, m *ParsedMetar) *Profile {
	p := newProfile(creation)
	if m.StationID != "" {
		p.Name = m.StationID
	}
	p.feedMetar(m)
	return p
}

func (p *Profile) feedMetar(m *ParsedMetar) {
	if m.WindSpeedKT != nil && m.WindDirDeg != nil {
		if m.WindGust {
			p.Winds[0].Gusting = 1
		}
		p.Winds[0].Speed = int(*m.WindSpeedKT)
		p.Winds[0].Ceiling = 2500
		p.Winds[0].Floor = 0
		p.Winds[0].Direction = int(*m.WindDirDeg)
	}

	switch {
	case m.VisMeters != nil && *m.VisMeters == 10000:
		p.Visibility = 15
		if !contains9999(m.Raw) {
			p.Clouds[1] = CloudLayer{Ceiling: 26000, Floor: 24000, Coverage: 1}
		}
	case containsQuarterSM(m.Raw):
		p.Visibility = 0.15
	case m.VisMiles != nil:
		p.Visibility = *m.VisMiles
	}

	for i, sky := range m.Sky {
		if i >= 2 {
			break
		}
		if cov, ok := skyCoverage[sky.Coverage]; ok {
			p.Clouds[i].Coverage = cov
		}
		if sky.BaseFeet != nil {
			p.Clouds[i].Floor = *sky.BaseFeet
		}
	}

	switch len(m.Sky) {
	case 0:
		// no sky groups reported; leave the default (-1,-1) layers alone.
	case 1:
		p.Clouds[0].Ceiling = p.Clouds[0].Floor + 3000
		p.Clouds[0].Turbulence = 17
	default:
		if p.Clouds[1].Floor > p.Clouds[0].Floor {
			p.Clouds[0].Ceiling = p.Clouds[0].Floor + (p.Clouds[1].Floor-p.Clouds[0].Floor)/2
			p.Clouds[1].Ceiling = p.Clouds[1].Floor + 3000
		} else {
			p.Clouds[1].Ceiling = p.Clouds[1].Floor + (p.Clouds[0].Floor-p.Clouds[1].Floor)/2
			p.Clouds[0].Ceiling = p.Clouds[0].Floor + 3000
		}
		p.Clouds[0].Turbulence = (p.Clouds[0].Ceiling - p.Clouds[0].Floor) / 175
		p.Clouds[1].Turbulence = (p.Clouds[1].Ceiling - p.Clouds[1].Floor) / 175
	}

	if m.TempC != nil && m.DewpointC != nil {
		temp := int(*m.TempC)
		p.Temps[0].Temp = temp
		p.DewPoint = int(*m.DewpointC)
		if temp > -10 && temp < 10 {
			if p.Clouds[0].Ceiling < 12000 {
				p.Clouds[0].Icing = 1
			}
			if p.Clouds[1].Ceiling < 12000 {
				p.Clouds[1].Icing = 1
			}
		}
	}

	if m.AltimeterInHg != nil {
		p.Barometer = int(math.Round(*m.AltimeterInHg * 100))
	} else {
		p.Barometer = 2992
	}
}

func contains9999(raw string) bool {
	return stringsContains(raw, "9999")
}

func containsQuarterSM(raw string) bool {
	return stringsContains(raw, "M1/4SM")
}

func stringsContains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

///////////////////////////////////////////////////////////////////////////
// Variation PRNG

const (
	varUpDirection = iota
	varMidCor
	varLowCor
	varMidDirection
	varMidSpeed
	varLowDirection
	varLowSpeed
	varUpTemp
	varMidTemp
	varLowTemp
)

// variationClock regenerates the shared 10-entry variation array once
// per UTC hour, seeded from hour*(year-1900)*month, matching the
// historical per-process global state. It is a package-level
// singleton guarded by a mutex so concurrent Fix calls from different
// connections don't race on it.
type variationClock struct {
	mu         sync.Mutex
	lastHour   int
	variation  [10]int32
	seed       int32
}

var clock = variationClock{lastHour: -1}

// refresh regenerates the variation array if the UTC hour has
// advanced since the last call.
func (c *variationClock) refresh(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hour := now.Hour()
	if hour == c.lastHour {
		return
	}
	c.lastHour = hour

	c.seed = int32(hour * (now.Year() - 1900) * int(now.Month()))
	for i := range c.variation {
		c.variation[i] = c.next()
	}
}

// next implements the FSD-compatible 32-bit-overflow multiply-xor
// generator: explicit signed-32-bit wraparound at every step, not a
// language-native bigint shift.
func (c *variationClock) next() int32 {
	u := uint32(c.seed)
	u ^= 0x22591D8C
	bit := (u >> 31) & 1
	u ^= (u << 1) | bit
	c.seed = int32(u)
	return c.seed
}

func (c *variationClock) get(idx int) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.variation[idx]
}

func getVariation(idx, lo, hi int) int {
	v := int(clock.get(idx))
	if v < 0 {
		v = -v
	}
	return v%(hi-lo+1) + lo
}

func getSeason(month int, swap bool) int {
	switch month {
	case 12, 1, 2:
		if swap {
			return 2
		}
		return 0
	case 3, 4, 5:
		return 1
	case 6, 7, 8:
		if swap {
			return 0
		}
		return 2
	default: // 9, 10, 11
		return 1
	}
}

// Fix perturbs the upper-level wind and temperature layers for a
// client at (lat, lon), using the shared variation array (refreshed
// once per UTC hour).
func (p *Profile) Fix(lat, lon float64) {
	now := time.Now().UTC()
	clock.refresh(now)

	a1 := lat
	a2 := math.Abs(lon / 18)
	season := getSeason(int(now.Month()), a1 < 0)

	// Upper layer: spec.md states this formula explicitly (multiply
	// by lat in both branches of the conditional), which is the form
	// implemented here. The historical Python source reads
	// "6 if a1 > 0 else -6 * a1 + lat_var + a2" -- because Python's
	// conditional expression binds looser than `*`/`+`, that source
	// literally evaluates to a bare 6 (not 6*a1) whenever a1 > 0. Where
	// spec.md gives an explicit formula, it is followed over that
	// precedence artifact; see the mid/low layers below, which spec.md
	// leaves unspecified beyond "derive from upper using further
	// variation draws" and which therefore replicate the historical
	// code's literal behavior instead.
	latVar := getVariation(varUpDirection, -25, 25)
	upDir := 6.0
	if a1 <= 0 {
		upDir = -6 * a1
	} else {
		upDir = 6 * a1
	}
	p.Winds[3].Direction = normalizeDegrees(upDir + float64(latVar) + a2)

	var maxVelocity float64
	switch season {
	case 0:
		maxVelocity = 120
	case 1:
		maxVelocity = 80
	case 2:
		maxVelocity = 50
	}
	p.Winds[3].Speed = int(math.Round(math.Abs(math.Sin(a1*math.Pi/180.0)) * maxVelocity))

	// Mid layer: replicates the historical source's literal
	// short-circuit (bare 6 when a1 > 0) since spec.md does not give an
	// explicit formula for this layer.
	midLatVar := getVariation(varMidDirection, 10, 45)
	coriolisVar := getVariation(varMidCor, 10, 30)
	var midDir float64
	if a1 > 0 {
		midDir = 6
	} else {
		midDir = -6*a1 + float64(midLatVar) + a2 - float64(coriolisVar)
	}
	p.Winds[2].Direction = normalizeDegrees(midDir)
	p.Winds[2].Speed = int(float64(p.Winds[3].Speed) * (float64(getVariation(varMidSpeed, 500, 800)) / 1000.0))

	// Low layer: same precedence-preserving form as the mid layer.
	coriolisVarLow := coriolisVar + getVariation(varLowCor, 10, 30)
	lowLatVar := getVariation(varLowDirection, 10, 45)
	var lowDir float64
	if a1 > 0 {
		lowDir = 6
	} else {
		lowDir = -6*a1 + float64(lowLatVar) + a2 - float64(coriolisVarLow)
	}
	p.Winds[1].Direction = normalizeDegrees(lowDir)
	p.Winds[1].Speed = (p.Winds[0].Speed + p.Winds[1].Speed) / 2

	p.Temps[3].Temp = -57 + getVariation(varUpTemp, -4, 4)
	p.Temps[2].Temp = -21 + getVariation(varMidTemp, -7, 7)
	p.Temps[1].Temp = -5 + getVariation(varLowTemp, -12, 12)
}

func normalizeDegrees(d float64) int {
	r := int(math.Round(d))
	r %= 360
	if r < 0 {
		r += 360
	}
	return r
}
