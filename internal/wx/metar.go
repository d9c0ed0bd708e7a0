// internal/wx/metar.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package wx

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SkyLayer is one reported sky condition group: a coverage code
// (SKC, CLR, FEW, SCT, BKN, OVC, VV) and its base, in feet AGL, if the
// group reported one (clear-sky codes do not).
type SkyLayer struct {
	Coverage string
	BaseFeet *int
}

// ParsedMetar is the decoded form of a raw METAR text report, holding
// just the fields feed_metar (and the raw-text ACARS passthrough)
// need. Fields are pointers where the group may be absent from the
// report.
type ParsedMetar struct {
	StationID string
	Raw       string
	Time      time.Time

	WindDirDeg   *float64
	WindSpeedKT  *float64
	WindGust     bool
	VisMeters    *float64 // nil if reported in statute miles instead
	VisMiles     *float64
	Sky          []SkyLayer
	TempC        *float64
	DewpointC    *float64
	AltimeterInHg *float64
}

var (
	stationRe = regexp.MustCompile(`^([A-Z0-9]{4})\s`)
	timeRe    = regexp.MustCompile(`\b(\d{2})(\d{2})(\d{2})Z\b`)
	windRe    = regexp.MustCompile(`\b(\d{3}|VRB)(\d{2,3})(?:G(\d{2,3}))?KT\b`)
	visSMRe   = regexp.MustCompile(`\b(\d+)(?:/(\d+))?SM\b`)
	skyRe     = regexp.MustCompile(`\b(SKC|CLR|NSC|NCD|FEW|SCT|BKN|OVC|VV)(\d{3})?\b`)
	tempRe    = regexp.MustCompile(`\b(M?\d{2})/(M?\d{2})\b`)
	altimInRe = regexp.MustCompile(`\bA(\d{4})\b`)
	altimHpaRe = regexp.MustCompile(`\bQ(\d{4})\b`)
)

// ParseMetar decodes the space-separated groups of a raw METAR text
// report. received is used as the observation time when the report
// carries no day/time group. Unrecognized or malformed groups are
// simply left unset rather than rejecting the whole report -- a
// partially decoded observation is more useful to the weather
// profile synthesizer than none at all.
func ParseMetar(raw string, received time.Time) *ParsedMetar {
	m := &ParsedMetar{Raw: raw, Time: received}

	if sm := stationRe.FindStringSubmatch(raw); sm != nil {
		m.StationID = sm[1]
	}

	if tm := timeRe.FindStringSubmatch(raw); tm != nil {
		day, _ := strconv.Atoi(tm[1])
		hour, _ := strconv.Atoi(tm[2])
		minute, _ := strconv.Atoi(tm[3])
		m.Time = time.Date(received.Year(), received.Month(), day, hour, minute, 0, 0, time.UTC)
	}

	if wm := windRe.FindStringSubmatch(raw); wm != nil {
		if wm[1] != "VRB" {
			if d, err := strconv.ParseFloat(wm[1], 64); err == nil {
				m.WindDirDeg = &d
			}
		}
		if s, err := strconv.ParseFloat(wm[2], 64); err == nil {
			m.WindSpeedKT = &s
		}
		m.WindGust = wm[3] != ""
	}

	if strings.Contains(raw, "9999") || strings.Contains(raw, "CAVOK") {
		v := 10000.0
		m.VisMeters = &v
	} else if vm := visSMRe.FindStringSubmatch(raw); vm != nil {
		whole, _ := strconv.ParseFloat(vm[1], 64)
		if vm[2] != "" {
			// fractional form, e.g. "1/4SM": vm[1] is the numerator.
			denom, _ := strconv.ParseFloat(vm[2], 64)
			if denom != 0 {
				whole = whole / denom
			}
		}
		m.VisMiles = &whole
	}

	for _, sm := range skyRe.FindAllStringSubmatch(raw, -1) {
		layer := SkyLayer{Coverage: sm[1]}
		if sm[2] != "" {
			if hundreds, err := strconv.Atoi(sm[2]); err == nil {
				ft := hundreds * 100
				layer.BaseFeet = &ft
			}
		}
		m.Sky = append(m.Sky, layer)
		if len(m.Sky) == 2 {
			break
		}
	}

	if tm := tempRe.FindStringSubmatch(raw); tm != nil {
		if t, ok := parseTempGroup(tm[1]); ok {
			m.TempC = &t
		}
		if d, ok := parseTempGroup(tm[2]); ok {
			m.DewpointC = &d
		}
	}

	if am := altimInRe.FindStringSubmatch(raw); am != nil {
		if v, err := strconv.ParseFloat(am[1], 64); err == nil {
			inHg := v / 100
			m.AltimeterInHg = &inHg
		}
	} else if am := altimHpaRe.FindStringSubmatch(raw); am != nil {
		if v, err := strconv.ParseFloat(am[1], 64); err == nil {
			inHg := v * 0.02953
			m.AltimeterInHg = &inHg
		}
	}

	return m
}

func parseTempGroup(s string) (float64, bool) {
	neg := strings.HasPrefix(s, "M")
	if neg {
		s = s[1:]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if neg {
		v = -v
	}
	return v, true
}
