// internal/fsdclient/client.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package fsdclient holds the per-session Client record and its
// associated FlightPlan: the mutable state a logged-in connection
// publishes for other connections to read when computing broadcast
// recipients.
package fsdclient

import (
	"sync"
	"time"

	"github.com/mmp/fsdserver/internal/geo"
)

// Type is the kind of client a session represents. It is fixed for
// the lifetime of the Client.
type Type int

const (
	ATC Type = iota
	Pilot
)

func (t Type) String() string {
	if t == ATC {
		return "ATC"
	}
	return "PILOT"
}

// FlightPlan is the sum-type flight plan record filed by a PILOT and
// readable by ATC via CQ...:fp.
type FlightPlan struct {
	Rules             byte // 'I' or 'V'
	AircraftType      string
	CruiseSpeed       int
	DepartureAirport  string
	DepartureTime     int // scheduled, HHMM
	ActualDepartTime  int
	Altitude          string
	ArrivalAirport    string
	AlternateAirport  string
	HoursEnroute      int
	MinutesEnroute    int
	HoursFuel         int
	MinutesFuel       int
	Remarks           string
	Route             string
	Revision          int
}

// Client is the per-connection record published into the registry.
// Only the owning session's goroutine mutates it; every other field
// read happens under mu so a broadcaster sees a consistent, if
// possibly slightly stale, snapshot.
type Client struct {
	kind     Type
	Callsign string
	CID      string
	RealName string
	Rating   int
	SimType  int // PILOT only; -1 otherwise

	mu           sync.RWMutex
	lat, lon     float64
	altitude     int
	groundSpeed  int
	transponder  int
	pbh          uint32
	flags        int
	frequency    int
	facilityType int
	visualRange  int
	identFlag    bool
	plan         *FlightPlan
	startTime    int64
	lastUpdated  int64
}

// New creates a Client of the given kind with no position set yet.
func New(kind Type, callsign, cid, realName string, rating int) *Client {
	now := time.Now().Unix()
	simType := -1
	if kind == Pilot {
		simType = 0
	}
	return &Client{
		kind:      kind,
		Callsign:  callsign,
		CID:       cid,
		RealName:  realName,
		Rating:    rating,
		SimType:   simType,
		startTime: now,
	}
}

func (c *Client) IsATC() bool   { return c.kind == ATC }
func (c *Client) IsPilot() bool { return c.kind == Pilot }
func (c *Client) Kind() Type    { return c.kind }

// PositionOK reports whether the client's last reported position is
// usable for visibility computation: not the null island (0,0) and an
// altitude under 100000 feet.
func (c *Client) PositionOK() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return (c.lat != 0 || c.lon != 0) && c.altitude < 100000
}

func (c *Client) Lat() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lat
}

func (c *Client) Lon() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lon
}

func (c *Client) Altitude() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.altitude
}

func (c *Client) VisualRange() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.visualRange
}

func (c *Client) FacilityType() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.facilityType
}

func (c *Client) Frequency() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frequency
}

// Range implements get_range(): the PILOT altitude-based formula, or
// the ATC facility_type lookup table.
func (c *Client) Range() int {
	c.mu.RLock()
	alt, ft := c.altitude, c.facilityType
	kind := c.kind
	c.mu.RUnlock()

	if kind == Pilot {
		return geo.PilotRange(alt)
	}
	return geo.ATCRange(ft)
}

// UpdatePilotPosition stores a PILOT position/position_ok@.
func (c *Client) UpdatePilotPosition(lat, lon float64, altitude, groundSpeed, transponder int, pbh uint32, ident bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lat, c.lon = lat, lon
	c.altitude = altitude
	c.groundSpeed = groundSpeed
	c.transponder = transponder
	c.pbh = pbh
	c.identFlag = ident
	c.lastUpdated = time.Now().Unix()
}

// UpdateATCPosition stores an ATC position/frequency/range report.
func (c *Client) UpdateATCPosition(frequency, facilityType, visualRange int, lat, lon float64, altitude int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frequency = frequency
	c.facilityType = facilityType
	c.visualRange = visualRange
	c.lat, c.lon = lat, lon
	c.altitude = altitude
	c.lastUpdated = time.Now().Unix()
}

// UpdatePlan replaces the flight plan and increments its revision.
func (c *Client) UpdatePlan(p FlightPlan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plan != nil {
		p.Revision = c.plan.Revision + 1
	} else {
		p.Revision = 0
	}
	c.plan = &p
}

// Plan returns a copy of the current flight plan, or nil if none has
// been filed.
func (c *Client) Plan() *FlightPlan {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.plan == nil {
		return nil
	}
	cp := *c.plan
	return &cp
}

func (c *Client) LastUpdated() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdated
}

func (c *Client) StartTime() int64 {
	return c.startTime
}
