// internal/registry/registry.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package registry is the concurrent callsign -> Client directory
// shared by every connection's session loop. Adds and removes are
// exclusive; iteration and send_to take a consistent snapshot so a
// broadcaster never observes a partially updated client or crashes on
// a concurrent removal.
package registry

import (
	"errors"
	"sync"

	"github.com/mmp/fsdserver/internal/fsdclient"
	"github.com/mmp/fsdserver/internal/geo"
	"github.com/mmp/fsdserver/log"
)

// ErrDuplicateCallsign is returned by Add when the callsign is already
// live.
var ErrDuplicateCallsign = errors.New("callsign already in use")

// Sender is the minimal per-connection transport the registry needs
// in order to deliver a payload: write one line, atomically with
// respect to any other write on the same connection.
type Sender interface {
	SendLine(payload []byte) error
}

type entry struct {
	client *fsdclient.Client
	sender Sender
}

// Registry is the live-client directory. The zero value is not usable;
// construct with New.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]entry
	lg      *log.Logger
}

func New(lg *log.Logger) *Registry {
	return &Registry{
		clients: make(map[string]entry),
		lg:      lg,
	}
}

// Add inserts a new client under its callsign, failing with
// ErrDuplicateCallsign if the callsign is already live.
func (r *Registry) Add(c *fsdclient.Client, s Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.Callsign]; ok {
		return ErrDuplicateCallsign
	}
	r.clients[c.Callsign] = entry{client: c, sender: s}
	return nil
}

// Remove drops a callsign from the registry. Removing an absent
// callsign is a no-op.
func (r *Registry) Remove(callsign string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, callsign)
}

// Get returns the client registered under callsign, if any.
func (r *Registry) Get(callsign string) (*fsdclient.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[callsign]
	return e.client, ok
}

// Len reports the number of live clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Iter calls fn once per live client on a point-in-time snapshot of
// the directory; fn is never called concurrently by this call and a
// concurrent Add/Remove never mutates the slice being iterated.
func (r *Registry) Iter(fn func(*fsdclient.Client)) {
	for _, c := range r.snapshot() {
		fn(c.client)
	}
}

func (r *Registry) snapshot() []entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]entry, 0, len(r.clients))
	for _, e := range r.clients {
		out = append(out, e)
	}
	return out
}

// SendTo performs one lookup and one write, reporting whether a live
// client was found and the write attempted. A missing callsign is not
// an error to the caller -- it reports delivered=false.
func (r *Registry) SendTo(callsign string, payload []byte) (delivered bool) {
	r.mu.RLock()
	e, ok := r.clients[callsign]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := e.sender.SendLine(payload); err != nil {
		r.lg.Debugf("send_to %s failed: %v", callsign, err)
		return false
	}
	return true
}

// CloseClient closes the transport registered for callsign, if any and
// if it exposes a Close method, reporting whether a live client was
// found. Used by the KILL handler to force-disconnect a target that
// isn't the caller's own connection.
func (r *Registry) CloseClient(callsign string) bool {
	r.mu.RLock()
	e, ok := r.clients[callsign]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if closer, ok := e.sender.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			r.lg.Debugf("close %s failed: %v", callsign, err)
		}
	}
	return true
}

// Broadcast writes payload to every live client other than from for
// which check passes, using a single snapshot of the directory. It
// reports whether at least one recipient was written to.
func (r *Registry) Broadcast(payload []byte, check geo.Checker, from *fsdclient.Client) bool {
	delivered := false
	for _, e := range r.snapshot() {
		if e.client == from {
			continue
		}
		if check != nil && !check(from, e.client) {
			continue
		}
		if err := e.sender.SendLine(payload); err != nil {
			r.lg.Debugf("broadcast to %s failed: %v", e.client.Callsign, err)
			continue
		}
		delivered = true
	}
	return delivered
}
