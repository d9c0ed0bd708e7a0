// internal/plugin/plugin.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package plugin is the typed event bus extensions use to observe or
// preempt protocol events without blocking the session hot path. It
// is modeled on the same registration-order, ordered-subscriber shape
// as the rest of this codebase's event streams, but dispatch is
// synchronous and call-by-call rather than post/poll: a plugin hook
// either returns (possibly preempting the caller) or it is logged and
// skipped, so one misbehaving plugin can't wedge a connection.
package plugin

import (
	"context"
	"fmt"
	"reflect"

	"github.com/goforj/godump"

	"github.com/mmp/fsdserver/log"
)

// APILevel is the plugin API version this dispatcher implements. A
// plugin declaring a different APILevel is rejected at registration.
const APILevel = 1

// HandlerResult is the outcome of handling one inbound line, reported
// to AuditLineHook regardless of whether a plugin or the engine's own
// packet handler produced it.
type HandlerResult struct {
	HandledByPlugin bool
	Success         bool
	PacketOK        bool
	HasResult       bool
}

// Plugin is the minimal identity every registered plugin must supply.
// Everything else -- which events it observes -- is expressed by
// implementing the optional hook interfaces below; a plugin with none
// of them is legal (and useless).
type Plugin interface {
	PluginName() string
	APILevel() int
	Version() string
}

// ConfigValidator is implemented by a plugin that wants its supplied
// configuration checked against an expected shape before it is
// registered.
type ConfigValidator interface {
	// ExpectedConfig returns a zero value of the config type this
	// plugin requires. Register rejects a supplied config whose
	// dynamic type doesn't match.
	ExpectedConfig() any
}

// BeforeStartHook fires once, before the server begins accepting
// connections.
type BeforeStartHook interface {
	BeforeStart(ctx context.Context) error
}

// BeforeStopHook fires once, as graceful shutdown begins.
type BeforeStopHook interface {
	BeforeStop(ctx context.Context) error
}

// NewConnectionHook fires when a TCP connection is accepted, before
// any login packet has been seen.
type NewConnectionHook interface {
	NewConnectionEstablished(ctx context.Context, remoteAddr string) error
}

// NewClientHook fires after a successful ADD_ATC/ADD_PILOT creates a
// Client record.
type NewClientHook interface {
	NewClientCreated(ctx context.Context, callsign, kind string) error
}

// LineReceivedHook fires for every inbound line before the engine's
// own packet handler runs. Returning preempt=true tells the engine
// this plugin has fully handled the line: no further plugin in
// registration order is consulted, the engine's own handler does not
// run, and result is what AuditLineHook receives.
type LineReceivedHook interface {
	LineReceivedFromClient(ctx context.Context, callsign string, line []byte) (preempt bool, result HandlerResult, err error)
}

// AuditLineHook fires exactly once per inbound line, after handling is
// complete by whichever of a plugin or the engine handled it. It is
// not preemptable -- every registered AuditLineHook sees every line.
type AuditLineHook interface {
	AuditLineFromClient(ctx context.Context, callsign string, line []byte, result HandlerResult)
}

// ClientDisconnectedHook fires when a connection is lost, times out,
// or is killed, after the REMOVE_* broadcast and before the client is
// removed from the registry.
type ClientDisconnectedHook interface {
	ClientDisconnected(ctx context.Context, callsign string) error
}

type registration struct {
	plugin Plugin
	config any
}

// Dispatcher holds the ordered list of registered plugins and fires
// each event type across whichever of them implement the matching
// hook interface, in registration order.
type Dispatcher struct {
	lg    *log.Logger
	plugs []registration
}

func NewDispatcher(lg *log.Logger) *Dispatcher {
	return &Dispatcher{lg: lg}
}

// Register adds p to the dispatch list after checking its API level
// and, if p implements ConfigValidator, that config's dynamic type
// matches what the plugin expects. A mismatch dumps the expected
// shape to the log for the operator rather than just naming the
// wanted type.
func (d *Dispatcher) Register(p Plugin, config any) error {
	if p.APILevel() != APILevel {
		return fmt.Errorf("plugin %s: api level %d, want %d", p.PluginName(), p.APILevel(), APILevel)
	}

	if cv, ok := p.(ConfigValidator); ok {
		want := cv.ExpectedConfig()
		if want != nil && config != nil {
			wantType, gotType := reflect.TypeOf(want), reflect.TypeOf(config)
			if wantType != gotType {
				d.lg.Errorf("plugin %s: config shape mismatch, expected:\n%s", p.PluginName(), godump.DumpStr(want))
				return fmt.Errorf("plugin %s: config type %v, want %v", p.PluginName(), gotType, wantType)
			}
		}
	}

	d.plugs = append(d.plugs, registration{plugin: p, config: config})
	d.lg.Infof("registered plugin %s v%s", p.PluginName(), p.Version())
	return nil
}

// FireBeforeStart runs every BeforeStartHook in registration order.
// An error from one plugin is logged and does not stop the others.
func (d *Dispatcher) FireBeforeStart(ctx context.Context) {
	for _, r := range d.plugs {
		h, ok := r.plugin.(BeforeStartHook)
		if !ok {
			continue
		}
		d.call(r.plugin, func() error { return h.BeforeStart(ctx) })
	}
}

// FireBeforeStop runs every BeforeStopHook in registration order.
func (d *Dispatcher) FireBeforeStop(ctx context.Context) {
	for _, r := range d.plugs {
		h, ok := r.plugin.(BeforeStopHook)
		if !ok {
			continue
		}
		d.call(r.plugin, func() error { return h.BeforeStop(ctx) })
	}
}

func (d *Dispatcher) FireNewConnectionEstablished(ctx context.Context, remoteAddr string) {
	for _, r := range d.plugs {
		h, ok := r.plugin.(NewConnectionHook)
		if !ok {
			continue
		}
		d.call(r.plugin, func() error { return h.NewConnectionEstablished(ctx, remoteAddr) })
	}
}

func (d *Dispatcher) FireNewClientCreated(ctx context.Context, callsign, kind string) {
	for _, r := range d.plugs {
		h, ok := r.plugin.(NewClientHook)
		if !ok {
			continue
		}
		d.call(r.plugin, func() error { return h.NewClientCreated(ctx, callsign, kind) })
	}
}

func (d *Dispatcher) FireClientDisconnected(ctx context.Context, callsign string) {
	for _, r := range d.plugs {
		h, ok := r.plugin.(ClientDisconnectedHook)
		if !ok {
			continue
		}
		d.call(r.plugin, func() error { return h.ClientDisconnected(ctx, callsign) })
	}
}

// FireLineReceived runs every LineReceivedHook in registration order
// until one preempts (or the list is exhausted). handled reports
// whether a plugin preempted; when it did, result is that plugin's
// result and the caller must not run its own packet handler.
func (d *Dispatcher) FireLineReceived(ctx context.Context, callsign string, line []byte) (handled bool, result HandlerResult) {
	for _, r := range d.plugs {
		h, ok := r.plugin.(LineReceivedHook)
		if !ok {
			continue
		}

		preempt, res, err := d.callLineReceived(r.plugin, h, ctx, callsign, line)
		if err != nil {
			d.lg.Errorf("plugin %s: line_received_from_client: %v", r.plugin.PluginName(), err)
			continue
		}
		if preempt {
			return true, res
		}
	}
	return false, HandlerResult{}
}

// FireAuditLine runs every AuditLineHook. This event is not
// preemptable: every registered hook sees every line, and a hook that
// tries to signal otherwise (by panicking, say) is just a plugin
// error like any other.
func (d *Dispatcher) FireAuditLine(ctx context.Context, callsign string, line []byte, result HandlerResult) {
	for _, r := range d.plugs {
		h, ok := r.plugin.(AuditLineHook)
		if !ok {
			continue
		}
		d.callAudit(r.plugin, h, ctx, callsign, line, result)
	}
}

// call invokes fn, recovering a panic and logging it (or the returned
// error) the same way a plugin exception is specified to be handled:
// logged with context, iteration continues.
func (d *Dispatcher) call(p Plugin, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			d.lg.Errorf("plugin %s: panic: %v", p.PluginName(), rec)
		}
	}()
	if err := fn(); err != nil {
		d.lg.Errorf("plugin %s: %v", p.PluginName(), err)
	}
}

func (d *Dispatcher) callLineReceived(p Plugin, h LineReceivedHook, ctx context.Context, callsign string, line []byte) (preempt bool, result HandlerResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	preempt, result, err = h.LineReceivedFromClient(ctx, callsign, line)
	return
}

func (d *Dispatcher) callAudit(p Plugin, h AuditLineHook, ctx context.Context, callsign string, line []byte, result HandlerResult) {
	defer func() {
		if rec := recover(); rec != nil {
			d.lg.Errorf("plugin %s: audit_line_from_client panic: %v", p.PluginName(), rec)
		}
	}()
	h.AuditLineFromClient(ctx, callsign, line, result)
}
