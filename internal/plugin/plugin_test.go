// internal/plugin/plugin_test.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/mmp/fsdserver/log"
)

type basePlugin struct {
	name    string
	version string
	level   int
}

func (p basePlugin) PluginName() string { return p.name }
func (p basePlugin) APILevel() int      { return p.level }
func (p basePlugin) Version() string    { return p.version }

func newBase(name string) basePlugin { return basePlugin{name: name, version: "1.0", level: APILevel} }

func TestRegisterRejectsWrongAPILevel(t *testing.T) {
	d := NewDispatcher(log.New("error", t.TempDir()))
	p := basePlugin{name: "old", version: "0.1", level: APILevel + 1}
	if err := d.Register(p, nil); err == nil {
		t.Fatal("expected an error for mismatched API level")
	}
}

type configPlugin struct {
	basePlugin
	want any
}

func (p configPlugin) ExpectedConfig() any { return p.want }

func TestRegisterRejectsConfigShapeMismatch(t *testing.T) {
	d := NewDispatcher(log.New("error", t.TempDir()))
	p := configPlugin{basePlugin: newBase("shaped"), want: struct{ A int }{}}
	if err := d.Register(p, struct{ B string }{}); err == nil {
		t.Fatal("expected a config shape mismatch error")
	}
}

func TestRegisterAcceptsMatchingConfigShape(t *testing.T) {
	d := NewDispatcher(log.New("error", t.TempDir()))
	p := configPlugin{basePlugin: newBase("shaped"), want: struct{ A int }{}}
	if err := d.Register(p, struct{ A int }{A: 1}); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

type lineHookPlugin struct {
	basePlugin
	preempt bool
	err     error
	called  *int
}

func (p lineHookPlugin) LineReceivedFromClient(ctx context.Context, callsign string, line []byte) (bool, HandlerResult, error) {
	if p.called != nil {
		*p.called++
	}
	if p.err != nil {
		return false, HandlerResult{}, p.err
	}
	return p.preempt, HandlerResult{HandledByPlugin: p.preempt, Success: p.preempt}, nil
}

func TestFireLineReceivedStopsAtFirstPreempt(t *testing.T) {
	d := NewDispatcher(log.New("error", t.TempDir()))
	var calls1, calls2 int
	first := lineHookPlugin{basePlugin: newBase("first"), preempt: true, called: &calls1}
	second := lineHookPlugin{basePlugin: newBase("second"), preempt: true, called: &calls2}
	if err := d.Register(first, nil); err != nil {
		t.Fatal(err)
	}
	if err := d.Register(second, nil); err != nil {
		t.Fatal(err)
	}

	handled, result := d.FireLineReceived(context.Background(), "CS1", []byte("line"))
	if !handled || !result.HandledByPlugin {
		t.Fatalf("expected the first plugin's result, got %+v, handled=%v", result, handled)
	}
	if calls1 != 1 {
		t.Errorf("first plugin called %d times, want 1", calls1)
	}
	if calls2 != 0 {
		t.Errorf("second plugin should not have been consulted, called %d times", calls2)
	}
}

func TestFireLineReceivedErrorDoesNotPreempt(t *testing.T) {
	d := NewDispatcher(log.New("error", t.TempDir()))
	erroring := lineHookPlugin{basePlugin: newBase("erroring"), err: errors.New("boom")}
	var calls int
	fallback := lineHookPlugin{basePlugin: newBase("fallback"), preempt: true, called: &calls}
	if err := d.Register(erroring, nil); err != nil {
		t.Fatal(err)
	}
	if err := d.Register(fallback, nil); err != nil {
		t.Fatal(err)
	}

	handled, _ := d.FireLineReceived(context.Background(), "CS1", []byte("line"))
	if !handled {
		t.Fatal("expected the fallback plugin to preempt after the erroring one")
	}
	if calls != 1 {
		t.Errorf("fallback plugin called %d times, want 1", calls)
	}
}

type panicPlugin struct {
	basePlugin
}

func (p panicPlugin) BeforeStart(ctx context.Context) error { panic("boom") }

func TestFireBeforeStartRecoversPluginPanic(t *testing.T) {
	d := NewDispatcher(log.New("error", t.TempDir()))
	if err := d.Register(panicPlugin{basePlugin: newBase("panicky")}, nil); err != nil {
		t.Fatal(err)
	}
	d.FireBeforeStart(context.Background()) // must not panic
}

func TestAuditLineFiresForEveryHookRegardlessOfResult(t *testing.T) {
	d := NewDispatcher(log.New("error", t.TempDir()))

	var seen []string
	recorders := []string{"a", "b", "c"}
	for _, name := range recorders {
		name := name
		p := auditPlugin{basePlugin: newBase(name), record: func(cs string) { seen = append(seen, name) }}
		if err := d.Register(p, nil); err != nil {
			t.Fatal(err)
		}
	}

	d.FireAuditLine(context.Background(), "CS1", []byte("line"), HandlerResult{Success: true})
	if len(seen) != len(recorders) {
		t.Fatalf("expected every audit hook to fire once, got %v", seen)
	}
}

type auditPlugin struct {
	basePlugin
	record func(callsign string)
}

func (p auditPlugin) AuditLineFromClient(ctx context.Context, callsign string, line []byte, result HandlerResult) {
	p.record(callsign)
}
