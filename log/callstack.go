// log/callstack.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package log

import (
	"fmt"
	"runtime"
	"strings"
)

// StackFrames is a captured, human-readable callstack, innermost
// (most recent) call first.
type StackFrames []string

// Callstack captures the current goroutine's callstack, skipping the
// frames inside this package. prev is reused when non-nil to avoid an
// allocation on the hot logging path.
func Callstack(prev StackFrames) StackFrames {
	frames := prev[:0]

	pc := make([]uintptr, 32)
	n := runtime.Callers(3, pc)
	if n == 0 {
		return frames
	}

	iter := runtime.CallersFrames(pc[:n])
	for {
		f, more := iter.Next()
		if strings.Contains(f.Function, "vice/log") || strings.Contains(f.Function, "fsdserver/log") {
			if !more {
				break
			}
			continue
		}
		frames = append(frames, fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line))
		if !more || len(frames) >= 16 {
			break
		}
	}
	return frames
}

// Strings returns the frames as a plain []string for attaching to a
// slog record.
func (s StackFrames) Strings() []string {
	return []string(s)
}

func (s StackFrames) String() string {
	return strings.Join(s, "\n")
}
