// Package termsync provides an optional mosh-style terminal-state
// synchronization mode for the `pty` channel kind, offered as an
// alternative to ring-buffer replay on reattach (ring replay remains the
// baseline; this is strictly additive and off by default). It wraps
// charmbracelet/x/vt to maintain a live terminal emulation of PTY output
// and feeds TERM_SYNC/TERM_DIFF protocol envelopes from it.
package termsync

import (
	"fmt"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"

	"github.com/wsh-dev/wsh/internal/protocol"
)

const maxScrollbackLines = 50000

// VTerm maintains a live server-side terminal emulation of one PTY
// channel's output, so a reattaching client can be brought to the exact
// current screen state (TERM_SYNC) instead of replaying raw ring-buffer
// bytes, and so subsequent output can be sent as TERM_DIFF deltas.
type VTerm struct {
	mu         sync.Mutex
	emu        *vt.Emulator
	scrollback []string
	sbHead     int
	sbLen      int

	altScreen    bool
	cursorHidden bool
	cols, rows   int

	pending []byte // raw bytes written since the last Sync/Diff call
}

// NewVTerm creates a VTerm sized (cols, rows).
func NewVTerm(cols, rows uint16) *VTerm {
	v := &VTerm{
		emu:        vt.NewEmulator(int(cols), int(rows)),
		scrollback: make([]string, maxScrollbackLines),
		cols:       int(cols),
		rows:       int(rows),
	}
	v.emu.SetCallbacks(vt.Callbacks{
		ScrollOut: func(lines []uv.Line) {
			if v.altScreen {
				return
			}
			for _, line := range lines {
				rendered := line.Render()
				if v.sbLen == len(v.scrollback) {
					v.scrollback[v.sbHead] = ""
				}
				v.scrollback[v.sbHead] = rendered
				v.sbHead = (v.sbHead + 1) % len(v.scrollback)
				if v.sbLen < len(v.scrollback) {
					v.sbLen++
				}
			}
		},
		ScrollbackClear: func() {
			for i := range v.scrollback {
				v.scrollback[i] = ""
			}
			v.sbLen = 0
			v.sbHead = 0
		},
		AltScreen: func(on bool) {
			v.altScreen = on
		},
		CursorVisibility: func(visible bool) {
			v.cursorHidden = !visible
		},
	})
	return v
}

// Write feeds PTY output to the emulator and appends it to the pending
// diff buffer.
func (v *VTerm) Write(p []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, _ = v.emu.Write(p)
	v.pending = append(v.pending, p...)
}

// Resize updates the emulator's dimensions, e.g. on a RESIZE envelope.
func (v *VTerm) Resize(cols, rows uint16) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.emu.Resize(int(cols), int(rows))
	v.cols, v.rows = int(cols), int(rows)
}

// Sync renders a full TERM_SYNC payload: scrollback, grid, and cursor
// state, carried as a typed envelope instead of raw ANSI over the data
// stream.
func (v *VTerm) Sync() *protocol.TermSync {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pending = v.pending[:0]

	var buf []byte
	for _, line := range v.scrollbackLines() {
		buf = append(buf, line...)
		buf = append(buf, '\r', '\n')
	}
	buf = append(buf, "\x1b[m\x1b[H"...)
	buf = append(buf, v.emu.Render()...)
	pos := v.emu.CursorPosition()
	buf = append(buf, fmt.Sprintf("\x1b[%d;%dH", pos.Y+1, pos.X+1)...)
	if v.cursorHidden {
		buf = append(buf, "\x1b[?25l"...)
	} else {
		buf = append(buf, "\x1b[?25h"...)
	}

	return &protocol.TermSync{
		Type:  protocol.TypeTermSync,
		Cols:  uint16(v.cols),
		Rows:  uint16(v.rows),
		Cells: buf,
	}
}

// Diff drains the bytes written since the last Sync/Diff call as a
// TERM_DIFF payload. Returns nil if nothing changed.
func (v *VTerm) Diff() *protocol.TermDiff {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.pending) == 0 {
		return nil
	}
	ops := v.pending
	v.pending = nil
	return &protocol.TermDiff{Type: protocol.TypeTermDiff, Ops: ops}
}

// ScrollbackLen returns the number of scrollback lines currently stored.
func (v *VTerm) ScrollbackLen() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sbLen
}

// Close releases the emulator's resources.
func (v *VTerm) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.emu.Close()
}

// scrollbackLines returns all scrollback lines oldest-first. Must be
// called with mu held.
func (v *VTerm) scrollbackLines() []string {
	if v.sbLen == 0 {
		return nil
	}
	lines := make([]string, v.sbLen)
	start := (v.sbHead - v.sbLen + len(v.scrollback)) % len(v.scrollback)
	for i := 0; i < v.sbLen; i++ {
		lines[i] = v.scrollback[(start+i)%len(v.scrollback)]
	}
	return lines
}
