package ptyproc

import (
	"testing"

	"termgateway/internal/ids"
)

// Resize validates dimensions before ever touching the PTY, so these bounds
// are exercised directly on a Handle with no real process backing it; a
// Handle with a nil ptmx would panic if an in-range size made it as far as
// pty.Setsize.
func TestHandle_Resize_RejectsOutOfRangeDimensions(t *testing.T) {
	h := &Handle{id: ids.NewProcessId()}

	tests := []struct {
		name       string
		cols, rows int
	}{
		{"zero cols", 0, 24},
		{"zero rows", 80, 0},
		{"cols too large", MaxCols + 1, 24},
		{"rows too large", 80, MaxRows + 1},
		{"negative", -1, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.Resize(tt.cols, tt.rows); err == nil {
				t.Fatalf("Resize(%d, %d): expected error", tt.cols, tt.rows)
			}
		})
	}
}

func TestManager_RemoveAndCount(t *testing.T) {
	m := NewManager()
	h := &Handle{id: ids.NewProcessId(), done: make(chan struct{})}

	m.mu.Lock()
	m.handles[h.id] = h
	m.mu.Unlock()

	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}
	if _, ok := m.Get(h.id); !ok {
		t.Fatal("Get() should find the tracked handle")
	}

	m.Remove(h.id)
	if m.Count() != 0 {
		t.Fatalf("Count() after Remove = %d, want 0", m.Count())
	}
	if _, ok := m.Get(h.id); ok {
		t.Fatal("Get() should not find a removed handle")
	}
}

func TestManager_ReapDead(t *testing.T) {
	m := NewManager()

	alive := &Handle{id: ids.NewProcessId(), done: make(chan struct{})}
	dead := &Handle{id: ids.NewProcessId(), done: make(chan struct{}), exited: true}

	m.mu.Lock()
	m.handles[alive.id] = alive
	m.handles[dead.id] = dead
	m.mu.Unlock()

	reaped := m.ReapDead()
	if len(reaped) != 1 || reaped[0] != dead.id {
		t.Fatalf("ReapDead() = %v, want [%s]", reaped, dead.id)
	}
	if _, ok := m.Get(alive.id); !ok {
		t.Fatal("alive handle should remain tracked")
	}
	if _, ok := m.Get(dead.id); ok {
		t.Fatal("dead handle should have been removed")
	}
}
