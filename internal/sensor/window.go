package sensor

import (
	"sort"

	"github.com/sensocto/sensocto-go/internal/types"
)

// DefaultWindowCapacity bounds each attribute window unless the attribute
// type overrides it.
const DefaultWindowCapacity = 10000

// Window is the bounded, timestamp-sorted buffer of recent measurements for
// one attribute. Only the owning sensor worker mutates it; readers get copies.
type Window struct {
	capacity int
	data     []types.Measurement
}

// NewWindow creates an empty window holding at most capacity measurements.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowCapacity
	}
	return &Window{
		capacity: capacity,
		data:     make([]types.Measurement, 0, 64),
	}
}

// Insert places m in timestamp order, evicting the oldest measurement when
// the window is full. Late arrivals within tolerance slot into place; the
// common case of in-order data appends in O(1).
func (w *Window) Insert(m types.Measurement) {
	n := len(w.data)
	if n == 0 || w.data[n-1].TimestampMs <= m.TimestampMs {
		w.data = append(w.data, m)
	} else {
		idx := sort.Search(n, func(i int) bool {
			return w.data[i].TimestampMs > m.TimestampMs
		})
		w.data = append(w.data, types.Measurement{})
		copy(w.data[idx+1:], w.data[idx:])
		w.data[idx] = m
	}

	if len(w.data) > w.capacity {
		// Drop oldest; shift keeps the backing array from growing unbounded.
		copy(w.data, w.data[1:])
		w.data = w.data[:w.capacity]
	}
}

// Len returns the current number of measurements.
func (w *Window) Len() int {
	return len(w.data)
}

// Capacity returns the configured bound.
func (w *Window) Capacity() int {
	return w.capacity
}

// Latest returns the newest measurement, or ok=false when empty.
func (w *Window) Latest() (types.Measurement, bool) {
	if len(w.data) == 0 {
		return types.Measurement{}, false
	}
	return w.data[len(w.data)-1], true
}

// OldestTimestamp returns the first timestamp held, or 0 when empty.
func (w *Window) OldestTimestamp() int64 {
	if len(w.data) == 0 {
		return 0
	}
	return w.data[0].TimestampMs
}

// Range copies out measurements with fromTs <= timestamp <= toTs, newest
// limit entries when limit > 0. Zero bounds mean unbounded on that side.
func (w *Window) Range(fromTs, toTs int64, limit int) []types.Measurement {
	lo := 0
	if fromTs > 0 {
		lo = sort.Search(len(w.data), func(i int) bool {
			return w.data[i].TimestampMs >= fromTs
		})
	}
	hi := len(w.data)
	if toTs > 0 {
		hi = sort.Search(len(w.data), func(i int) bool {
			return w.data[i].TimestampMs > toTs
		})
	}
	if lo >= hi {
		return nil
	}
	slice := w.data[lo:hi]
	if limit > 0 && len(slice) > limit {
		slice = slice[len(slice)-limit:]
	}
	out := make([]types.Measurement, len(slice))
	copy(out, slice)
	return out
}

// Snapshot copies out the whole window.
func (w *Window) Snapshot() []types.Measurement {
	return w.Range(0, 0, 0)
}

// Clear empties the window.
func (w *Window) Clear() {
	w.data = w.data[:0]
}
