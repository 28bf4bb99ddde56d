package control

// Point is a single sample recorded by a controller
type Point struct {
	// Time is the timestamp passed to Process
	Time float64

	// Error is reference - measurement at Time
	Error float64

	// Position is the measurement at Time
	Position float64
}

// History is a fixed capacity ring of Points.  When full, appending a new
// Point evicts the oldest one.  It is not concurrent safe.
type History struct {
	buf   []Point
	start int
	n     int
}

// NewHistory returns a History holding at most capacity points.
// capacity < 1 is treated as 1.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{buf: make([]Point, capacity)}
}

// Append adds a point, evicting the oldest if the ring is full
func (h *History) Append(p Point) {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = p
		h.n++
		return
	}
	h.buf[h.start] = p
	h.start = (h.start + 1) % len(h.buf)
}

// Len is the number of points held
func (h *History) Len() int {
	return h.n
}

// Cap is the maximum number of points held
func (h *History) Cap() int {
	return len(h.buf)
}

// At returns the i-th point, 0 being the oldest.  It panics if i is out of range.
func (h *History) At(i int) Point {
	if i < 0 || i >= h.n {
		panic("control: history index out of range")
	}
	return h.buf[(h.start+i)%len(h.buf)]
}

// Last returns the most recent point
func (h *History) Last() (Point, bool) {
	if h.n == 0 {
		return Point{}, false
	}
	return h.At(h.n - 1), true
}

// Prev returns the point before the most recent one
func (h *History) Prev() (Point, bool) {
	if h.n < 2 {
		return Point{}, false
	}
	return h.At(h.n - 2), true
}

// Points copies the contents, oldest first
func (h *History) Points() []Point {
	out := make([]Point, h.n)
	for i := range out {
		out[i] = h.At(i)
	}
	return out
}

// Reset empties the ring without changing its capacity
func (h *History) Reset() {
	h.start = 0
	h.n = 0
}
