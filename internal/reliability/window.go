package reliability

// WindowSize is the number of recent message IDs remembered per role.
const WindowSize = 16

// Window is a circular buffer of recently seen inbound message IDs.
// It is a conservative filter: once WindowSize other IDs have been
// recorded an old ID reappears as unseen, which is acceptable for
// CoAP's small in-flight window. A zero message ID is a valid ID, not
// an empty-slot marker; occupancy is tracked separately.
type Window struct {
	ids   [WindowSize]uint16
	next  int
	count int
}

func NewWindow() *Window {
	return &Window{}
}

// Seen reports whether id is in the window.
func (w *Window) Seen(id uint16) bool {
	n := w.count
	if n > WindowSize {
		n = WindowSize
	}
	for i := 0; i < n; i++ {
		if w.ids[i] == id {
			return true
		}
	}
	return false
}

// Record stores id, overwriting the oldest slot when full.
func (w *Window) Record(id uint16) {
	w.ids[w.next] = id
	w.next = (w.next + 1) % WindowSize
	if w.count < WindowSize {
		w.count++
	}
}
