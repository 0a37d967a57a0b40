package navigation

import "github.com/bidopsai/bidops-go/internal/domain"

// history is a fixed-capacity ring of navigation actions. The oldest entry
// is overwritten once the ring is full.
type history struct {
	buf   []domain.NavigationAction
	start int
	size  int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &history{buf: make([]domain.NavigationAction, capacity)}
}

func (h *history) add(a domain.NavigationAction) {
	idx := (h.start + h.size) % len(h.buf)
	h.buf[idx] = a
	if h.size < len(h.buf) {
		h.size++
		return
	}
	h.start = (h.start + 1) % len(h.buf)
}

// list returns the retained entries oldest first.
func (h *history) list() []domain.NavigationAction {
	out := make([]domain.NavigationAction, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

func (h *history) clear() {
	clear(h.buf)
	h.start = 0
	h.size = 0
}
