package telemetry

import (
	"sync"

	"github.com/darsavelidze/safe-school/internal/model"
)

// series is a fixed-capacity ring of readings. Appending to a full series
// overwrites the oldest reading.
type series struct {
	mu    sync.Mutex
	buf   []model.Reading
	start int
	size  int
}

func newSeries(capacity int) *series {
	return &series{buf: make([]model.Reading, capacity)}
}

func (s *series) append(r model.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size < len(s.buf) {
		s.buf[(s.start+s.size)%len(s.buf)] = r
		s.size++
		return
	}
	s.buf[s.start] = r
	s.start = (s.start + 1) % len(s.buf)
}

// readings returns a copy in insertion order, oldest first
func (s *series) readings() []model.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Reading, s.size)
	for i := 0; i < s.size; i++ {
		out[i] = s.buf[(s.start+i)%len(s.buf)]
	}
	return out
}
