package call

import (
	"sync"

	"github.com/voxline/callcore/internal/media"
	"github.com/voxline/callcore/internal/metrics"
)

// CandidateBuffer queues ICE candidates that arrive before the remote
// description is set and replays them in arrival order once it is. This is
// the ordering invariant of the whole exchange: no candidate may reach the
// transport before the remote description.
type CandidateBuffer struct {
	mu      sync.Mutex
	pending []media.ICECandidate
}

func NewCandidateBuffer() *CandidateBuffer {
	return &CandidateBuffer{}
}

// Add appends a candidate in arrival order.
func (b *CandidateBuffer) Add(c media.ICECandidate) {
	b.mu.Lock()
	b.pending = append(b.pending, c)
	b.mu.Unlock()
	metrics.CandidatesBuffered.Inc()
}

// Flush applies every buffered candidate in FIFO order and empties the
// buffer. Application continues past individual failures; the first error is
// returned along with the number of candidates applied successfully.
func (b *CandidateBuffer) Flush(apply func(media.ICECandidate) error) (int, error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	var firstErr error
	applied := 0
	for _, c := range pending {
		if err := apply(c); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		applied++
		metrics.CandidatesFlushed.Inc()
	}
	return applied, firstErr
}

// Clear drops all buffered candidates. Called unconditionally on call end.
func (b *CandidateBuffer) Clear() {
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
}

func (b *CandidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
