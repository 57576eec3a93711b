package sipua

import (
	"fmt"
	"sync"
)

// portPool hands out RTP ports from a fixed range. Only even ports are used so
// the odd neighbour stays free for RTCP.
type portPool struct {
	mu    sync.Mutex
	min   int
	max   int
	next  int
	inUse map[int]struct{}
}

// newPortPool returns nil when the range is unset or empty, meaning "use an
// ephemeral port".
func newPortPool(min, max int) *portPool {
	if min%2 != 0 {
		min++
	}
	if min <= 0 || max < min {
		return nil
	}
	return &portPool{min: min, max: max, next: min, inUse: make(map[int]struct{})}
}

func (p *portPool) size() int {
	return (p.max-p.min)/2 + 1
}

// acquire walks the range round-robin starting after the last handed-out port
// and keeps the first port bind accepts. Ports bind rejects are skipped, not
// reserved.
func (p *portPool) acquire(bind func(port int) error) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for i := 0; i < p.size(); i++ {
		port := p.next
		p.next += 2
		if p.next > p.max {
			p.next = p.min
		}
		if _, busy := p.inUse[port]; busy {
			continue
		}
		if err := bind(port); err != nil {
			lastErr = err
			continue
		}
		p.inUse[port] = struct{}{}
		return port, nil
	}
	if lastErr != nil {
		return 0, fmt.Errorf("no free RTP port in %d-%d: %w", p.min, p.max, lastErr)
	}
	return 0, fmt.Errorf("no free RTP port in %d-%d", p.min, p.max)
}

func (p *portPool) release(port int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	delete(p.inUse, port)
	p.mu.Unlock()
}

func (p *portPool) allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
