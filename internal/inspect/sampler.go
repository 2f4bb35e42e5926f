// Package inspect periodically samples table sizes.
package inspect

import (
	"sync"
	"time"

	"github.com/SkynetNext/sockops-binder/internal/maps"
	"github.com/SkynetNext/sockops-binder/internal/metrics"
	"github.com/SkynetNext/sockops-binder/pkg/xlog"
)

const DefaultInterval = 15 * time.Second

// Sampler publishes table sizes to the sockops_table_entries gauge.
type Sampler struct {
	inspector maps.Inspector
	interval  time.Duration
	stopChan  chan struct{}
	wg        sync.WaitGroup
	once      sync.Once

	mu      sync.RWMutex
	counts  map[string]int
	lastErr error
	lastRun time.Time
}

// NewSampler creates a sampler. A non-positive interval uses DefaultInterval.
func NewSampler(inspector maps.Inspector, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		inspector: inspector,
		interval:  interval,
		stopChan:  make(chan struct{}),
		counts:    make(map[string]int),
	}
}

// Start begins periodic sampling
func (s *Sampler) Start() {
	s.wg.Add(1)
	go s.run()
	xlog.Infof("Table sampler started (interval: %v)", s.interval)
}

// Stop stops the sampler
func (s *Sampler) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		xlog.Infof("Table sampler stopped")
	})
}

// Counts returns the most recent sample and its error.
func (s *Sampler) Counts() (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out, s.lastErr
}

// LastRun returns when the last sample was taken.
func (s *Sampler) LastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

func (s *Sampler) run() {
	defer s.wg.Done()

	// Initial sample
	s.Sample()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sample()
		case <-s.stopChan:
			return
		}
	}
}

// Sample reads table sizes once and updates the gauges.
func (s *Sampler) Sample() {
	counts, err := s.inspector.Counts()

	s.mu.Lock()
	hadErr := s.lastErr != nil
	s.lastErr = err
	s.lastRun = time.Now()
	if err == nil {
		s.counts = counts
	}
	s.mu.Unlock()

	if err != nil {
		if !hadErr {
			xlog.Warnf("Table sampling failed: %v", err)
		}
		return
	}
	if hadErr {
		xlog.Infof("Table sampling recovered")
	}
	metrics.SetTableEntries(counts)
}
