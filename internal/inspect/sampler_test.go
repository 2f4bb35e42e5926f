package inspect

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkynetNext/sockops-binder/internal/maps"
	"github.com/SkynetNext/sockops-binder/internal/metrics"
	"github.com/SkynetNext/sockops-binder/internal/sockops"
)

type brokenInspector struct{ maps.Inspector }

func (brokenInspector) Counts() (map[string]int, error) {
	return nil, errors.New("iterate: operation not permitted")
}

func TestSamplePublishesCounts(t *testing.T) {
	mem := maps.NewMemory()
	mem.Processes.Put(1, 10)
	mem.Processes.Put(2, 20)
	_, err := mem.Pairs.InsertIfAbsent(sockops.TupleKey{LocalPort: 1}, sockops.OriginRecord{Port: 80})
	require.NoError(t, err)

	s := NewSampler(mem, time.Minute)
	s.Sample()

	counts, err := s.Counts()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[maps.TableProcesses])
	assert.Equal(t, 1, counts[maps.TablePairs])
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.TableEntries.WithLabelValues(maps.TableProcesses)))
	assert.False(t, s.LastRun().IsZero())
}

func TestSampleKeepsLastGoodCounts(t *testing.T) {
	mem := maps.NewMemory()
	mem.Processes.Put(1, 10)

	s := NewSampler(mem, time.Minute)
	s.Sample()

	s.inspector = brokenInspector{}
	s.Sample()

	counts, err := s.Counts()
	assert.Error(t, err)
	assert.Equal(t, 1, counts[maps.TableProcesses])
}

func TestStartStop(t *testing.T) {
	mem := maps.NewMemory()
	s := NewSampler(mem, 10*time.Millisecond)
	s.Start()
	assert.Eventually(t, func() bool { return !s.LastRun().IsZero() }, time.Second, 5*time.Millisecond)
	s.Stop()
	assert.NotPanics(t, s.Stop)
}

func TestDefaultInterval(t *testing.T) {
	assert.Equal(t, DefaultInterval, NewSampler(maps.NewMemory(), 0).interval)
}
