package audit

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkynetNext/sockops-binder/internal/sockops"
	"github.com/SkynetNext/sockops-binder/pkg/linux"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) sink(batch []Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, batch...)
}

func (c *collector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func outcome(result sockops.Result) sockops.Outcome {
	return sockops.Outcome{
		Conn: sockops.Conn{
			Op:         sockops.OpActiveEstablished,
			Family:     sockops.FamilyIPv4,
			Cookie:     77,
			LocalAddr:  linux.MustIP2Linux("10.0.0.5"),
			LocalPort:  40000,
			RemoteAddr: linux.MustIP2Linux("10.0.0.5"),
			RemotePort: 15001,
		},
		Result: result,
		Class:  sockops.AppToProxy,
		Record: sockops.OriginRecord{Addr: linux.MustIP2Linux("10.96.0.1"), Port: 80, PID: 1234},
	}
}

func TestLoggerFlushesOnClose(t *testing.T) {
	c := &collector{}
	l := New(16, c.sink)

	l.Observe(outcome(sockops.ResultBound))
	failed := outcome(sockops.ResultStoreError)
	failed.Err = errors.New("map full")
	l.Observe(failed)
	l.Close()

	events := c.all()
	require.Len(t, events, 2)
	assert.Equal(t, uint64(77), events[0].Cookie)
	assert.Equal(t, uint32(1234), events[0].PID)
	assert.Equal(t, "app_to_proxy", events[0].Kind)
	assert.Equal(t, "bound", events[0].Result)
	assert.Equal(t, "10.0.0.5:40000", events[0].Local)
	assert.Equal(t, "10.0.0.5:15001", events[0].Remote)
	assert.Equal(t, "10.96.0.1:80", events[0].Original)
	assert.Empty(t, events[0].Error)
	assert.Equal(t, "map full", events[1].Error)
	assert.NotEmpty(t, events[0].Batch)
	assert.Equal(t, events[0].Batch, events[1].Batch)
}

func TestLoggerSkipsUnclassifiedOutcomes(t *testing.T) {
	c := &collector{}
	l := New(16, c.sink)

	l.Observe(sockops.Outcome{Result: sockops.ResultSkipped})
	l.Observe(sockops.Outcome{Result: sockops.ResultMiss})
	l.Close()

	assert.Empty(t, c.all())
}

func TestLoggerDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	var once sync.Once
	started := make(chan struct{})
	l := New(1, func([]Event) {
		once.Do(func() { close(started) })
		<-block
	})

	// Fill the batch until the consumer is stuck in the sink, then the buffer.
	for i := 0; i < batchSize; i++ {
		l.Observe(outcome(sockops.ResultBound))
	}
	<-started
	for i := 0; i < 10; i++ {
		l.Observe(outcome(sockops.ResultBound))
	}
	assert.Greater(t, l.Dropped(), uint64(0))

	close(block)
	l.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	l := New(0, func([]Event) {})
	l.Close()
	assert.NotPanics(t, l.Close)
}
