// Package audit keeps an asynchronous log of classification decisions.
package audit

import (
	"encoding/json"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SkynetNext/sockops-binder/internal/sockops"
	"github.com/SkynetNext/sockops-binder/pkg/linux"
	"github.com/SkynetNext/sockops-binder/pkg/xlog"
)

const (
	defaultBufferSize = 1024
	batchSize         = 100
	flushInterval     = time.Second
)

// Event is one classified connection.
type Event struct {
	Timestamp time.Time `json:"ts"`
	// Batch is shared by the events flushed together.
	Batch    string `json:"batch"`
	Cookie   uint64 `json:"cookie"`
	PID      uint32 `json:"pid"`
	Kind     string `json:"kind"`
	Result   string `json:"result"`
	Local    string `json:"local"`
	Remote   string `json:"remote"`
	Original string `json:"original_dst"`
	Error    string `json:"error,omitempty"`
}

// Sink receives flushed batches.
type Sink func([]Event)

// Logger buffers events and flushes them in batches from one goroutine.
// Observe never blocks; events are dropped when the buffer is full.
type Logger struct {
	events  chan Event
	sink    Sink
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.Mutex
	dropped uint64
}

// New starts a logger. A nil sink logs each event as JSON.
func New(bufferSize int, sink Sink) *Logger {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if sink == nil {
		sink = logSink
	}
	l := &Logger{
		events: make(chan Event, bufferSize),
		sink:   sink,
		stop:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.consume()
	return l
}

// Observe records outcomes that reached the learner.
func (l *Logger) Observe(o sockops.Outcome) {
	switch o.Result {
	case sockops.ResultSkipped, sockops.ResultMiss:
		return
	}
	ev := newEvent(o)
	select {
	case l.events <- ev:
	default:
		l.mu.Lock()
		l.dropped++
		n := l.dropped
		l.mu.Unlock()
		if n == 1 || n%1000 == 0 {
			xlog.Warnf("Audit buffer full, dropped %d events", n)
		}
	}
}

// Dropped returns the number of events lost to a full buffer.
func (l *Logger) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close flushes buffered events and stops the consumer.
func (l *Logger) Close() {
	l.once.Do(func() {
		close(l.stop)
		l.wg.Wait()
	})
}

func (l *Logger) consume() {
	defer l.wg.Done()

	batch := make([]Event, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		id := uuid.NewString()
		for i := range batch {
			batch[i].Batch = id
		}
		l.sink(batch)
		batch = make([]Event, 0, batchSize)
	}

	for {
		select {
		case ev := <-l.events:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.stop:
			for {
				select {
				case ev := <-l.events:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

func newEvent(o sockops.Outcome) Event {
	c := o.Conn
	ev := Event{
		Timestamp: time.Now(),
		Cookie:    c.Cookie,
		PID:       o.Record.PID,
		Kind:      o.Class.String(),
		Result:    string(o.Result),
		Local:     endpoint(c.LocalAddr, c.LocalPort),
		Remote:    endpoint(c.RemoteAddr, c.RemotePort),
		Original:  endpoint(o.Record.Addr, o.Record.Port),
	}
	if o.Err != nil {
		ev.Error = o.Err.Error()
	}
	return ev
}

func endpoint(addr uint32, port uint16) string {
	return netip.AddrPortFrom(linux.Linux2Addr(addr), port).String()
}

func logSink(events []Event) {
	xlog.Infof("Flushing %d classification events", len(events))
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		xlog.Infof("audit %s", data)
	}
}
