package runners

import (
	"bytes"
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gpubatch/gpubatch/common/stats"
)

const (
	StdoutStream = "stdout"
	StderrStream = "stderr"
)

// LogLine is one line of output of a remote batch process.
type LogLine struct {
	BatchID string    `json:"batch_id"`
	Stream  string    `json:"stream"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// LogSink receives remote process output. Write is called from a single goroutine per batch.
type LogSink interface {
	Write(ctx context.Context, line LogLine) error
}

// LogrusSink forwards lines to the process log.
type LogrusSink struct{}

func NewLogrusSink() *LogrusSink {
	return &LogrusSink{}
}

func (s *LogrusSink) Write(ctx context.Context, line LogLine) error {
	log.WithFields(log.Fields{"batchID": line.BatchID, "stream": line.Stream}).Info(line.Text)
	return nil
}

// logPump moves lines from the process writers to the sink through a bounded channel.
// A full channel blocks the writer, which in turn backs up the process output.
type logPump struct {
	batchID string
	sink    LogSink
	stat    stats.StatsReceiver
	now     func() time.Time

	ch     chan LogLine
	doneCh chan struct{}

	mu     sync.Mutex
	closed bool
}

func newLogPump(ctx context.Context, batchID string, sink LogSink, buffer int, now func() time.Time, stat stats.StatsReceiver) *logPump {
	if buffer < 1 {
		buffer = 1
	}
	p := &logPump{
		batchID: batchID,
		sink:    sink,
		stat:    stat,
		now:     now,
		ch:      make(chan LogLine, buffer),
		doneCh:  make(chan struct{}),
	}
	go p.drain(ctx)
	return p
}

func (p *logPump) drain(ctx context.Context) {
	defer close(p.doneCh)
	failures := 0
	for line := range p.ch {
		p.stat.Counter(stats.LogLinesCounter).Inc(1)
		if err := p.sink.Write(ctx, line); err != nil {
			failures++
			// Warn once per batch.
			if failures == 1 {
				log.WithFields(log.Fields{"batchID": p.batchID, "error": err}).Warn("Log sink failed, dropping lines")
			}
		}
	}
	if failures > 1 {
		log.WithFields(log.Fields{"batchID": p.batchID, "failures": failures}).Warn("Log sink dropped lines")
	}
}

func (p *logPump) send(stream, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.ch <- LogLine{BatchID: p.batchID, Stream: stream, Text: text, At: p.now()}
}

// writer returns an io.Writer splitting stream output into lines.
func (p *logPump) writer(stream string) *lineWriter {
	return &lineWriter{pump: p, stream: stream}
}

// close flushes nothing itself; callers flush their writers first. Blocks until the sink drained.
func (p *logPump) close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	p.mu.Unlock()
	<-p.doneCh
}

type lineWriter struct {
	pump   *logPump
	stream string

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(b)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf.Next(i+1), "\r\n"))
		w.pump.send(w.stream, line)
	}
	return len(b), nil
}

// Flush sends a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.pump.send(w.stream, w.buf.String())
		w.buf.Reset()
	}
}
