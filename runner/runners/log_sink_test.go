package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpubatch/gpubatch/common/stats"
)

func TestLineWriterSplitsLines(t *testing.T) {
	sink := &recordingSink{}
	pump := newLogPump(context.Background(), "b1", sink, 4, time.Now, stats.NilStatsReceiver())
	w := pump.writer(StdoutStream)
	fmt.Fprint(w, "step 1")
	fmt.Fprint(w, "/30\nstep 2/30\r\nstep")
	w.Flush()
	pump.close()

	var texts []string
	for _, l := range sink.Lines() {
		assert.Equal(t, "b1", l.BatchID)
		assert.Equal(t, StdoutStream, l.Stream)
		texts = append(texts, l.Text)
	}
	assert.Equal(t, []string{"step 1/30", "step 2/30", "step"}, texts)

	// Writes after close are dropped rather than panicking.
	n, err := fmt.Fprint(w, "late\n")
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
}

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	n       int
}

func (s *blockingSink) Write(ctx context.Context, line LogLine) error {
	<-s.release
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	return nil
}

func TestFullBufferBlocksProducer(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	pump := newLogPump(context.Background(), "b1", sink, 1, time.Now, stats.NilStatsReceiver())
	w := pump.writer(StderrStream)

	wrote := make(chan struct{})
	go func() {
		// One line is held by the sink, one fills the buffer, the third must block.
		fmt.Fprint(w, "1\n2\n3\n")
		close(wrote)
	}()
	select {
	case <-wrote:
		t.Fatal("producer was not blocked by a full buffer")
	case <-time.After(50 * time.Millisecond):
	}
	close(sink.release)
	<-wrote
	pump.close()
	assert.Equal(t, 3, sink.n)
}

type failingSink struct{}

func (s *failingSink) Write(ctx context.Context, line LogLine) error {
	return fmt.Errorf("collector down")
}

func TestSinkErrorsAreNotFatal(t *testing.T) {
	reg := stats.NewFlatRegistry()
	stat := stats.NewCustomStatsReceiver(func() stats.StatsRegistry { return reg })
	pump := newLogPump(context.Background(), "b1", &failingSink{}, 2, time.Now, stat)
	w := pump.writer(StdoutStream)
	fmt.Fprint(w, "a\nb\nc\n")
	pump.close()
	stats.VerifyStats("sink", reg, t, map[string]stats.Rule{
		stats.LogLinesCounter: {Checker: stats.Int64EqTest, Value: 3},
	})
}

func TestHTTPSinkPostsLines(t *testing.T) {
	var mu sync.Mutex
	var got []LogLine
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var line LogLine
		if err := json.NewDecoder(r.Body).Decode(&line); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if line.Text == "reject" {
			http.Error(w, "no", http.StatusInternalServerError)
			return
		}
		mu.Lock()
		got = append(got, line)
		mu.Unlock()
	}))
	defer server.Close()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	sink := NewHTTPSink(server.URL, client, 0, 1)
	ctx := context.Background()
	at := time.Unix(100, 0).UTC()
	require.NoError(t, sink.Write(ctx, LogLine{BatchID: "b1", Stream: StdoutStream, Text: "hello", At: at}))
	assert.Error(t, sink.Write(ctx, LogLine{BatchID: "b1", Stream: StdoutStream, Text: "reject"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Text)
	assert.True(t, at.Equal(got[0].At))
}

func TestHTTPSinkRateLimitHonorsContext(t *testing.T) {
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	sink := NewHTTPSink("http://127.0.0.1:1/unused", client, 1, 1)
	// Spend the burst so the next Wait must block.
	sink.limiter.Allow()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, sink.Write(ctx, LogLine{Text: "x"}))
}

func TestPesterClientIsAClient(t *testing.T) {
	var c Client = MakePesterClient(2)
	assert.NotNil(t, c)
}
