package events

import (
	"bufio"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishOrdering(t *testing.T) {
	b := NewBus(nil)
	ch, cancel := b.Subscribe("exp-1")
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(NewEvent("exp-1", "iter-1", EventRunProgress, "case done", nil))
	}

	for want := uint64(1); want <= 5; want++ {
		e := <-ch
		assert.Equal(t, want, e.Seq)
		assert.Equal(t, EventRunProgress, e.Type)
	}
}

func TestSubscribeReplaysHistory(t *testing.T) {
	b := NewBus(nil)
	b.Publish(NewEvent("exp-1", "", EventStatusChanged, "PENDING -> EXECUTING", nil))
	b.Publish(NewEvent("exp-1", "", EventAggregateDone, "metrics", map[string]float64{"best": 7.5}))

	// Late subscriber sees the full history, then live events.
	ch, cancel := b.Subscribe("exp-1")
	defer cancel()

	first := <-ch
	second := <-ch
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, EventStatusChanged, first.Type)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Contains(t, string(second.Payload), "7.5")

	b.Publish(NewEvent("exp-1", "", EventExperimentDone, "done", nil))
	third := <-ch
	assert.Equal(t, uint64(3), third.Seq)
}

func TestStreamsAreIsolated(t *testing.T) {
	b := NewBus(nil)
	b.Publish(NewEvent("exp-a", "", EventError, "a", nil))
	b.Publish(NewEvent("exp-b", "", EventError, "b", nil))

	assert.Len(t, b.History("exp-a"), 1)
	assert.Len(t, b.History("exp-b"), 1)
	assert.Equal(t, uint64(1), b.History("exp-b")[0].Seq)
	assert.Nil(t, b.History("exp-c"))
}

func TestCancelClosesChannel(t *testing.T) {
	b := NewBus(nil)
	ch, cancel := b.Subscribe("exp-1")
	cancel()
	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic.
	b.Publish(NewEvent("exp-1", "", EventError, "x", nil))
}

func TestDropDisconnectsSubscribers(t *testing.T) {
	b := NewBus(nil)
	b.Publish(NewEvent("exp-1", "", EventError, "x", nil))
	ch, cancel := b.Subscribe("exp-1")
	defer cancel()
	<-ch

	b.Drop("exp-1")
	_, open := <-ch
	assert.False(t, open)
	assert.Nil(t, b.History("exp-1"))
}

func TestServeSSEFrames(t *testing.T) {
	b := NewBus(nil)
	b.Publish(NewEvent("exp-1", "iter-1", EventAggregateDone, "metrics", map[string]int{"n": 3}))

	req := httptest.NewRequest("GET", "/events", nil)
	ctx, cancelReq := context.WithTimeout(req.Context(), 100*time.Millisecond)
	defer cancelReq()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeSSE(rec, req, "exp-1", time.Hour)
		close(done)
	}()
	<-done

	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Equal(t, "id: 1", lines[0])
	assert.Equal(t, "event: aggregate:completed", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "data: {"))
	assert.Contains(t, lines[2], `"n":3`)
}
