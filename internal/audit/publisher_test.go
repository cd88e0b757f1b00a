package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "kyc/pkg/domain"
)

type failingSink struct{}

func (failingSink) Append(context.Context, Event) error { return errors.New("broker down") }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublisher_SyncMode(t *testing.T) {
	sink := NewMemorySink()
	pub := NewPublisher(sink)
	defer pub.Close()

	sid := id.NewSessionID()
	require.NoError(t, pub.Emit(context.Background(), Event{SessionID: sid, Action: ActionSessionAdmitted}))

	events := sink.ListAll()
	require.Len(t, events, 1)
	assert.Equal(t, ActionSessionAdmitted, events[0].Action)
	assert.NotEqual(t, uuid.Nil, events[0].ID)
}

func TestPublisher_SetsTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sink := NewMemorySink()
	pub := NewPublisher(sink, WithClock(func() time.Time { return now }))

	require.NoError(t, pub.Emit(context.Background(), Event{Action: ActionSessionFailed}))
	assert.Equal(t, now, sink.ListAll()[0].Timestamp)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	sink := NewMemorySink()
	pub := NewPublisher(sink, WithAsyncBuffer(100))
	sid := id.NewSessionID()

	for range 10 {
		require.NoError(t, pub.Emit(context.Background(), Event{SessionID: sid, Action: ActionProcessingStarted}))
	}
	require.NoError(t, pub.Close())

	assert.Len(t, sink.Actions(sid.String()), 10, "all events should be drained on close")
}

func TestPublisher_EmitAfterCloseIsSynchronous(t *testing.T) {
	sink := NewMemorySink()
	pub := NewPublisher(sink, WithAsyncBuffer(1))
	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())

	require.NoError(t, pub.Emit(context.Background(), Event{Action: ActionSessionCompleted}))
	assert.Len(t, sink.ListAll(), 1)
}

func TestPublisher_BufferFullDoesNotBlock(t *testing.T) {
	pub := NewPublisher(NewMemorySink(), WithAsyncBuffer(1), WithLogger(quietLogger()))
	defer pub.Close()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, pub.Emit(context.Background(), Event{Action: ActionSessionAdmitted}))
		}()
	}
	wg.Wait()
}

func TestPublisher_SinkFailure(t *testing.T) {
	pub := NewPublisher(failingSink{}, WithLogger(quietLogger()))
	err := pub.Emit(context.Background(), Event{Action: ActionSessionAdmitted})
	assert.Error(t, err)

	async := NewPublisher(failingSink{}, WithAsyncBuffer(4), WithLogger(quietLogger()))
	assert.NoError(t, async.Emit(context.Background(), Event{Action: ActionSessionAdmitted}))
	assert.NoError(t, async.Close())
}

func TestClientFromUserAgent(t *testing.T) {
	assert.Nil(t, ClientFromUserAgent(""))

	c := ClientFromUserAgent("Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1")
	require.NotNil(t, c)
	assert.True(t, c.Mobile)
	assert.False(t, c.Bot)
	assert.Equal(t, "iPhone", c.Platform)
	assert.Contains(t, c.Browser, "Safari")

	bot := ClientFromUserAgent("Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
	require.NotNil(t, bot)
	assert.True(t, bot.Bot)
}

func TestLogSink(t *testing.T) {
	sink := NewLogSink(quietLogger())
	err := sink.Append(context.Background(), Event{
		Action:   ActionSessionCompleted,
		Decision: "approve",
		Client:   &Client{Platform: "iPhone"},
	})
	assert.NoError(t, err)
}
