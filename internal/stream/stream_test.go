package stream_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/omochice/chat-bridge/internal/chat"
	"github.com/omochice/chat-bridge/internal/metrics"
	"github.com/omochice/chat-bridge/internal/stream"
	"github.com/omochice/chat-bridge/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is a hub that counts unsubscriptions.
type fakeSource struct {
	*chat.Hub
	mu           sync.Mutex
	unsubscribes int
}

func newFakeSource() *fakeSource {
	return &fakeSource{Hub: chat.NewHub()}
}

func (f *fakeSource) Subscribe(sub *chat.Subscriber) {
	f.Register(sub)
}

func (f *fakeSource) Unsubscribe(sub *chat.Subscriber) bool {
	f.mu.Lock()
	f.unsubscribes++
	f.mu.Unlock()
	return f.Unregister(sub)
}

func (f *fakeSource) Unsubscribes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribes
}

func chunk(content string, final bool) []byte {
	finish := "null"
	if final {
		finish = `"stop"`
	}
	return []byte(fmt.Sprintf(
		`{"from":"bot","message":{"choices":[{"delta":{"content":%q},"finish_reason":%s}]}}`,
		content, finish))
}

func correlated(id, content string, final bool) []byte {
	finish := "null"
	if final {
		finish = `"stop"`
	}
	return []byte(fmt.Sprintf(
		`{"from":"bot","correlation_id":%q,"message":{"choices":[{"delta":{"content":%q},"finish_reason":%s}]}}`,
		id, content, finish))
}

func drain(t *testing.T, s *stream.ReplyStream) ([]string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var out []string
	for {
		frag, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, string(frag))
	}
}

func TestOpen_FragmentsInOrderThenEOF(t *testing.T) {
	src := newFakeSource()
	s := stream.Open(context.Background(), src)
	require.Equal(t, 1, src.SubscriberCount())

	src.Broadcast(chunk("a", false))
	src.Broadcast(chunk("b", false))
	src.Broadcast(chunk("c", true))

	got, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, got, 3)
	assert.JSONEq(t, `{"choices":[{"delta":{"content":"a"},"finish_reason":null}]}`, got[0])
	assert.JSONEq(t, `{"choices":[{"delta":{"content":"c"},"finish_reason":"stop"}]}`, got[2])
	assert.True(t, s.Closed())
	assert.Equal(t, 0, src.SubscriberCount())
	assert.Equal(t, 1, src.Unsubscribes())
}

func TestOpen_NoEnqueueAfterClose(t *testing.T) {
	src := newFakeSource()
	s := stream.Open(context.Background(), src)

	s.Handle(chunk("only", true))
	s.Handle(chunk("late", false))
	s.Handle(chunk("later", true))

	got, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Len(t, got, 1)
}

func TestOpen_MessagesWithoutFinishMarker(t *testing.T) {
	src := newFakeSource()
	s := stream.Open(context.Background(), src)
	defer s.Close()

	src.Broadcast([]byte(`{"from":"bot","message":"plain text"}`))
	src.Broadcast([]byte(`{"from":"bot"}`))
	src.Broadcast([]byte(`{"from":"bot","message":{"choices":[{"delta":{}}]}}`))
	src.Broadcast([]byte(`{"from":"bot","message":{"choices":[]}}`))

	assert.False(t, s.Closed(), "only a non-null finish_reason completes a reply")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, `"plain text"`, string(first))
	second, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, `null`, string(second))
}

func TestClose_Idempotent(t *testing.T) {
	src := newFakeSource()
	s := stream.Open(context.Background(), src)
	src.Broadcast(chunk("buffered", false))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 1, src.Unsubscribes())
	assert.Equal(t, 0, src.SubscriberCount())

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, stream.ErrCancelled, "cancel discards buffered fragments")
}

func TestClose_AfterCompletion(t *testing.T) {
	src := newFakeSource()
	s := stream.Open(context.Background(), src)
	src.Broadcast(chunk("done", true))

	require.NoError(t, s.Close())

	assert.Equal(t, 1, src.Unsubscribes())
}

func TestOpen_ContextCancelUnsubscribes(t *testing.T) {
	src := newFakeSource()
	ctx, cancel := context.WithCancel(context.Background())
	s := stream.Open(ctx, src)

	cancel()

	require.Eventually(t, s.Closed, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return src.Unsubscribes() == 1 }, time.Second, 5*time.Millisecond)

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, stream.ErrCancelled)

	require.NoError(t, s.Close())
	assert.Equal(t, 1, src.Unsubscribes())
}

func TestNext_ContextDeadlineKeepsStreamOpen(t *testing.T) {
	src := newFakeSource()
	s := stream.Open(context.Background(), src)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, s.Closed())

	src.Broadcast(chunk("x", true))
	got, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Len(t, got, 1)
}

func TestNext_BlocksUntilFragment(t *testing.T) {
	src := newFakeSource()
	s := stream.Open(context.Background(), src)

	go func() {
		time.Sleep(10 * time.Millisecond)
		src.Broadcast(chunk("late", true))
	}()

	got, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Len(t, got, 1)
}

func TestOpen_MalformedMessageDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	src := newFakeSource()
	s := stream.Open(context.Background(), src, stream.WithMetrics(m))

	src.Broadcast([]byte(`{not json`))
	assert.False(t, s.Closed())

	src.Broadcast(chunk("ok", true))
	got, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Len(t, got, 1)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[mf.GetName()] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[mf.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values["chatbridge_stream_fragments_dropped_total"])
	assert.Equal(t, 1.0, values["chatbridge_stream_fragments_total"])
	assert.Equal(t, 0.0, values["chatbridge_stream_open"])
}

func TestOpen_DisconnectAfterDrain(t *testing.T) {
	src := newFakeSource()
	s := stream.Open(context.Background(), src)
	disconnected := errors.New("connection disconnected")

	src.Broadcast(chunk("a", false))
	src.Broadcast(chunk("b", false))
	src.CloseAll(disconnected)

	got, err := drain(t, s)
	assert.Len(t, got, 2, "buffered fragments are still delivered")
	assert.ErrorIs(t, err, disconnected)
	assert.NotErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, src.Unsubscribes())
}

// Without correlation every open stream receives every server message, so
// two concurrent replies interleave into both streams.
func TestOpen_UncorrelatedStreamsShareMessages(t *testing.T) {
	src := newFakeSource()
	first := stream.Open(context.Background(), src)
	second := stream.Open(context.Background(), src)

	src.Broadcast(chunk("from-first", false))
	src.Broadcast(chunk("from-second", false))
	src.Broadcast(chunk("end", true))

	a, err := drain(t, first)
	assert.ErrorIs(t, err, io.EOF)
	b, err := drain(t, second)
	assert.ErrorIs(t, err, io.EOF)

	assert.Len(t, a, 3)
	assert.Equal(t, a, b)
}

func TestOpen_CorrelatedStreamsFilter(t *testing.T) {
	src := newFakeSource()
	first := stream.Open(context.Background(), src, stream.WithCorrelationID("one"))
	second := stream.Open(context.Background(), src, stream.WithCorrelationID("two"))

	src.Broadcast(correlated("one", "1a", false))
	src.Broadcast(correlated("two", "2a", false))
	src.Broadcast(chunk("untagged", true))
	src.Broadcast(correlated("two", "2b", true))
	src.Broadcast(correlated("one", "1b", true))

	a, err := drain(t, first)
	assert.ErrorIs(t, err, io.EOF)
	b, err := drain(t, second)
	assert.ErrorIs(t, err, io.EOF)

	require.Len(t, a, 2)
	require.Len(t, b, 2)
	assert.Contains(t, a[0], "1a")
	assert.Contains(t, a[1], "1b")
	assert.Contains(t, b[0], "2a")
	assert.Contains(t, b[1], "2b")
}

func TestResponse_NDJSONBody(t *testing.T) {
	src := newFakeSource()
	s := stream.Open(context.Background(), src)
	resp := s.Response()
	defer resp.Body.Close()

	src.Broadcast(chunk("hello", false))
	src.Broadcast(chunk("world", true))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t,
		`{"choices":[{"delta":{"content":"hello"},"finish_reason":null}]}`+"\n"+
			`{"choices":[{"delta":{"content":"world"},"finish_reason":"stop"}]}`+"\n",
		string(body))
}

func TestRead_SmallBuffer(t *testing.T) {
	src := newFakeSource()
	s := stream.Open(context.Background(), src)
	src.Broadcast([]byte(`{"message":{"choices":[{"finish_reason":"stop"}]}}`))

	var out []byte
	buf := make([]byte, 4)
	for {
		n, err := s.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			break
		}
	}
	assert.Equal(t, `{"choices":[{"finish_reason":"stop"}]}`+"\n", string(out))
}

// fakeSender records requests and broadcasts reply on src for each one.
type fakeSender struct {
	err   error
	reqs  []protocol.ChatRequest
	src   *fakeSource
	reply [][]byte
}

func (f *fakeSender) Chat(_ context.Context, req protocol.ChatRequest, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.reqs = append(f.reqs, req)
	for _, r := range f.reply {
		f.src.Broadcast(r)
	}
	return nil
}

func TestChat(t *testing.T) {
	src := newFakeSource()
	sender := &fakeSender{src: src, reply: [][]byte{chunk("hi", false), chunk("!", true)}}

	resp, err := stream.Chat(context.Background(), src, sender, protocol.ChatRequest{}, "")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"hi"`)
	assert.Contains(t, string(body), `"!"`)
}

func TestChat_DispatchFailureClosesStream(t *testing.T) {
	src := newFakeSource()
	sender := &fakeSender{err: errors.New("not connected to server")}

	resp, err := stream.Chat(context.Background(), src, sender, protocol.ChatRequest{}, "")

	assert.Nil(t, resp)
	assert.ErrorContains(t, err, "not connected")
	assert.Equal(t, 0, src.SubscriberCount())
	assert.Equal(t, 1, src.Unsubscribes())
}

func TestBridge_Correlate(t *testing.T) {
	src := newFakeSource()
	sender := &fakeSender{src: src}
	bridge := &stream.Bridge{Source: src, Sender: sender, Correlate: true}

	resp, err := bridge.Chat(context.Background(), protocol.ChatRequest{}, "")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Len(t, sender.reqs, 1)
	id := sender.reqs[0].CorrelationID
	require.NotEmpty(t, id)

	src.Broadcast(correlated("someone-else", "x", true))
	src.Broadcast(correlated(id, "mine", true))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mine")
	assert.NotContains(t, string(body), `"x"`)
}

// replayingSource delivers replay to each subscriber while it subscribes.
type replayingSource struct {
	*fakeSource
	replay [][]byte
}

func (r *replayingSource) Subscribe(sub *chat.Subscriber) {
	r.fakeSource.Subscribe(sub)
	for _, data := range r.replay {
		sub.Handle(data)
	}
}

func TestOpen_FinishedWhileSubscribingSurvivesCancel(t *testing.T) {
	src := &replayingSource{fakeSource: newFakeSource(), replay: [][]byte{chunk("a", false), chunk("b", true)}}
	ctx, cancel := context.WithCancel(context.Background())

	s := stream.Open(ctx, src)
	cancel()
	time.Sleep(20 * time.Millisecond)

	got, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF, "a completed reply keeps its fragments after the context ends")
	assert.Len(t, got, 2)
	assert.Equal(t, 0, src.SubscriberCount())
	assert.Equal(t, 1, src.Unsubscribes())
}

func TestOpen_ClosedBySourceWhileSubscribing(t *testing.T) {
	gone := errors.New("connection disconnected")
	src := newFakeSource()
	closing := &closingSource{fakeSource: src, err: gone}

	s := stream.Open(context.Background(), closing)

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, gone)
	assert.Equal(t, 0, src.SubscriberCount())
}

// closingSource rejects subscribers the way a dead connection does.
type closingSource struct {
	*fakeSource
	err error
}

func (c *closingSource) Subscribe(sub *chat.Subscriber) {
	sub.Close(c.err)
}

func TestOpen_FinishMarkerWithLooseChunkFields(t *testing.T) {
	for _, message := range []string{
		`{"choices":[{"delta":{"content":["a"]},"finish_reason":"stop"}]}`,
		`{"choices":[{"index":"0","finish_reason":"stop"}]}`,
		`{"choices":[{"finish_reason":{"type":"stop"}}]}`,
	} {
		src := newFakeSource()
		s := stream.Open(context.Background(), src)

		src.Broadcast([]byte(`{"from":"bot","message":` + message + `}`))

		got, err := drain(t, s)
		assert.ErrorIs(t, err, io.EOF, message)
		assert.Len(t, got, 1)
	}
}
