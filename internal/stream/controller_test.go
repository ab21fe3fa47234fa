package stream_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lexassist/lexchat-web/internal/models"
	"github.com/lexassist/lexchat-web/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTransport struct {
	mu       sync.Mutex
	requests []models.ChatRequest

	body string
	err  error

	// pipe, when set, is handed out instead of body and closed once the request context is done.
	pipe *io.PipeReader
	pw   *io.PipeWriter
}

func newPipeTransport() *mockTransport {
	pr, pw := io.Pipe()
	return &mockTransport{pipe: pr, pw: pw}
}

func (m *mockTransport) StreamResponse(ctx context.Context, _ models.Session, req models.ChatRequest) (io.ReadCloser, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	if m.pipe != nil {
		go func() {
			<-ctx.Done()
			m.pw.CloseWithError(ctx.Err())
		}()
		return m.pipe, nil
	}
	return io.NopCloser(strings.NewReader(m.body)), nil
}

type signalingObserver struct {
	mu      sync.Mutex
	count   int
	changed chan struct{}
}

func newSignalingObserver() *signalingObserver {
	return &signalingObserver{changed: make(chan struct{}, 16)}
}

func (s *signalingObserver) Render(_ []models.Message) {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	s.changed <- struct{}{}
}

func (s *signalingObserver) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for render")
	}
}

var testSession = models.Session{ID: "s1", UserID: 42, AuthToken: "token"}

func TestControllerStreamsIntoAccumulator(t *testing.T) {
	transport := &mockTransport{body: strings.Join([]string{
		`{"response_mode":"user","question":"Is a verbal contract binding?"}`,
		`{"response_mode":"answer","resposne_id":"r1","answer":"Generally, yes."}`,
		`{"response_mode":"sources","sources":[{"Title":"Contract Act","URL":"https://law.example/ca"}]}`,
		`{"response_mode":"suggestions","suggestion_questions":["What about leases?"]}`,
	}, "\n") + "\n"}

	acc := stream.NewAccumulator(nil, nil, discardLogger())
	ctrl := stream.NewController(transport, testSession, "chat-1", acc, discardLogger())

	err := ctrl.Start(context.Background(), models.ChatRequest{Question: "Is a verbal contract binding?"})
	require.NoError(t, err)
	assert.False(t, ctrl.Active())

	require.Len(t, transport.requests, 1)
	assert.Equal(t, int64(42), transport.requests[0].UserID)
	assert.Equal(t, "chat-1", transport.requests[0].ChatID)

	msgs := acc.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "r1", msgs[0].ResponseID)
	assert.Equal(t, "Generally, yes.", msgs[0].Answer)
	assert.Equal(t, "Contract Act", msgs[0].Sources[0].Title)
	assert.Equal(t, []string{"What about leases?"}, msgs[0].SuggestionQuestions)
}

func TestControllerTransportError(t *testing.T) {
	boom := errors.New("status 502")
	transport := &mockTransport{err: boom}
	acc := stream.NewAccumulator(nil, nil, discardLogger())
	ctrl := stream.NewController(transport, testSession, "chat-1", acc, discardLogger())

	err := ctrl.Start(context.Background(), models.ChatRequest{Question: "q"})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, acc.Messages())
	assert.False(t, ctrl.Active())
}

func TestControllerRejectsConcurrentStart(t *testing.T) {
	transport := newPipeTransport()
	obs := newSignalingObserver()
	acc := stream.NewAccumulator(nil, obs, discardLogger())
	ctrl := stream.NewController(transport, testSession, "chat-1", acc, discardLogger())

	errs := make(chan error, 1)
	go func() {
		errs <- ctrl.Start(context.Background(), models.ChatRequest{Question: "q"})
	}()

	_, err := transport.pw.Write([]byte("{\"response_mode\":\"answer\",\"response_id\":\"r1\"}\n"))
	require.NoError(t, err)
	waitSignal(t, obs.changed)

	require.True(t, ctrl.Active())
	assert.ErrorIs(t, ctrl.Start(context.Background(), models.ChatRequest{Question: "again"}), stream.ErrStreamActive)

	ctrl.Cancel()
	assert.NoError(t, <-errs)
	assert.False(t, ctrl.Active())
}

func TestControllerCancelSuppressesLateFrames(t *testing.T) {
	transport := newPipeTransport()
	obs := newSignalingObserver()
	acc := stream.NewAccumulator(nil, obs, discardLogger())
	ctrl := stream.NewController(transport, testSession, "chat-1", acc, discardLogger())

	errs := make(chan error, 1)
	go func() {
		errs <- ctrl.Start(context.Background(), models.ChatRequest{Question: "q"})
	}()

	_, err := transport.pw.Write([]byte("{\"response_mode\":\"answer\",\"response_id\":\"r1\"}\n"))
	require.NoError(t, err)
	waitSignal(t, obs.changed)

	ctrl.Cancel()
	require.NoError(t, <-errs)

	// The connection may still deliver bytes; none of them may reach the view.
	_, _ = transport.pw.Write([]byte("{\"response_mode\":\"answer\",\"response_id\":\"r2\"}\n"))

	assert.Len(t, acc.Messages(), 1)
	assert.Equal(t, 1, obs.Count())
}

func TestControllerCloseRefusesStart(t *testing.T) {
	transport := &mockTransport{body: ""}
	acc := stream.NewAccumulator(nil, nil, discardLogger())
	ctrl := stream.NewController(transport, testSession, "chat-1", acc, discardLogger())

	ctrl.Close()
	ctrl.Cancel()

	assert.ErrorIs(t, ctrl.Start(context.Background(), models.ChatRequest{Question: "q"}), stream.ErrClosed)
	assert.Empty(t, transport.requests)
}

func TestControllerCancelWithoutStream(t *testing.T) {
	acc := stream.NewAccumulator(nil, nil, discardLogger())
	ctrl := stream.NewController(&mockTransport{}, testSession, "chat-1", acc, discardLogger())

	assert.NotPanics(t, ctrl.Cancel)
	assert.False(t, ctrl.Active())
}

func TestControllerGoRegistersBeforeReturning(t *testing.T) {
	transport := newPipeTransport()
	acc := stream.NewAccumulator(nil, nil, discardLogger())
	ctrl := stream.NewController(transport, testSession, "chat-1", acc, discardLogger())

	done, err := ctrl.Go(context.Background(), models.ChatRequest{Question: "q"})
	require.NoError(t, err)
	assert.True(t, ctrl.Active())

	_, err = ctrl.Go(context.Background(), models.ChatRequest{Question: "again"})
	assert.ErrorIs(t, err, stream.ErrStreamActive)

	ctrl.Cancel()
	assert.NoError(t, <-done)
	assert.False(t, ctrl.Active())
	assert.Empty(t, acc.Messages())
}

func TestControllerAskPlacesQuestionFirst(t *testing.T) {
	transport := &mockTransport{body: "{\"response_mode\":\"answer\",\"response_id\":\"r1\",\"answer\":\"A\"}\n"}
	acc := stream.NewAccumulator(nil, nil, discardLogger())
	ctrl := stream.NewController(transport, testSession, "chat-1", acc, discardLogger())

	question := models.Message{Role: models.RoleUser, Question: "q"}
	done, err := ctrl.Ask(context.Background(), models.ChatRequest{Question: "q"}, func(a *stream.Accumulator) {
		a.Append(question)
	})
	require.NoError(t, err)
	require.NoError(t, <-done)

	msgs := acc.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "A", msgs[1].Answer)
}

func TestControllerAskRefusedLeavesListUntouched(t *testing.T) {
	transport := newPipeTransport()
	acc := stream.NewAccumulator(nil, nil, discardLogger())
	ctrl := stream.NewController(transport, testSession, "chat-1", acc, discardLogger())

	place := func(a *stream.Accumulator) {
		a.Append(models.Message{Role: models.RoleUser, Question: "q"})
	}

	done, err := ctrl.Ask(context.Background(), models.ChatRequest{Question: "q"}, place)
	require.NoError(t, err)
	require.Len(t, acc.Messages(), 1)

	_, err = ctrl.Ask(context.Background(), models.ChatRequest{Question: "q"}, place)
	assert.ErrorIs(t, err, stream.ErrStreamActive)
	assert.Len(t, acc.Messages(), 1)

	ctrl.Close()
	assert.NoError(t, <-done)

	_, err = ctrl.Ask(context.Background(), models.ChatRequest{Question: "q"}, place)
	assert.ErrorIs(t, err, stream.ErrClosed)
	assert.Len(t, acc.Messages(), 1)
}
