package consumer

import (
	"context"
	"encoding/binary"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func framed(schemaID uint32, payload []byte) []byte {
	value := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(value[1:5], schemaID)
	copy(value[5:], payload)
	return value
}

func TestProcessorCommitsOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload := []byte(`{"user_id":"user-1","task_id":"abc"}`)
	msg := kafka.Message{
		Topic:     "task_events",
		Partition: 0,
		Offset:    10,
		Time:      time.Now().UTC(),
		Value:     framed(42, payload),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("task.updated")},
			{Key: "schema_subject", Value: []byte("task_events-value")},
		},
	}

	reader := &stubReader{messages: []kafka.Message{msg}, after: contextCanceled}
	handler := &stubHandler{}

	processor := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, "task.updated", handler.last.EventType)
	require.Equal(t, "user-1", handler.last.UserID)
	require.Equal(t, 42, handler.last.SchemaID)
	require.JSONEq(t, string(payload), string(handler.last.Payload))
}

func TestProcessorAcceptsPlainJSON(t *testing.T) {
	msg := kafka.Message{
		Topic: "workout_events",
		Value: []byte(`{"user_id":"user-7","event_type":"workout.completed"}`),
	}

	event, err := decodeMessage(msg)
	require.NoError(t, err)
	require.Equal(t, "user-7", event.UserID)
	require.Equal(t, "workout.completed", event.EventType)
	require.Zero(t, event.SchemaID)
}

func TestDecodeMessageRejectsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":        nil,
		"short frame":  {0, 1, 2},
		"invalid json": []byte(`{"user_id":`),
		"missing user": []byte(`{"event_type":"task.updated"}`),
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeMessage(kafka.Message{Topic: "t", Value: value})
			require.Error(t, err)
		})
	}
}

func TestProcessorCommitsMalformedMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{
		messages: []kafka.Message{{Topic: "task_events", Value: []byte("not json")}},
		after:    contextCanceled,
	}
	handler := &stubHandler{}

	processor := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0)))
	require.ErrorIs(t, processor.Run(ctx), context.Canceled)

	require.Zero(t, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
}

func TestProcessorSkipsCommitOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := kafka.Message{
		Topic:  "streak_events",
		Offset: 20,
		Time:   time.Now().UTC(),
		Value:  framed(99, []byte(`{"user_id":"user-2"}`)),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("streak.logged")},
		},
	}

	reader := &stubReader{messages: []kafka.Message{msg}, after: contextCanceled}
	handler := &stubHandler{err: errors.New("boom")}

	processor := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 0, reader.commitCalls)
}

func TestChangeHandlerNotifiesUser(t *testing.T) {
	notifier := &stubNotifier{}
	handler := NewChangeHandler(notifier)

	require.NoError(t, handler.Handle(context.Background(), Message{UserID: "user-3"}))
	require.Equal(t, []string{"user-3"}, notifier.users)
}

type stubReader struct {
	messages    []kafka.Message
	index       int
	commitCalls int
	after       func() error
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.index >= len(r.messages) {
		if r.after != nil {
			return kafka.Message{}, r.after()
		}
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error { return nil }

func contextCanceled() error { return context.Canceled }

type stubHandler struct {
	calls int
	err   error
	last  Message
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	return h.err
}

type stubNotifier struct {
	mu    sync.Mutex
	users []string
}

func (n *stubNotifier) NotifyChange(_ context.Context, userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userID)
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}
