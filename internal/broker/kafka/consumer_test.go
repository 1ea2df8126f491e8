package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/BearBump/HazardBox/internal/broker/messages"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	msgs      []kafka.Message
	err       error
	i         int
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r.i < len(r.msgs) {
		m := r.msgs[r.i]
		r.i++
		return m, nil
	}
	if r.err != nil {
		return kafka.Message{}, r.err
	}
	return kafka.Message{}, errors.New("eof")
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumer_Consume_CommitsAfterHandler(t *testing.T) {
	fr := &fakeReader{
		msgs: []kafka.Message{
			{Key: []byte("remote"), Value: []byte(`{"cursor":"7"}`), Offset: 1},
			{Key: []byte("remote"), Value: []byte(`{"cursor":"9"}`), Offset: 2},
		},
		err: errors.New("stop"),
	}
	c := newConsumerWithReader(fr)

	var got []string
	err := c.Consume(context.Background(), func(k, v []byte) error {
		got = append(got, string(v))
		return nil
	})
	require.ErrorContains(t, err, "fetch message")
	require.Equal(t, []string{`{"cursor":"7"}`, `{"cursor":"9"}`}, got)
	require.Len(t, fr.committed, 2)
}

func TestConsumer_Consume_HandlerErrorStopsWithoutCommit(t *testing.T) {
	fr := &fakeReader{msgs: []kafka.Message{{Key: []byte("k"), Value: []byte("v")}}}
	c := newConsumerWithReader(fr)

	want := errors.New("handler failed")
	err := c.Consume(context.Background(), func(k, v []byte) error { return want })
	require.ErrorIs(t, err, want)
	require.Empty(t, fr.committed)
}

func TestNewConsumer_Close(t *testing.T) {
	c := NewConsumer([]string{"localhost:0"}, "hazard.remote-changes", "hazard-core")
	require.NotNil(t, c)
	require.NoError(t, c.Close())
}

func TestConsumer_ConsumeRemoteChanges_SkipsMalformed(t *testing.T) {
	fr := &fakeReader{
		msgs: []kafka.Message{
			{Value: []byte(`not json`)},
			{Value: []byte(`{"cursor":"12","hazard_ids":["h1"]}`)},
		},
		err: context.Canceled,
	}
	c := newConsumerWithReader(fr)

	var got []messages.RemoteChanged
	err := c.ConsumeRemoteChanges(context.Background(), nil, func(m messages.RemoteChanged) {
		got = append(got, m)
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, got, 1)
	require.Equal(t, "12", got[0].Cursor)
	require.Equal(t, []string{"h1"}, got[0].HazardIDs)
	require.Len(t, fr.committed, 2)
}

func TestConsumer_Consume_ReturnsContextError(t *testing.T) {
	fr := &fakeReader{err: errors.New("reader closed")}
	c := newConsumerWithReader(fr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Consume(ctx, func(k, v []byte) error { return nil })
	require.Equal(t, context.Canceled, err)
}
