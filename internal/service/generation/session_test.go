package generation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedModel replies with the next scripted outcome on every call.
type scriptedModel struct {
	mu     sync.Mutex
	inputs [][]*schema.Message
	script []scriptedReply
}

type scriptedReply struct {
	chunks []string
	err    error
}

func (m *scriptedModel) next(input []*schema.Message) scriptedReply {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]*schema.Message, len(input))
	copy(copied, input)
	m.inputs = append(m.inputs, copied)

	if len(m.script) == 0 {
		return scriptedReply{err: errors.New("script exhausted")}
	}
	reply := m.script[0]
	m.script = m.script[1:]
	return reply
}

func (m *scriptedModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	reply := m.next(input)
	if reply.err != nil {
		return nil, reply.err
	}
	var content string
	for _, chunk := range reply.chunks {
		content += chunk
	}
	return schema.AssistantMessage(content, nil), nil
}

func (m *scriptedModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	reply := m.next(input)
	if reply.err != nil {
		return nil, reply.err
	}
	msgs := make([]*schema.Message, 0, len(reply.chunks))
	for _, chunk := range reply.chunks {
		msgs = append(msgs, schema.AssistantMessage(chunk, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func TestSessionSendCommitsHistory(t *testing.T) {
	m := &scriptedModel{script: []scriptedReply{
		{chunks: []string{"first reply"}},
		{chunks: []string{"second reply"}},
	}}
	session := newChatSession(m, true)
	ctx := context.Background()

	reply, err := session.Send(ctx, "opening")
	require.NoError(t, err)
	assert.Equal(t, "first reply", reply)

	_, err = session.Send(ctx, "follow up")
	require.NoError(t, err)

	require.Len(t, m.inputs, 2)
	second := m.inputs[1]
	require.Len(t, second, 3)
	assert.Equal(t, "opening", second[0].Content)
	assert.Equal(t, schema.Assistant, second[1].Role)
	assert.Equal(t, "first reply", second[1].Content)
	assert.Equal(t, "follow up", second[2].Content)
	assert.True(t, session.Grounded())
}

func TestSessionFailedTurnLeavesHistoryUntouched(t *testing.T) {
	rejected := newError(KindContentRejected, "blocked")
	m := &scriptedModel{script: []scriptedReply{
		{err: rejected},
		{chunks: []string{"ok"}},
	}}
	session := newChatSession(m, false)
	ctx := context.Background()

	_, err := session.Send(ctx, "opening")
	require.Error(t, err)
	assert.True(t, IsContentRejected(err))

	reply, err := session.Send(ctx, "opening")
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)

	require.Len(t, m.inputs, 2)
	assert.Len(t, m.inputs[1], 1, "rejected turn must not be replayed")
}

func TestSessionForeignErrorsAreTransport(t *testing.T) {
	m := &scriptedModel{script: []scriptedReply{{err: errors.New("dial tcp: timeout")}}}
	session := newChatSession(m, false)

	_, err := session.Send(context.Background(), "hi")
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))
}

func TestSessionStreamMatchesSend(t *testing.T) {
	chunks := []string{"I ", "argue ", "against ", "it."}

	buffered := newChatSession(&scriptedModel{script: []scriptedReply{{chunks: chunks}}}, false)
	sent, err := buffered.Send(context.Background(), "hi")
	require.NoError(t, err)

	streamed := newChatSession(&scriptedModel{script: []scriptedReply{{chunks: chunks}}}, false)
	var seen []string
	got, err := streamed.Stream(context.Background(), "hi", func(chunk string) {
		seen = append(seen, chunk)
	})
	require.NoError(t, err)

	assert.Equal(t, sent, got)
	assert.Equal(t, chunks, seen)
}

func TestSessionStreamCommitsConcatenatedReply(t *testing.T) {
	m := &scriptedModel{script: []scriptedReply{
		{chunks: []string{"a", "b"}},
		{chunks: []string{"c"}},
	}}
	session := newChatSession(m, false)
	ctx := context.Background()

	_, err := session.Stream(ctx, "one", nil)
	require.NoError(t, err)
	_, err = session.Stream(ctx, "two", nil)
	require.NoError(t, err)

	require.Len(t, m.inputs[1], 3)
	assert.Equal(t, "ab", m.inputs[1][1].Content)
}

func TestUnavailableSessionAlwaysFails(t *testing.T) {
	session := Unavailable(errors.New("no credentials"))

	_, err := session.Send(context.Background(), "hi")
	require.ErrorIs(t, err, ErrSessionUnavailable)
	assert.Equal(t, KindTransport, KindOf(err))

	_, err = session.Stream(context.Background(), "hi", nil)
	require.ErrorIs(t, err, ErrSessionUnavailable)
	assert.False(t, session.Grounded())
}

func TestModelServiceWrapsFactoryErrors(t *testing.T) {
	svc := NewModelService(func(context.Context, ChatConfig) (model.BaseChatModel, error) {
		return nil, errors.New("boom")
	})

	_, err := svc.StartChat(context.Background(), ChatConfig{Model: "m"})
	require.ErrorContains(t, err, "boom")
}
