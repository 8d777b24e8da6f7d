package generation

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// chatSession appends a turn to its history only once the reply completed, so
// a failed turn can be resent without duplicating the user message.
type chatSession struct {
	model    model.BaseChatModel
	grounded bool

	mu      sync.Mutex
	history []*schema.Message
}

func newChatSession(chatModel model.BaseChatModel, grounded bool) *chatSession {
	return &chatSession{
		model:    chatModel,
		grounded: grounded,
		history:  make([]*schema.Message, 0, 16),
	}
}

func (s *chatSession) Grounded() bool {
	return s.grounded
}

func (s *chatSession) Send(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user := schema.UserMessage(text)
	reply, err := s.model.Generate(ctx, s.input(user))
	if err != nil {
		return "", asGenerationError(err)
	}
	if reply == nil {
		return "", newError(KindOther, "model returned no message")
	}

	s.commit(user, reply.Content)
	return reply.Content, nil
}

func (s *chatSession) Stream(ctx context.Context, text string, onChunk func(string)) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user := schema.UserMessage(text)
	stream, err := s.model.Stream(ctx, s.input(user))
	if err != nil {
		return "", asGenerationError(err)
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", asGenerationError(recvErr)
		}
		if chunk == nil {
			continue
		}

		chunks = append(chunks, chunk)
		if chunk.Content != "" && onChunk != nil {
			onChunk(chunk.Content)
		}
	}

	var content string
	if len(chunks) > 0 {
		reply, err := schema.ConcatMessages(chunks)
		if err != nil {
			return "", &Error{Kind: KindOther, Err: err}
		}
		content = reply.Content
	}

	s.commit(user, content)
	return content, nil
}

func (s *chatSession) input(user *schema.Message) []*schema.Message {
	input := make([]*schema.Message, 0, len(s.history)+1)
	input = append(input, s.history...)
	return append(input, user)
}

func (s *chatSession) commit(user *schema.Message, reply string) {
	s.history = append(s.history, user, schema.AssistantMessage(reply, nil))
}

func asGenerationError(err error) error {
	var genErr *Error
	if errors.As(err, &genErr) {
		return err
	}
	return &Error{Kind: KindTransport, Err: err}
}

// Unavailable returns a session whose every send fails with a transport
// error wrapping ErrSessionUnavailable and cause, if any. It stands in when
// no session could be built.
func Unavailable(cause error) Session {
	return unavailableSession{cause: cause}
}

type unavailableSession struct {
	cause error
}

func (s unavailableSession) Grounded() bool {
	return false
}

func (s unavailableSession) Send(context.Context, string) (string, error) {
	return "", s.err()
}

func (s unavailableSession) Stream(context.Context, string, func(string)) (string, error) {
	return "", s.err()
}

func (s unavailableSession) err() error {
	if s.cause == nil {
		return &Error{Kind: KindTransport, Err: ErrSessionUnavailable}
	}
	return &Error{Kind: KindTransport, Err: errors.Join(ErrSessionUnavailable, s.cause)}
}
