package dialogue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zhouzirui/counterpoint/backend/internal/model/debate"
	"github.com/zhouzirui/counterpoint/backend/internal/service/generation"
)

type fakeClassifier struct {
	calls  atomic.Int32
	result debate.ClassificationResult
	panics bool
}

func (f *fakeClassifier) Classify(_ context.Context, _ string) debate.ClassificationResult {
	f.calls.Add(1)
	if f.panics {
		panic("classifier exploded")
	}
	return f.result
}

type provisionCall struct {
	subject string
	stance  debate.Stance
}

type fakeProvisioner struct {
	mu     sync.Mutex
	calls  []provisionCall
	handle *debate.CorpusHandle
}

func (f *fakeProvisioner) Provision(_ context.Context, subject string, stance debate.Stance) *debate.CorpusHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, provisionCall{subject: subject, stance: stance})
	return f.handle
}

func (f *fakeProvisioner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeBinder struct {
	mu      sync.Mutex
	corpora []*debate.CorpusHandle
	// newSession builds the session for each Bind call.
	newSession func(corpus *debate.CorpusHandle) generation.Session
}

func (f *fakeBinder) Bind(_ context.Context, corpus *debate.CorpusHandle) generation.Session {
	f.mu.Lock()
	f.corpora = append(f.corpora, corpus)
	f.mu.Unlock()
	return f.newSession(corpus)
}

func (f *fakeBinder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.corpora)
}

// fakeSession replies with scripted outcomes, then with the fallback text.
type fakeSession struct {
	grounded bool
	chunks   []string

	mu       sync.Mutex
	prompts  []string
	modes    []string
	failures []error
	panics   bool
	block    chan struct{}
}

func (f *fakeSession) Grounded() bool { return f.grounded }

func (f *fakeSession) next(ctx context.Context, mode, prompt string) error {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.modes = append(f.modes, mode)
	var err error
	if len(f.failures) > 0 {
		err = f.failures[0]
		f.failures = f.failures[1:]
	}
	block := f.block
	f.mu.Unlock()

	if f.panics {
		panic("generator exploded")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return &generation.Error{Kind: generation.KindTransport, Err: ctx.Err()}
		}
	}
	return err
}

func (f *fakeSession) Send(ctx context.Context, text string) (string, error) {
	if err := f.next(ctx, "send", text); err != nil {
		return "", err
	}
	return strings.Join(f.reply(), ""), nil
}

func (f *fakeSession) Stream(ctx context.Context, text string, onChunk func(string)) (string, error) {
	if err := f.next(ctx, "stream", text); err != nil {
		return "", err
	}
	var out strings.Builder
	for _, chunk := range f.reply() {
		if onChunk != nil {
			onChunk(chunk)
		}
		out.WriteString(chunk)
	}
	return out.String(), nil
}

func (f *fakeSession) reply() []string {
	if len(f.chunks) == 0 {
		return []string{"I ", "disagree."}
	}
	return f.chunks
}

func (f *fakeSession) history() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...), append([]string(nil), f.modes...)
}

type fakeRecorder struct {
	mu    sync.Mutex
	turns [][2]string
	err   error
}

func (f *fakeRecorder) RecordTurn(_ context.Context, _ string, userText, reply string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, [2]string{userText, reply})
	return f.err
}

var (
	errRejected  = &generation.Error{Kind: generation.KindContentRejected, Err: errors.New("candidate finished with SAFETY")}
	errTransport = &generation.Error{Kind: generation.KindTransport, Err: errors.New("connection reset")}
)
