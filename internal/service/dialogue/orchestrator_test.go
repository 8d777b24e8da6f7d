package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/counterpoint/backend/internal/model/debate"
	"github.com/zhouzirui/counterpoint/backend/internal/service/generation"
)

type harness struct {
	registry    *Registry
	classifier  *fakeClassifier
	provisioner *fakeProvisioner
	binder      *fakeBinder
	recorder    *fakeRecorder
	session     *fakeSession
	orch        *Orchestrator
}

func newHarness(t *testing.T, mutate func(h *harness)) *harness {
	t.Helper()

	h := &harness{
		registry:    NewRegistry(true),
		classifier:  &fakeClassifier{result: debate.Parsed{Input: debate.For, Subject: "abortion"}},
		provisioner: &fakeProvisioner{handle: &debate.CorpusHandle{Name: "projects/p/locations/l/ragCorpora/1", Subject: "abortion", Stance: debate.Against}},
		recorder:    &fakeRecorder{},
		session:     &fakeSession{grounded: true},
	}
	h.binder = &fakeBinder{newSession: func(*debate.CorpusHandle) generation.Session { return h.session }}
	if mutate != nil {
		mutate(h)
	}

	h.orch = NewOrchestrator(h.registry, Dependencies{
		Classifier:  h.classifier,
		Provisioner: h.provisioner,
		Binder:      h.binder,
		Recorder:    h.recorder,
	}, Config{GenerationTimeout: time.Second, MaxAttempts: 3}, nil)
	return h
}

func TestFirstTurnAdoptsOppositeStance(t *testing.T) {
	h := newHarness(t, nil)

	reply := h.orch.SubmitTurn(context.Background(), "conv-a", "Abortion should be illegal")

	assert.False(t, reply.Failed)
	assert.Equal(t, "I disagree.", reply.Text)
	assert.Equal(t, "conv-a", reply.ConversationID)

	require.Len(t, h.provisioner.calls, 1)
	assert.Equal(t, provisionCall{subject: "abortion", stance: debate.Against}, h.provisioner.calls[0])
	require.Equal(t, 1, h.binder.count())
	assert.Equal(t, h.provisioner.handle, h.binder.corpora[0])

	prompts, _ := h.session.history()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "Explain why you are against abortion")
	assert.Contains(t, prompts[0], "cite claims ONLY with documents")
	assert.NotContains(t, prompts[0], "Abortion should be illegal")

	snap, ok := h.orch.Snapshot("conv-a")
	require.True(t, ok)
	assert.Equal(t, "bound", snap.State)
	assert.Equal(t, debate.Against, snap.Stance)
	assert.Equal(t, "abortion", snap.Subject)
	assert.Equal(t, 1, snap.TurnIndex)
	assert.True(t, snap.Grounded)
	require.NotNil(t, snap.Corpus)
	assert.Equal(t, "projects/p/locations/l/ragCorpora/1", snap.Corpus.Name)
}

func TestClassificationFailureDegradesToNeutral(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.classifier.result = debate.Failed{Reason: errors.New("invalid json")}
		h.session.grounded = false
	})

	reply := h.orch.SubmitTurn(context.Background(), "conv-b", "Abortion should be illegal")

	assert.False(t, reply.Failed)
	assert.NotEmpty(t, reply.Text)
	assert.Zero(t, h.provisioner.count())
	require.Equal(t, 1, h.binder.count())
	assert.Nil(t, h.binder.corpora[0])

	snap, _ := h.orch.Snapshot("conv-b")
	assert.Equal(t, debate.Neutral, snap.Stance)
	assert.Equal(t, debate.GeneralSubject, snap.Subject)
	assert.Nil(t, snap.Corpus)

	prompts, _ := h.session.history()
	assert.Contains(t, prompts[0], "Abortion should be illegal")
	assert.NotContains(t, prompts[0], "cite claims ONLY")
}

func TestSecondTurnReusesBinding(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.orch.SubmitTurn(ctx, "conv-c", "Abortion should be illegal")
	h.orch.SubmitTurn(ctx, "conv-c", "But what about the mother's health?")

	assert.EqualValues(t, 1, h.classifier.calls.Load())
	assert.Equal(t, 1, h.provisioner.count())
	assert.Equal(t, 1, h.binder.count())

	prompts, _ := h.session.history()
	require.Len(t, prompts, 2)
	assert.Equal(t, "But what about the mother's health?", prompts[1])

	snap, _ := h.orch.Snapshot("conv-c")
	assert.Equal(t, 2, snap.TurnIndex)
}

func TestStreamOffSwitchesToBufferedGeneration(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	off := h.orch.SubmitTurn(ctx, "conv-d", "stream off")
	assert.Equal(t, CommandStreamOff, off.Command)
	assert.Equal(t, "Streaming disabled.", off.Text)

	reply := h.orch.SubmitTurn(ctx, "conv-d", "hello")
	assert.False(t, reply.Streamed)

	_, modes := h.session.history()
	assert.Equal(t, []string{"send"}, modes)
}

func TestStreamOnIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		reply := h.orch.SubmitTurn(ctx, "conv-e", "  STREAM   ON ")
		assert.Equal(t, CommandStreamOn, reply.Command)
		assert.Equal(t, "Streaming enabled.", reply.Text)
	}

	snap, ok := h.orch.Snapshot("conv-e")
	require.True(t, ok)
	assert.True(t, snap.StreamingEnabled)
	assert.Equal(t, 0, snap.TurnIndex)
	assert.Equal(t, "fresh", snap.State)
	assert.Empty(t, snap.Stance)
	assert.Empty(t, snap.Subject)
	assert.Zero(t, h.classifier.calls.Load())
	assert.Empty(t, h.recorder.turns)
}

func TestStreamedAndBufferedRepliesMatch(t *testing.T) {
	chunks := []string{"I am ", "against ", "abortion ", "because..."}

	streamed := newHarness(t, func(h *harness) { h.session.chunks = chunks })
	var seen []string
	s := streamed.orch.SubmitTurn(context.Background(), "conv", "Abortion should be illegal",
		WithChunkHandler(func(chunk string) { seen = append(seen, chunk) }))

	buffered := newHarness(t, func(h *harness) { h.session.chunks = chunks })
	b := buffered.orch.SubmitTurn(context.Background(), "conv", "Abortion should be illegal", WithStream(false))

	assert.True(t, s.Streamed)
	assert.False(t, b.Streamed)
	assert.Equal(t, b.Text, s.Text)
	assert.Equal(t, chunks, seen)
}

func TestQuitDoesNotCreateConversation(t *testing.T) {
	h := newHarness(t, nil)

	reply := h.orch.SubmitTurn(context.Background(), "conv-q", "Quit")

	assert.Equal(t, CommandQuit, reply.Command)
	assert.Equal(t, "Ending chat session. Goodbye!", reply.Text)
	assert.Zero(t, h.registry.Len())
}

func TestEmptyMessageIsRejected(t *testing.T) {
	h := newHarness(t, nil)

	reply := h.orch.SubmitTurn(context.Background(), "conv-empty", "   ")

	assert.True(t, reply.Failed)
	assert.True(t, strings.HasPrefix(reply.Text, "Error: "))
	assert.Zero(t, h.registry.Len())
}

func TestMissingConversationIDIsGenerated(t *testing.T) {
	h := newHarness(t, nil)

	reply := h.orch.SubmitTurn(context.Background(), "", "Abortion should be illegal")

	require.NotEmpty(t, reply.ConversationID)
	_, ok := h.orch.Snapshot(reply.ConversationID)
	assert.True(t, ok)
}

func TestCollaboratorFailuresStillYieldReply(t *testing.T) {
	cases := map[string]func(h *harness){
		"classifier panics": func(h *harness) {
			h.classifier.panics = true
		},
		"provisioner returns nothing": func(h *harness) {
			h.provisioner.handle = nil
		},
		"binder returns unusable session": func(h *harness) {
			h.binder.newSession = func(*debate.CorpusHandle) generation.Session { return nil }
		},
		"generator fails": func(h *harness) {
			h.session.failures = []error{errTransport}
		},
		"generator panics": func(h *harness) {
			h.session.panics = true
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, mutate)

			reply := h.orch.SubmitTurn(context.Background(), "conv", "Abortion should be illegal")
			assert.NotEmpty(t, reply.Text)

			// the conversation stays usable
			h.classifier.panics = false
			h.session.panics = false
			next := h.orch.SubmitTurn(context.Background(), "conv", "Still there?")
			assert.NotEmpty(t, next.Text)
		})
	}
}

func TestCancelledFirstTurnLeavesConversationFresh(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.orch.binder = binderFunc(func(ctx context.Context, corpus *debate.CorpusHandle) generation.Session {
		cancel()
		return h.session
	})

	reply := h.orch.SubmitTurn(ctx, "conv", "Abortion should be illegal")

	assert.True(t, reply.Failed)
	assert.Equal(t, "Error: "+context.Canceled.Error(), reply.Text)
	prompts, _ := h.session.history()
	assert.Empty(t, prompts)

	snap, ok := h.orch.Snapshot("conv")
	require.True(t, ok)
	assert.Equal(t, "fresh", snap.State)
	assert.Zero(t, snap.TurnIndex)
	assert.Nil(t, snap.Corpus)

	h.orch.binder = h.binder
	next := h.orch.SubmitTurn(context.Background(), "conv", "Abortion should be illegal")
	assert.False(t, next.Failed)

	snap, _ = h.orch.Snapshot("conv")
	assert.Equal(t, "bound", snap.State)
	assert.Equal(t, debate.Against, snap.Stance)
	assert.Equal(t, 1, snap.TurnIndex)
	assert.EqualValues(t, 2, h.classifier.calls.Load())
}

func TestMissingSessionFailsAsUnavailable(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.binder.newSession = func(*debate.CorpusHandle) generation.Session { return nil }
	})

	reply := h.orch.SubmitTurn(context.Background(), "conv", "Abortion should be illegal")

	assert.True(t, reply.Failed)
	assert.Equal(t, errorPrefix+generation.ErrSessionUnavailable.Error(), reply.Text)

	snap, _ := h.orch.Snapshot("conv")
	assert.Equal(t, "bound", snap.State)
	assert.False(t, snap.Grounded)
}

func TestGenerationErrorBecomesErrorReply(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.session.failures = []error{errTransport}
	})

	reply := h.orch.SubmitTurn(context.Background(), "conv", "Abortion should be illegal")

	assert.True(t, reply.Failed)
	assert.Equal(t, "Error: connection reset", reply.Text)
	assert.Empty(t, h.recorder.turns)

	snap, _ := h.orch.Snapshot("conv")
	assert.Equal(t, "bound", snap.State)
	assert.Equal(t, 1, snap.TurnIndex)

	prompts, _ := h.session.history()
	require.Len(t, prompts, 1, "transport errors are not retried")
}

func TestContentRejectionIsRetriedOnGroundedSession(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.session.failures = []error{errRejected, errRejected}
	})

	var retries []int
	reply := h.orch.SubmitTurn(context.Background(), "conv", "Abortion should be illegal",
		WithRetryHandler(func(attempt int) { retries = append(retries, attempt) }))

	assert.False(t, reply.Failed)
	assert.Equal(t, []int{1, 2}, retries)
	prompts, _ := h.session.history()
	assert.Len(t, prompts, 3)
	assert.Equal(t, prompts[0], prompts[2])
}

func TestContentRejectionGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.session.failures = []error{errRejected, errRejected, errRejected, errRejected}
	})

	reply := h.orch.SubmitTurn(context.Background(), "conv", "Abortion should be illegal")

	assert.True(t, reply.Failed)
	assert.True(t, strings.HasPrefix(reply.Text, "Error: "))
	prompts, _ := h.session.history()
	assert.Len(t, prompts, 3)
}

func TestContentRejectionNotRetriedWhenUngrounded(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.session.grounded = false
		h.session.failures = []error{errRejected}
	})

	reply := h.orch.SubmitTurn(context.Background(), "conv", "Abortion should be illegal")

	assert.True(t, reply.Failed)
	prompts, _ := h.session.history()
	assert.Len(t, prompts, 1)
}

func TestGenerationTimeout(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.session.block = make(chan struct{})
	})
	h.orch.cfg.GenerationTimeout = 20 * time.Millisecond

	reply := h.orch.SubmitTurn(context.Background(), "conv", "Abortion should be illegal")

	assert.True(t, reply.Failed)
	assert.Contains(t, reply.Text, context.DeadlineExceeded.Error())
}

func TestTurnsAreRecorded(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.recorder.err = errors.New("store offline")
	})

	reply := h.orch.SubmitTurn(context.Background(), "conv", "Abortion should be illegal")

	assert.False(t, reply.Failed, "recorder failures do not affect the reply")
	require.Len(t, h.recorder.turns, 1)
	assert.Equal(t, [2]string{"Abortion should be illegal", "I disagree."}, h.recorder.turns[0])
}

func TestConcurrentTurnsOnSameConversationBindOnce(t *testing.T) {
	h := newHarness(t, nil)

	const turns = 16
	var g errgroup.Group
	for i := 0; i < turns; i++ {
		g.Go(func() error {
			reply := h.orch.SubmitTurn(context.Background(), "shared", fmt.Sprintf("message %d", i))
			if reply.Failed {
				return errors.New(reply.Text)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, 1, h.classifier.calls.Load())
	assert.Equal(t, 1, h.provisioner.count())
	assert.Equal(t, 1, h.binder.count())

	snap, _ := h.orch.Snapshot("shared")
	assert.Equal(t, turns, snap.TurnIndex)

	prompts, _ := h.session.history()
	require.Len(t, prompts, turns)
	assert.Contains(t, prompts[0], "Roleplay")
	for _, prompt := range prompts[1:] {
		assert.NotContains(t, prompt, "Roleplay")
	}
}

func TestDifferentConversationsDoNotBlockEachOther(t *testing.T) {
	blocked := &fakeSession{block: make(chan struct{})}
	free := &fakeSession{}

	sessions := map[string]generation.Session{"slow": blocked, "fast": free}

	h := newHarness(t, nil)
	h.orch.binder = binderFunc(func(ctx context.Context, _ *debate.CorpusHandle) generation.Session {
		return sessions[conversationFromContext(ctx)]
	})

	done := make(chan Reply, 1)
	go func() {
		done <- h.orch.SubmitTurn(withConversation(context.Background(), "slow"), "slow", "Abortion should be illegal")
	}()

	require.Eventually(t, func() bool {
		prompts, _ := blocked.history()
		return len(prompts) == 1
	}, time.Second, time.Millisecond)

	reply := h.orch.SubmitTurn(withConversation(context.Background(), "fast"), "fast", "Abortion should be illegal")
	assert.False(t, reply.Failed)

	close(blocked.block)
	slow := <-done
	assert.False(t, slow.Failed)
}

type binderFunc func(ctx context.Context, corpus *debate.CorpusHandle) generation.Session

func (f binderFunc) Bind(ctx context.Context, corpus *debate.CorpusHandle) generation.Session {
	return f(ctx, corpus)
}

type conversationKey struct{}

func withConversation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationKey{}, id)
}

func conversationFromContext(ctx context.Context) string {
	id, _ := ctx.Value(conversationKey{}).(string)
	return id
}

func TestSnapshotUnknownConversation(t *testing.T) {
	h := newHarness(t, nil)
	_, ok := h.orch.Snapshot("missing")
	assert.False(t, ok)
}
