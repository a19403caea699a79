package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/chorus/internal/connection"
	"github.com/ent0n29/chorus/internal/engine"
	"github.com/ent0n29/chorus/internal/group"
	"github.com/ent0n29/chorus/internal/history"
	"github.com/ent0n29/chorus/internal/protocol"
	"github.com/ent0n29/chorus/internal/router"
	"github.com/ent0n29/chorus/internal/session"
	"github.com/ent0n29/chorus/internal/taskqueue"
)

const waitFor = 2 * time.Second

type recorder struct {
	mu     sync.Mutex
	msgs   []any
	closed bool
}

func (r *recorder) WriteJSON(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, v)
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.msgs...)
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func ofType[T any](r *recorder) []T {
	var out []T
	for _, m := range r.all() {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func await[T any](t *testing.T, r *recorder, match func(T) bool) T {
	t.Helper()
	var found T
	require.Eventually(t, func() bool {
		for _, v := range ofType[T](r) {
			if match(v) {
				found = v
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
	return found
}

func statusIn(state taskqueue.State) func(protocol.TaskStatus) bool {
	return func(s protocol.TaskStatus) bool { return s.State == string(state) }
}

func anyFragment(protocol.Fragment) bool { return true }

// gatedGenerator streams first right away and the rest only once release
// is closed.
type gatedGenerator struct {
	first   string
	rest    string
	release chan struct{}
}

func newGatedGenerator() *gatedGenerator {
	return &gatedGenerator{first: "Hello there. ", rest: "How are you today?", release: make(chan struct{})}
}

func (g *gatedGenerator) StreamResponse(ctx context.Context, _ engine.Request, onDelta engine.DeltaHandler) (engine.Response, error) {
	if err := onDelta(g.first); err != nil {
		return engine.Response{}, err
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return engine.Response{}, context.Cause(ctx)
	}
	if err := onDelta(g.rest); err != nil {
		return engine.Response{}, err
	}
	return engine.Response{Text: g.first + g.rest}, nil
}

type harness struct {
	hub      *Hub
	registry *connection.Registry
	sessions *session.Store
	groups   *group.Coordinator
	history  history.Store
}

func newHarness(t *testing.T, gen engine.Generator, queue taskqueue.Options) *harness {
	t.Helper()
	h := &harness{
		registry: connection.NewRegistry(connection.Options{}),
		sessions: session.NewStore(0),
		groups:   group.NewCoordinator(nil),
		history:  history.NewInMemoryStore(),
	}
	if queue.MaxDepth == 0 {
		queue.MaxDepth = 8
	}
	if queue.Workers == 0 {
		queue.Workers = 2
	}
	hb, err := New(Options{
		Registry:       h.registry,
		Sessions:       h.sessions,
		Groups:         h.groups,
		History:        h.history,
		Generator:      gen,
		Recognizer:     engine.NewMockRecognizer("from the mic"),
		Configs:        []string{"default", "mao"},
		Queue:          queue,
		StatusInterval: time.Hour,
	})
	require.NoError(t, err)
	h.hub = hb

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hb.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		h.registry.CloseAll("test_done")
	})
	return h
}

func (h *harness) connect(t *testing.T) (string, *recorder) {
	t.Helper()
	rec := &recorder{}
	conn, err := h.hub.Connect(rec, "127.0.0.1")
	require.NoError(t, err)
	await(t, rec, func(protocol.ConnectionEstablished) bool { return true })
	return conn.UID, rec
}

func (h *harness) send(uid string, msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.hub.Handle(context.Background(), uid, raw)
}

func (h *harness) transcript(t *testing.T, uid string) []history.Entry {
	t.Helper()
	sess, err := h.sessions.Get(uid)
	require.NoError(t, err)
	if sess.HistoryUID == "" {
		return nil
	}
	entries, err := h.history.Recent(context.Background(), sess.ConfigName, sess.HistoryUID, 0)
	require.NoError(t, err)
	return entries
}

func textInput(text string) protocol.TextInput {
	return protocol.TextInput{Type: protocol.TypeTextInput, Text: text}
}

func TestTurnStreamsFragmentsBeforeCompletion(t *testing.T) {
	h := newHarness(t, engine.NewMockGenerator(0), taskqueue.Options{})
	c1, rec := h.connect(t)

	require.NoError(t, h.send(c1, textInput("hello")))
	done := await(t, rec, statusIn(taskqueue.StateCompleted))

	var kinds []protocol.MessageType
	for _, m := range rec.all() {
		switch k := protocol.TypeOf(m); k {
		case protocol.TypeQueueStatus, protocol.TypeQueueAlert:
		default:
			kinds = append(kinds, k)
		}
	}
	assert.Equal(t, []protocol.MessageType{
		protocol.TypeConnectionEstablished,
		protocol.TypeGroupUpdate,
		protocol.TypeTaskQueued,
		protocol.TypeFragment,
		protocol.TypeFragment,
		protocol.TypeTaskStatus,
	}, kinds)

	frags := ofType[protocol.Fragment](rec)
	require.Len(t, frags, 2)
	assert.Equal(t, 1, frags[0].Seq)
	assert.Equal(t, "I heard you: hello.", frags[0].Text)
	require.NotNil(t, frags[0].Actions)
	assert.Equal(t, []string{"joy"}, frags[0].Actions.Expressions)
	assert.Equal(t, 2, frags[1].Seq)
	assert.Equal(t, "Tell me more!", frags[1].Text)
	for _, f := range frags {
		assert.Equal(t, done.TaskID, f.TaskID)
	}

	queued := ofType[protocol.TaskQueued](rec)
	require.Len(t, queued, 1)
	assert.Equal(t, done.TaskID, queued[0].TaskID)

	require.Eventually(t, func() bool { return len(h.transcript(t, c1)) == 2 }, waitFor, 5*time.Millisecond)
	entries := h.transcript(t, c1)
	assert.Equal(t, history.RoleUser, entries[0].Role)
	assert.Equal(t, "hello", entries[0].Content)
	assert.Equal(t, history.RoleAssistant, entries[1].Role)
	assert.Equal(t, "I heard you: hello. Tell me more!", entries[1].Content)

	sess, err := h.sessions.Get(c1)
	require.NoError(t, err)
	assert.Empty(t, sess.ActiveTaskID)
}

func TestSecondTurnSeesFirstInHistory(t *testing.T) {
	h := newHarness(t, engine.NewMockGenerator(0), taskqueue.Options{})
	c1, rec := h.connect(t)

	require.NoError(t, h.send(c1, textInput("hello")))
	first := await(t, rec, statusIn(taskqueue.StateCompleted))

	require.NoError(t, h.send(c1, textInput("again")))
	second := await(t, rec, func(s protocol.TaskStatus) bool {
		return s.State == string(taskqueue.StateCompleted) && s.TaskID != first.TaskID
	})

	var texts []string
	for _, f := range ofType[protocol.Fragment](rec) {
		if f.TaskID == second.TaskID {
			texts = append(texts, f.Text)
		}
	}
	assert.Equal(t, []string{"I heard you: again.", "I also remember: hello"}, texts)
}

func TestInterruptStopsDeliveryAndRecordsHeardText(t *testing.T) {
	h := newHarness(t, newGatedGenerator(), taskqueue.Options{})
	c1, rec := h.connect(t)

	require.NoError(t, h.send(c1, textInput("hello")))
	first := await(t, rec, anyFragment)
	assert.Equal(t, "Hello there.", first.Text)

	require.NoError(t, h.send(c1, protocol.InterruptSignal{Type: protocol.TypeInterruptSignal, Text: "he"}))
	status := await(t, rec, statusIn(taskqueue.StateInterrupted))
	assert.Equal(t, first.TaskID, status.TaskID)

	delivered := len(ofType[protocol.Fragment](rec))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, ofType[protocol.Fragment](rec), delivered)

	entries := h.transcript(t, c1)
	require.Len(t, entries, 2)
	assert.Equal(t, history.RoleUser, entries[0].Role)
	assert.Equal(t, "hello", entries[0].Content)
	assert.Equal(t, history.RoleAssistant, entries[1].Role)
	assert.Equal(t, "he", entries[1].Content)

	sess, err := h.sessions.Get(c1)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.InterruptionCount)
	assert.Empty(t, sess.ActiveTaskID)
}

func TestSecondTurnWhileActiveIsBusy(t *testing.T) {
	h := newHarness(t, newGatedGenerator(), taskqueue.Options{})
	c1, rec := h.connect(t)

	require.NoError(t, h.send(c1, textInput("one")))
	err := h.send(c1, textInput("two"))
	require.ErrorIs(t, err, taskqueue.ErrBusy)

	ev := await(t, rec, func(e protocol.ErrorEvent) bool { return e.Code == "busy" })
	assert.True(t, ev.Retryable)
	assert.Equal(t, protocol.TypeError, ev.Type)
	assert.Len(t, ofType[protocol.TaskQueued](rec), 1)
}

func TestGroupMemberInterruptsOwnersTask(t *testing.T) {
	h := newHarness(t, newGatedGenerator(), taskqueue.Options{})
	owner, ownerRec := h.connect(t)
	c2, c2Rec := h.connect(t)

	require.NoError(t, h.send(owner, protocol.Envelope{Type: protocol.TypeCreateGroup}))
	require.NoError(t, h.send(owner, protocol.AddClientToGroup{Type: protocol.TypeAddClientToGroup, InviteeUID: c2}))
	view := await(t, c2Rec, func(g protocol.GroupUpdate) bool { return len(g.Members) == 2 })
	assert.Equal(t, owner, view.OwnerUID)
	assert.False(t, view.IsOwner)

	require.NoError(t, h.send(owner, textInput("hello everyone")))
	ownerFrag := await(t, ownerRec, anyFragment)
	c2Frag := await(t, c2Rec, anyFragment)
	assert.Equal(t, ownerFrag.TaskID, c2Frag.TaskID)

	// The member is busy too: the group has one active turn.
	require.ErrorIs(t, h.send(c2, textInput("me too")), taskqueue.ErrBusy)

	require.NoError(t, h.send(c2, protocol.InterruptSignal{Type: protocol.TypeInterruptSignal}))
	for _, rec := range []*recorder{ownerRec, c2Rec} {
		st := await(t, rec, statusIn(taskqueue.StateInterrupted))
		assert.Equal(t, ownerFrag.TaskID, st.TaskID)
		assert.Equal(t, "group:"+view.GroupID, st.Scope)
	}

	ownerCount, c2Count := len(ofType[protocol.Fragment](ownerRec)), len(ofType[protocol.Fragment](c2Rec))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, ofType[protocol.Fragment](ownerRec), ownerCount)
	assert.Len(t, ofType[protocol.Fragment](c2Rec), c2Count)
}

func TestInterruptReachesOwnTaskAfterJoiningGroup(t *testing.T) {
	h := newHarness(t, newGatedGenerator(), taskqueue.Options{})
	owner, _ := h.connect(t)
	c2, c2Rec := h.connect(t)

	require.NoError(t, h.send(c2, textInput("my own question")))
	frag := await(t, c2Rec, anyFragment)

	require.NoError(t, h.send(owner, protocol.Envelope{Type: protocol.TypeCreateGroup}))
	require.NoError(t, h.send(owner, protocol.AddClientToGroup{Type: protocol.TypeAddClientToGroup, InviteeUID: c2}))
	await(t, c2Rec, func(g protocol.GroupUpdate) bool { return len(g.Members) == 2 })

	require.NoError(t, h.send(c2, protocol.InterruptSignal{Type: protocol.TypeInterruptSignal}))
	st := await(t, c2Rec, statusIn(taskqueue.StateInterrupted))
	assert.Equal(t, frag.TaskID, st.TaskID)
	assert.Equal(t, "client:"+c2, st.Scope)

	task, ok := h.hub.Queue().Get(frag.TaskID)
	require.True(t, ok)
	assert.Equal(t, taskqueue.StateInterrupted, task.State)
}

func TestMemberInterruptsOwnGroupTurnAfterLeaving(t *testing.T) {
	h := newHarness(t, newGatedGenerator(), taskqueue.Options{})
	owner, ownerRec := h.connect(t)
	c2, c2Rec := h.connect(t)

	require.NoError(t, h.send(owner, protocol.Envelope{Type: protocol.TypeCreateGroup}))
	require.NoError(t, h.send(owner, protocol.AddClientToGroup{Type: protocol.TypeAddClientToGroup, InviteeUID: c2}))
	await(t, c2Rec, func(g protocol.GroupUpdate) bool { return len(g.Members) == 2 })

	require.NoError(t, h.send(c2, textInput("a group question")))
	frag := await(t, c2Rec, anyFragment)

	require.NoError(t, h.send(c2, protocol.Envelope{Type: protocol.TypeLeaveGroup}))
	_, grouped := h.groups.GroupOf(c2)
	require.False(t, grouped)

	require.NoError(t, h.send(c2, protocol.InterruptSignal{Type: protocol.TypeInterruptSignal}))
	st := await(t, ownerRec, statusIn(taskqueue.StateInterrupted))
	assert.Equal(t, frag.TaskID, st.TaskID)

	// The slot is free again, so a solo turn is admitted.
	require.NoError(t, h.send(c2, textInput("on my own now")))
}

func TestDropOldestSupersedesQueuedTask(t *testing.T) {
	h := newHarness(t, newGatedGenerator(), taskqueue.Options{
		MaxDepth: 1,
		Workers:  1,
		Policy:   taskqueue.PolicyDropOldest,
	})
	c0, rec0 := h.connect(t)
	c1, rec1 := h.connect(t)
	c2, rec2 := h.connect(t)

	require.NoError(t, h.send(c0, textInput("occupy the worker")))
	await(t, rec0, anyFragment)

	require.NoError(t, h.send(c1, textInput("first")))
	require.NoError(t, h.send(c2, textInput("second")))

	st := await(t, rec1, statusIn(taskqueue.StateFailed))
	assert.Equal(t, taskqueue.ReasonSuperseded, st.Reason)
	await(t, rec2, func(q protocol.TaskQueued) bool { return q.Position == 1 })

	snap := h.hub.Queue().Snapshot()
	assert.Equal(t, uint64(1), snap.TotalDropped)
	assert.Equal(t, uint64(3), snap.TotalReceived)
	assert.Equal(t, snap.TotalReceived, snap.TotalProcessed+snap.TotalDropped+uint64(snap.Pending+snap.InFlight))

	sess, err := h.sessions.Get(c1)
	require.NoError(t, err)
	assert.Empty(t, sess.ActiveTaskID)
}

func TestDisconnectCascades(t *testing.T) {
	h := newHarness(t, newGatedGenerator(), taskqueue.Options{})
	owner, ownerRec := h.connect(t)
	c1, rec := h.connect(t)

	require.NoError(t, h.send(owner, protocol.Envelope{Type: protocol.TypeCreateGroup}))
	require.NoError(t, h.send(owner, protocol.AddClientToGroup{Type: protocol.TypeAddClientToGroup, InviteeUID: c1}))
	await(t, ownerRec, func(g protocol.GroupUpdate) bool { return len(g.Members) == 2 })

	require.NoError(t, h.send(c1, textInput("hello")))
	frag := await(t, rec, anyFragment)

	h.hub.Disconnect(c1, "test")

	_, active := h.hub.Queue().Active(taskqueue.ClientScope(c1))
	assert.False(t, active)
	task, ok := h.hub.Queue().Get(frag.TaskID)
	require.True(t, ok)
	assert.Equal(t, taskqueue.StateInterrupted, task.State)

	_, err := h.sessions.Get(c1)
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, grouped := h.groups.GroupOf(c1)
	assert.False(t, grouped)
	assert.True(t, rec.isClosed())

	await(t, ownerRec, func(g protocol.GroupUpdate) bool {
		return len(g.Members) == 1 && g.Members[0] == owner
	})
}

func TestOwnerLeavingDissolvesGroupAndStopsItsTask(t *testing.T) {
	h := newHarness(t, newGatedGenerator(), taskqueue.Options{})
	owner, ownerRec := h.connect(t)
	c2, c2Rec := h.connect(t)

	require.NoError(t, h.send(owner, protocol.Envelope{Type: protocol.TypeCreateGroup}))
	require.NoError(t, h.send(owner, protocol.AddClientToGroup{Type: protocol.TypeAddClientToGroup, InviteeUID: c2}))
	require.NoError(t, h.send(owner, textInput("hello")))
	await(t, c2Rec, anyFragment)

	require.NoError(t, h.send(owner, protocol.Envelope{Type: protocol.TypeLeaveGroup}))
	await(t, ownerRec, statusIn(taskqueue.StateInterrupted))
	await(t, c2Rec, statusIn(taskqueue.StateInterrupted))
	for _, rec := range []*recorder{ownerRec, c2Rec} {
		require.Eventually(t, func() bool {
			views := ofType[protocol.GroupUpdate](rec)
			return len(views) > 2 && views[len(views)-1].GroupID == ""
		}, waitFor, 5*time.Millisecond)
	}

	// Both are free to talk on their own again.
	require.NoError(t, h.send(c2, textInput("solo")))
}

func TestVoiceTurnTranscribesBufferedAudio(t *testing.T) {
	h := newHarness(t, engine.NewMockGenerator(0), taskqueue.Options{})
	c1, rec := h.connect(t)

	pcm := make([]byte, 3200)
	chunk := protocol.MicAudioData{
		Type:        protocol.TypeMicAudioData,
		PCM16Base64: base64.StdEncoding.EncodeToString(pcm),
		SampleRate:  16000,
	}
	require.NoError(t, h.send(c1, chunk))
	require.NoError(t, h.send(c1, chunk))
	require.NoError(t, h.send(c1, protocol.MicAudioEnd{Type: protocol.TypeMicAudioEnd}))

	await(t, rec, statusIn(taskqueue.StateCompleted))
	frags := ofType[protocol.Fragment](rec)
	require.NotEmpty(t, frags)
	assert.Equal(t, "I heard you: from the mic.", frags[0].Text)

	// An empty buffer starts nothing.
	require.NoError(t, h.send(c1, protocol.MicAudioEnd{Type: protocol.TypeMicAudioEnd}))
	assert.Len(t, ofType[protocol.TaskQueued](rec), 1)

	err := h.send(c1, protocol.MicAudioData{Type: protocol.TypeMicAudioData, PCM16Base64: "%%%"})
	require.ErrorIs(t, err, ErrInvalidAudio)
	await(t, rec, func(e protocol.ErrorEvent) bool { return e.Code == "invalid_audio" })
}

func TestUnknownTypeKeepsConnectionOpen(t *testing.T) {
	h := newHarness(t, engine.NewMockGenerator(0), taskqueue.Options{})
	c1, rec := h.connect(t)

	err := h.hub.Handle(context.Background(), c1, []byte(`{"type":"dance"}`))
	require.ErrorIs(t, err, router.ErrUnknownMessageType)
	await(t, rec, func(e protocol.ErrorEvent) bool { return e.Code == "unknown_message_type" })

	require.NoError(t, h.send(c1, protocol.Envelope{Type: protocol.TypeHeartbeat}))
	await(t, rec, func(protocol.HeartbeatAck) bool { return true })
	assert.False(t, rec.isClosed())

	require.NoError(t, h.send(c1, protocol.Envelope{Type: protocol.TypeFrontendPlaybackComplete}))
}

func TestHistoryRequests(t *testing.T) {
	h := newHarness(t, engine.NewMockGenerator(0), taskqueue.Options{})
	c1, rec := h.connect(t)

	require.NoError(t, h.send(c1, textInput("hello")))
	await(t, rec, statusIn(taskqueue.StateCompleted))
	require.Eventually(t, func() bool { return len(h.transcript(t, c1)) == 2 }, waitFor, 5*time.Millisecond)
	sess, err := h.sessions.Get(c1)
	require.NoError(t, err)
	first := sess.HistoryUID

	require.NoError(t, h.send(c1, protocol.Envelope{Type: protocol.TypeCreateNewHistory}))
	created := await(t, rec, func(protocol.HistoryCreated) bool { return true })
	assert.NotEqual(t, first, created.HistoryUID)

	require.NoError(t, h.send(c1, protocol.Envelope{Type: protocol.TypeFetchHistoryList}))
	list := await(t, rec, func(protocol.HistoryList) bool { return true })
	assert.Len(t, list.Histories, 2)

	require.NoError(t, h.send(c1, protocol.HistoryRef{Type: protocol.TypeFetchAndSetHistory, HistoryUID: first}))
	data := await(t, rec, func(protocol.HistoryData) bool { return true })
	require.Len(t, data.Messages, 2)
	assert.Equal(t, "hello", data.Messages[0].Content)

	require.NoError(t, h.send(c1, protocol.HistoryRef{Type: protocol.TypeDeleteHistory, HistoryUID: first}))
	deleted := await(t, rec, func(protocol.HistoryDeleted) bool { return true })
	assert.True(t, deleted.Success)
	sess, err = h.sessions.Get(c1)
	require.NoError(t, err)
	assert.Empty(t, sess.HistoryUID)

	err = h.send(c1, protocol.HistoryRef{Type: protocol.TypeFetchAndSetHistory, HistoryUID: first})
	require.ErrorIs(t, err, history.ErrNotFound)
}

func TestSwitchConfigStartsFreshTranscript(t *testing.T) {
	h := newHarness(t, engine.NewMockGenerator(0), taskqueue.Options{})
	c1, rec := h.connect(t)

	require.NoError(t, h.send(c1, protocol.Envelope{Type: protocol.TypeFetchConfigs}))
	files := await(t, rec, func(protocol.ConfigFiles) bool { return true })
	assert.Equal(t, []string{"default", "mao"}, files.Configs)
	assert.Equal(t, "default", files.Current)

	require.NoError(t, h.send(c1, textInput("hello")))
	first := await(t, rec, statusIn(taskqueue.StateCompleted))
	require.Eventually(t, func() bool { return len(h.transcript(t, c1)) == 2 }, waitFor, 5*time.Millisecond)

	err := h.send(c1, protocol.SwitchConfig{Type: protocol.TypeSwitchConfig, File: "ghost"})
	require.ErrorIs(t, err, ErrUnknownConfig)
	await(t, rec, func(e protocol.ErrorEvent) bool { return e.Code == "unknown_config" })

	require.NoError(t, h.send(c1, protocol.SwitchConfig{Type: protocol.TypeSwitchConfig, File: "mao"}))
	switched := await(t, rec, func(protocol.ConfigSwitched) bool { return true })
	assert.Equal(t, "mao", switched.Config)
	sess, err := h.sessions.Get(c1)
	require.NoError(t, err)
	assert.Equal(t, "mao", sess.ConfigName)
	assert.Empty(t, sess.HistoryUID)

	require.NoError(t, h.send(c1, protocol.Envelope{Type: protocol.TypeFetchHistoryList}))
	list := await(t, rec, func(protocol.HistoryList) bool { return true })
	assert.Empty(t, list.Histories)

	// The next turn runs without the old transcript as context.
	require.NoError(t, h.send(c1, textInput("hi again")))
	done := await(t, rec, func(s protocol.TaskStatus) bool {
		return s.State == string(taskqueue.StateCompleted) && s.TaskID != first.TaskID
	})
	var texts []string
	for _, f := range ofType[protocol.Fragment](rec) {
		if f.TaskID == done.TaskID {
			texts = append(texts, f.Text)
		}
	}
	assert.Equal(t, []string{"I heard you: hi again.", "Tell me more!"}, texts)
}

func TestSwitchConfigRefusedDuringTurn(t *testing.T) {
	h := newHarness(t, newGatedGenerator(), taskqueue.Options{})
	c1, rec := h.connect(t)

	require.NoError(t, h.send(c1, textInput("hello")))
	await(t, rec, anyFragment)

	err := h.send(c1, protocol.SwitchConfig{Type: protocol.TypeSwitchConfig, File: "mao"})
	require.ErrorIs(t, err, taskqueue.ErrBusy)
	sess, err := h.sessions.Get(c1)
	require.NoError(t, err)
	assert.Equal(t, "default", sess.ConfigName)
}

func TestQueueIntrospection(t *testing.T) {
	h := newHarness(t, engine.NewMockGenerator(0), taskqueue.Options{SampleInterval: 10 * time.Millisecond})
	c1, rec := h.connect(t)

	require.NoError(t, h.send(c1, textInput("hello")))
	await(t, rec, statusIn(taskqueue.StateCompleted))

	require.NoError(t, h.send(c1, protocol.Envelope{Type: protocol.TypeFetchQueueStatus}))
	status := await(t, rec, func(protocol.QueueStatus) bool { return true })
	assert.Equal(t, uint64(1), status.Metrics.TotalReceived)
	assert.Equal(t, 8, status.Metrics.MaxDepth)

	require.Eventually(t, func() bool { return len(h.hub.Queue().History(time.Minute)) > 0 }, waitFor, 5*time.Millisecond)
	require.NoError(t, h.send(c1, protocol.FetchQueueHistory{Type: protocol.TypeFetchQueueHistory}))
	hist := await(t, rec, func(protocol.QueueHistory) bool { return true })
	assert.Equal(t, defaultHistoryMinutes, hist.Minutes)
	assert.NotEmpty(t, hist.Snapshots)
}

func TestInviteUnknownClient(t *testing.T) {
	h := newHarness(t, engine.NewMockGenerator(0), taskqueue.Options{})
	owner, rec := h.connect(t)

	require.NoError(t, h.send(owner, protocol.Envelope{Type: protocol.TypeCreateGroup}))
	err := h.send(owner, protocol.AddClientToGroup{Type: protocol.TypeAddClientToGroup, InviteeUID: "ghost"})
	require.ErrorIs(t, err, ErrClientNotFound)
	await(t, rec, func(e protocol.ErrorEvent) bool { return e.Code == "client_not_found" })
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err       error
		code      string
		retryable bool
	}{
		{taskqueue.ErrBusy, "busy", true},
		{fmt.Errorf("enqueue: %w", taskqueue.ErrQueueOverflow), "queue_overflow", true},
		{taskqueue.ErrShutdown, "shutting_down", false},
		{group.ErrNotOwner, "not_owner", false},
		{group.ErrSelf, "invalid_target", false},
		{session.ErrAudioTooLarge, "audio_too_large", false},
		{&engine.UpstreamError{Stage: engine.StageGenerate, Retryable: true, Err: errors.New("503")}, "upstream_failure", true},
		{router.ErrUnknownMessageType, "unknown_message_type", false},
		{errors.New("boom"), "handler_error", false},
	}
	for _, tc := range cases {
		ev := Classify(tc.err)
		assert.Equal(t, tc.code, ev.Code, tc.err.Error())
		assert.Equal(t, tc.retryable, ev.Retryable, tc.err.Error())
	}
}
