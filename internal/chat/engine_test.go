package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"medley/internal/provider"
	"medley/internal/storage"
)

// scriptedStream replays a fixed chunk sequence.
type scriptedStream struct {
	chunks []provider.Chunk
	err    error
}

func (s *scriptedStream) Next() (provider.Chunk, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return provider.Chunk{}, s.err
		}
		return provider.Chunk{}, io.EOF
	}
	next := s.chunks[0]
	s.chunks = s.chunks[1:]
	return next, nil
}

// scriptedProvider returns one scripted stream per round.
type scriptedProvider struct {
	mu      sync.Mutex
	rounds  [][]provider.Chunk
	calls   int
	history [][]provider.Turn
	title   string
}

func (p *scriptedProvider) StreamChat(_ context.Context, _ string, history []provider.Turn, _ []provider.ToolSpec) (provider.ChatStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, history)
	round := p.calls
	p.calls++
	if round < len(p.rounds) {
		return &scriptedStream{chunks: p.rounds[round]}, nil
	}
	return &scriptedStream{}, nil
}

func (p *scriptedProvider) Complete(_ context.Context, _ string) (string, error) {
	if p.title == "" {
		return "Generated Title", nil
	}
	return p.title, nil
}

type fakeTools struct {
	executed []string
	result   map[string]any
	err      error
}

func (f *fakeTools) Specs() []provider.ToolSpec { return nil }

func (f *fakeTools) Execute(_ context.Context, _ string, name string, _ map[string]any) (map[string]any, error) {
	f.executed = append(f.executed, name)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return map[string]any{"ok": true}, nil
}

func newTestEngine(t *testing.T, p *scriptedProvider, tools *fakeTools) (*Engine, *storage.Store, storage.Conversation) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { s.Close() })

	conv, err := s.CreateConversation("u-1", "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return NewEngine(s, p, tools), s, conv
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestSend_PlainTextResponse(t *testing.T) {
	p := &scriptedProvider{rounds: [][]provider.Chunk{
		{{Text: "Hello "}, {Text: "there"}},
	}}
	e, s, conv := newTestEngine(t, p, &fakeTools{})

	events, err := e.Send(context.Background(), conv.ID, "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := collect(t, events)

	if len(got) != 3 {
		t.Fatalf("events = %+v, want 2 text + done", got)
	}
	if got[0].Type != EventText || got[0].Content != "Hello " {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[2].Type != EventDone {
		t.Errorf("last event = %+v, want done", got[2])
	}

	msgs, err := s.ListMessages(conv.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want user + assistant", len(msgs))
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "Hello there" {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	if got[2].Seq != msgs[1].Seq {
		t.Errorf("done seq = %d, want %d", got[2].Seq, msgs[1].Seq)
	}
}

func TestSend_ToolCallThenAnswer(t *testing.T) {
	p := &scriptedProvider{rounds: [][]provider.Chunk{
		{{Call: &provider.ToolCall{Name: "count_media", Args: map[string]any{"media_type": "image"}}}},
		{{Text: "You have 3 images."}},
	}}
	tools := &fakeTools{result: map[string]any{"count": 3}}
	e, s, conv := newTestEngine(t, p, tools)

	events, err := e.Send(context.Background(), conv.ID, "how many images?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := collect(t, events)

	if got[0].Type != EventTool || got[0].Name != "count_media" {
		t.Fatalf("got[0] = %+v, want tool_invocation", got[0])
	}
	if got[len(got)-1].Type != EventDone {
		t.Errorf("last event = %+v, want done", got[len(got)-1])
	}
	if len(tools.executed) != 1 || tools.executed[0] != "count_media" {
		t.Errorf("executed = %v", tools.executed)
	}

	// The second round's history carries the call and its result.
	second := p.history[1]
	var sawCall, sawResult bool
	for _, turn := range second {
		if turn.Call != nil {
			sawCall = true
		}
		if turn.Result != nil && turn.Result.Name == "count_media" {
			sawResult = true
		}
	}
	if !sawCall || !sawResult {
		t.Errorf("second round history missing call/result: %+v", second)
	}

	msgs, _ := s.ListMessages(conv.ID)
	if !strings.Contains(msgs[1].ToolCalls, "count_media") {
		t.Errorf("tool calls not recorded: %q", msgs[1].ToolCalls)
	}
}

func TestSend_StepLimit(t *testing.T) {
	// Every round requests another tool call; the loop must stop at the bound.
	rounds := make([][]provider.Chunk, maxRounds+2)
	for i := range rounds {
		rounds[i] = []provider.Chunk{{Call: &provider.ToolCall{Name: "semantic_search", Args: map[string]any{"query": "x"}}}}
	}
	p := &scriptedProvider{rounds: rounds}
	e, _, conv := newTestEngine(t, p, &fakeTools{})

	events, err := e.Send(context.Background(), conv.ID, "loop forever")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := collect(t, events)

	last := got[len(got)-1]
	if last.Type != EventErr || !strings.Contains(last.Message, "step limit") {
		t.Errorf("last event = %+v, want step limit error", last)
	}
	if p.calls != maxRounds {
		t.Errorf("provider rounds = %d, want %d", p.calls, maxRounds)
	}
}

func TestSend_UnknownToolIsError(t *testing.T) {
	p := &scriptedProvider{rounds: [][]provider.Chunk{
		{{Call: &provider.ToolCall{Name: "rm_rf", Args: nil}}},
	}}
	e, _, conv := newTestEngine(t, p, &fakeTools{err: ErrToolNotFound})

	events, err := e.Send(context.Background(), conv.ID, "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := collect(t, events)
	last := got[len(got)-1]
	if last.Type != EventErr || !strings.Contains(last.Message, "tool not found") {
		t.Errorf("last event = %+v, want tool not found error", last)
	}
}

func TestSend_ToolFailureFedBack(t *testing.T) {
	p := &scriptedProvider{rounds: [][]provider.Chunk{
		{{Call: &provider.ToolCall{Name: "semantic_search", Args: map[string]any{"query": "x"}}}},
		{{Text: "search is unavailable right now"}},
	}}
	e, _, conv := newTestEngine(t, p, &fakeTools{err: errors.New("index offline")})

	events, err := e.Send(context.Background(), conv.ID, "find stuff")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := collect(t, events)
	if got[len(got)-1].Type != EventDone {
		t.Errorf("last event = %+v, want done (model recovered)", got[len(got)-1])
	}

	second := p.history[1]
	lastTurn := second[len(second)-1]
	if lastTurn.Result == nil || lastTurn.Result.Response["error"] == nil {
		t.Errorf("tool failure not fed back: %+v", lastTurn)
	}
}

func TestSend_ConcurrentSendConflicts(t *testing.T) {
	block := make(chan struct{})
	p := &blockingProvider{block: block}
	e, _, conv := newTestEngine(t, &scriptedProvider{}, &fakeTools{})
	e.provider = p

	events, err := e.Send(context.Background(), conv.ID, "first")
	if err != nil {
		t.Fatalf("first Send: %v", err)
	}

	if _, err := e.Send(context.Background(), conv.ID, "second"); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("second Send error = %v, want ErrConflict", err)
	}

	close(block)
	collect(t, events)

	// After the first turn finishes, the conversation accepts messages again.
	events2, err := e.Send(context.Background(), conv.ID, "third")
	if err != nil {
		t.Fatalf("third Send: %v", err)
	}
	collect(t, events2)
}

func TestSend_CallerDisconnectPersistsPartial(t *testing.T) {
	// A long stream against a caller that stops draining: the events buffer
	// fills, and cancellation must unblock the turn, persist the partial
	// reply, and free the conversation.
	chunks := make([]provider.Chunk, 40)
	for i := range chunks {
		chunks[i] = provider.Chunk{Text: "chunk "}
	}
	p := &scriptedProvider{rounds: [][]provider.Chunk{chunks}}
	e, s, conv := newTestEngine(t, p, &fakeTools{})

	ctx, cancel := context.WithCancel(context.Background())
	events, err := e.Send(ctx, conv.ID, "tell me everything")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Take one event so the turn is demonstrably underway, then walk away.
	<-events
	cancel()

	// The conversation must unlock once the engine notices the disconnect.
	deadline := time.Now().Add(2 * time.Second)
	var events2 <-chan Event
	for {
		events2, err = e.Send(context.Background(), conv.ID, "still there?")
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrConflict) {
			t.Fatalf("Send after disconnect: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("conversation still busy after caller disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	collect(t, events2)

	msgs, err := s.ListMessages(conv.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) < 3 {
		t.Fatalf("messages = %+v, want partial assistant reply persisted", msgs)
	}
	if msgs[1].Role != "assistant" || !strings.Contains(msgs[1].Content, "chunk") {
		t.Errorf("partial assistant message = %+v", msgs[1])
	}
}

type blockingProvider struct {
	block <-chan struct{}
}

func (p *blockingProvider) StreamChat(_ context.Context, _ string, _ []provider.Turn, _ []provider.ToolSpec) (provider.ChatStream, error) {
	<-p.block
	return &scriptedStream{chunks: []provider.Chunk{{Text: "done"}}}, nil
}

func (p *blockingProvider) Complete(_ context.Context, _ string) (string, error) {
	return "t", nil
}

func TestSend_FirstExchangeSetsTitle(t *testing.T) {
	p := &scriptedProvider{
		rounds: [][]provider.Chunk{{{Text: "hi"}}},
		title:  `"Trip Planning"`,
	}
	e, s, conv := newTestEngine(t, p, &fakeTools{})

	events, err := e.Send(context.Background(), conv.ID, "help me plan a trip")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	collect(t, events)

	got, err := s.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "Trip Planning" {
		t.Errorf("title = %q, want Trip Planning (quotes stripped)", got.Title)
	}
}

func TestSend_UnknownConversation(t *testing.T) {
	e, _, _ := newTestEngine(t, &scriptedProvider{}, &fakeTools{})
	if _, err := e.Send(context.Background(), "no-such-id", "hi"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestBuildHistory_Window(t *testing.T) {
	var msgs []storage.Message
	for i := 0; i < 25; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, storage.Message{Role: role, Content: "m"})
	}

	turns := buildHistory(msgs)
	if len(turns) != historyWindow+1 {
		t.Fatalf("len = %d, want %d", len(turns), historyWindow+1)
	}
	for _, turn := range turns {
		if turn.Role != "user" && turn.Role != "model" {
			t.Errorf("role = %q", turn.Role)
		}
	}
}
