// Package chat runs the bounded tool-calling conversation loop between stored
// history, the query toolbox, and the external model provider.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"medley/internal/provider"
	"medley/internal/storage"
)

// ErrStepLimit is returned when the model is still requesting tools after the
// final permitted round.
var ErrStepLimit = errors.New("step limit exceeded")

const (
	maxRounds     = 5
	historyWindow = 10
	maxTitleLen   = 50
)

const systemPrompt = `You are Medley, an assistant that helps users query and reason over their
personal media collection: documents, images, audio recordings, and notes.

You answer by calling the provided read-only functions, then grounding your
reply in the data they return.

Multi-step reasoning:
1. Use filter_media_by_date or semantic_search to find relevant media items.
2. Extract the media_id field (UUID format) from the results.
3. Use get_media_details with those exact media_id values to read full content.
4. Answer based on the complete content.

Rules:
- Always pass media_id values taken from earlier results. Never pass file
  names, numeric ids, or invented ids.
- When a search returns truncated text_preview, call get_media_details for
  the full text before answering.
- Chain multiple function calls when a question needs both a count and
  content.
- Cite file names when referencing specific media.
- If the available media cannot answer the question, say so plainly. Do not
  invent information.
- Return only final text answers to the user, never raw data structures.`

// EventType discriminates streamed conversation events.
type EventType string

const (
	EventText EventType = "text"
	EventTool EventType = "tool_invocation"
	EventDone EventType = "done"
	EventErr  EventType = "error"
)

// Event is one streamed element of a conversation turn. Text events carry
// Content; tool events carry Name and Args; done carries the persisted
// assistant message sequence; error carries Message.
type Event struct {
	Type    EventType      `json:"type"`
	Content string         `json:"content,omitempty"`
	Name    string         `json:"name,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Seq     int            `json:"seq,omitempty"`
	Message string         `json:"message,omitempty"`
}

// ChatStore is the conversation persistence the engine needs.
type ChatStore interface {
	GetConversation(id string) (storage.Conversation, error)
	AppendMessage(m storage.Message) (storage.Message, error)
	ListMessages(conversationID string) ([]storage.Message, error)
	SetConversationTitle(id, title string) error
}

// ToolRunner advertises and executes the model-callable functions.
type ToolRunner interface {
	Specs() []provider.ToolSpec
	Execute(ctx context.Context, userID, name string, args map[string]any) (map[string]any, error)
}

// Engine drives one conversation turn: append the user message, loop the
// model with tools, stream events, persist the assistant reply.
type Engine struct {
	store    ChatStore
	provider provider.ChatProvider
	tools    ToolRunner
	logger   *slog.Logger

	mu   sync.Mutex
	busy map[string]bool
}

// NewEngine creates an Engine.
func NewEngine(store ChatStore, p provider.ChatProvider, tools ToolRunner) *Engine {
	return &Engine{
		store:    store,
		provider: p,
		tools:    tools,
		logger:   slog.Default(),
		busy:     make(map[string]bool),
	}
}

// Send processes one user message on the conversation and returns a channel
// of streamed events. Exactly one done or error event terminates the stream.
// A conversation already processing a message returns storage.ErrConflict.
func (e *Engine) Send(ctx context.Context, conversationID, text string) (<-chan Event, error) {
	conv, err := e.store.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	if !e.acquire(conversationID) {
		return nil, fmt.Errorf("conversation %s is busy: %w", conversationID, storage.ErrConflict)
	}

	if _, err := e.store.AppendMessage(storage.Message{
		ConversationID: conversationID,
		Role:           "user",
		Content:        text,
	}); err != nil {
		e.release(conversationID)
		return nil, fmt.Errorf("appending user message: %w", err)
	}

	messages, err := e.store.ListMessages(conversationID)
	if err != nil {
		e.release(conversationID)
		return nil, fmt.Errorf("loading history: %w", err)
	}

	events := make(chan Event, 16)
	go func() {
		defer e.release(conversationID)
		defer close(events)
		e.run(ctx, conv, text, buildHistory(messages), len(messages) == 1, events)
	}()
	return events, nil
}

func (e *Engine) acquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy[id] {
		return false
	}
	e.busy[id] = true
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.busy, id)
	e.mu.Unlock()
}

// buildHistory converts the trailing window of stored messages into provider
// turns. The last element is the just-appended user message.
func buildHistory(messages []storage.Message) []provider.Turn {
	if len(messages) > historyWindow+1 {
		messages = messages[len(messages)-historyWindow-1:]
	}
	turns := make([]provider.Turn, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		turns = append(turns, provider.Turn{Role: role, Text: m.Content})
	}
	return turns
}

func (e *Engine) run(ctx context.Context, conv storage.Conversation, userText string, history []provider.Turn, firstExchange bool, events chan<- Event) {
	var accumulated strings.Builder
	var toolCalls []provider.ToolCall

	// send delivers one event, or reports that the caller is gone. The event
	// channel has a finite buffer; a caller that disconnects mid-stream stops
	// draining it, and ctx cancellation is the only exit.
	send := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// abandon saves whatever accumulated before the caller went away.
	abandon := func() {
		e.logger.Info("caller disconnected mid-turn", "conversation_id", conv.ID)
		e.persist(conv, userText, accumulated.String(), toolCalls, firstExchange)
	}

	fail := func(msg string) {
		e.persist(conv, userText, accumulated.String(), toolCalls, firstExchange)
		send(Event{Type: EventErr, Message: msg})
	}

	for round := 0; round < maxRounds; round++ {
		stream, err := e.provider.StreamChat(ctx, systemPrompt, history, e.tools.Specs())
		if err != nil {
			fail(fmt.Sprintf("provider request failed: %v", err))
			return
		}

		hadCall := false
		for {
			chunk, err := stream.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				fail(fmt.Sprintf("provider stream failed: %v", err))
				return
			}

			if chunk.Text != "" {
				accumulated.WriteString(chunk.Text)
				if !send(Event{Type: EventText, Content: chunk.Text}) {
					abandon()
					return
				}
			}

			if chunk.Call == nil {
				continue
			}
			hadCall = true
			call := *chunk.Call
			toolCalls = append(toolCalls, call)
			if !send(Event{Type: EventTool, Name: call.Name, Args: call.Args}) {
				abandon()
				return
			}

			result, err := e.tools.Execute(ctx, conv.UserID, call.Name, call.Args)
			if errors.Is(err, ErrToolNotFound) {
				fail(err.Error())
				return
			}
			if err != nil {
				// Feed the failure back so the model can recover or rephrase.
				e.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
				result = map[string]any{"error": err.Error()}
			}

			history = append(history,
				provider.Turn{Call: &call},
				provider.Turn{Result: &provider.ToolResult{Name: call.Name, Response: result}},
			)
		}

		if !hadCall {
			seq := e.persist(conv, userText, accumulated.String(), toolCalls, firstExchange)
			if accumulated.Len() == 0 {
				send(Event{Type: EventErr, Message: "no response generated"})
				return
			}
			send(Event{Type: EventDone, Seq: seq})
			return
		}
	}

	fail(ErrStepLimit.Error())
}

// persist saves the assistant reply if any content or tool calls accumulated,
// and titles the conversation after its first exchange. Returns the saved
// message sequence, or 0 when nothing was saved.
func (e *Engine) persist(conv storage.Conversation, userText, content string, toolCalls []provider.ToolCall, firstExchange bool) int {
	if content == "" && len(toolCalls) == 0 {
		return 0
	}

	callsJSON := ""
	if len(toolCalls) > 0 {
		b, err := json.Marshal(toolCalls)
		if err != nil {
			e.logger.Error("encoding tool calls", "error", err)
		} else {
			callsJSON = string(b)
		}
	}

	msg, err := e.store.AppendMessage(storage.Message{
		ConversationID: conv.ID,
		Role:           "assistant",
		Content:        content,
		ToolCalls:      callsJSON,
	})
	if err != nil {
		e.logger.Error("persisting assistant message", "conversation_id", conv.ID, "error", err)
		return 0
	}

	if firstExchange {
		e.generateTitle(conv, userText)
	}
	return msg.Seq
}

// generateTitle asks the provider for a short conversation title based on the
// opening message. Best-effort: failures keep the default title.
func (e *Engine) generateTitle(conv storage.Conversation, firstMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), toolTimeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Generate a short, concise title (max %d characters) for a conversation that starts with this message:\n\n%s\n\nReturn ONLY the title, nothing else.",
		maxTitleLen, firstMessage,
	)
	title, err := e.provider.Complete(ctx, prompt)
	if err != nil {
		e.logger.Warn("title generation failed", "conversation_id", conv.ID, "error", err)
		return
	}
	title = strings.Trim(strings.TrimSpace(title), `"'`)
	if title == "" {
		return
	}
	if runes := []rune(title); len(runes) > maxTitleLen {
		title = string(runes[:maxTitleLen])
	}
	if err := e.store.SetConversationTitle(conv.ID, title); err != nil {
		e.logger.Warn("saving title failed", "conversation_id", conv.ID, "error", err)
	}
}
