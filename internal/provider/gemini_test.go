package provider

import (
	"errors"
	"io"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
)

type fakeIterator struct {
	responses []*genai.GenerateContentResponse
	err       error
}

func (f *fakeIterator) Next() (*genai.GenerateContentResponse, error) {
	if len(f.responses) == 0 {
		if f.err != nil {
			return nil, f.err
		}
		return nil, iterator.Done
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	return next, nil
}

func respWithParts(parts ...genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: parts}}},
	}
}

func TestGeminiStream_FlattensParts(t *testing.T) {
	cancelled := false
	s := &geminiStream{
		iter: &fakeIterator{responses: []*genai.GenerateContentResponse{
			respWithParts(genai.Text("hello "), genai.Text("world")),
			respWithParts(genai.FunctionCall{Name: "count_media", Args: map[string]any{"media_type": "image"}}),
		}},
		cancel: func() { cancelled = true },
	}

	var texts []string
	var calls []string
	for {
		chunk, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if chunk.Call != nil {
			calls = append(calls, chunk.Call.Name)
			continue
		}
		texts = append(texts, chunk.Text)
	}

	if len(texts) != 2 || texts[0] != "hello " || texts[1] != "world" {
		t.Errorf("texts = %v", texts)
	}
	if len(calls) != 1 || calls[0] != "count_media" {
		t.Errorf("calls = %v", calls)
	}
	if !cancelled {
		t.Error("deadline not released after the stream drained")
	}
}

func TestGeminiStream_ReleasesDeadlineOnError(t *testing.T) {
	cancelled := false
	s := &geminiStream{
		iter:   &fakeIterator{err: errors.New("deadline exceeded")},
		cancel: func() { cancelled = true },
	}

	_, err := s.Next()
	if err == nil || err == io.EOF {
		t.Fatalf("Next = %v, want wrapped stream error", err)
	}
	if !cancelled {
		t.Error("deadline not released after stream error")
	}
}

func TestGeminiStream_SkipsEmptyCandidates(t *testing.T) {
	s := &geminiStream{
		iter: &fakeIterator{responses: []*genai.GenerateContentResponse{
			{},
			respWithParts(genai.Text("")),
			respWithParts(genai.Text("after the gap")),
		}},
		cancel: func() {},
	}

	chunk, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if chunk.Text != "after the gap" {
		t.Errorf("Text = %q", chunk.Text)
	}
	if _, err := s.Next(); err != io.EOF {
		t.Errorf("Next after last chunk = %v, want io.EOF", err)
	}
}

func TestToContents(t *testing.T) {
	history := []Turn{
		{Role: "user", Text: "how many photos do I have?"},
		{Call: &ToolCall{Name: "count_media", Args: map[string]any{"media_type": "image"}}},
		{Result: &ToolResult{Name: "count_media", Response: map[string]any{"count": 4}}},
		{Text: "role defaults to user"},
	}

	contents := toContents(history)
	if len(contents) != 4 {
		t.Fatalf("len = %d, want 4", len(contents))
	}
	if contents[0].Role != "user" {
		t.Errorf("role[0] = %q", contents[0].Role)
	}
	if contents[1].Role != "model" {
		t.Errorf("tool call role = %q, want model", contents[1].Role)
	}
	if fc, ok := contents[1].Parts[0].(genai.FunctionCall); !ok || fc.Name != "count_media" {
		t.Errorf("parts[0] = %#v, want function call", contents[1].Parts[0])
	}
	if contents[2].Role != "user" {
		t.Errorf("tool result role = %q, want user", contents[2].Role)
	}
	if fr, ok := contents[2].Parts[0].(genai.FunctionResponse); !ok || fr.Response["count"] != 4 {
		t.Errorf("parts[0] = %#v, want function response", contents[2].Parts[0])
	}
	if contents[3].Role != "user" {
		t.Errorf("empty role = %q, want user", contents[3].Role)
	}
}

func TestToDeclarations(t *testing.T) {
	decls := toDeclarations([]ToolSpec{{
		Name:        "filter_media_by_date",
		Description: "filter by date",
		Params: []ParamSpec{
			{Name: "relative_time", Type: "string", Required: true},
			{Name: "time_range", Type: "string", Enum: []string{"morning", "night"}},
			{Name: "media_ids", Type: "array", Items: "string"},
		},
	}})

	if len(decls) != 1 {
		t.Fatalf("len = %d, want 1", len(decls))
	}
	params := decls[0].Parameters
	if params.Type != genai.TypeObject {
		t.Errorf("params type = %v", params.Type)
	}
	if len(params.Required) != 1 || params.Required[0] != "relative_time" {
		t.Errorf("required = %v", params.Required)
	}
	if got := params.Properties["time_range"].Enum; len(got) != 2 {
		t.Errorf("enum = %v", got)
	}
	ids := params.Properties["media_ids"]
	if ids.Type != genai.TypeArray || ids.Items == nil || ids.Items.Type != genai.TypeString {
		t.Errorf("array schema = %#v", ids)
	}
}

func TestResponseText(t *testing.T) {
	if got := responseText(nil); got != "" {
		t.Errorf("nil response = %q", got)
	}
	if got := responseText(&genai.GenerateContentResponse{}); got != "" {
		t.Errorf("empty response = %q", got)
	}
	resp := respWithParts(genai.Text("  two "), genai.Text("parts \n"))
	if got := responseText(resp); got != "two parts" {
		t.Errorf("responseText = %q, want %q", got, "two parts")
	}
}
