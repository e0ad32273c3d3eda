package provider

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	captionPrompt = "Generate a concise caption describing the main content of this image."

	ocrPrompt = "Extract ALL text content from this image with high accuracy, " +
		"including printed and handwritten text, numbers, dates, addresses, and " +
		"text in tables or forms. Preserve structure where possible. If text is " +
		"unclear, give your best interpretation. Return only the extracted text."

	transcribePrompt = "Transcribe this audio recording verbatim. Return only the transcript text."

	summaryPrompt = "Summarize the following content in two or three sentences, " +
		"focusing on what it is and the key facts it contains:\n\n"

	embedCallTimeout = 30 * time.Second
	callTimeout      = 60 * time.Second
	streamTimeout    = 2 * time.Minute
)

// Gemini wraps the Google generative AI client behind the small interfaces
// the rest of the code consumes: embeddings, vision, transcription,
// summarization, and the function-calling chat stream.
type Gemini struct {
	client     *genai.Client
	chatModel  string
	embedModel string
}

// NewGemini creates a Gemini provider with the given API key and model names.
func NewGemini(ctx context.Context, apiKey, chatModel, embedModel string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &Gemini{client: client, chatModel: chatModel, embedModel: embedModel}, nil
}

// Close releases the underlying client connection.
func (g *Gemini) Close() error {
	return g.client.Close()
}

// Embed returns the embedding vector for the given text.
func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, embedCallTimeout)
	defer cancel()

	em := g.client.EmbeddingModel(g.embedModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("provider returned no embedding")
	}
	return res.Embedding.Values, nil
}

// Caption generates a one-line description of the image.
func (g *Gemini) Caption(ctx context.Context, data []byte, mimeType string) (string, error) {
	return g.generateFromBlob(ctx, captionPrompt, data, mimeType)
}

// ExtractText performs OCR over the image, returning all visible text.
func (g *Gemini) ExtractText(ctx context.Context, data []byte, mimeType string) (string, error) {
	return g.generateFromBlob(ctx, ocrPrompt, data, mimeType)
}

// Transcribe returns a verbatim transcript of the audio bytes.
func (g *Gemini) Transcribe(ctx context.Context, data []byte, mimeType string) (string, error) {
	return g.generateFromBlob(ctx, transcribePrompt, data, mimeType)
}

// Summarize produces a short summary of the given text.
func (g *Gemini) Summarize(ctx context.Context, text string) (string, error) {
	return g.Complete(ctx, summaryPrompt+text)
}

// Complete sends a single prompt and returns the full text response.
func (g *Gemini) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	model := g.client.GenerativeModel(g.chatModel)
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("generate request: %w", err)
	}
	return responseText(resp), nil
}

func (g *Gemini) generateFromBlob(ctx context.Context, prompt string, data []byte, mimeType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	model := g.client.GenerativeModel(g.chatModel)
	resp, err := model.GenerateContent(ctx,
		genai.Text(prompt),
		genai.Blob{MIMEType: mimeType, Data: data},
	)
	if err != nil {
		return "", fmt.Errorf("generate request: %w", err)
	}
	return responseText(resp), nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(sb.String())
}

// StreamChat sends the history plus tool declarations and streams back the
// model's response chunks. Each streaming round carries its own deadline; a
// hung upstream surfaces as a stream error, never an indefinite stall.
func (g *Gemini) StreamChat(ctx context.Context, system string, history []Turn, tools []ToolSpec) (ChatStream, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("empty history")
	}

	model := g.client.GenerativeModel(g.chatModel)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if len(tools) > 0 {
		model.Tools = []*genai.Tool{{FunctionDeclarations: toDeclarations(tools)}}
	}

	contents := toContents(history)
	session := model.StartChat()
	session.History = contents[:len(contents)-1]

	ctx, cancel := context.WithTimeout(ctx, streamTimeout)
	last := contents[len(contents)-1]
	iter := session.SendMessageStream(ctx, last.Parts...)
	return &geminiStream{iter: iter, cancel: cancel}, nil
}

// contentIterator is the slice of the genai response iterator the stream
// adapter consumes.
type contentIterator interface {
	Next() (*genai.GenerateContentResponse, error)
}

// geminiStream adapts the genai response iterator to ChatStream, flattening
// multi-part chunks into single text/call chunks. cancel releases the
// per-round deadline once the stream ends.
type geminiStream struct {
	iter    contentIterator
	cancel  context.CancelFunc
	pending []Chunk
}

func (s *geminiStream) Next() (Chunk, error) {
	for len(s.pending) == 0 {
		resp, err := s.iter.Next()
		if err == iterator.Done {
			s.cancel()
			return Chunk{}, io.EOF
		}
		if err != nil {
			s.cancel()
			return Chunk{}, fmt.Errorf("reading stream: %w", err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			switch p := part.(type) {
			case genai.Text:
				if p != "" {
					s.pending = append(s.pending, Chunk{Text: string(p)})
				}
			case genai.FunctionCall:
				s.pending = append(s.pending, Chunk{Call: &ToolCall{Name: p.Name, Args: p.Args}})
			}
		}
	}

	next := s.pending[0]
	s.pending = s.pending[1:]
	return next, nil
}

func toContents(history []Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, t := range history {
		role := t.Role
		if role == "" {
			role = "user"
		}
		switch {
		case t.Call != nil:
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []genai.Part{genai.FunctionCall{Name: t.Call.Name, Args: t.Call.Args}},
			})
		case t.Result != nil:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.FunctionResponse{Name: t.Result.Name, Response: t.Result.Response}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  role,
				Parts: []genai.Part{genai.Text(t.Text)},
			})
		}
	}
	return contents
}

func toDeclarations(tools []ToolSpec) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		props := make(map[string]*genai.Schema, len(t.Params))
		var required []string
		for _, p := range t.Params {
			schema := &genai.Schema{
				Type:        toGenaiType(p.Type),
				Description: p.Description,
			}
			if len(p.Enum) > 0 {
				schema.Enum = p.Enum
			}
			if p.Type == "array" {
				schema.Items = &genai.Schema{Type: toGenaiType(p.Items)}
			}
			props[p.Name] = schema
			if p.Required {
				required = append(required, p.Name)
			}
		}
		decls[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: props,
				Required:   required,
			},
		}
	}
	return decls
}

func toGenaiType(t string) genai.Type {
	switch t {
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	default:
		return genai.TypeString
	}
}
