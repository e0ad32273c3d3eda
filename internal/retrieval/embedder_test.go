package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type mockProvider struct {
	embedFn func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.embedFn(ctx, text)
}

func TestEmbed_RejectsEmptyInput(t *testing.T) {
	e := NewEmbedder(&mockProvider{
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			t.Fatal("provider called for empty input")
			return nil, nil
		},
	})

	for _, text := range []string{"", "   ", "\n\t  "} {
		if _, err := e.Embed(context.Background(), text); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Embed(%q) error = %v, want ErrInvalidInput", text, err)
		}
	}
}

func TestEmbed_PassesThrough(t *testing.T) {
	want := []float32{0.1, 0.2, 0.3}
	e := NewEmbedder(&mockProvider{
		embedFn: func(_ context.Context, text string) ([]float32, error) {
			if text != "hello" {
				t.Errorf("provider got %q, want hello", text)
			}
			return want, nil
		},
	})

	got, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(got) != len(want) {
		t.Errorf("len = %d, want %d", len(got), len(want))
	}
}

func TestEmbedBatch(t *testing.T) {
	e := NewEmbedder(&mockProvider{
		embedFn: func(_ context.Context, text string) ([]float32, error) {
			return []float32{float32(len(text))}, nil
		},
	})

	got, err := e.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []float32{1, 2, 3} {
		if got[i][0] != want {
			t.Errorf("got[%d] = %v, want %v", i, got[i][0], want)
		}
	}

	if out, err := e.EmbedBatch(context.Background(), nil); out != nil || err != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v, want nil, nil", out, err)
	}
}

func TestEmbedBatch_PropagatesError(t *testing.T) {
	e := NewEmbedder(&mockProvider{
		embedFn: func(_ context.Context, text string) ([]float32, error) {
			if text == "bad" {
				return nil, fmt.Errorf("provider down")
			}
			return []float32{1}, nil
		},
	})

	if _, err := e.EmbedBatch(context.Background(), []string{"ok", "bad"}); err == nil {
		t.Error("EmbedBatch succeeded, want error")
	}
}
