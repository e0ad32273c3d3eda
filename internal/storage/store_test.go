package storage

import (
	"errors"
	"testing"
	"time"
)

func TestMediaLifecycle(t *testing.T) {
	s := openTestStore(t)
	newTestMedia(t, s, "m-1")

	got, err := s.GetMediaItem("m-1")
	if err != nil {
		t.Fatalf("GetMediaItem: %v", err)
	}
	if got.Status != MediaUploaded {
		t.Errorf("Status = %q, want uploaded", got.Status)
	}

	for _, status := range []MediaStatus{MediaProcessing, MediaReady} {
		if err := s.SetMediaStatus("m-1", status); err != nil {
			t.Fatalf("SetMediaStatus(%s): %v", status, err)
		}
	}
	got, _ = s.GetMediaItem("m-1")
	if got.Status != MediaReady {
		t.Errorf("Status = %q, want ready", got.Status)
	}

	if err := s.SetMediaStatus("m-1", MediaStatus("weird")); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("SetMediaStatus(weird) = %v, want ErrInvalidStatus", err)
	}
}

func TestCreateMediaItem_InvalidKind(t *testing.T) {
	s := openTestStore(t)
	err := s.CreateMediaItem(MediaItem{ID: "m-x", UserID: "u", Kind: "video", BlobRef: "b"})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("error = %v, want ErrInvalidStatus", err)
	}
}

func TestDeleteMediaItem_Cascade(t *testing.T) {
	s := openTestStore(t)
	newTestMedia(t, s, "m-1")
	task, _ := s.CreateTask("m-1", 3)

	if _, err := s.SaveExtractionResult(ExtractionResult{MediaID: "m-1", Text: "hello"}); err != nil {
		t.Fatalf("SaveExtractionResult: %v", err)
	}
	if err := s.UpsertEmbeddingRecord(EmbeddingRecord{MediaID: "m-1", TextHash: "abc", Dimension: 3}); err != nil {
		t.Fatalf("UpsertEmbeddingRecord: %v", err)
	}
	if _, err := s.DB().Exec(`INSERT INTO media_vectors (media_id, embedding, updated_at) VALUES ('m-1', x'00000000', ?)`,
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		t.Fatalf("inserting vector row: %v", err)
	}

	if err := s.DeleteMediaItem("m-1"); err != nil {
		t.Fatalf("DeleteMediaItem: %v", err)
	}

	if _, err := s.GetMediaItem("m-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMediaItem after delete = %v, want ErrNotFound", err)
	}
	if _, err := s.LatestExtractionResult("m-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestExtractionResult after delete = %v, want ErrNotFound", err)
	}
	if _, err := s.GetEmbeddingRecord("m-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEmbeddingRecord after delete = %v, want ErrNotFound", err)
	}

	var vectors int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM media_vectors WHERE media_id = 'm-1'`).Scan(&vectors); err != nil {
		t.Fatalf("counting vectors: %v", err)
	}
	if vectors != 0 {
		t.Errorf("vector rows after delete = %d, want 0", vectors)
	}

	// The task is tombstoned, not erased: polling still resolves it.
	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask after delete: %v", err)
	}
	if got.Status != TaskFailed || got.Detail != "media deleted" {
		t.Errorf("tombstoned task = %q/%q, want failed/media deleted", got.Status, got.Detail)
	}
}

func TestCountMedia(t *testing.T) {
	s := openTestStore(t)
	newTestMedia(t, s, "m-1")
	if err := s.CreateMediaItem(MediaItem{ID: "m-2", UserID: "user-1", Kind: KindImage, BlobRef: "b2"}); err != nil {
		t.Fatalf("CreateMediaItem: %v", err)
	}

	total, err := s.CountMedia("user-1", "")
	if err != nil {
		t.Fatalf("CountMedia: %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}

	images, err := s.CountMedia("user-1", KindImage)
	if err != nil {
		t.Fatalf("CountMedia(image): %v", err)
	}
	if images != 1 {
		t.Errorf("images = %d, want 1", images)
	}
}

func TestExtractionResult_Versioning(t *testing.T) {
	s := openTestStore(t)
	newTestMedia(t, s, "m-1")

	first, err := s.SaveExtractionResult(ExtractionResult{MediaID: "m-1", Text: "v1"})
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	second, err := s.SaveExtractionResult(ExtractionResult{MediaID: "m-1", Text: "v2"})
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if first.Version != 1 || second.Version != 2 {
		t.Errorf("versions = %d, %d, want 1, 2", first.Version, second.Version)
	}

	latest, err := s.LatestExtractionResult("m-1")
	if err != nil {
		t.Fatalf("LatestExtractionResult: %v", err)
	}
	if latest.Text != "v2" {
		t.Errorf("latest text = %q, want v2", latest.Text)
	}
}

func TestConversationMessages_SequenceOrder(t *testing.T) {
	s := openTestStore(t)
	conv, err := s.CreateConversation("user-1", "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.Title != "New Conversation" {
		t.Errorf("default title = %q", conv.Title)
	}

	for i, content := range []string{"hi", "hello", "how are you"} {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if _, err := s.AppendMessage(Message{ConversationID: conv.ID, Role: role, Content: content}); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	msgs, err := s.ListMessages(conv.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != i+1 {
			t.Errorf("message %d seq = %d, want %d", i, m.Seq, i+1)
		}
	}
	if msgs[2].Content != "how are you" {
		t.Errorf("last content = %q", msgs[2].Content)
	}
}

func TestAppendMessage_UnknownConversation(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AppendMessage(Message{ConversationID: "ghost", Role: "user", Content: "hi"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
