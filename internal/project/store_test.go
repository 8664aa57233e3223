package project

import (
	"context"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", "demo")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEntityLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateEntity(ctx, "character", EntityFields{
		Name:  "Mira",
		Role:  "protagonist",
		Brief: "a cartographer who maps dreams",
	})
	if err != nil {
		t.Fatalf("CreateEntity failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated entity ID")
	}

	if err := s.SetDescription(ctx, id, "Mira charts the borders of sleep."); err != nil {
		t.Fatalf("SetDescription failed: %v", err)
	}

	entities, err := s.ListEntities(ctx, "character")
	if err != nil {
		t.Fatalf("ListEntities failed: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("expected 1 character, got %d", len(entities))
	}
	if entities[0].Description != "Mira charts the borders of sleep." {
		t.Errorf("description not persisted: %q", entities[0].Description)
	}

	locations, err := s.ListEntities(ctx, "location")
	if err != nil {
		t.Fatalf("ListEntities failed: %v", err)
	}
	if len(locations) != 0 {
		t.Errorf("kind filter leaked: %v", locations)
	}
}

func TestSetDescriptionUnknownEntity(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetDescription(context.Background(), "missing-id", "text"); err == nil {
		t.Error("expected error for unknown entity")
	}
}

func TestAppendSceneOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.AppendScene(ctx, 1, Scene{Goal: "open the map", Content: "scene one"})
	if err != nil {
		t.Fatalf("AppendScene failed: %v", err)
	}
	second, err := s.AppendScene(ctx, 1, Scene{Goal: "lose the map", Content: "scene two"})
	if err != nil {
		t.Fatalf("AppendScene failed: %v", err)
	}
	if first == second {
		t.Fatal("scene IDs must be unique")
	}

	scenes, err := s.ChapterScenes(ctx, 1)
	if err != nil {
		t.Fatalf("ChapterScenes failed: %v", err)
	}
	if len(scenes) != 2 {
		t.Fatalf("expected 2 scenes, got %d", len(scenes))
	}
	if scenes[0].Position != 0 || scenes[1].Position != 1 {
		t.Errorf("positions out of order: %d, %d", scenes[0].Position, scenes[1].Position)
	}
	if scenes[0].Goal != "open the map" {
		t.Errorf("outline order broken: first goal %q", scenes[0].Goal)
	}
}

func TestUpdateSceneContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AppendScene(ctx, 2, Scene{Content: "draft", WordCount: 1})
	if err != nil {
		t.Fatalf("AppendScene failed: %v", err)
	}

	if err := s.UpdateSceneContent(ctx, id, "revised draft text", 3); err != nil {
		t.Fatalf("UpdateSceneContent failed: %v", err)
	}

	scenes, err := s.ChapterScenes(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if scenes[0].Content != "revised draft text" || scenes[0].WordCount != 3 {
		t.Errorf("update not persisted: %+v", scenes[0])
	}
}

func TestExportManuscript(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendScene(ctx, 2, Scene{Content: "second chapter opens"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendScene(ctx, 1, Scene{Content: "first chapter opens"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendScene(ctx, 1, Scene{Content: "first chapter continues"}); err != nil {
		t.Fatal(err)
	}

	manuscript, err := s.ExportManuscript(ctx)
	if err != nil {
		t.Fatalf("ExportManuscript failed: %v", err)
	}

	firstIdx := strings.Index(manuscript, "first chapter opens")
	contIdx := strings.Index(manuscript, "first chapter continues")
	secondIdx := strings.Index(manuscript, "second chapter opens")
	if firstIdx < 0 || contIdx < 0 || secondIdx < 0 {
		t.Fatalf("manuscript missing content:\n%s", manuscript)
	}
	if !(firstIdx < contIdx && contIdx < secondIdx) {
		t.Errorf("manuscript out of order:\n%s", manuscript)
	}
	if !strings.Contains(manuscript, "Chapter 1") || !strings.Contains(manuscript, "Chapter 2") {
		t.Errorf("chapter headings missing:\n%s", manuscript)
	}
}

func TestPersist(t *testing.T) {
	s := newTestStore(t)

	if err := s.Persist(context.Background()); err != nil {
		t.Errorf("Persist failed: %v", err)
	}
}
