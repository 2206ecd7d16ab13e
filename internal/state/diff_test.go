// internal/state/diff_test.go
package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/vizchat/internal/types"
)

func TestDiffStore(t *testing.T) {
	store := NewDiffStore(t.TempDir())
	ctx := context.Background()

	rec := &types.DiffRecord{
		GenerationID: "gen-1",
		DocID:        "doc-1",
		ChatID:       "chat-1",
		MessageID:    "msg-1",
		Diff: types.FilesDiff{
			"f1": {
				FileID:     "f1",
				FileName:   "index.js",
				Status:     types.FileModified,
				HasChanges: true,
				Lines: []types.DiffLine{
					{Type: types.LineRemoved, Content: "console.log('Welcome')"},
					{Type: types.LineAdded, Content: "console.log('Welcome to the app')"},
				},
			},
		},
		Unified: "--- a/index.js\n+++ b/index.js\n",
	}
	if err := store.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	got, err := store.Get(ctx, "gen-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ChatID != "chat-1" || got.Unified != rec.Unified {
		t.Errorf("unexpected record %+v", got)
	}
	if lines := got.Diff["f1"].Lines; len(lines) != 2 || lines[1].Type != types.LineAdded {
		t.Errorf("diff lines did not round-trip: %+v", lines)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDiffStoreList(t *testing.T) {
	store := NewDiffStore(t.TempDir())
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []types.GenerationID{"gen-b", "gen-a", "gen-c"} {
		rec := &types.DiffRecord{GenerationID: id, ChatID: "chat-1", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := store.Put(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Put(ctx, &types.DiffRecord{GenerationID: "gen-x", ChatID: "chat-2"}); err != nil {
		t.Fatal(err)
	}

	list, err := store.List(ctx, "chat-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].GenerationID != "gen-b" || list[2].GenerationID != "gen-c" {
		t.Errorf("expected records in creation order, got %d", len(list))
	}
}
