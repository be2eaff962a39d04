package dungeon

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"

	"nekocrawl.dev/internal/bus"
	"nekocrawl.dev/internal/master"
	"nekocrawl.dev/internal/protocol"
	"nekocrawl.dev/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "save.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	defs, err := master.Build(nil, nil, []master.DungeonDef{
		{ID: 1, Name: "Moss Cavern", Difficulties: 3, Floors: 10},
		{ID: 2, Name: "Ash Spire", Difficulties: 1, Floors: 25},
	}, nil, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	b := bus.New()
	t.Cleanup(b.Close)
	return New(st, defs, b, nil, log.New(io.Discard, "", 0))
}

func TestProgress_CreatesLockedDefault(t *testing.T) {
	svc := newTestService(t)
	snap, err := svc.Progress(context.Background(), 1)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if snap.Unlocked || snap.HighestUnlockedDifficulty != 1 || snap.HighestClearedDifficulty != nil || snap.FurthestClearedFloor != 0 {
		t.Fatalf("default mismatch: %+v", snap)
	}
}

func TestProgress_UnknownDungeon(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Progress(context.Background(), 99)
	var du *protocol.DefinitionUnavailableError
	if !errors.As(err, &du) {
		t.Fatalf("expected DefinitionUnavailable, got %v", err)
	}
}

func TestUnlockDifficulty_MonotonicWithFloorReset(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.MarkCleared(ctx, 1, 1, 7); err != nil {
		t.Fatalf("MarkCleared: %v", err)
	}

	snap, err := svc.UnlockDifficulty(ctx, 1, 3)
	if err != nil {
		t.Fatalf("UnlockDifficulty: %v", err)
	}
	if snap.HighestUnlockedDifficulty != 3 {
		t.Fatalf("highest unlocked = %d want 3", snap.HighestUnlockedDifficulty)
	}
	if snap.FurthestClearedFloor != 0 {
		t.Fatalf("floor progress must reset on raise, got %d", snap.FurthestClearedFloor)
	}

	// Lower or equal values never decrease it.
	snap, err = svc.UnlockDifficulty(ctx, 1, 2)
	if err != nil {
		t.Fatalf("UnlockDifficulty: %v", err)
	}
	if snap.HighestUnlockedDifficulty != 3 {
		t.Fatalf("unlock regressed to %d", snap.HighestUnlockedDifficulty)
	}

	if _, err := svc.UnlockDifficulty(ctx, 1, 9); err == nil {
		t.Fatalf("difficulty beyond the ladder must be rejected")
	}
}

func TestMarkCleared_FirstClearFlagOnlyOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	snap, first, err := svc.MarkCleared(ctx, 1, 1, 10)
	if err != nil {
		t.Fatalf("MarkCleared: %v", err)
	}
	if !first {
		t.Fatalf("first clear not flagged")
	}
	if snap.HighestClearedDifficulty == nil || *snap.HighestClearedDifficulty != 1 || snap.FurthestClearedFloor != 10 {
		t.Fatalf("clear state mismatch: %+v", snap)
	}

	_, first, err = svc.MarkCleared(ctx, 1, 1, 10)
	if err != nil {
		t.Fatalf("MarkCleared: %v", err)
	}
	if first {
		t.Fatalf("second clear flagged as first")
	}
}

func TestMarkClearedAndUnlockNext_SingleTransaction(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	snap, first, err := svc.MarkClearedAndUnlockNext(ctx, 1, 1, 10)
	if err != nil {
		t.Fatalf("MarkClearedAndUnlockNext: %v", err)
	}
	if !first {
		t.Fatalf("first clear not flagged")
	}
	if snap.HighestClearedDifficulty == nil || *snap.HighestClearedDifficulty != 1 {
		t.Fatalf("cleared difficulty mismatch: %+v", snap)
	}
	if snap.HighestUnlockedDifficulty != 2 {
		t.Fatalf("next difficulty not unlocked: %+v", snap)
	}
	// Floor progress was recorded by the clear, then reset by the raise.
	if snap.FurthestClearedFloor != 0 {
		t.Fatalf("floor progress = %d want 0 after unlock", snap.FurthestClearedFloor)
	}
}

func TestMarkClearedAndUnlockNext_TopOfLadder(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Dungeon 2 has a single difficulty; there is no next step to unlock.
	snap, _, err := svc.MarkClearedAndUnlockNext(ctx, 2, 1, 25)
	if err != nil {
		t.Fatalf("MarkClearedAndUnlockNext: %v", err)
	}
	if snap.HighestUnlockedDifficulty != 1 {
		t.Fatalf("unlocked difficulty = %d want 1", snap.HighestUnlockedDifficulty)
	}
	if snap.FurthestClearedFloor != 25 {
		t.Fatalf("floor progress = %d want 25 (no reset without a raise)", snap.FurthestClearedFloor)
	}
}

func TestList_ReturnsPersistedRecords(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Progress(ctx, 1); err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if _, err := svc.Unlock(ctx, 2); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	list, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d want 2", len(list))
	}
	if list[0].DungeonID != 1 || list[1].DungeonID != 2 || !list[1].Unlocked {
		t.Fatalf("list mismatch: %+v", list)
	}
}
