package inventory

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
	"nekocrawl.dev/internal/stackkey"
	"nekocrawl.dev/internal/store"
)

func testDefs(t *testing.T) *master.Data {
	t.Helper()
	d, err := master.Build([]master.ItemDef{
		{ID: 1, Name: "Rusty Sword", Category: master.CategoryWeapon, Rarity: 1, SellValue: 120, CombatBonus: 10},
		{ID: 2, Name: "Ruby Gem", Category: master.CategoryGem, Rarity: 2, SellValue: 400, CombatBonus: 4},
		{ID: 3, Name: "Old Hide", Category: master.CategoryMaterial, Rarity: 1, SellValue: 30},
		{ID: 4, Name: "Oak Shield", Category: master.CategoryArmor, Rarity: 1, SellValue: 90},
		{ID: 5, Name: "Claymore", Category: master.CategoryWeapon, Rarity: 2, SellValue: 800, CombatBonus: 25},
	}, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return d
}

func newTestService(t *testing.T) (*Service, *bus.Bus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "save.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	b := bus.New()
	t.Cleanup(b.Close)
	logger := log.New(io.Discard, "", 0)
	return New(st, testDefs(t), b, nil, logger), b
}

func key(item uint16) stackkey.Key { return stackkey.Encode(stackkey.Tuple{ItemID: item}) }

func TestAddGetRemove(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	k := key(1)

	snap, err := svc.Add(ctx, PartitionPlayer, k, 3)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if snap.Quantity != 3 || snap.Name != "Rusty Sword" {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}

	// Adding the same key merges.
	snap, err = svc.Add(ctx, PartitionPlayer, k, 2)
	if err != nil {
		t.Fatalf("Add merge: %v", err)
	}
	if snap.Quantity != 5 {
		t.Fatalf("merged quantity = %d want 5", snap.Quantity)
	}

	if err := svc.Remove(ctx, PartitionPlayer, k, 5); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	_, err = svc.Get(ctx, PartitionPlayer, k)
	var nf *protocol.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFound after full removal, got %v", err)
	}
}

func TestRemove_InsufficientStock(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	k := key(1)
	if _, err := svc.Add(ctx, PartitionPlayer, k, 2); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := svc.Remove(ctx, PartitionPlayer, k, 3)
	var is *protocol.InsufficientStockError
	if !errors.As(err, &is) {
		t.Fatalf("expected InsufficientStock, got %v", err)
	}
	if is.Required != 3 || is.Available != 2 {
		t.Fatalf("structured data mismatch: %+v", is)
	}
	// Failed removal must not change state.
	snap, err := svc.Get(ctx, PartitionPlayer, k)
	if err != nil || snap.Quantity != 2 {
		t.Fatalf("state changed on failed remove: %+v %v", snap, err)
	}
}

func TestAdd_UnknownDefinitionFails(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Add(context.Background(), PartitionPlayer, key(999), 1)
	var du *protocol.DefinitionUnavailableError
	if !errors.As(err, &du) {
		t.Fatalf("expected DefinitionUnavailable, got %v", err)
	}
}

func TestAttachGem_SplitsMultiUnitStacks(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sword := key(1)
	gem := stackkey.Encode(stackkey.Tuple{ItemID: 2, NormalTitleID: 7, SuperRareTitleID: 1})

	if _, err := svc.Add(ctx, PartitionPlayer, sword, 3); err != nil {
		t.Fatalf("Add sword: %v", err)
	}
	if _, err := svc.Add(ctx, PartitionPlayer, gem, 2); err != nil {
		t.Fatalf("Add gem: %v", err)
	}

	got, err := svc.AttachGem(ctx, sword, gem)
	if err != nil {
		t.Fatalf("AttachGem: %v", err)
	}
	want := stackkey.Compose(1, stackkey.Enhancement{
		SocketItemID:           2,
		SocketSuperRareTitleID: 1,
		SocketNormalTitleID:    7,
	})
	if got.Key != want {
		t.Fatalf("socketed key = %v want %v", got.Key, want)
	}
	if got.Quantity != 1 {
		t.Fatalf("socketed quantity = %d want 1 (split, not whole stack)", got.Quantity)
	}

	rest, err := svc.Get(ctx, PartitionPlayer, sword)
	if err != nil || rest.Quantity != 2 {
		t.Fatalf("unsocketed remainder = %+v %v, want quantity 2", rest, err)
	}
	gemRest, err := svc.Get(ctx, PartitionPlayer, gem)
	if err != nil || gemRest.Quantity != 1 {
		t.Fatalf("gem remainder = %+v %v, want quantity 1", gemRest, err)
	}
}

func TestAttachGem_SingleUnitChangesIdentityInPlace(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sword := key(1)
	gem := key(2)

	if _, err := svc.Add(ctx, PartitionPlayer, sword, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := svc.Add(ctx, PartitionPlayer, gem, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := svc.AttachGem(ctx, sword, gem)
	if err != nil {
		t.Fatalf("AttachGem: %v", err)
	}
	if got.Key.SocketItemID() != 2 {
		t.Fatalf("socket not set: %v", got.Key)
	}

	// Old identity is gone, gem stack fully consumed.
	if _, err := svc.Get(ctx, PartitionPlayer, sword); err == nil {
		t.Fatalf("old identity still present")
	}
	if _, err := svc.Get(ctx, PartitionPlayer, gem); err == nil {
		t.Fatalf("gem stack should be deleted at zero")
	}
}

func TestAttachGem_SocketExclusivity(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	socketed := stackkey.Compose(1, stackkey.Enhancement{SocketItemID: 2})
	gem := key(2)

	if _, err := svc.Add(ctx, PartitionPlayer, socketed, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := svc.Add(ctx, PartitionPlayer, gem, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}

	_, err := svc.AttachGem(ctx, socketed, gem)
	var ii *protocol.InvalidInputError
	if !errors.As(err, &ii) {
		t.Fatalf("expected InvalidInput for occupied socket, got %v", err)
	}
	// No partial state change.
	gemSnap, err := svc.Get(ctx, PartitionPlayer, gem)
	if err != nil || gemSnap.Quantity != 1 {
		t.Fatalf("gem mutated on rejected attach: %+v %v", gemSnap, err)
	}
}

func TestAttachGem_CategoryRules(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	hide := key(3) // MATERIAL: not socketable
	gem := key(2)
	sword := key(1)

	for _, k := range []stackkey.Key{hide, gem, sword} {
		if _, err := svc.Add(ctx, PartitionPlayer, k, 1); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	if _, err := svc.AttachGem(ctx, hide, gem); err == nil {
		t.Fatalf("materials must not accept sockets")
	}
	if _, err := svc.AttachGem(ctx, sword, hide); err == nil {
		t.Fatalf("non-gem attachment must be rejected")
	}
}

func TestInheritTitle_PreviewMatchesCommit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	source := stackkey.Encode(stackkey.Tuple{ItemID: 1, NormalTitleID: 3, SuperRareTitleID: 2})
	target := stackkey.Encode(stackkey.Tuple{ItemID: 5, NormalTitleID: 1, SocketItemID: 2})

	if _, err := svc.Add(ctx, PartitionPlayer, source, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := svc.Add(ctx, PartitionPlayer, target, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}

	preview, err := svc.PreviewInherit(source, target)
	if err != nil {
		t.Fatalf("PreviewInherit: %v", err)
	}
	got, err := svc.InheritTitle(ctx, source, target)
	if err != nil {
		t.Fatalf("InheritTitle: %v", err)
	}
	if got.Key != preview {
		t.Fatalf("commit %v != preview %v", got.Key, preview)
	}

	tuple, err := got.Key.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	// Source's titles, target's item and socket.
	if tuple.ItemID != 5 || tuple.NormalTitleID != 3 || tuple.SuperRareTitleID != 2 || tuple.SocketItemID != 2 {
		t.Fatalf("inherited tuple mismatch: %+v", tuple)
	}
	// Source unit consumed.
	if _, err := svc.Get(ctx, PartitionPlayer, source); err == nil {
		t.Fatalf("source stack should be consumed")
	}
}

func TestInheritTitle_RequiresSameCategory(t *testing.T) {
	svc, _ := newTestService(t)
	source := key(1) // WEAPON
	target := key(4) // ARMOR
	_, err := svc.PreviewInherit(source, target)
	var ii *protocol.InvalidInputError
	if !errors.As(err, &ii) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
	if _, err := svc.PreviewInherit(source, source); err == nil {
		t.Fatalf("same-stack inheritance must be rejected")
	}
}

func TestSynthesize_KeepsSocketResetsTitles(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	base := stackkey.Encode(stackkey.Tuple{ItemID: 1, NormalTitleID: 9, SocketItemID: 2, SocketNormalTitleID: 4})
	material := key(3)

	if _, err := svc.Add(ctx, PartitionPlayer, base, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := svc.Add(ctx, PartitionPlayer, material, 2); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := svc.Synthesize(ctx, base, material, 5)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	tuple, _ := got.Key.Decode()
	if tuple.ItemID != 5 {
		t.Fatalf("item id = %d want 5", tuple.ItemID)
	}
	if tuple.NormalTitleID != 0 || tuple.SuperRareTitleID != 0 {
		t.Fatalf("titles not reset: %+v", tuple)
	}
	if tuple.SocketItemID != 2 || tuple.SocketNormalTitleID != 4 {
		t.Fatalf("socket not kept: %+v", tuple)
	}

	if _, err := svc.Synthesize(ctx, base, base, 5); err == nil {
		t.Fatalf("same-stack synthesis must be rejected")
	}
}

func TestInheritTitle_UnownedSourceRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	target := key(1)
	if _, err := svc.Add(ctx, PartitionPlayer, target, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// The source shares the target's item id and (empty) socket, so the
	// inherit result is the source identity itself; the unit moved onto that
	// identity must not stand in for ownership of the source.
	source := stackkey.Compose(1, stackkey.Enhancement{NormalTitleID: 5})
	_, err := svc.InheritTitle(ctx, source, target)
	var nf *protocol.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFound for unowned source, got %v", err)
	}

	// The target unit survives untouched.
	snap, err := svc.Get(ctx, PartitionPlayer, target)
	if err != nil || snap.Quantity != 1 {
		t.Fatalf("target mutated on rejected inherit: %+v %v", snap, err)
	}
}

func TestInheritTitle_UnownedSourceDistinctResultRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	target := key(5)
	if _, err := svc.Add(ctx, PartitionPlayer, target, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}

	source := stackkey.Encode(stackkey.Tuple{ItemID: 1, NormalTitleID: 3})
	_, err := svc.InheritTitle(ctx, source, target)
	var nf *protocol.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFound for unowned source, got %v", err)
	}
	snap, err := svc.Get(ctx, PartitionPlayer, target)
	if err != nil || snap.Quantity != 1 {
		t.Fatalf("target mutated on rejected inherit: %+v %v", snap, err)
	}
}

func TestSynthesize_UnownedMaterialRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	base := key(1)
	if _, err := svc.Add(ctx, PartitionPlayer, base, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// The material identity equals the synthesis result (plain item 5), the
	// same aliasing as the inherit case.
	_, err := svc.Synthesize(ctx, base, key(5), 5)
	var nf *protocol.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFound for unowned material, got %v", err)
	}
	snap, err := svc.Get(ctx, PartitionPlayer, base)
	if err != nil || snap.Quantity != 1 {
		t.Fatalf("base mutated on rejected synthesis: %+v %v", snap, err)
	}
}

func TestExchange_RejectsSameStackResult(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	plain := key(1)
	if _, err := svc.Add(ctx, PartitionPlayer, plain, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Exchanging an untitled, unsocketed stack for its own item id would
	// reference the same stack twice.
	if _, err := svc.Exchange(ctx, plain, 1); err == nil {
		t.Fatalf("expected rejection")
	}

	got, err := svc.Exchange(ctx, plain, 5)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if got.Key.ItemID() != 5 {
		t.Fatalf("item id = %d want 5", got.Key.ItemID())
	}
}

func TestMutations_PublishPreciseDiffs(t *testing.T) {
	svc, b := newTestService(t)
	ctx := context.Background()

	diffs := make(chan Diff, 16)
	b.Subscribe(bus.TopicInventory, func(n bus.Notification) { diffs <- n.(Diff) })

	k := key(1)
	if _, err := svc.Add(ctx, PartitionPlayer, k, 2); err != nil {
		t.Fatalf("Add: %v", err)
	}
	d := <-diffs
	if d.ReloadAll() || len(d.Updated) != 1 || d.Updated[0].Key != k || d.Updated[0].Quantity != 2 {
		t.Fatalf("add diff mismatch: %+v", d)
	}

	if err := svc.Remove(ctx, PartitionPlayer, k, 2); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	d = <-diffs
	if len(d.RemovedKeys) != 1 || d.RemovedKeys[0] != k {
		t.Fatalf("remove diff mismatch: %+v", d)
	}
}
