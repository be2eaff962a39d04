package inventory

import (
	"context"
	"database/sql"

	"nekocrawl.dev/internal/master"
	"nekocrawl.dev/internal/protocol"
	"nekocrawl.dev/internal/stackkey"
)

// Enhancement operations work on the player partition only; other partitions
// hold raw stacks that are never socketed or retitled.

// AttachGem sockets one unit of the gem stack into the target stack.
//
// The target must be socket-free and of a socketable category; the gem must
// be of the gem category. If the target stack holds exactly one unit its
// identity changes in place; otherwise a single unit is split off so the rest
// of the stack stays unsocketed. The consumed gem unit is debited from the
// gem stack, deleting it at zero. All validation happens before any write.
func (s *Service) AttachGem(ctx context.Context, target, gem stackkey.Key) (Snapshot, error) {
	targetTuple, err := target.Decode()
	if err != nil {
		return Snapshot{}, &protocol.InvalidInputError{Reason: err.Error()}
	}
	gemTuple, err := gem.Decode()
	if err != nil {
		return Snapshot{}, &protocol.InvalidInputError{Reason: err.Error()}
	}
	if targetTuple.SocketItemID != 0 {
		return Snapshot{}, &protocol.InvalidInputError{Reason: "target already has a socket"}
	}
	gemDef, err := s.defs.Item(gemTuple.ItemID)
	if err != nil {
		return Snapshot{}, err
	}
	if gemDef.Category != master.CategoryGem {
		return Snapshot{}, &protocol.InvalidInputError{Reason: "attachment is not a gem"}
	}
	targetDef, err := s.defs.Item(targetTuple.ItemID)
	if err != nil {
		return Snapshot{}, err
	}
	if !targetDef.Category.Socketable() {
		return Snapshot{}, &protocol.InvalidInputError{Reason: "target category cannot hold a socket"}
	}

	// The gem's own titles become the socket title fields; the target keeps
	// its titles.
	result := stackkey.Compose(targetTuple.ItemID, stackkey.Enhancement{
		NormalTitleID:          targetTuple.NormalTitleID,
		SuperRareTitleID:       targetTuple.SuperRareTitleID,
		SocketItemID:           gemTuple.ItemID,
		SocketSuperRareTitleID: gemTuple.SuperRareTitleID,
		SocketNormalTitleID:    gemTuple.NormalTitleID,
	})

	return s.rekey(ctx, "attach_gem", target, result, gem)
}

// PreviewInherit computes the stack key a title inheritance would produce,
// without touching the store. InheritTitle commits exactly this result.
func (s *Service) PreviewInherit(source, target stackkey.Key) (stackkey.Key, error) {
	if source == target {
		return 0, &protocol.InvalidInputError{Reason: "cannot inherit a title onto the same stack"}
	}
	srcTuple, err := source.Decode()
	if err != nil {
		return 0, &protocol.InvalidInputError{Reason: err.Error()}
	}
	tgtTuple, err := target.Decode()
	if err != nil {
		return 0, &protocol.InvalidInputError{Reason: err.Error()}
	}
	srcDef, err := s.defs.Item(srcTuple.ItemID)
	if err != nil {
		return 0, err
	}
	tgtDef, err := s.defs.Item(tgtTuple.ItemID)
	if err != nil {
		return 0, err
	}
	if srcDef.Category != tgtDef.Category {
		return 0, &protocol.InvalidInputError{Reason: "title inheritance requires matching categories"}
	}

	// Source's titles, target's socket fields untouched.
	return stackkey.Compose(tgtTuple.ItemID, stackkey.Enhancement{
		NormalTitleID:          srcTuple.NormalTitleID,
		SuperRareTitleID:       srcTuple.SuperRareTitleID,
		SocketItemID:           tgtTuple.SocketItemID,
		SocketSuperRareTitleID: tgtTuple.SocketSuperRareTitleID,
		SocketNormalTitleID:    tgtTuple.SocketNormalTitleID,
	}), nil
}

// InheritTitle transfers the source stack's titles onto one unit of the
// target stack, consuming one unit of the source.
func (s *Service) InheritTitle(ctx context.Context, source, target stackkey.Key) (Snapshot, error) {
	result, err := s.PreviewInherit(source, target)
	if err != nil {
		return Snapshot{}, err
	}
	return s.rekey(ctx, "inherit_title", target, result, source)
}

// Synthesize consumes one unit each of base and material and produces one
// unit of the result item, which keeps the base's socket and loses all
// titles.
func (s *Service) Synthesize(ctx context.Context, base, material stackkey.Key, resultItemID uint16) (Snapshot, error) {
	if base == material {
		return Snapshot{}, &protocol.InvalidInputError{Reason: "cannot synthesize a stack with itself"}
	}
	baseTuple, err := base.Decode()
	if err != nil {
		return Snapshot{}, &protocol.InvalidInputError{Reason: err.Error()}
	}
	if _, err := s.defs.Item(resultItemID); err != nil {
		return Snapshot{}, err
	}

	result := stackkey.Compose(resultItemID, stackkey.Enhancement{
		SocketItemID:           baseTuple.SocketItemID,
		SocketSuperRareTitleID: baseTuple.SocketSuperRareTitleID,
		SocketNormalTitleID:    baseTuple.SocketNormalTitleID,
	})
	return s.rekey(ctx, "synthesize", base, result, material)
}

// Exchange swaps the base item id of one unit of the source stack, keeping
// the socket and resetting the titles.
func (s *Service) Exchange(ctx context.Context, source stackkey.Key, newItemID uint16) (Snapshot, error) {
	srcTuple, err := source.Decode()
	if err != nil {
		return Snapshot{}, &protocol.InvalidInputError{Reason: err.Error()}
	}
	if _, err := s.defs.Item(newItemID); err != nil {
		return Snapshot{}, err
	}

	result := stackkey.Compose(newItemID, stackkey.Enhancement{
		SocketItemID:           srcTuple.SocketItemID,
		SocketSuperRareTitleID: srcTuple.SocketSuperRareTitleID,
		SocketNormalTitleID:    srcTuple.SocketNormalTitleID,
	})
	if result == source {
		return Snapshot{}, &protocol.InvalidInputError{Reason: "exchange would reference the same stack"}
	}
	return s.rekey(ctx, "exchange", source, result, 0)
}

// rekey moves one unit of `from` to the identity `to`, optionally consuming
// one unit of `consumed` in the same transaction, and publishes the combined
// diff. consumed == 0 means nothing extra is consumed.
func (s *Service) rekey(ctx context.Context, op string, from, to, consumed stackkey.Key) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		removedKeys []stackkey.Key
		updatedQty  = map[stackkey.Key]int{}
	)
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		// Ownership of the consumed stack is checked before the move: when the
		// result identity coincides with the consumed key, the just-moved unit
		// would otherwise satisfy the lookup and let an unowned source pass.
		if consumed != 0 {
			_, ok, err := rowQty(tx, PartitionPlayer, consumed)
			if err != nil {
				return err
			}
			if !ok {
				return &protocol.NotFoundError{Kind: "inventory stack", ID: consumed.String()}
			}
		}

		removed, updated, err := moveUnits(tx, PartitionPlayer, from, to, 1)
		if err != nil {
			return err
		}
		removedKeys = removed
		for k, q := range updated {
			updatedQty[k] = q
		}

		if consumed == 0 {
			return nil
		}
		cur, ok, err := rowQty(tx, PartitionPlayer, consumed)
		if err != nil {
			return err
		}
		if !ok {
			return &protocol.NotFoundError{Kind: "inventory stack", ID: consumed.String()}
		}
		if cur == 1 {
			if err := deleteRow(tx, PartitionPlayer, consumed); err != nil {
				return err
			}
			removedKeys = append(removedKeys, consumed)
			delete(updatedQty, consumed)
			return nil
		}
		if err := upsertRow(tx, PartitionPlayer, consumed, cur-1); err != nil {
			return err
		}
		updatedQty[consumed] = cur - 1
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	d := Diff{RemovedKeys: removedKeys}
	for k, q := range updatedQty {
		snap, err := s.resolve(k, q)
		if err != nil {
			return Snapshot{}, err
		}
		d.Updated = append(d.Updated, snap)
	}
	s.committed(op, d)

	return s.resolve(to, updatedQty[to])
}
