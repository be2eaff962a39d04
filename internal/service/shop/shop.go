// Package shop owns the durable shop stock rows and the purchase/sell/cleanup
// flows on top of the wallet and inventory services.
//
// Purchase is a cross-service composite without a transaction spanning the
// services: wallet debit, then stock decrement, then inventory credit. A
// failure partway leaves the earlier steps committed; this partial-failure
// window is accepted and documented, not rolled back.
package shop

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"nekocrawl.dev/internal/bus"
	"nekocrawl.dev/internal/master"
	"nekocrawl.dev/internal/persistence/audit"
	"nekocrawl.dev/internal/protocol"
	"nekocrawl.dev/internal/service/inventory"
	"nekocrawl.dev/internal/service/wallet"
	"nekocrawl.dev/internal/stackkey"
	"nekocrawl.dev/internal/store"
	"nekocrawl.dev/internal/tuning"
)

// Snapshot is the immutable projection of one stock row.
type Snapshot struct {
	ItemID    uint16
	Remaining *uint16 // nil = unlimited
	UpdatedAt time.Time
}

// DisplayRemaining returns the remaining count as shown to the player,
// capped at the display limit even when the internal count is higher.
func (s Snapshot) DisplayRemaining(displayCap uint16) (uint16, bool) {
	if s.Remaining == nil {
		return 0, false
	}
	if *s.Remaining > displayCap {
		return displayCap, true
	}
	return *s.Remaining, true
}

// Diff is the shop change notification; an empty id list means reload-all.
type Diff struct {
	ChangedIDs []uint16
}

func (Diff) Topic() bus.Topic  { return bus.TopicShop }
func (d Diff) ReloadAll() bool { return len(d.ChangedIDs) == 0 }

type Service struct {
	mu   sync.Mutex
	st   *store.Store
	defs *master.Data
	bus  *bus.Bus
	aud  *audit.Log
	tune tuning.Tuning
	wal  *wallet.Service
	inv  *inventory.Service
	log  *log.Logger
}

func New(st *store.Store, defs *master.Data, b *bus.Bus, aud *audit.Log, tune tuning.Tuning, wal *wallet.Service, inv *inventory.Service, logger *log.Logger) *Service {
	return &Service{st: st, defs: defs, bus: b, aud: aud, tune: tune, wal: wal, inv: inv, log: logger}
}

// SyncCatalog reconciles the master catalog against the durable stock rows:
// existing rows keep their remaining count so purchases survive a catalog
// refresh, new catalog entries are seeded from the catalog, and rows for
// items no longer in the catalog (player-sold overstock) are preserved.
// The scope of the change is not precisely computable, so the reload-all
// sentinel is published.
func (s *Service) SyncCatalog(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		for _, e := range s.defs.Shop {
			var exists int
			err := tx.QueryRow(`SELECT 1 FROM shop_stock WHERE item_id=?`, e.ItemID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				var remaining any
				if e.InitialStock != nil {
					remaining = int64(*e.InitialStock)
				}
				if _, err := tx.Exec(`INSERT INTO shop_stock(item_id,remaining,updated_at) VALUES(?,?,?)`,
					e.ItemID, remaining, now); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.aud.Record("shop", "sync_catalog"); err != nil {
		s.log.Printf("shop: audit sync_catalog: %v", err)
	}
	s.bus.Publish(Diff{})
	return nil
}

// Stock returns the stock row for one item.
func (s *Service) Stock(ctx context.Context, itemID uint16) (Snapshot, error) {
	var (
		remaining sql.NullInt64
		updatedAt string
	)
	err := s.st.DB().QueryRowContext(ctx,
		`SELECT remaining, updated_at FROM shop_stock WHERE item_id=?`, itemID).Scan(&remaining, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, &protocol.NotFoundError{Kind: "shop stock", ID: fmt.Sprint(itemID)}
	}
	if err != nil {
		return Snapshot{}, err
	}
	return toSnapshot(itemID, remaining, updatedAt)
}

// List returns every stock row.
func (s *Service) List(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.st.DB().QueryContext(ctx,
		`SELECT item_id, remaining, updated_at FROM shop_stock ORDER BY item_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			itemID    uint16
			remaining sql.NullInt64
			updatedAt string
		)
		if err := rows.Scan(&itemID, &remaining, &updatedAt); err != nil {
			return nil, err
		}
		snap, err := toSnapshot(itemID, remaining, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// PurchaseResult reports a completed purchase.
type PurchaseResult struct {
	Stock     Snapshot
	Item      inventory.Snapshot
	GoldSpent uint32
}

// Purchase buys qty units of a catalog item: validate availability, debit the
// wallet, decrement stock, credit the inventory. Steps after the first
// failure are skipped; completed steps stay committed.
func (s *Service) Purchase(ctx context.Context, itemID uint16, qty int) (PurchaseResult, error) {
	if qty <= 0 {
		return PurchaseResult{}, &protocol.InvalidInputError{Reason: "quantity must be positive"}
	}
	if _, err := s.defs.Item(itemID); err != nil {
		return PurchaseResult{}, err
	}
	entry, ok := s.catalogEntry(itemID)
	if !ok {
		return PurchaseResult{}, &protocol.NotFoundError{Kind: "shop catalog entry", ID: fmt.Sprint(itemID)}
	}

	// Availability check up front; the authoritative re-check happens inside
	// the stock transaction below.
	cur, err := s.Stock(ctx, itemID)
	if err != nil {
		return PurchaseResult{}, err
	}
	if cur.Remaining != nil && int(*cur.Remaining) < qty {
		return PurchaseResult{}, &protocol.InsufficientStockError{Required: uint16(qty), Available: *cur.Remaining}
	}

	price := entry.Price * uint32(qty)
	if _, err := s.wal.SpendGold(ctx, price); err != nil {
		return PurchaseResult{}, err
	}

	stock, err := s.adjustStock(ctx, "purchase", itemID, -qty)
	if err != nil {
		// Gold already debited; see the package comment for the accepted gap.
		return PurchaseResult{}, fmt.Errorf("purchase of item %d after debit: %w", itemID, err)
	}

	item, err := s.inv.Add(ctx, inventory.PartitionPlayer, stackkey.Encode(stackkey.Tuple{ItemID: itemID}), qty)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("purchase of item %d after stock decrement: %w", itemID, err)
	}
	return PurchaseResult{Stock: stock, Item: item, GoldSpent: price}, nil
}

// SellResult reports a sell-to-shop deposit.
type SellResult struct {
	Absorbed     int
	Overflow     int
	GoldCredited uint32
	Stock        Snapshot
}

// Sell deposits units of an owned stack into the shop's stock. The stock
// absorbs only up to the internal cap; overflow units stay in the player's
// inventory and are reported, never silently dropped. Gold is credited for
// the absorbed units only.
func (s *Service) Sell(ctx context.Context, key stackkey.Key, qty int) (SellResult, error) {
	if qty <= 0 {
		return SellResult{}, &protocol.InvalidInputError{Reason: "quantity must be positive"}
	}
	def, err := s.defs.Item(key.ItemID())
	if err != nil {
		return SellResult{}, err
	}

	cur, err := s.Stock(ctx, key.ItemID())
	if err != nil {
		var nf *protocol.NotFoundError
		if !errors.As(err, &nf) {
			return SellResult{}, err
		}
		zero := uint16(0)
		cur = Snapshot{ItemID: key.ItemID(), Remaining: &zero}
	}

	absorbed := qty
	if cur.Remaining != nil {
		room := int(s.tune.ShopStockCap) - int(*cur.Remaining)
		if room < 0 {
			room = 0
		}
		if absorbed > room {
			absorbed = room
		}
	}
	res := SellResult{Absorbed: absorbed, Overflow: qty - absorbed, Stock: cur}
	if absorbed == 0 {
		return res, nil
	}

	// Debit the sold units, then absorb them into stock, then credit gold.
	// The absorbed count was computed outside the stock lock; a concurrent
	// credit of the same item makes the absorb clamp at the cap, the usual
	// composite partial-failure window.
	if err := s.inv.Remove(ctx, inventory.PartitionPlayer, key, absorbed); err != nil {
		return SellResult{}, err
	}
	stock, err := s.adjustStock(ctx, "sell", key.ItemID(), absorbed)
	if err != nil {
		return SellResult{}, fmt.Errorf("sell of item %d after inventory debit: %w", key.ItemID(), err)
	}
	res.Stock = stock

	res.GoldCredited = def.SellValue * uint32(absorbed)
	if _, err := s.wal.AddGold(ctx, res.GoldCredited); err != nil {
		return SellResult{}, fmt.Errorf("sell of item %d after stock credit: %w", key.ItemID(), err)
	}
	return res, nil
}

// CleanupResult reports a stock cleanup.
type CleanupResult struct {
	UnitsRemoved  int
	RewardTickets uint16
	Stock         Snapshot
}

// CleanupStock trims overstock down to the configured target and rewards cat
// tickets for the removed units. Lowest-rarity items are never cleaned up.
func (s *Service) CleanupStock(ctx context.Context, itemID uint16) (CleanupResult, error) {
	def, err := s.defs.Item(itemID)
	if err != nil {
		return CleanupResult{}, err
	}
	if def.Rarity <= s.defs.LowestRarity() {
		return CleanupResult{}, &protocol.InvalidInputError{Reason: "lowest-rarity stock is not eligible for cleanup"}
	}

	target := int(s.tune.ShopCleanupTarget)
	var removed int
	stock, err := s.mutateStock(ctx, "cleanup", itemID, func(remaining *sql.NullInt64) error {
		if !remaining.Valid {
			return &protocol.InvalidInputError{Reason: "unlimited stock cannot be cleaned up"}
		}
		if int(remaining.Int64) <= target {
			return errStockUnchanged
		}
		removed = int(remaining.Int64) - target
		remaining.Int64 = int64(target)
		return nil
	})
	if err != nil {
		return CleanupResult{}, err
	}
	res := CleanupResult{UnitsRemoved: removed, Stock: stock}
	if removed == 0 {
		return res, nil
	}

	perUnit := def.SellValue / 100
	if perUnit < 1 {
		perUnit = 1
	}
	tickets := uint64(perUnit) * uint64(removed)
	if tickets > uint64(s.tune.MaxCatTickets) {
		tickets = uint64(s.tune.MaxCatTickets)
	}
	res.RewardTickets = uint16(tickets)
	if _, err := s.wal.AddCatTickets(ctx, res.RewardTickets); err != nil {
		return CleanupResult{}, fmt.Errorf("cleanup of item %d after stock trim: %w", itemID, err)
	}
	return res, nil
}

// adjustStock applies a signed delta to a row's remaining count, creating the
// row at zero when absent. Unlimited rows pass through unchanged.
func (s *Service) adjustStock(ctx context.Context, op string, itemID uint16, delta int) (Snapshot, error) {
	return s.mutateStock(ctx, op, itemID, func(remaining *sql.NullInt64) error {
		if !remaining.Valid {
			return nil
		}
		next := int(remaining.Int64) + delta
		if next < 0 {
			return &protocol.InsufficientStockError{Required: uint16(-delta), Available: uint16(remaining.Int64)}
		}
		if next > int(s.tune.ShopStockCap) {
			next = int(s.tune.ShopStockCap)
		}
		remaining.Int64 = int64(next)
		return nil
	})
}

// errStockUnchanged is returned by a mutateStock fn to signal a no-op: the
// row keeps its updated_at and no diff is published.
var errStockUnchanged = errors.New("stock unchanged")

func (s *Service) mutateStock(ctx context.Context, op string, itemID uint16, fn func(*sql.NullInt64) error) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		remaining sql.NullInt64
		updatedAt string
	)
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRow(`SELECT remaining, updated_at FROM shop_stock WHERE item_id=?`, itemID).Scan(&remaining, &updatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			remaining = sql.NullInt64{Valid: true, Int64: 0}
			updatedAt = ""
		} else if err != nil {
			return err
		}
		if err := fn(&remaining); err != nil {
			return err
		}
		updatedAt = time.Now().UTC().Format(time.RFC3339Nano)
		var val any
		if remaining.Valid {
			val = remaining.Int64
		}
		_, err = tx.Exec(`INSERT INTO shop_stock(item_id,remaining,updated_at) VALUES(?,?,?)
			ON CONFLICT(item_id) DO UPDATE SET remaining=excluded.remaining, updated_at=excluded.updated_at`,
			itemID, val, updatedAt)
		return err
	})
	if errors.Is(err, errStockUnchanged) {
		return toSnapshot(itemID, remaining, updatedAt)
	}
	if err != nil {
		return Snapshot{}, err
	}

	if err := s.aud.Record("shop", op, fmt.Sprint(itemID)); err != nil {
		s.log.Printf("shop: audit %s: %v", op, err)
	}
	s.bus.Publish(Diff{ChangedIDs: []uint16{itemID}})
	return toSnapshot(itemID, remaining, updatedAt)
}

func (s *Service) catalogEntry(itemID uint16) (master.ShopEntry, bool) {
	for _, e := range s.defs.Shop {
		if e.ItemID == itemID {
			return e, true
		}
	}
	return master.ShopEntry{}, false
}

func toSnapshot(itemID uint16, remaining sql.NullInt64, updatedAt string) (Snapshot, error) {
	snap := Snapshot{ItemID: itemID}
	if remaining.Valid {
		r := uint16(remaining.Int64)
		snap.Remaining = &r
	}
	if updatedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return Snapshot{}, fmt.Errorf("shop stock %d: updated_at: %w", itemID, err)
		}
		snap.UpdatedAt = ts
	}
	return snap, nil
}
