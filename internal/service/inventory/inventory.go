// Package inventory owns the durable item stacks. One row per distinct stack
// key per partition; quantity reaching zero deletes the row. All writes are
// serialized on the service mutex and committed in one transaction before the
// change notification goes out.
package inventory

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sync"

	"nekocrawl.dev/internal/bus"
	"nekocrawl.dev/internal/master"
	"nekocrawl.dev/internal/persistence/audit"
	"nekocrawl.dev/internal/protocol"
	"nekocrawl.dev/internal/stackkey"
	"nekocrawl.dev/internal/store"
)

// Partition names a storage bucket for stacks.
type Partition string

const PartitionPlayer Partition = "player"

// Snapshot is the immutable projection of one inventory row plus its resolved
// definition fields. Safe to cache and to hand across goroutines.
type Snapshot struct {
	Key         stackkey.Key
	Quantity    int
	Name        string
	Category    master.Category
	Rarity      uint8
	SellValue   uint32
	Stats       master.StatBlock
	CombatBonus int
}

// Diff is the inventory change notification. An empty diff (no removals, no
// updates) is the reload-all sentinel.
type Diff struct {
	RemovedKeys []stackkey.Key
	Updated     []Snapshot
}

func (Diff) Topic() bus.Topic { return bus.TopicInventory }

// ReloadAll reports whether the diff carries no precise scope.
func (d Diff) ReloadAll() bool { return len(d.RemovedKeys) == 0 && len(d.Updated) == 0 }

type Service struct {
	mu   sync.Mutex
	st   *store.Store
	defs *master.Data
	bus  *bus.Bus
	aud  *audit.Log
	log  *log.Logger
}

func New(st *store.Store, defs *master.Data, b *bus.Bus, aud *audit.Log, logger *log.Logger) *Service {
	return &Service{st: st, defs: defs, bus: b, aud: aud, log: logger}
}

// List returns snapshots of every stack in the partition.
func (s *Service) List(ctx context.Context, part Partition) ([]Snapshot, error) {
	rows, err := s.st.DB().QueryContext(ctx,
		`SELECT stack_key, quantity FROM inventory WHERE partition=? ORDER BY stack_key`, string(part))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var packed int64
		var qty int
		if err := rows.Scan(&packed, &qty); err != nil {
			return nil, err
		}
		snap, err := s.resolve(stackkey.Key(packed), qty)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Get returns the snapshot for one stack key.
func (s *Service) Get(ctx context.Context, part Partition, key stackkey.Key) (Snapshot, error) {
	var qty int
	err := s.st.DB().QueryRowContext(ctx,
		`SELECT quantity FROM inventory WHERE partition=? AND stack_key=?`, string(part), int64(key)).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, &protocol.NotFoundError{Kind: "inventory stack", ID: key.String()}
	}
	if err != nil {
		return Snapshot{}, err
	}
	return s.resolve(key, qty)
}

// Add credits qty units of the stack identified by key, creating or merging
// the row as needed.
func (s *Service) Add(ctx context.Context, part Partition, key stackkey.Key, qty int) (Snapshot, error) {
	if qty <= 0 {
		return Snapshot{}, &protocol.InvalidInputError{Reason: "quantity must be positive"}
	}
	if _, err := key.Decode(); err != nil {
		return Snapshot{}, &protocol.InvalidInputError{Reason: err.Error()}
	}
	if _, err := s.defs.Item(key.ItemID()); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var newQty int
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		cur, _, err := rowQty(tx, part, key)
		if err != nil {
			return err
		}
		newQty = cur + qty
		return upsertRow(tx, part, key, newQty)
	})
	if err != nil {
		return Snapshot{}, err
	}

	snap, err := s.resolve(key, newQty)
	if err != nil {
		return Snapshot{}, err
	}
	s.committed("add", Diff{Updated: []Snapshot{snap}})
	return snap, nil
}

// Remove debits qty units, deleting the row when it reaches zero.
func (s *Service) Remove(ctx context.Context, part Partition, key stackkey.Key, qty int) error {
	if qty <= 0 {
		return &protocol.InvalidInputError{Reason: "quantity must be positive"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		removed bool
		newQty  int
	)
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		cur, ok, err := rowQty(tx, part, key)
		if err != nil {
			return err
		}
		if !ok {
			return &protocol.NotFoundError{Kind: "inventory stack", ID: key.String()}
		}
		if cur < qty {
			return &protocol.InsufficientStockError{Required: uint16(qty), Available: uint16(cur)}
		}
		newQty = cur - qty
		if newQty == 0 {
			removed = true
			return deleteRow(tx, part, key)
		}
		return upsertRow(tx, part, key, newQty)
	})
	if err != nil {
		return err
	}

	if removed {
		s.committed("remove", Diff{RemovedKeys: []stackkey.Key{key}})
		return nil
	}
	snap, err := s.resolve(key, newQty)
	if err != nil {
		return err
	}
	s.committed("remove", Diff{Updated: []Snapshot{snap}})
	return nil
}

// committed records the audit entry and publishes the post-commit diff.
// Callers hold s.mu, so per-topic publish order matches commit order.
func (s *Service) committed(op string, d Diff) {
	ids := make([]string, 0, len(d.RemovedKeys)+len(d.Updated))
	for _, k := range d.RemovedKeys {
		ids = append(ids, k.String())
	}
	for _, u := range d.Updated {
		ids = append(ids, u.Key.String())
	}
	if err := s.aud.Record("inventory", op, ids...); err != nil {
		s.log.Printf("inventory: audit %s: %v", op, err)
	}
	s.bus.Publish(d)
}

func (s *Service) resolve(key stackkey.Key, qty int) (Snapshot, error) {
	def, err := s.defs.Item(key.ItemID())
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Key:         key,
		Quantity:    qty,
		Name:        def.Name,
		Category:    def.Category,
		Rarity:      def.Rarity,
		SellValue:   def.SellValue,
		Stats:       def.Stats,
		CombatBonus: def.CombatBonus,
	}, nil
}

func rowQty(tx *sql.Tx, part Partition, key stackkey.Key) (int, bool, error) {
	var qty int
	err := tx.QueryRow(`SELECT quantity FROM inventory WHERE partition=? AND stack_key=?`,
		string(part), int64(key)).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return qty, true, nil
}

func upsertRow(tx *sql.Tx, part Partition, key stackkey.Key, qty int) error {
	_, err := tx.Exec(`INSERT INTO inventory(partition,stack_key,quantity) VALUES(?,?,?)
		ON CONFLICT(partition,stack_key) DO UPDATE SET quantity=excluded.quantity`,
		string(part), int64(key), qty)
	return err
}

func deleteRow(tx *sql.Tx, part Partition, key stackkey.Key) error {
	_, err := tx.Exec(`DELETE FROM inventory WHERE partition=? AND stack_key=?`, string(part), int64(key))
	return err
}

// moveUnits is the generic update-by-key primitive: it transfers count units
// from the stack at `from` to the identity `to`, merging into an existing row
// or creating one, and deleting the source row when it empties. Everything
// enhancement-shaped (socketing, inheritance, synthesis, exchange) is layered
// on it. Must run inside the caller's transaction.
func moveUnits(tx *sql.Tx, part Partition, from, to stackkey.Key, count int) (removed []stackkey.Key, updated map[stackkey.Key]int, err error) {
	if from == to {
		return nil, nil, &protocol.InvalidInputError{Reason: "source and destination are the same stack"}
	}
	fromQty, ok, err := rowQty(tx, part, from)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, &protocol.NotFoundError{Kind: "inventory stack", ID: from.String()}
	}
	if fromQty < count {
		return nil, nil, &protocol.InsufficientStockError{Required: uint16(count), Available: uint16(fromQty)}
	}

	updated = map[stackkey.Key]int{}

	if fromQty == count {
		if err := deleteRow(tx, part, from); err != nil {
			return nil, nil, err
		}
		removed = append(removed, from)
	} else {
		if err := upsertRow(tx, part, from, fromQty-count); err != nil {
			return nil, nil, err
		}
		updated[from] = fromQty - count
	}

	toQty, _, err := rowQty(tx, part, to)
	if err != nil {
		return nil, nil, err
	}
	if err := upsertRow(tx, part, to, toQty+count); err != nil {
		return nil, nil, err
	}
	updated[to] = toQty + count
	return removed, updated, nil
}
