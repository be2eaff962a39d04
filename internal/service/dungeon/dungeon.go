// Package dungeon owns per-dungeon progression records. Unlock levels only
// ever rise; raising the unlocked difficulty discards partial floor progress
// from the easier one.
package dungeon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"

	"nekocrawl.dev/internal/bus"
	"nekocrawl.dev/internal/master"
	"nekocrawl.dev/internal/persistence/audit"
	"nekocrawl.dev/internal/protocol"
	"nekocrawl.dev/internal/store"
)

type Snapshot struct {
	DungeonID                 uint16
	Unlocked                  bool
	HighestUnlockedDifficulty uint8
	HighestClearedDifficulty  *uint8 // nil until the first clear
	FurthestClearedFloor      uint8
}

// Diff is the dungeon change notification; an empty id list means reload-all.
type Diff struct {
	ChangedIDs []uint16
}

func (Diff) Topic() bus.Topic  { return bus.TopicDungeon }
func (d Diff) ReloadAll() bool { return len(d.ChangedIDs) == 0 }

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

// Progress returns the record for one dungeon, creating the locked default
// on first access.
func (s *Service) Progress(ctx context.Context, id uint16) (Snapshot, error) {
	if _, err := s.defs.Dungeon(id); err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap Snapshot
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		var err error
		snap, err = loadOrCreate(tx, id)
		return err
	})
	return snap, err
}

// List returns every dungeon record currently persisted.
func (s *Service) List(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.st.DB().QueryContext(ctx,
		`SELECT dungeon_id, unlocked, highest_unlocked, highest_cleared, furthest_floor
		 FROM dungeon_progress ORDER BY dungeon_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Unlock marks the dungeon as enterable. Idempotent.
func (s *Service) Unlock(ctx context.Context, id uint16) (Snapshot, error) {
	return s.mutate(ctx, "unlock", id, func(snap *Snapshot, _ master.DungeonDef) error {
		snap.Unlocked = true
		return nil
	})
}

// UnlockDifficulty raises the highest enterable difficulty. Only a strictly
// greater value takes effect, and raising it resets the furthest cleared
// floor to zero.
func (s *Service) UnlockDifficulty(ctx context.Context, id uint16, difficulty uint8) (Snapshot, error) {
	return s.mutate(ctx, "unlock_difficulty", id, func(snap *Snapshot, def master.DungeonDef) error {
		return raiseDifficulty(snap, def, difficulty)
	})
}

// MarkCleared records a clear of the given difficulty. The returned flag is
// true only for the first-ever clear of this dungeon.
func (s *Service) MarkCleared(ctx context.Context, id uint16, difficulty, totalFloors uint8) (Snapshot, bool, error) {
	var first bool
	snap, err := s.mutate(ctx, "mark_cleared", id, func(snap *Snapshot, def master.DungeonDef) error {
		return markCleared(snap, def, difficulty, totalFloors, &first)
	})
	return snap, first, err
}

// MarkClearedAndUnlockNext performs the clear-mark and, when the difficulty
// ladder has a next step, the unlock in one durable transaction, so readers
// never observe the intermediate state.
func (s *Service) MarkClearedAndUnlockNext(ctx context.Context, id uint16, difficulty, totalFloors uint8) (Snapshot, bool, error) {
	var first bool
	snap, err := s.mutate(ctx, "mark_cleared_unlock_next", id, func(snap *Snapshot, def master.DungeonDef) error {
		if err := markCleared(snap, def, difficulty, totalFloors, &first); err != nil {
			return err
		}
		next, ok := def.NextDifficulty(difficulty)
		if !ok {
			return nil
		}
		if err := raiseDifficulty(snap, def, next); err != nil {
			return err
		}
		return nil
	})
	return snap, first, err
}

func markCleared(snap *Snapshot, def master.DungeonDef, difficulty, totalFloors uint8, first *bool) error {
	if difficulty == 0 || difficulty > def.Difficulties {
		return &protocol.InvalidInputError{Reason: fmt.Sprintf("difficulty %d out of range for dungeon %d", difficulty, def.ID)}
	}
	*first = snap.HighestClearedDifficulty == nil

	snap.Unlocked = true
	if snap.HighestClearedDifficulty == nil || *snap.HighestClearedDifficulty < difficulty {
		d := difficulty
		snap.HighestClearedDifficulty = &d
	}
	if totalFloors > snap.FurthestClearedFloor {
		snap.FurthestClearedFloor = totalFloors
	}
	return nil
}

func raiseDifficulty(snap *Snapshot, def master.DungeonDef, difficulty uint8) error {
	if difficulty == 0 || difficulty > def.Difficulties {
		return &protocol.InvalidInputError{Reason: fmt.Sprintf("difficulty %d out of range for dungeon %d", difficulty, def.ID)}
	}
	// Monotonic: only a strictly greater difficulty takes effect.
	if difficulty <= snap.HighestUnlockedDifficulty {
		return nil
	}
	snap.HighestUnlockedDifficulty = difficulty
	snap.FurthestClearedFloor = 0
	return nil
}

func (s *Service) mutate(ctx context.Context, op string, id uint16, fn func(*Snapshot, master.DungeonDef) error) (Snapshot, error) {
	def, err := s.defs.Dungeon(id)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var snap Snapshot
	err = s.st.Tx(ctx, func(tx *sql.Tx) error {
		var err error
		snap, err = loadOrCreate(tx, id)
		if err != nil {
			return err
		}
		if err := fn(&snap, def); err != nil {
			return err
		}
		return saveRow(tx, snap)
	})
	if err != nil {
		return Snapshot{}, err
	}

	if err := s.aud.Record("dungeon", op, fmt.Sprint(id)); err != nil {
		s.log.Printf("dungeon: audit %s: %v", op, err)
	}
	s.bus.Publish(Diff{ChangedIDs: []uint16{id}})
	return snap, nil
}

func loadOrCreate(tx *sql.Tx, id uint16) (Snapshot, error) {
	row := tx.QueryRow(`SELECT dungeon_id, unlocked, highest_unlocked, highest_cleared, furthest_floor
		FROM dungeon_progress WHERE dungeon_id=?`, id)
	snap, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		snap = Snapshot{DungeonID: id, HighestUnlockedDifficulty: 1}
		if err := saveRow(tx, snap); err != nil {
			return Snapshot{}, err
		}
		return snap, nil
	}
	return snap, err
}

type scanner interface{ Scan(dest ...any) error }

func scanRow(row scanner) (Snapshot, error) {
	var (
		snap    Snapshot
		cleared sql.NullInt64
	)
	if err := row.Scan(&snap.DungeonID, &snap.Unlocked, &snap.HighestUnlockedDifficulty, &cleared, &snap.FurthestClearedFloor); err != nil {
		return Snapshot{}, err
	}
	if cleared.Valid {
		d := uint8(cleared.Int64)
		snap.HighestClearedDifficulty = &d
	}
	return snap, nil
}

func saveRow(tx *sql.Tx, snap Snapshot) error {
	var cleared any
	if snap.HighestClearedDifficulty != nil {
		cleared = int64(*snap.HighestClearedDifficulty)
	}
	_, err := tx.Exec(`INSERT INTO dungeon_progress(dungeon_id,unlocked,highest_unlocked,highest_cleared,furthest_floor)
		VALUES(?,?,?,?,?)
		ON CONFLICT(dungeon_id) DO UPDATE SET unlocked=excluded.unlocked,
		highest_unlocked=excluded.highest_unlocked, highest_cleared=excluded.highest_cleared,
		furthest_floor=excluded.furthest_floor`,
		snap.DungeonID, snap.Unlocked, snap.HighestUnlockedDifficulty, cleared, snap.FurthestClearedFloor)
	return err
}
