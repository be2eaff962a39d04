// Package story owns per-node story progression: unlocked, read, reward
// claimed. Reading a locked node is rejected; reads and claims are idempotent
// once permitted.
package story

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
	NodeID        uint16
	Unlocked      bool
	Read          bool
	RewardClaimed bool
}

// Diff is the story change notification; an empty id list means reload-all.
type Diff struct {
	ChangedIDs []uint16
}

func (Diff) Topic() bus.Topic  { return bus.TopicStory }
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

// Node returns the record for one story node, creating the locked/unread
// default on first access.
func (s *Service) Node(ctx context.Context, id uint16) (Snapshot, error) {
	if _, err := s.defs.StoryNode(id); err != nil {
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

// List returns every node record currently persisted.
func (s *Service) List(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.st.DB().QueryContext(ctx,
		`SELECT node_id, unlocked, read, reward_claimed FROM story_progress ORDER BY node_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.NodeID, &snap.Unlocked, &snap.Read, &snap.RewardClaimed); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// UnlockNode makes a node readable. Idempotent.
func (s *Service) UnlockNode(ctx context.Context, id uint16) (Snapshot, error) {
	return s.mutate(ctx, "unlock_node", id, func(snap *Snapshot) error {
		snap.Unlocked = true
		return nil
	})
}

// MarkNodeAsRead flags an unlocked node as read. Fails with StoryLocked on a
// locked node; re-reading an already-read node is a no-op.
func (s *Service) MarkNodeAsRead(ctx context.Context, id uint16) (Snapshot, error) {
	return s.mutate(ctx, "mark_read", id, func(snap *Snapshot) error {
		if !snap.Unlocked {
			return &protocol.StoryLockedError{NodeID: id}
		}
		snap.Read = true
		return nil
	})
}

// ClaimReward flags the node's reward as taken. Requires the node to have
// been read; the returned flag is true only on the claim that flipped the
// bit, so callers grant the reward exactly once.
func (s *Service) ClaimReward(ctx context.Context, id uint16) (Snapshot, bool, error) {
	var first bool
	snap, err := s.mutate(ctx, "claim_reward", id, func(snap *Snapshot) error {
		if !snap.Unlocked {
			return &protocol.StoryLockedError{NodeID: id}
		}
		if !snap.Read {
			return &protocol.InvalidInputError{Reason: fmt.Sprintf("story node %d has not been read", id)}
		}
		first = !snap.RewardClaimed
		snap.RewardClaimed = true
		return nil
	})
	return snap, first, err
}

func (s *Service) mutate(ctx context.Context, op string, id uint16, fn func(*Snapshot) error) (Snapshot, error) {
	if _, err := s.defs.StoryNode(id); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var snap Snapshot
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		var err error
		snap, err = loadOrCreate(tx, id)
		if err != nil {
			return err
		}
		if err := fn(&snap); err != nil {
			return err
		}
		return saveRow(tx, snap)
	})
	if err != nil {
		return Snapshot{}, err
	}

	if err := s.aud.Record("story", op, fmt.Sprint(id)); err != nil {
		s.log.Printf("story: audit %s: %v", op, err)
	}
	s.bus.Publish(Diff{ChangedIDs: []uint16{id}})
	return snap, nil
}

func loadOrCreate(tx *sql.Tx, id uint16) (Snapshot, error) {
	var snap Snapshot
	err := tx.QueryRow(`SELECT node_id, unlocked, read, reward_claimed FROM story_progress WHERE node_id=?`, id).
		Scan(&snap.NodeID, &snap.Unlocked, &snap.Read, &snap.RewardClaimed)
	if errors.Is(err, sql.ErrNoRows) {
		snap = Snapshot{NodeID: id}
		if err := saveRow(tx, snap); err != nil {
			return Snapshot{}, err
		}
		return snap, nil
	}
	return snap, err
}

func saveRow(tx *sql.Tx, snap Snapshot) error {
	_, err := tx.Exec(`INSERT INTO story_progress(node_id,unlocked,read,reward_claimed) VALUES(?,?,?,?)
		ON CONFLICT(node_id) DO UPDATE SET unlocked=excluded.unlocked, read=excluded.read,
		reward_claimed=excluded.reward_claimed`,
		snap.NodeID, snap.Unlocked, snap.Read, snap.RewardClaimed)
	return err
}
