// Package cache holds the process-wide read model: the latest known snapshot
// of every domain, kept current through bus notifications. All map access
// happens on one designated goroutine; cross-goroutine callers marshal
// through it, so the maps need no locking of their own.
package cache

import (
	"context"
	"log"
	"sort"
	"sync"

	"nekocrawl.dev/internal/bus"
	"nekocrawl.dev/internal/service/dungeon"
	"nekocrawl.dev/internal/service/inventory"
	"nekocrawl.dev/internal/service/shop"
	"nekocrawl.dev/internal/service/story"
	"nekocrawl.dev/internal/service/wallet"
	"nekocrawl.dev/internal/stackkey"
	"nekocrawl.dev/internal/stats"
	"nekocrawl.dev/internal/tuning"
)

// Item is a cached inventory stack plus its derived view. EffectiveCombatBonus
// is the base bonus amplified while the stack sits in the pandora box.
type Item struct {
	inventory.Snapshot
	EffectiveCombatBonus int
}

// Services bundles the read-side dependencies of the cache: one mutation
// service per domain, used for the cold load and for reload-all fallbacks.
type Services struct {
	Inventory *inventory.Service
	Wallet    *wallet.Service
	Dungeon   *dungeon.Service
	Story     *story.Service
	Shop      *shop.Service
}

type Cache struct {
	svc  Services
	tune tuning.Tuning
	log  *log.Logger

	tasks chan func()
	quit  chan struct{}
	once  sync.Once

	subs []*bus.Subscription

	// Everything below is owned by the run goroutine.
	items    map[stackkey.Key]Item
	wal      wallet.Snapshot
	dungeons map[uint16]dungeon.Snapshot
	stories  map[uint16]story.Snapshot
	stocks   map[uint16]shop.Snapshot
	versions map[bus.Topic]uint64
}

// New creates an empty cache and subscribes it to every domain topic. Call
// Load before serving reads.
func New(svc Services, b *bus.Bus, tune tuning.Tuning, logger *log.Logger) *Cache {
	c := &Cache{
		svc:      svc,
		tune:     tune,
		log:      logger,
		tasks:    make(chan func()),
		quit:     make(chan struct{}),
		items:    map[stackkey.Key]Item{},
		dungeons: map[uint16]dungeon.Snapshot{},
		stories:  map[uint16]story.Snapshot{},
		stocks:   map[uint16]shop.Snapshot{},
		versions: map[bus.Topic]uint64{},
	}
	go c.run()

	for _, topic := range bus.Topics() {
		c.subs = append(c.subs, b.Subscribe(topic, c.apply))
	}
	return c
}

func (c *Cache) run() {
	for {
		select {
		case fn := <-c.tasks:
			fn()
		case <-c.quit:
			return
		}
	}
}

// do runs fn on the cache goroutine and waits for it to finish.
func (c *Cache) do(fn func()) {
	done := make(chan struct{})
	select {
	case c.tasks <- func() { fn(); close(done) }:
		<-done
	case <-c.quit:
	}
}

// Close cancels the subscriptions and stops the cache goroutine. The cache is
// normally alive for the whole process; Close exists for orderly shutdown and
// tests.
func (c *Cache) Close() {
	c.once.Do(func() {
		for _, s := range c.subs {
			s.Cancel()
		}
		close(c.quit)
	})
}

// Load performs the one-time bulk load. It runs as a single task on the cache
// goroutine, so no diff can slip in between the fetch and the install and be
// overwritten by the staler bulk snapshot. The wallet loads first because the
// derived combat bonus of inventory entries depends on the pandora box; the
// remaining domains load in parallel.
func (c *Cache) Load(ctx context.Context) error {
	var err error
	c.do(func() { err = c.load(ctx) })
	return err
}

func (c *Cache) load(ctx context.Context) error {
	w, err := c.svc.Wallet.State(ctx)
	if err != nil {
		return err
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error

		invList []inventory.Snapshot
		dunList []dungeon.Snapshot
		stoList []story.Snapshot
		shpList []shop.Snapshot
	)
	fetch := func(fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	fetch(func() (err error) { invList, err = c.svc.Inventory.List(ctx, inventory.PartitionPlayer); return })
	fetch(func() (err error) { dunList, err = c.svc.Dungeon.List(ctx); return })
	fetch(func() (err error) { stoList, err = c.svc.Story.List(ctx); return })
	fetch(func() (err error) { shpList, err = c.svc.Shop.List(ctx); return })
	wg.Wait()
	if len(errs) > 0 {
		return errs[0]
	}

	c.wal = w
	c.installInventory(invList)
	c.installDungeons(dunList)
	c.installStories(stoList)
	c.installStocks(shpList)
	for _, topic := range bus.Topics() {
		c.versions[topic]++
	}
	return nil
}

// Version returns the topic's change counter. Derived views compare counters
// to detect that something changed without diffing content.
func (c *Cache) Version(topic bus.Topic) uint64 {
	var v uint64
	c.do(func() { v = c.versions[topic] })
	return v
}

// Item returns the cached stack for key, if present.
func (c *Cache) Item(key stackkey.Key) (Item, bool) {
	var (
		it Item
		ok bool
	)
	c.do(func() { it, ok = c.items[key] })
	return it, ok
}

// Items returns every cached stack, ordered by key.
func (c *Cache) Items() []Item {
	var out []Item
	c.do(func() {
		for _, it := range c.items {
			out = append(out, it)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Wallet returns the cached wallet snapshot.
func (c *Cache) Wallet() wallet.Snapshot {
	var w wallet.Snapshot
	c.do(func() { w = c.wal })
	return w
}

// Dungeon returns the cached progression record for id, if present.
func (c *Cache) Dungeon(id uint16) (dungeon.Snapshot, bool) {
	var (
		d  dungeon.Snapshot
		ok bool
	)
	c.do(func() { d, ok = c.dungeons[id] })
	return d, ok
}

// StoryNode returns the cached story record for id, if present.
func (c *Cache) StoryNode(id uint16) (story.Snapshot, bool) {
	var (
		s  story.Snapshot
		ok bool
	)
	c.do(func() { s, ok = c.stories[id] })
	return s, ok
}

// Stock returns the cached shop stock row for id, if present.
func (c *Cache) Stock(id uint16) (shop.Snapshot, bool) {
	var (
		s  shop.Snapshot
		ok bool
	)
	c.do(func() { s, ok = c.stocks[id] })
	return s, ok
}

// apply is the bus handler for every topic. It marshals onto the cache
// goroutine and returns only after the diff is fully applied, so a publisher's
// subscription never observes a half-applied change.
func (c *Cache) apply(n bus.Notification) {
	c.do(func() {
		switch d := n.(type) {
		case inventory.Diff:
			c.applyInventory(d)
		case wallet.Diff:
			c.applyWallet(d)
		case dungeon.Diff:
			c.applyDungeon(d)
		case story.Diff:
			c.applyStory(d)
		case shop.Diff:
			c.applyShop(d)
		default:
			c.log.Printf("cache: unknown notification %T on topic %s", n, n.Topic())
		}
	})
}

func (c *Cache) applyInventory(d inventory.Diff) {
	if d.ReloadAll() {
		list, err := c.svc.Inventory.List(context.Background(), inventory.PartitionPlayer)
		if err != nil {
			// Keep the last-known-good entries.
			c.log.Printf("cache: inventory reload failed: %v", err)
			return
		}
		c.installInventory(list)
		c.versions[bus.TopicInventory]++
		return
	}
	for _, key := range d.RemovedKeys {
		delete(c.items, key)
	}
	for _, snap := range d.Updated {
		c.items[snap.Key] = c.derive(snap)
	}
	c.versions[bus.TopicInventory]++
}

func (c *Cache) applyWallet(d wallet.Diff) {
	if d.ReloadAll() {
		w, err := c.svc.Wallet.State(context.Background())
		if err != nil {
			c.log.Printf("cache: wallet reload failed: %v", err)
			return
		}
		c.setWallet(w)
		c.versions[bus.TopicWallet]++
		return
	}
	if d.Gold != nil {
		c.wal.Gold = *d.Gold
	}
	if d.CatTickets != nil {
		c.wal.CatTickets = *d.CatTickets
	}
	if d.PartySlots != nil {
		c.wal.PartySlots = *d.PartySlots
	}
	if d.PandoraSet {
		c.setPandora(d.PandoraBox)
	}
	c.versions[bus.TopicWallet]++
}

// setWallet replaces the whole wallet snapshot, rederiving boxed bonuses.
func (c *Cache) setWallet(w wallet.Snapshot) {
	box := w.PandoraBox
	c.wal = w
	c.wal.PandoraBox = nil
	c.setPandora(box)
}

// setPandora swaps the box set and recomputes the effective combat bonus of
// every cached entry that entered or left the box. This runs synchronously
// inside the notification handler, so no reader ever sees the new box with a
// stale bonus.
func (c *Cache) setPandora(box []stackkey.Key) {
	changed := symmetricDifference(c.wal.PandoraBox, box)
	c.wal.PandoraBox = append([]stackkey.Key(nil), box...)
	for _, key := range changed {
		if it, ok := c.items[key]; ok {
			c.items[key] = c.derive(it.Snapshot)
			c.versions[bus.TopicInventory]++
		}
	}
}

// derive builds the cached view of a stack against the current box set.
func (c *Cache) derive(snap inventory.Snapshot) Item {
	it := Item{Snapshot: snap, EffectiveCombatBonus: snap.CombatBonus}
	if c.wal.Boxed(snap.Key) {
		it.EffectiveCombatBonus = stats.BoxedCombatBonus(snap.CombatBonus, c.tune.PandoraBonusMultiplier)
	}
	return it
}

func (c *Cache) applyDungeon(d dungeon.Diff) {
	if d.ReloadAll() {
		list, err := c.svc.Dungeon.List(context.Background())
		if err != nil {
			c.log.Printf("cache: dungeon reload failed: %v", err)
			return
		}
		c.installDungeons(list)
		c.versions[bus.TopicDungeon]++
		return
	}
	for _, id := range d.ChangedIDs {
		snap, err := c.svc.Dungeon.Progress(context.Background(), id)
		if err != nil {
			c.log.Printf("cache: dungeon %d refresh failed: %v", id, err)
			continue
		}
		c.dungeons[id] = snap
	}
	c.versions[bus.TopicDungeon]++
}

func (c *Cache) applyStory(d story.Diff) {
	if d.ReloadAll() {
		list, err := c.svc.Story.List(context.Background())
		if err != nil {
			c.log.Printf("cache: story reload failed: %v", err)
			return
		}
		c.installStories(list)
		c.versions[bus.TopicStory]++
		return
	}
	for _, id := range d.ChangedIDs {
		snap, err := c.svc.Story.Node(context.Background(), id)
		if err != nil {
			c.log.Printf("cache: story node %d refresh failed: %v", id, err)
			continue
		}
		c.stories[id] = snap
	}
	c.versions[bus.TopicStory]++
}

func (c *Cache) applyShop(d shop.Diff) {
	if d.ReloadAll() {
		list, err := c.svc.Shop.List(context.Background())
		if err != nil {
			c.log.Printf("cache: shop reload failed: %v", err)
			return
		}
		c.installStocks(list)
		c.versions[bus.TopicShop]++
		return
	}
	for _, id := range d.ChangedIDs {
		snap, err := c.svc.Shop.Stock(context.Background(), id)
		if err != nil {
			c.log.Printf("cache: shop stock %d refresh failed: %v", id, err)
			continue
		}
		c.stocks[id] = snap
	}
	c.versions[bus.TopicShop]++
}

func (c *Cache) installInventory(list []inventory.Snapshot) {
	c.items = make(map[stackkey.Key]Item, len(list))
	for _, snap := range list {
		c.items[snap.Key] = c.derive(snap)
	}
}

func (c *Cache) installDungeons(list []dungeon.Snapshot) {
	c.dungeons = make(map[uint16]dungeon.Snapshot, len(list))
	for _, snap := range list {
		c.dungeons[snap.DungeonID] = snap
	}
}

func (c *Cache) installStories(list []story.Snapshot) {
	c.stories = make(map[uint16]story.Snapshot, len(list))
	for _, snap := range list {
		c.stories[snap.NodeID] = snap
	}
}

func (c *Cache) installStocks(list []shop.Snapshot) {
	c.stocks = make(map[uint16]shop.Snapshot, len(list))
	for _, snap := range list {
		c.stocks[snap.ItemID] = snap
	}
}

func symmetricDifference(a, b []stackkey.Key) []stackkey.Key {
	inA := make(map[stackkey.Key]bool, len(a))
	for _, k := range a {
		inA[k] = true
	}
	var out []stackkey.Key
	for _, k := range b {
		if inA[k] {
			delete(inA, k)
		} else {
			out = append(out, k)
		}
	}
	for k := range inA {
		out = append(out, k)
	}
	return out
}
