// Package master holds the read-only definition data: items, titles, dungeons,
// story nodes and the shop catalog. It is loaded once at startup, validated
// against JSON Schemas, and never mutated afterwards. Missing ids are a
// referential-integrity failure, surfaced as DefinitionUnavailableError.
package master

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"nekocrawl.dev/internal/protocol"
)

// Category classifies an item definition. Gems are the only socketable
// attachment; materials and consumables can never receive a socket.
type Category string

const (
	CategoryWeapon     Category = "WEAPON"
	CategoryArmor      Category = "ARMOR"
	CategoryAccessory  Category = "ACCESSORY"
	CategoryGem        Category = "GEM"
	CategoryMaterial   Category = "MATERIAL"
	CategoryConsumable Category = "CONSUMABLE"
)

// Socketable reports whether items of this category may receive a gem.
func (c Category) Socketable() bool {
	switch c {
	case CategoryMaterial, CategoryConsumable, CategoryGem:
		return false
	}
	return true
}

// StatBlock is the per-item stat contribution. AttackCount is fractional
// (e.g. 0.5 extra swings); everything else is integral.
type StatBlock struct {
	HP          int     `json:"hp,omitempty"`
	MP          int     `json:"mp,omitempty"`
	Attack      int     `json:"attack,omitempty"`
	Defense     int     `json:"defense,omitempty"`
	Speed       int     `json:"speed,omitempty"`
	Luck        int     `json:"luck,omitempty"`
	AttackCount float64 `json:"attack_count,omitempty"`
}

type ItemDef struct {
	ID          uint16    `json:"id"`
	Name        string    `json:"name"`
	Category    Category  `json:"category"`
	Rarity      uint8     `json:"rarity"`
	SellValue   uint32    `json:"sell_value"`
	Stats       StatBlock `json:"stats"`
	CombatBonus int       `json:"combat_bonus"`
}

type TitleDef struct {
	ID        uint8  `json:"id"`
	Name      string `json:"name"`
	SuperRare bool   `json:"super_rare"`
}

type DungeonDef struct {
	ID           uint16 `json:"id"`
	Name         string `json:"name"`
	Difficulties uint8  `json:"difficulties"` // ladder 1..Difficulties
	Floors       uint8  `json:"floors"`
}

// NextDifficulty returns the ladder step after d, if one exists.
func (d DungeonDef) NextDifficulty(cur uint8) (uint8, bool) {
	if cur >= d.Difficulties {
		return 0, false
	}
	return cur + 1, true
}

type StoryNodeDef struct {
	ID    uint16 `json:"id"`
	Title string `json:"title"`
}

type ShopEntry struct {
	ItemID       uint16  `json:"item_id"`
	Price        uint32  `json:"price"`
	InitialStock *uint16 `json:"initial_stock"` // nil = unlimited
}

// Data is the immutable definition cache.
type Data struct {
	Items      map[uint16]ItemDef
	Titles     map[uint8]TitleDef
	Dungeons   map[uint16]DungeonDef
	StoryNodes map[uint16]StoryNodeDef
	Shop       []ShopEntry

	// One digest per source file, for change detection in logs/audits.
	Digests map[string]string

	lowestRarity uint8
}

// Load reads and validates every master file under dir. Each <name>.json is
// validated against schemas/<name>.schema.json when that schema exists.
func Load(dir string) (*Data, error) {
	d := &Data{
		Items:      map[uint16]ItemDef{},
		Titles:     map[uint8]TitleDef{},
		Dungeons:   map[uint16]DungeonDef{},
		StoryNodes: map[uint16]StoryNodeDef{},
		Digests:    map[string]string{},
	}

	var items []ItemDef
	if err := loadFile(dir, "items", d, &items); err != nil {
		return nil, err
	}
	var titles []TitleDef
	if err := loadFile(dir, "titles", d, &titles); err != nil {
		return nil, err
	}
	var dungeons []DungeonDef
	if err := loadFile(dir, "dungeons", d, &dungeons); err != nil {
		return nil, err
	}
	var nodes []StoryNodeDef
	if err := loadFile(dir, "story_nodes", d, &nodes); err != nil {
		return nil, err
	}
	var shop []ShopEntry
	if err := loadFile(dir, "shop", d, &shop); err != nil {
		return nil, err
	}
	if err := d.index(items, titles, dungeons, nodes, shop); err != nil {
		return nil, err
	}
	return d, nil
}

// Build assembles a Data from in-memory definitions. Load goes through it;
// tests use it directly.
func Build(items []ItemDef, titles []TitleDef, dungeons []DungeonDef, nodes []StoryNodeDef, shop []ShopEntry) (*Data, error) {
	d := &Data{
		Items:      map[uint16]ItemDef{},
		Titles:     map[uint8]TitleDef{},
		Dungeons:   map[uint16]DungeonDef{},
		StoryNodes: map[uint16]StoryNodeDef{},
		Digests:    map[string]string{},
	}
	if err := d.index(items, titles, dungeons, nodes, shop); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Data) index(items []ItemDef, titles []TitleDef, dungeons []DungeonDef, nodes []StoryNodeDef, shop []ShopEntry) error {
	d.Shop = shop
	d.lowestRarity = 255
	for _, it := range items {
		if it.ID == 0 {
			return fmt.Errorf("items: item id 0 is reserved")
		}
		if _, dup := d.Items[it.ID]; dup {
			return fmt.Errorf("items: duplicate item id %d", it.ID)
		}
		d.Items[it.ID] = it
		if it.Rarity < d.lowestRarity {
			d.lowestRarity = it.Rarity
		}
	}
	for _, ti := range titles {
		d.Titles[ti.ID] = ti
	}
	for _, du := range dungeons {
		d.Dungeons[du.ID] = du
	}
	for _, n := range nodes {
		d.StoryNodes[n.ID] = n
	}
	for _, e := range d.Shop {
		if _, ok := d.Items[e.ItemID]; !ok {
			return &protocol.DefinitionUnavailableError{Kind: "item", IDs: []uint16{e.ItemID}}
		}
	}
	return nil
}

func loadFile(dir, name string, d *Data, out any) error {
	path := filepath.Join(dir, name+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("master %s: %w", name, err)
	}
	sum := sha256.Sum256(raw)
	d.Digests[name] = hex.EncodeToString(sum[:])

	schemaPath := filepath.Join(dir, "schemas", name+".schema.json")
	if _, err := os.Stat(schemaPath); err == nil {
		schema, err := jsonschema.Compile(schemaPath)
		if err != nil {
			return fmt.Errorf("master %s: compile schema: %w", name, err)
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("master %s: %w", name, err)
		}
		if err := schema.Validate(doc); err != nil {
			return fmt.Errorf("master %s: schema: %w", name, err)
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("master %s: %w", name, err)
	}
	return nil
}

// Item resolves an item definition.
func (d *Data) Item(id uint16) (ItemDef, error) {
	it, ok := d.Items[id]
	if !ok {
		return ItemDef{}, &protocol.DefinitionUnavailableError{Kind: "item", IDs: []uint16{id}}
	}
	return it, nil
}

// Dungeon resolves a dungeon definition.
func (d *Data) Dungeon(id uint16) (DungeonDef, error) {
	du, ok := d.Dungeons[id]
	if !ok {
		return DungeonDef{}, &protocol.DefinitionUnavailableError{Kind: "dungeon", IDs: []uint16{id}}
	}
	return du, nil
}

// StoryNode resolves a story node definition.
func (d *Data) StoryNode(id uint16) (StoryNodeDef, error) {
	n, ok := d.StoryNodes[id]
	if !ok {
		return StoryNodeDef{}, &protocol.DefinitionUnavailableError{Kind: "story_node", IDs: []uint16{id}}
	}
	return n, nil
}

// LowestRarity is the floor of the rarity scale across all loaded items.
// Shop cleanup never applies to items at this rarity.
func (d *Data) LowestRarity() uint8 { return d.lowestRarity }
