// Package tuning loads the numeric knobs of the economy from tuning.yaml.
package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	InitialGold uint32 `yaml:"initial_gold"`
	MaxGold     uint32 `yaml:"max_gold"`

	MaxCatTickets uint16 `yaml:"max_cat_tickets"`

	InitialPartySlots uint8 `yaml:"initial_party_slots"`
	MaxPartySlots     uint8 `yaml:"max_party_slots"`

	PandoraCapacity        int     `yaml:"pandora_capacity"`
	PandoraBonusMultiplier float64 `yaml:"pandora_bonus_multiplier"`

	ShopStockCap      uint16 `yaml:"shop_stock_cap"`
	ShopDisplayCap    uint16 `yaml:"shop_display_cap"`
	ShopCleanupTarget uint16 `yaml:"shop_cleanup_target"`
}

func Defaults() Tuning {
	return Tuning{
		InitialGold:            500,
		MaxGold:                10_000_000,
		MaxCatTickets:          9999,
		InitialPartySlots:      4,
		MaxPartySlots:          8,
		PandoraCapacity:        5,
		PandoraBonusMultiplier: 1.5,
		ShopStockCap:           110,
		ShopDisplayCap:         99,
		ShopCleanupTarget:      5,
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) validate() error {
	if t.MaxGold == 0 {
		return fmt.Errorf("max_gold must be positive")
	}
	if t.InitialGold > t.MaxGold {
		return fmt.Errorf("initial_gold %d exceeds max_gold %d", t.InitialGold, t.MaxGold)
	}
	if t.PandoraCapacity <= 0 {
		return fmt.Errorf("pandora_capacity must be positive")
	}
	if t.PandoraBonusMultiplier < 1 {
		return fmt.Errorf("pandora_bonus_multiplier must be >= 1")
	}
	if t.ShopDisplayCap > t.ShopStockCap {
		return fmt.Errorf("shop_display_cap %d exceeds shop_stock_cap %d", t.ShopDisplayCap, t.ShopStockCap)
	}
	return nil
}
