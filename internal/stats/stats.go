// Package stats computes equipped-item stat deltas. Pure functions, no I/O.
package stats

import (
	"math"

	"nekocrawl.dev/internal/master"
)

// Field names a stat delta component. AttackCount is fractional in the
// definitions, so its delta is reported in tenths (x10 fixed point); UI
// consumers divide by 10.
type Field string

const (
	FieldHP             Field = "hp"
	FieldMP             Field = "mp"
	FieldAttack         Field = "attack"
	FieldDefense        Field = "defense"
	FieldSpeed          Field = "speed"
	FieldLuck           Field = "luck"
	FieldAttackCountX10 Field = "attack_count_x10"
	FieldCombatBonus    Field = "combat_bonus"
)

// Delta maps fields to signed contributions. Zero-valued fields are omitted.
type Delta map[Field]int

const duplicatePenaltyStep = 0.1

// DuplicateMultiplier scales the contribution of one copy when n copies of
// the same base item are equipped simultaneously. The 1st and 2nd copy count
// in full; each further copy loses 10%, floored at zero.
func DuplicateMultiplier(n int) float64 {
	if n <= 2 {
		return 1.0
	}
	m := 1.0 - float64(n-2)*duplicatePenaltyStep
	if m < 0 {
		return 0
	}
	return m
}

// EquipDelta computes the stat delta of equipping added and/or unequipping
// removed, given the per-item-id counts equipped before the change.
//
// Adding scales by the multiplier at the item's new count; removing scales by
// the multiplier at its count before removal, so a round trip is neutral.
func EquipDelta(counts map[uint16]int, added, removed *master.ItemDef) Delta {
	d := Delta{}
	if added != nil {
		newCount := counts[added.ID] + 1
		d.accumulate(added, DuplicateMultiplier(newCount), +1)
	}
	if removed != nil {
		curCount := counts[removed.ID]
		if curCount < 1 {
			curCount = 1
		}
		d.accumulate(removed, DuplicateMultiplier(curCount), -1)
	}
	if len(d) == 0 {
		return nil
	}
	return d
}

func (d Delta) accumulate(def *master.ItemDef, mult float64, sign int) {
	add := func(f Field, v int) {
		scaled := sign * roundScaled(v, mult)
		if scaled == 0 {
			return
		}
		d[f] += scaled
		if d[f] == 0 {
			delete(d, f)
		}
	}
	add(FieldHP, def.Stats.HP)
	add(FieldMP, def.Stats.MP)
	add(FieldAttack, def.Stats.Attack)
	add(FieldDefense, def.Stats.Defense)
	add(FieldSpeed, def.Stats.Speed)
	add(FieldLuck, def.Stats.Luck)
	add(FieldCombatBonus, def.CombatBonus)

	// Attack count is carried in tenths.
	add(FieldAttackCountX10, int(math.Round(def.Stats.AttackCount*10)))
}

func roundScaled(v int, mult float64) int {
	if v == 0 {
		return 0
	}
	return int(math.Round(float64(v) * mult))
}

// BoxedCombatBonus applies the pandora-box amplification to a base combat
// bonus. The unboxed value is the base itself.
func BoxedCombatBonus(base int, multiplier float64) int {
	return int(math.Round(float64(base) * multiplier))
}
