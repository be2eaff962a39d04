package stats

import (
	"testing"

	"nekocrawl.dev/internal/master"
)

func TestDuplicateMultiplier_Ladder(t *testing.T) {
	cases := map[int]float64{
		1:  1.0,
		2:  1.0,
		3:  0.9,
		4:  0.8,
		5:  0.7,
		6:  0.6,
		12: 0.0,
		20: 0.0,
	}
	for n, want := range cases {
		if got := DuplicateMultiplier(n); got != want {
			t.Fatalf("DuplicateMultiplier(%d) = %v want %v", n, got, want)
		}
	}
}

func swordDef() *master.ItemDef {
	return &master.ItemDef{
		ID:       7,
		Name:     "Claymore",
		Category: master.CategoryWeapon,
		Stats:    master.StatBlock{Attack: 10, Defense: 0, AttackCount: 0.5},
	}
}

func TestEquipDelta_AddUsesNewCount(t *testing.T) {
	def := swordDef()

	// Two copies already equipped: the third takes the 0.9 multiplier.
	d := EquipDelta(map[uint16]int{7: 2}, def, nil)
	if d[FieldAttack] != 9 {
		t.Fatalf("attack delta = %d want 9", d[FieldAttack])
	}
	// attack_count 0.5 -> 5 tenths, scaled by 0.9 -> 4.5 -> rounds to 5 (nearest).
	if d[FieldAttackCountX10] != 5 {
		t.Fatalf("attack_count delta = %d want 5", d[FieldAttackCountX10])
	}
	if _, ok := d[FieldDefense]; ok {
		t.Fatalf("zero-valued delta must be omitted: %v", d)
	}
}

func TestEquipDelta_RemoveUsesPreRemovalCount(t *testing.T) {
	def := swordDef()

	// Four copies equipped: removing one gives back the 0.8-scaled share.
	d := EquipDelta(map[uint16]int{7: 4}, nil, def)
	if d[FieldAttack] != -8 {
		t.Fatalf("attack delta = %d want -8", d[FieldAttack])
	}
}

func TestEquipDelta_AddRemoveSameItemIsNeutral(t *testing.T) {
	def := swordDef()
	// Adding at count 2 -> new count 3 (0.9); removing at count 3 -> 0.9. Net zero.
	counts := map[uint16]int{7: 2}
	add := EquipDelta(counts, def, nil)
	counts[7] = 3
	rem := EquipDelta(counts, nil, def)
	if add[FieldAttack]+rem[FieldAttack] != 0 {
		t.Fatalf("round trip not neutral: add=%v rem=%v", add, rem)
	}
}

func TestEquipDelta_EmptyIsNil(t *testing.T) {
	blank := &master.ItemDef{ID: 9}
	if d := EquipDelta(nil, blank, nil); d != nil {
		t.Fatalf("expected nil delta, got %v", d)
	}
}

func TestBoxedCombatBonus(t *testing.T) {
	if got := BoxedCombatBonus(10, 1.5); got != 15 {
		t.Fatalf("BoxedCombatBonus(10,1.5) = %d want 15", got)
	}
	if got := BoxedCombatBonus(5, 1.5); got != 8 {
		t.Fatalf("BoxedCombatBonus(5,1.5) = %d want 8", got)
	}
}
