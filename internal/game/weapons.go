package game

import "time"

// WeaponKind enumerates the four weapons.
type WeaponKind string

const (
	WeaponPistol  WeaponKind = "pistol"
	WeaponRifle   WeaponKind = "rifle"
	WeaponShotgun WeaponKind = "shotgun"
	WeaponSniper  WeaponKind = "sniper"
)

// WeaponSpec is one row of the authoritative weapon table.
type WeaponSpec struct {
	Damage   float64
	Cooldown time.Duration
	Range    float64
	Speed    float64 // projectile units per tick
	Lifetime time.Duration
}

var weaponTable = map[WeaponKind]WeaponSpec{
	WeaponPistol:  {Damage: 15, Cooldown: 500 * time.Millisecond, Range: 600, Speed: 10, Lifetime: 3000 * time.Millisecond},
	WeaponRifle:   {Damage: 20, Cooldown: 400 * time.Millisecond, Range: 800, Speed: 12, Lifetime: 3500 * time.Millisecond},
	WeaponShotgun: {Damage: 35, Cooldown: 800 * time.Millisecond, Range: 400, Speed: 8, Lifetime: 2000 * time.Millisecond},
	WeaponSniper:  {Damage: 50, Cooldown: 1200 * time.Millisecond, Range: 1200, Speed: 15, Lifetime: 4000 * time.Millisecond},
}

// Spec returns the table row for a weapon; unknown kinds fall back to the
// pistol so a malformed payload can never zero out combat.
func Spec(w WeaponKind) WeaponSpec {
	if s, ok := weaponTable[w]; ok {
		return s
	}
	return weaponTable[WeaponPistol]
}

// IsValidWeapon reports table membership.
func IsValidWeapon(w WeaponKind) bool {
	_, ok := weaponTable[w]
	return ok
}

// weaponForLoot maps weapon loot to its kind.
func weaponForLoot(t LootType) (WeaponKind, bool) {
	switch t {
	case LootRifle:
		return WeaponRifle, true
	case LootShotgun:
		return WeaponShotgun, true
	case LootSniper:
		return WeaponSniper, true
	}
	return "", false
}

// lootForWeapon is the inverse mapping, used when an eliminated player's
// weapon is dropped.
func lootForWeapon(w WeaponKind) (LootType, bool) {
	switch w {
	case WeaponRifle:
		return LootRifle, true
	case WeaponShotgun:
		return LootShotgun, true
	case WeaponSniper:
		return LootSniper, true
	}
	return "", false
}

// CooldownTicks converts a weapon's cooldown to ticks, applying the
// shooter's fire-rate stacks (−20% per stack). Never below one tick.
func CooldownTicks(w WeaponKind, fireRateStacks int) int64 {
	spec := Spec(w)
	ms := float64(spec.Cooldown.Milliseconds())
	ms *= 1 - FireRateStackBonus*float64(fireRateStacks)

	// The epsilon keeps exact products such as 500ms × 0.4 from truncating
	// one tick low through float rounding.
	ticks := int64(ms*TickRate/1000 + 1e-9)
	if ticks < 1 {
		ticks = 1
	}
	return ticks
}

// lifetimeTicks converts a weapon's projectile lifetime to ticks.
func lifetimeTicks(w WeaponKind) int64 {
	return int64(Spec(w).Lifetime.Milliseconds() * TickRate / 1000)
}
