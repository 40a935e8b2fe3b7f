package game

import (
	"math"
	"testing"

	"go.uber.org/zap"
)

func testWorld() *WorldLayout {
	return &WorldLayout{Crates: make(map[string]*Crate)}
}

func testEngine(t *testing.T, seeds ...Seed) *Engine {
	t.Helper()
	return NewEngine("test-match", seeds, testWorld(), zap.NewNop())
}

func seed(id string, x, y float64) Seed {
	return Seed{UserID: id, Username: id, Pos: Vec2{x, y}}
}

// stepN drives the simulation synchronously without the ticker.
func stepN(e *Engine, n int) {
	for i := 0; i < n; i++ {
		e.step()
	}
}

func TestPistolDamageAtRange(t *testing.T) {
	e := testEngine(t, seed("a", 500, 500), seed("b", 600, 500))

	if err := e.PushInput(Input{UserID: "a", Shoot: true, AimAngle: 0}); err != nil {
		t.Fatalf("PushInput: %v", err)
	}
	stepN(e, 20)

	b := e.players["b"]
	if b.Health != 85 {
		t.Errorf("expected health 85 after pistol hit, got %v", b.Health)
	}
	if !b.Alive {
		t.Error("player should survive a single pistol hit")
	}
	if got := e.players["a"].DamageDealt; got != 15 {
		t.Errorf("expected damage attribution 15, got %v", got)
	}
	if len(e.projectiles) != 0 {
		t.Errorf("projectile should be retired after hit, %d remain", len(e.projectiles))
	}
}

func TestShieldAbsorbsBeforeHealth(t *testing.T) {
	e := testEngine(t, seed("a", 500, 500), seed("b", 600, 500))
	b := e.players["b"]
	b.AddShieldStack()

	_ = e.PushInput(Input{UserID: "a", Shoot: true, AimAngle: 0})
	stepN(e, 20)

	if b.Shield != 35 {
		t.Errorf("expected shield 35, got %v", b.Shield)
	}
	if b.Health != 100 {
		t.Errorf("health should be untouched while shield holds, got %v", b.Health)
	}
}

func TestOverkillTransitionsAliveOnce(t *testing.T) {
	e := testEngine(t, seed("a", 500, 500), seed("b", 600, 500))
	a, b := e.players["a"], e.players["b"]
	a.GiveWeapon(WeaponSniper)
	b.Health = 10

	_ = e.PushInput(Input{UserID: "a", Shoot: true, AimAngle: 0})
	stepN(e, 20)

	if b.Health != 0 {
		t.Errorf("health must clamp at 0, got %v", b.Health)
	}
	if b.Alive {
		t.Error("player should be dead")
	}
	if a.Kills != 1 {
		t.Errorf("killer should be credited exactly once, got %d", a.Kills)
	}
	if e.AliveCount() != 1 {
		t.Errorf("alive count should be 1, got %d", e.AliveCount())
	}
	if len(e.deathOrder) != 1 || e.deathOrder[0] != "b" {
		t.Errorf("death order wrong: %v", e.deathOrder)
	}
}

func TestNoResurrection(t *testing.T) {
	e := testEngine(t, seed("a", 500, 500), seed("b", 600, 500))
	b := e.players["b"]
	e.kill(b)

	// Further shots must not touch a dead player or re-kill them.
	_ = e.PushInput(Input{UserID: "a", Shoot: true, AimAngle: 0})
	stepN(e, 80)

	if b.Alive {
		t.Error("dead players stay dead")
	}
	if len(e.deathOrder) != 1 {
		t.Errorf("death recorded more than once: %v", e.deathOrder)
	}
	if e.players["a"].Kills != 0 {
		t.Error("no kill credit for shooting a corpse")
	}
}

func TestFireCooldown(t *testing.T) {
	// Target far off the firing line so projectiles just fly.
	e := testEngine(t, seed("a", 100, 100), seed("b", 100, 1900))

	_ = e.PushInput(Input{UserID: "a", Shoot: true, AimAngle: 0})
	e.step() // fires at tick 1
	if len(e.projectiles) != 1 {
		t.Fatalf("first shot should fire, projectiles=%d", len(e.projectiles))
	}

	stepN(e, 9) // tick 10
	_ = e.PushInput(Input{UserID: "a", Shoot: true, AimAngle: 0})
	e.step() // tick 11, 10 ticks since fire < 15
	if len(e.projectiles) != 1 {
		t.Fatalf("shot inside cooldown must be ignored, projectiles=%d", len(e.projectiles))
	}

	stepN(e, 4) // tick 15
	_ = e.PushInput(Input{UserID: "a", Shoot: true, AimAngle: 0})
	e.step() // tick 16, 15 ticks since fire
	if len(e.projectiles) != 2 {
		t.Fatalf("shot after cooldown must fire, projectiles=%d", len(e.projectiles))
	}
}

func TestProjectileRetiresAtMaxRange(t *testing.T) {
	e := testEngine(t, seed("a", 100, 1000))

	_ = e.PushInput(Input{UserID: "a", Shoot: true, AimAngle: 0})
	// Pistol range 600 at speed 10: retired well within 80 ticks.
	stepN(e, 80)

	if len(e.projectiles) != 0 {
		t.Errorf("projectile should retire at max range, %d remain", len(e.projectiles))
	}
}

func TestSafeZoneGraceAndShrink(t *testing.T) {
	e := testEngine(t, seed("a", 30, 30))
	a := e.players["a"]

	// Inside the grace window: no shrink, no damage.
	e.tick = 100
	e.advanceSafeZone()
	if e.zone.CurrentRadius != SafeZoneInitialRadius {
		t.Errorf("zone must not shrink during grace, radius=%v", e.zone.CurrentRadius)
	}
	if a.Health != MaxHealth {
		t.Errorf("no zone damage during grace, health=%v", a.Health)
	}

	// Midway through the shrink the radius is halfway to the floor.
	e.tick = SafeZoneGraceTicks + SafeZoneShrinkTicks/2
	e.advanceSafeZone()
	want := (SafeZoneInitialRadius + SafeZoneMinRadius) / 2
	if math.Abs(e.zone.CurrentRadius-want) > 1 {
		t.Errorf("expected radius ~%v at midpoint, got %v", want, e.zone.CurrentRadius)
	}

	// Fully shrunk: radius at the floor, outsiders take damage per tick.
	e.tick = SafeZoneGraceTicks + SafeZoneShrinkTicks
	healthBefore := a.Health
	e.advanceSafeZone()
	if e.zone.CurrentRadius != SafeZoneMinRadius {
		t.Errorf("radius should reach floor %v, got %v", SafeZoneMinRadius, e.zone.CurrentRadius)
	}
	if a.Health != healthBefore-SafeZoneDamagePerTick {
		t.Errorf("expected %v zone damage, health %v → %v",
			SafeZoneDamagePerTick, healthBefore, a.Health)
	}
}

func TestMovementAndObstacleResolution(t *testing.T) {
	e := testEngine(t, seed("a", 500, 500))
	e.obstacles = []*Obstacle{{
		ID:  "o1",
		Min: Vec2{520, 480},
		Max: Vec2{560, 520},
	}}

	e.intents["a"] = Input{Right: true}
	e.movePlayers()

	a := e.players["a"]
	if a.Pos.X != 500 {
		t.Errorf("x-axis movement into obstacle must be zeroed, x=%v", a.Pos.X)
	}
	if a.Vel.X != 0 {
		t.Errorf("velocity x should be zeroed on collision, got %v", a.Vel.X)
	}

	// Diagonal against the same wall still slides on the free axis.
	e.intents["a"] = Input{Right: true, Down: true}
	e.movePlayers()
	if a.Pos.Y <= 500 {
		t.Errorf("y-axis should stay free, y=%v", a.Pos.Y)
	}
}

func TestMapBoundsClamp(t *testing.T) {
	e := testEngine(t, seed("a", PlayerRadius, 500))
	e.intents["a"] = Input{Left: true}

	for i := 0; i < 10; i++ {
		e.movePlayers()
	}
	if got := e.players["a"].Pos.X; got != PlayerRadius {
		t.Errorf("player must be clamped at map edge, x=%v", got)
	}
}

func TestCratePickupAppliesEffect(t *testing.T) {
	e := testEngine(t, seed("a", 500, 500))
	crate := &Crate{ID: "c1", Pos: Vec2{515, 500}, Loot: LootShield}
	e.crates["c1"] = crate

	events := e.resolvePickups()

	if !crate.Opened {
		t.Error("crate in range should open")
	}
	if e.players["a"].ShieldStacks != 1 {
		t.Errorf("shield stack should apply, got %d", e.players["a"].ShieldStacks)
	}
	if len(events) != 1 || !events[0].Applied {
		t.Errorf("pickup event should report success: %+v", events)
	}

	// A second pass cannot reopen the crate.
	if more := e.resolvePickups(); len(more) != 0 {
		t.Errorf("opened crate must not fire again: %+v", more)
	}
}

func TestWeaponPickupSwapsAndDropsOnDeath(t *testing.T) {
	e := testEngine(t, seed("a", 500, 500), seed("b", 1500, 1500))
	e.crates["c1"] = &Crate{ID: "c1", Pos: Vec2{510, 500}, Loot: LootSniper}

	e.resolvePickups()
	a := e.players["a"]
	if a.Weapon != WeaponSniper {
		t.Fatalf("expected sniper equipped, got %s", a.Weapon)
	}
	if !a.HasWeapon(WeaponPistol) {
		t.Error("pistol stays in the loadout")
	}

	e.kill(a)
	if len(e.loot) != 1 {
		t.Fatalf("dead player's weapon should drop as loot, got %d items", len(e.loot))
	}
	for _, l := range e.loot {
		if l.Type != LootSniper {
			t.Errorf("dropped loot should match weapon, got %s", l.Type)
		}
	}
}

func TestExplicitCollectValidatesRange(t *testing.T) {
	e := testEngine(t, seed("a", 500, 500))
	e.crates["far"] = &Crate{ID: "far", Pos: Vec2{900, 900}, Loot: LootShield}

	ev := e.collect(e.players["a"], "far")
	if ev.Applied {
		t.Error("out-of-range collect must not apply")
	}
	if e.crates["far"].Opened {
		t.Error("out-of-range collect must not open the crate")
	}
}

func TestSwitchWeaponRequiresOwnership(t *testing.T) {
	e := testEngine(t, seed("a", 500, 500))
	a := e.players["a"]

	e.switchWeapon(a, WeaponSniper)
	if a.Weapon != WeaponPistol {
		t.Errorf("cannot switch to an unowned weapon, got %s", a.Weapon)
	}

	a.GiveWeapon(WeaponRifle)
	e.switchWeapon(a, WeaponPistol)
	if a.Weapon != WeaponPistol {
		t.Errorf("switch to owned weapon should work, got %s", a.Weapon)
	}
}

func TestRankingsLastAliveFirst(t *testing.T) {
	e := testEngine(t, seed("a", 100, 100), seed("b", 200, 200), seed("c", 300, 300))
	e.players["a"].Kills = 2

	e.tick = 5
	e.kill(e.players["b"])
	e.tick = 10
	e.kill(e.players["c"])

	rankings := e.computeRankings()
	if len(rankings) != 3 {
		t.Fatalf("expected 3 rankings, got %d", len(rankings))
	}
	want := []string{"a", "c", "b"} // survivor, then later death, then earlier
	for i, r := range rankings {
		if r.UserID != want[i] {
			t.Errorf("placement %d: expected %s, got %s", i+1, want[i], r.UserID)
		}
		if r.Placement != i+1 {
			t.Errorf("placement field wrong: %+v", r)
		}
	}
}

func TestDamageSplitInvariant(t *testing.T) {
	p := newPlayer("p", "p", Vec2{0, 0}, 0)
	p.AddShieldStack() // shield 50

	shieldDelta, healthDelta := p.ApplyDamage(70)
	if shieldDelta != 50 || healthDelta != 20 {
		t.Errorf("expected 50/20 split, got %v/%v", shieldDelta, healthDelta)
	}
	if shieldDelta+healthDelta != 70 {
		t.Error("deltas must sum to the damage dealt")
	}
	if p.Health != 80 || p.Shield != 0 {
		t.Errorf("state after split wrong: health=%v shield=%v", p.Health, p.Shield)
	}
}

func TestStackCapsEnforcedInMutators(t *testing.T) {
	p := newPlayer("p", "p", Vec2{0, 0}, 0)

	for i := 0; i < 5; i++ {
		p.AddShieldStack()
		p.AddDamageStack()
		p.AddFireRateStack()
	}
	if p.ShieldStacks != MaxStacks || p.DamageStacks != MaxStacks || p.FireRateStacks != MaxStacks {
		t.Errorf("stacks must cap at %d: %d/%d/%d",
			MaxStacks, p.ShieldStacks, p.DamageStacks, p.FireRateStacks)
	}
	if p.Shield != ShieldPerStack*MaxStacks {
		t.Errorf("shield HP must cap at %v, got %v", ShieldPerStack*MaxStacks, p.Shield)
	}
}

func TestDamageStacksScaleProjectiles(t *testing.T) {
	e := testEngine(t, seed("a", 500, 500), seed("b", 600, 500))
	a := e.players["a"]
	a.AddDamageStack()
	a.AddDamageStack()

	_ = e.PushInput(Input{UserID: "a", Shoot: true, AimAngle: 0})
	stepN(e, 20)

	// 15 × (1 + 0.15×2) = 19.5
	if got := MaxHealth - e.players["b"].Health; math.Abs(got-19.5) > 1e-9 {
		t.Errorf("expected 19.5 damage with 2 stacks, got %v", got)
	}
}

func TestInputQueueBackpressure(t *testing.T) {
	e := testEngine(t, seed("a", 500, 500))

	var full bool
	for i := 0; i < inputQueueSize+10; i++ {
		if err := e.PushInput(Input{UserID: "a"}); err != nil {
			full = true
			break
		}
	}
	if !full {
		t.Error("input queue must bound and reject, not block")
	}
}

func TestSnapshotDropNewestWhenSlow(t *testing.T) {
	e := testEngine(t, seed("a", 500, 500))

	// Nobody drains the snapshot channel; the simulation must keep going.
	stepN(e, snapshotQueueSize+5)
	if e.tick != int64(snapshotQueueSize+5) {
		t.Errorf("simulation blocked on slow consumer, tick=%d", e.tick)
	}
}
