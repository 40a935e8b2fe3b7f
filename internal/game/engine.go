package game

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"blastio-server/internal/metrics"
)

const (
	inputQueueSize    = 1024
	snapshotQueueSize = 8
)

var ErrInputQueueFull = errors.New("game: input queue full")

// Seed describes one player joining the simulation at start.
type Seed struct {
	UserID   string
	Username string
	Pos      Vec2
	Facing   float64
}

// Engine runs one match's simulation. Single-writer: only the run goroutine
// touches mutable state. Inputs come in through a bounded queue; state goes
// out through the snapshot channel, which the engine closes when it stops.
type Engine struct {
	matchID string
	logger  *zap.Logger

	players     map[string]*Player
	projectiles []*Projectile
	loot        map[string]*Loot
	crates      map[string]*Crate
	obstacles   []*Obstacle
	zone        SafeZone

	tick       int64
	aliveCount atomic.Int32

	// Order of deaths, earliest first; drives final placement.
	deathOrder []string

	// Per-user movement intent, refreshed by the latest input each tick.
	intents map[string]Input

	inputs    chan Input
	snapshots chan *Snapshot

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	resultMu sync.Mutex
	rankings []Ranking
}

// NewEngine seeds the simulation with the generated world and the players'
// spawn placements.
func NewEngine(matchID string, seeds []Seed, world *WorldLayout, logger *zap.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		matchID:   matchID,
		logger:    logger.With(zap.String("matchId", matchID)),
		players:   make(map[string]*Player, len(seeds)),
		loot:      make(map[string]*Loot),
		crates:    world.Crates,
		obstacles: world.Obstacles,
		zone: SafeZone{
			Center:         Vec2{MapWidth / 2, MapHeight / 2},
			CurrentRadius:  SafeZoneInitialRadius,
			TargetRadius:   SafeZoneMinRadius,
			NextShrinkTick: SafeZoneGraceTicks,
		},
		intents:   make(map[string]Input),
		inputs:    make(chan Input, inputQueueSize),
		snapshots: make(chan *Snapshot, snapshotQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	for _, s := range seeds {
		e.players[s.UserID] = newPlayer(s.UserID, s.Username, s.Pos, s.Facing)
	}
	e.aliveCount.Store(int32(len(seeds)))

	return e
}

// Start launches the tick loop.
func (e *Engine) Start() {
	go e.run()
}

// Stop asks the loop to finish. The snapshot channel closes once the final
// tick completes; rankings are available after Done.
func (e *Engine) Stop() {
	e.cancel()
}

// Done closes when the loop has exited and final rankings are computed.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Snapshots is the broadcast stream. Closed by the engine on stop; channel
// closure is normal termination for receivers.
func (e *Engine) Snapshots() <-chan *Snapshot {
	return e.snapshots
}

// AliveCount is safe to read from the end-condition monitor.
func (e *Engine) AliveCount() int {
	return int(e.aliveCount.Load())
}

// PushInput enqueues a control frame without blocking the router.
func (e *Engine) PushInput(in Input) error {
	if in.Received.IsZero() {
		in.Received = time.Now()
	}
	select {
	case e.inputs <- in:
		return nil
	case <-e.ctx.Done():
		return context.Canceled
	default:
		return ErrInputQueueFull
	}
}

// FinalRankings returns the standings computed when the engine stopped.
func (e *Engine) FinalRankings() []Ranking {
	e.resultMu.Lock()
	defer e.resultMu.Unlock()
	out := make([]Ranking, len(e.rankings))
	copy(out, e.rankings)
	return out
}

func (e *Engine) run() {
	defer close(e.done)
	defer close(e.snapshots)

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	e.logger.Info("engine started", zap.Int("players", len(e.players)))

	for {
		select {
		case <-e.ctx.Done():
			e.finish()
			return
		case <-ticker.C:
			start := time.Now()
			e.step()
			metrics.TickDuration.Observe(time.Since(start).Seconds())
		}
	}
}

func (e *Engine) finish() {
	e.resultMu.Lock()
	e.rankings = e.computeRankings()
	e.resultMu.Unlock()
	e.logger.Info("engine stopped", zap.Int64("ticks", e.tick))
}

// step advances the world one tick. The order (inputs including fire,
// movement, projectiles, zone, loot, snapshot) is the authoritative
// sequencing; shots spawn from the position held before this tick's
// movement.
func (e *Engine) step() {
	e.tick++

	events := e.applyInputs()
	e.movePlayers()
	e.advanceProjectiles()
	e.advanceSafeZone()
	events = append(events, e.resolvePickups()...)
	e.publishSnapshot(events)
}

// applyInputs drains the queue. Movement/aim intent keeps only the latest
// frame per user; fire and action requests are processed in arrival order
// so inputs from the same user can never reorder.
func (e *Engine) applyInputs() []PickupEvent {
	var events []PickupEvent

	for {
		select {
		case in := <-e.inputs:
			p, ok := e.players[in.UserID]
			if !ok || !p.Alive {
				continue
			}

			// Inputs older than the lag-compensation window are clamped to
			// the current tick rather than rewound.
			if in.ClientTime > 0 {
				age := time.Since(time.UnixMilli(in.ClientTime))
				if age > LagCompWindow {
					in.Tick = e.tick
				}
			}

			if in.SwitchWeapon != nil {
				e.switchWeapon(p, *in.SwitchWeapon)
				continue
			}
			if in.CollectLootID != "" {
				events = append(events, e.collect(p, in.CollectLootID))
				continue
			}

			e.intents[in.UserID] = in
			p.Rotation = in.AimAngle
			if in.Shoot {
				e.tryFire(p, in)
			}
		default:
			return events
		}
	}
}

func (e *Engine) switchWeapon(p *Player, w WeaponKind) {
	if IsValidWeapon(w) && p.HasWeapon(w) {
		p.Weapon = w
	}
}

// movePlayers advances every alive player by its intent, clamped to map
// bounds and resolved against obstacles axis by axis.
func (e *Engine) movePlayers() {
	for id, p := range e.players {
		if !p.Alive {
			continue
		}

		in, ok := e.intents[id]
		if !ok {
			p.Vel = Vec2{}
			continue
		}

		dir := Vec2{}
		if in.Up {
			dir.Y -= 1
		}
		if in.Down {
			dir.Y += 1
		}
		if in.Left {
			dir.X -= 1
		}
		if in.Right {
			dir.X += 1
		}
		p.Vel = dir.Normalize().Scale(BaseSpeed)

		// Axis-separated sweep: on collision the offending axis is zeroed.
		next := Vec2{p.Pos.X + p.Vel.X, p.Pos.Y}
		if e.blocked(next) {
			p.Vel.X = 0
			next.X = p.Pos.X
		}
		next.Y = p.Pos.Y + p.Vel.Y
		if e.blocked(next) {
			p.Vel.Y = 0
			next.Y = p.Pos.Y
		}

		next.X = clamp(next.X, PlayerRadius, MapWidth-PlayerRadius)
		next.Y = clamp(next.Y, PlayerRadius, MapHeight-PlayerRadius)
		p.Pos = next
	}
}

func (e *Engine) blocked(pos Vec2) bool {
	for _, o := range e.obstacles {
		if o.blocksCircle(pos, PlayerRadius) {
			return true
		}
	}
	return false
}

// tryFire spawns a projectile when the weapon cooldown (with fire-rate
// stacks applied) has elapsed. Damage is captured from the shooter's
// current damage stacks at spawn time.
func (e *Engine) tryFire(p *Player, in Input) {
	cd := CooldownTicks(p.Weapon, p.FireRateStacks)
	if p.LastFireTick != 0 && e.tick-p.LastFireTick < cd {
		return
	}
	p.LastFireTick = e.tick

	spec := Spec(p.Weapon)
	aim := Vec2{math.Cos(in.AimAngle), math.Sin(in.AimAngle)}
	muzzle := p.Pos.Add(aim.Scale(PlayerRadius + ProjectileRadius))

	e.projectiles = append(e.projectiles, &Projectile{
		ID:         uuid.NewString(),
		OwnerID:    p.UserID,
		Pos:        muzzle,
		Start:      muzzle,
		Vel:        aim.Scale(spec.Speed),
		Damage:     spec.Damage * p.DamageMultiplier(),
		Weapon:     p.Weapon,
		SpawnTick:  e.tick,
		ClientTime: in.ClientTime,
		MaxRange:   spec.Range,
		ExpireTick: e.tick + lifetimeTicks(p.Weapon),
	})
}

// advanceProjectiles moves shots and retires them on lifetime expiry, range
// exceeded, obstacle hit or player hit.
func (e *Engine) advanceProjectiles() {
	n := 0
	for _, pr := range e.projectiles {
		pr.Pos = pr.Pos.Add(pr.Vel)

		if e.tick >= pr.ExpireTick || pr.Traveled() > pr.MaxRange {
			continue
		}

		if e.projectileBlocked(pr.Pos) {
			continue
		}

		if victim := e.hitTest(pr); victim != nil {
			e.applyHit(pr, victim)
			continue
		}

		e.projectiles[n] = pr
		n++
	}
	e.projectiles = e.projectiles[:n]
}

func (e *Engine) projectileBlocked(pos Vec2) bool {
	for _, o := range e.obstacles {
		if o.blocksCircle(pos, ProjectileRadius) {
			return true
		}
	}
	return false
}

// hitTest finds the first alive player (not the owner) within the combined
// radii.
func (e *Engine) hitTest(pr *Projectile) *Player {
	const hitDist = PlayerRadius + ProjectileRadius
	for _, p := range e.players {
		if !p.Alive || p.UserID == pr.OwnerID {
			continue
		}
		if p.Pos.Sub(pr.Pos).Len() <= hitDist {
			return p
		}
	}
	return nil
}

// applyHit routes damage shield-first, credits the shooter and handles the
// alive→dead transition, which happens exactly once per life.
func (e *Engine) applyHit(pr *Projectile, victim *Player) {
	shieldDelta, healthDelta := victim.ApplyDamage(pr.Damage)

	if owner, ok := e.players[pr.OwnerID]; ok {
		owner.DamageDealt += shieldDelta + healthDelta
		if victim.Health <= 0 && victim.Alive {
			owner.Kills++
		}
	}

	if victim.Health <= 0 && victim.Alive {
		e.kill(victim)
	}
}

func (e *Engine) kill(p *Player) {
	p.Alive = false
	p.DeathTick = e.tick
	e.deathOrder = append(e.deathOrder, p.UserID)
	e.aliveCount.Add(-1)

	// The victim's weapon stays in play as ground loot.
	if p.Weapon != WeaponPistol {
		if t, ok := lootForWeapon(p.Weapon); ok {
			l := &Loot{ID: uuid.NewString(), Type: t, Pos: p.Pos}
			e.loot[l.ID] = l
		}
	}

	e.logger.Debug("player eliminated",
		zap.String("userId", p.UserID),
		zap.Int64("tick", e.tick))
}

// advanceSafeZone shrinks the zone and damages anyone outside it.
func (e *Engine) advanceSafeZone() {
	e.zone.advance(e.tick)

	if e.tick < SafeZoneGraceTicks {
		return
	}
	for _, p := range e.players {
		if !p.Alive || e.zone.Contains(p.Pos) {
			continue
		}
		p.ApplyDamage(SafeZoneDamagePerTick)
		if p.Health <= 0 {
			e.kill(p)
		}
	}
}

// resolvePickups opens crates and collects ground loot for alive players
// within pickup range, and reports each outcome.
func (e *Engine) resolvePickups() []PickupEvent {
	var events []PickupEvent

	for _, p := range e.players {
		if !p.Alive {
			continue
		}

		for _, crate := range e.crates {
			if crate.Opened {
				continue
			}
			if p.Pos.Sub(crate.Pos).Len() <= LootRadius {
				crate.Opened = true
				applied := e.applyLootEffect(p, crate.Loot)
				events = append(events, PickupEvent{
					UserID:  p.UserID,
					LootID:  crate.ID,
					Type:    crate.Loot,
					Applied: applied,
				})
			}
		}

		for id, l := range e.loot {
			if p.Pos.Sub(l.Pos).Len() <= LootRadius {
				applied := e.applyLootEffect(p, l.Type)
				if applied {
					delete(e.loot, id)
				}
				events = append(events, PickupEvent{
					UserID:  p.UserID,
					LootID:  id,
					Type:    l.Type,
					Applied: applied,
				})
			}
		}
	}
	return events
}

// collect is the explicit collect_loot request path; distance is still
// validated server-side.
func (e *Engine) collect(p *Player, lootID string) PickupEvent {
	ev := PickupEvent{UserID: p.UserID, LootID: lootID}

	if crate, ok := e.crates[lootID]; ok && !crate.Opened {
		ev.Type = crate.Loot
		if p.Pos.Sub(crate.Pos).Len() <= LootRadius {
			crate.Opened = true
			ev.Applied = e.applyLootEffect(p, crate.Loot)
		}
		return ev
	}

	if l, ok := e.loot[lootID]; ok {
		ev.Type = l.Type
		if p.Pos.Sub(l.Pos).Len() <= LootRadius {
			ev.Applied = e.applyLootEffect(p, l.Type)
			if ev.Applied {
				delete(e.loot, lootID)
			}
		}
	}
	return ev
}

// applyLootEffect applies a pickup: weapon swap or a capped stack bump.
func (e *Engine) applyLootEffect(p *Player, t LootType) bool {
	if w, ok := weaponForLoot(t); ok {
		p.GiveWeapon(w)
		return true
	}
	switch t {
	case LootShield:
		return p.AddShieldStack()
	case LootDamageBoost:
		return p.AddDamageStack()
	case LootFireRateBoost:
		return p.AddFireRateStack()
	}
	return false
}

// publishSnapshot builds the per-tick copy and pushes it without blocking:
// when the consumer lags, the snapshot is dropped, never the simulation.
func (e *Engine) publishSnapshot(events []PickupEvent) {
	snap := &Snapshot{
		Tick:  e.tick,
		Phase: "playing",
		SafeZone: SafeZoneView{
			Center:         e.zone.Center,
			CurrentRadius:  e.zone.CurrentRadius,
			TargetRadius:   e.zone.TargetRadius,
			NextShrinkTick: e.zone.NextShrinkTick,
		},
		Rankings: e.computeRankings(),
		Events:   events,
	}

	snap.Players = make([]PlayerView, 0, len(e.players))
	for _, p := range e.players {
		snap.Players = append(snap.Players, PlayerView{
			UserID:   p.UserID,
			Username: p.Username,
			Position: p.Pos,
			Velocity: p.Vel,
			Rotation: p.Rotation,
			Health:   p.Health,
			Shield:   p.Shield,
			Weapon:   p.Weapon,
			Kills:    p.Kills,
			IsAlive:  p.Alive,
		})
	}
	sort.Slice(snap.Players, func(i, j int) bool {
		return snap.Players[i].UserID < snap.Players[j].UserID
	})

	snap.Projectiles = make([]ProjectileView, 0, len(e.projectiles))
	for _, pr := range e.projectiles {
		snap.Projectiles = append(snap.Projectiles, ProjectileView{
			ID:       pr.ID,
			OwnerID:  pr.OwnerID,
			Position: pr.Pos,
			Velocity: pr.Vel,
			Weapon:   pr.Weapon,
		})
	}

	snap.Loot = make([]LootView, 0, len(e.loot))
	for _, l := range e.loot {
		snap.Loot = append(snap.Loot, LootView{ID: l.ID, Type: l.Type, Position: l.Pos})
	}

	snap.Crates = make([]CrateView, 0, len(e.crates))
	for _, c := range e.crates {
		snap.Crates = append(snap.Crates, CrateView{ID: c.ID, Position: c.Pos, Opened: c.Opened})
	}

	select {
	case e.snapshots <- snap:
	default:
		metrics.SnapshotsDropped.Inc()
	}
}

// computeRankings orders last-alive-first, then kills descending. Alive
// players share the top placements; the dead rank by reverse death order.
func (e *Engine) computeRankings() []Ranking {
	alive := make([]*Player, 0, len(e.players))
	for _, p := range e.players {
		if p.Alive {
			alive = append(alive, p)
		}
	}
	sort.Slice(alive, func(i, j int) bool {
		if alive[i].Kills != alive[j].Kills {
			return alive[i].Kills > alive[j].Kills
		}
		return alive[i].UserID < alive[j].UserID
	})

	rankings := make([]Ranking, 0, len(e.players))
	place := 1
	for _, p := range alive {
		rankings = append(rankings, Ranking{
			UserID:      p.UserID,
			Username:    p.Username,
			Placement:   place,
			Kills:       p.Kills,
			DamageDealt: p.DamageDealt,
		})
		place++
	}

	// Later deaths place higher.
	for i := len(e.deathOrder) - 1; i >= 0; i-- {
		p := e.players[e.deathOrder[i]]
		rankings = append(rankings, Ranking{
			UserID:      p.UserID,
			Username:    p.Username,
			Placement:   place,
			Kills:       p.Kills,
			DamageDealt: p.DamageDealt,
		})
		place++
	}
	return rankings
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
