package game

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/google/uuid"
)

// Map generation targets. Obstacles cover roughly a third of the map with a
// minimum separation so corridors stay walkable; crates never intersect an
// obstacle.
const (
	obstacleCoverageTarget = 0.35
	obstacleMinSeparation  = 150.0
	obstacleMinSize        = 60.0
	obstacleMaxSize        = 220.0
	crateMin               = 20
	crateMax               = 30
	maxPlacementAttempts   = 4000
)

// WorldLayout is the procedural map produced at match start.
type WorldLayout struct {
	Seed      int64
	Obstacles []*Obstacle
	Crates    map[string]*Crate
}

var crateLootTable = []LootType{
	LootRifle, LootRifle,
	LootShotgun, LootShotgun,
	LootSniper,
	LootShield, LootShield,
	LootDamageBoost, LootDamageBoost,
	LootFireRateBoost, LootFireRateBoost,
}

// GenerateWorld builds a deterministic layout for the given seed.
// Fails when no obstacle could be placed or when placement cannot satisfy
// the crate count; either would leave the match unplayable.
func GenerateWorld(seed int64) (*WorldLayout, error) {
	rng := rand.New(rand.NewSource(seed))
	layout := &WorldLayout{
		Seed:   seed,
		Crates: make(map[string]*Crate),
	}

	totalArea := MapWidth * MapHeight
	var covered float64

	attempts := 0
	for covered/totalArea < obstacleCoverageTarget && attempts < maxPlacementAttempts {
		attempts++

		w := obstacleMinSize + rng.Float64()*(obstacleMaxSize-obstacleMinSize)
		h := obstacleMinSize + rng.Float64()*(obstacleMaxSize-obstacleMinSize)
		x := rng.Float64() * (MapWidth - w)
		y := rng.Float64() * (MapHeight - h)

		candidate := &Obstacle{
			ID:  uuid.NewString(),
			Min: Vec2{x, y},
			Max: Vec2{x + w, y + h},
			Type: "rock",
			Health: 100,
		}
		if rng.Float64() < 0.25 {
			candidate.Type = "crate-wall"
			candidate.Destructible = true
		}

		if !separated(candidate, layout.Obstacles, obstacleMinSeparation) {
			continue
		}

		layout.Obstacles = append(layout.Obstacles, candidate)
		covered += w * h
	}

	if len(layout.Obstacles) == 0 {
		return nil, fmt.Errorf("map generation produced no obstacles (seed %d)", seed)
	}

	crateCount := crateMin + rng.Intn(crateMax-crateMin+1)
	placed := 0
	for attempts = 0; placed < crateCount && attempts < maxPlacementAttempts; attempts++ {
		pos := Vec2{
			X: PlayerRadius + rng.Float64()*(MapWidth-2*PlayerRadius),
			Y: PlayerRadius + rng.Float64()*(MapHeight-2*PlayerRadius),
		}

		blocked := false
		for _, o := range layout.Obstacles {
			if o.blocksCircle(pos, LootRadius) {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}

		crate := &Crate{
			ID:   uuid.NewString(),
			Pos:  pos,
			Loot: crateLootTable[rng.Intn(len(crateLootTable))],
		}
		layout.Crates[crate.ID] = crate
		placed++
	}

	if placed < crateMin {
		return nil, fmt.Errorf("map generation placed %d/%d crates (seed %d)", placed, crateMin, seed)
	}

	return layout, nil
}

// separated checks the candidate keeps the minimum gap from all placed
// obstacles.
func separated(candidate *Obstacle, placed []*Obstacle, gap float64) bool {
	for _, o := range placed {
		if candidate.Min.X-gap < o.Max.X && candidate.Max.X+gap > o.Min.X &&
			candidate.Min.Y-gap < o.Max.Y && candidate.Max.Y+gap > o.Min.Y {
			return false
		}
	}
	return true
}

// SpawnPositions places n players evenly on a circle of radius one quarter
// of the map width, centered on the map, each facing the center.
func SpawnPositions(n int) []struct {
	Pos    Vec2
	Facing float64
} {
	center := Vec2{MapWidth / 2, MapHeight / 2}
	radius := MapWidth / 4

	out := make([]struct {
		Pos    Vec2
		Facing float64
	}, n)
	for i := 0; i < n; i++ {
		angle := 2 * math.Pi * float64(i) / float64(n)
		pos := Vec2{
			X: center.X + radius*math.Cos(angle),
			Y: center.Y + radius*math.Sin(angle),
		}
		out[i].Pos = pos
		// Face the map center.
		out[i].Facing = math.Atan2(center.Y-pos.Y, center.X-pos.X)
	}
	return out
}
