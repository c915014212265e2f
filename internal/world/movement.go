package world

import "math"

// PlayerHalf is the half extent of a player's square footprint.
const PlayerHalf = 2.0

type Obstacle struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Actor is the movable part of a player.
type Actor struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	IntentX float64 `json:"intentX"`
	IntentY float64 `json:"intentY"`
}

func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// Move advances an actor along its normalized intent, stopping at obstacle
// edges and the world bounds. Speed is in units per second.
func Move(actor *Actor, dt float64, obstacles []Obstacle, width, height, speed float64) {
	if actor == nil {
		return
	}
	dx, dy := actor.IntentX, actor.IntentY
	if length := math.Hypot(dx, dy); length != 0 {
		dx /= length
		dy /= length
	}
	deltaX := dx * speed * dt
	deltaY := dy * speed * dt

	newX := Clamp(actor.X+deltaX, PlayerHalf, width-PlayerHalf)
	if deltaX != 0 {
		newX = blockX(actor.X, actor.Y, newX, deltaX, obstacles, width)
	}
	newY := Clamp(actor.Y+deltaY, PlayerHalf, height-PlayerHalf)
	if deltaY != 0 {
		newY = blockY(newX, actor.Y, newY, deltaY, obstacles, height)
	}
	actor.X, actor.Y = newX, newY
}

func blockX(oldX, y, newX, deltaX float64, obstacles []Obstacle, width float64) float64 {
	for _, obs := range obstacles {
		if y < obs.Y-PlayerHalf || y > obs.Y+obs.Height+PlayerHalf {
			continue
		}
		if deltaX > 0 {
			if boundary := obs.X - PlayerHalf; oldX <= boundary && newX > boundary {
				newX = boundary
			}
		} else if boundary := obs.X + obs.Width + PlayerHalf; oldX >= boundary && newX < boundary {
			newX = boundary
		}
	}
	return Clamp(newX, PlayerHalf, width-PlayerHalf)
}

func blockY(x, oldY, newY, deltaY float64, obstacles []Obstacle, height float64) float64 {
	for _, obs := range obstacles {
		if x < obs.X-PlayerHalf || x > obs.X+obs.Width+PlayerHalf {
			continue
		}
		if deltaY > 0 {
			if boundary := obs.Y - PlayerHalf; oldY <= boundary && newY > boundary {
				newY = boundary
			}
		} else if boundary := obs.Y + obs.Height + PlayerHalf; oldY >= boundary && newY < boundary {
			newY = boundary
		}
	}
	return Clamp(newY, PlayerHalf, height-PlayerHalf)
}

func overlaps(x, y float64, obs Obstacle) bool {
	return x+PlayerHalf > obs.X && x-PlayerHalf < obs.X+obs.Width &&
		y+PlayerHalf > obs.Y && y-PlayerHalf < obs.Y+obs.Height
}

func generateObstacles(cfg Config) []Obstacle {
	rng := NewDeterministicRNG(cfg.Seed, "obstacles")
	obstacles := make([]Obstacle, 0, cfg.Obstacles)
	for i := 0; i < cfg.Obstacles; i++ {
		w := randomBetween(rng, 4, cfg.Width/6)
		h := randomBetween(rng, 4, cfg.Height/6)
		obstacles = append(obstacles, Obstacle{
			X:      randomBetween(rng, 0, cfg.Width-w),
			Y:      randomBetween(rng, 0, cfg.Height-h),
			Width:  w,
			Height: h,
		})
	}
	return obstacles
}
