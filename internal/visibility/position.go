package visibility

import (
	"fmt"
	"math"
)

// LocaleID partitions space. Distance across locales is undefined.
type LocaleID string

type Position struct {
	X, Y, Z float64
	Locale  LocaleID
}

func (p Position) Validate() error {
	for _, v := range [...]float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite coordinate in %s", ErrInvalidPosition, p)
		}
	}
	if p.Locale == "" {
		return fmt.Errorf("%w: empty locale", ErrInvalidPosition)
	}
	return nil
}

// DistanceSq is the squared Euclidean distance to o. The Y axis is skipped
// when vertical is false. Callers check the locale first.
func (p Position) DistanceSq(o Position, vertical bool) float64 {
	dx := p.X - o.X
	dz := p.Z - o.Z
	d := dx*dx + dz*dz
	if vertical {
		dy := p.Y - o.Y
		d += dy * dy
	}
	return d
}

// Offset returns p moved by (dx, dy, dz) in the same locale.
func (p Position) Offset(dx, dy, dz float64) Position {
	return Position{X: p.X + dx, Y: p.Y + dy, Z: p.Z + dz, Locale: p.Locale}
}

func (p Position) String() string {
	return fmt.Sprintf("%s(%.2f, %.2f, %.2f)", p.Locale, p.X, p.Y, p.Z)
}
