package guide

import (
	"fmt"
	"math"
)

// Vector is an (x, y, mass) triple in either pixel or arcsecond space. The
// space is not tracked; callers know which one they hold. Mass -1 marks an
// unknown or irrelevant mass.
type Vector struct {
	X    float64
	Y    float64
	Mass float64
}

// NoStar is the sentinel returned by star locators when nothing was found.
var NoStar = Vector{X: -1, Y: -1, Mass: -1}

// Found reports whether v is a usable star position. The sentinel and NaN
// coordinates both count as "no star".
func (v Vector) Found() bool {
	if math.IsNaN(v.X) || math.IsNaN(v.Y) {
		return false
	}
	return !(v.X == -1 && v.Y == -1)
}

// Add returns v + o. Mass is taken from v.
func (v Vector) Add(o Vector) Vector {
	return Vector{X: v.X + o.X, Y: v.Y + o.Y, Mass: v.Mass}
}

// Sub returns v - o. Mass is taken from v.
func (v Vector) Sub(o Vector) Vector {
	return Vector{X: v.X - o.X, Y: v.Y - o.Y, Mass: v.Mass}
}

// Scale multiplies both coordinates by k.
func (v Vector) Scale(k float64) Vector {
	return Vector{X: v.X * k, Y: v.Y * k, Mass: v.Mass}
}

// Len is the Euclidean length of the (x, y) part.
func (v Vector) Len() float64 {
	return math.Hypot(v.X, v.Y)
}

func (v Vector) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.1f)", v.X, v.Y, v.Mass)
}
