package starfind

import "fmt"

// Algorithm selects the centroid strategy. The numeric values are stable
// because they are stored in configuration.
type Algorithm int

const (
	SmartThreshold Algorithm = iota
	SEPThreshold
	Centroid
	AutoThreshold
	NoThreshold
	SEPMultiStar
)

var algorithmNames = [...]string{
	SmartThreshold: "Smart",
	SEPThreshold:   "SEP",
	Centroid:       "Fast",
	AutoThreshold:  "Auto",
	NoThreshold:    "No thresh.",
	SEPMultiStar:   "SEP Multistar",
}

// AlgorithmCount is the number of selectable algorithms.
const AlgorithmCount = len(algorithmNames)

// Valid reports whether a is a known algorithm index.
func (a Algorithm) Valid() bool {
	return a >= 0 && int(a) < AlgorithmCount
}

func (a Algorithm) String() string {
	if !a.Valid() {
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
	return algorithmNames[a]
}

// AlgorithmNames returns the display names in index order.
func AlgorithmNames() []string {
	out := make([]string, AlgorithmCount)
	copy(out, algorithmNames[:])
	return out
}

// ParseAlgorithm accepts either a display name or a numeric index.
func ParseAlgorithm(s string) (Algorithm, error) {
	for i, n := range algorithmNames {
		if n == s {
			return Algorithm(i), nil
		}
	}
	var idx int
	if _, err := fmt.Sscanf(s, "%d", &idx); err == nil && Algorithm(idx).Valid() {
		return Algorithm(idx), nil
	}
	return 0, fmt.Errorf("unknown centroid algorithm %q", s)
}
