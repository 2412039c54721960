package attribution

import "github.com/sells-group/attribution-cli/internal/model"

// Credit split. A single touch gets only the last-touch share; the
// first-touch share is not reassigned.
const (
	FirstTouchWeight  = 0.4
	LastTouchWeight   = 0.4
	MiddlePoolWeight  = 0.2
	SingleTouchWeight = 0.6
	OrganicWeight     = 1.0
)

// Weights is the credit split for a chain of length N.
type Weights struct {
	First   float64
	Middles []float64 // len N-2 for N >= 3, else empty
	Last    float64
}

// Total sums every share.
func (w Weights) Total() float64 {
	t := w.First + w.Last
	for _, m := range w.Middles {
		t += m
	}
	return t
}

// Weigh returns the credit split for an ordered chain (oldest first). It
// depends only on the chain length, never on how the chain was obtained.
func Weigh(chain []model.Touch) Weights {
	n := len(chain)
	switch n {
	case 0:
		return Weights{First: OrganicWeight}
	case 1:
		return Weights{Last: SingleTouchWeight}
	case 2:
		return Weights{First: FirstTouchWeight, Last: LastTouchWeight}
	}
	middles := make([]float64, n-2)
	each := MiddlePoolWeight / float64(n-2)
	for i := range middles {
		middles[i] = each
	}
	return Weights{First: FirstTouchWeight, Middles: middles, Last: LastTouchWeight}
}
