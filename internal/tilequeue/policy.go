package tilequeue

import "time"

// Budget caps loads for one admission pass.
type Budget struct {
	MaxTotalLoading int
	MaxNewLoads     int
}

// Policy picks the Budget for a frame from the interaction state and the
// time already spent on it.
type Policy struct {
	Idle        Budget
	Interacting Budget
	// FrameBudget is the time after which an interacting frame is considered
	// to be falling behind and may not start any load.
	FrameBudget time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Idle:        Budget{MaxTotalLoading: 16, MaxNewLoads: 16},
		Interacting: Budget{MaxTotalLoading: 8, MaxNewLoads: 2},
		FrameBudget: 8 * time.Millisecond,
	}
}

// Budget returns the limits for a frame that has been running for elapsed.
func (p Policy) Budget(interacting bool, elapsed time.Duration) Budget {
	if !interacting {
		return p.Idle
	}
	if elapsed > p.FrameBudget {
		return Budget{}
	}
	return p.Interacting
}
