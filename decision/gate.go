package decision

import (
	"fmt"

	"agentarena/ledger"
)

// ExposureGate rejects opens that would push total notional past the ceiling.
type ExposureGate struct {
	Ceiling float64
}

// Check returns ledger.ErrExposureExceeded when exposure+notional > balance*Ceiling.
func (g ExposureGate) Check(balance, exposure, notional float64) error {
	limit := balance * g.Ceiling
	if balance <= 0 || exposure+notional > limit+1e-9 {
		return fmt.Errorf("%w: %.2f + %.2f > %.2f", ledger.ErrExposureExceeded, exposure, notional, limit)
	}
	return nil
}
