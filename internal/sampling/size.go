package sampling

import (
	"fmt"
	"math"

	"fieldcall-sampling/internal/models"
)

// ValidatePercentage rejects percentages outside (0, 100].
func ValidatePercentage(pct float64) error {
	if math.IsNaN(pct) || pct <= 0 || pct > 100 {
		return fmt.Errorf("%w: sampling percentage must be in (0, 100], got %v", models.ErrValidation, pct)
	}
	return nil
}

// SampleSize returns ceil(total*pct/100) clamped to [1, total], or 0 when total is 0.
func SampleSize(total int, pct float64) (int, error) {
	if err := ValidatePercentage(pct); err != nil {
		return 0, err
	}
	if total <= 0 {
		return 0, nil
	}
	// Round away float noise such as 19*10/100 = 1.9000000000000001 before ceil.
	raw := math.Round(float64(total)*pct/100*1e9) / 1e9
	n := int(math.Ceil(raw))
	if n < 1 {
		n = 1
	}
	if n > total {
		n = total
	}
	return n, nil
}
