// Package status classifies probe outcomes into health statuses.
package status

import (
	"time"

	"github.com/pilot-net/healthmon/pkg/types"
)

// Classify maps a probe outcome to a status.
//
// A failed probe is always critical. Otherwise the response time is compared
// against the critical threshold, then the warning threshold; the first match
// wins. A threshold of zero is disabled.
func Classify(success bool, responseTime time.Duration, t types.Thresholds) types.CheckStatus {
	if !success {
		return types.StatusCritical
	}

	ms := float64(responseTime) / float64(time.Millisecond)
	rt := t.ResponseTime

	if rt.Critical > 0 && ms >= rt.Critical {
		return types.StatusCritical
	}
	if rt.Warning > 0 && ms >= rt.Warning {
		return types.StatusWarning
	}
	return types.StatusHealthy
}

// Worst returns the more severe of two statuses.
func Worst(a, b types.CheckStatus) types.CheckStatus {
	if b.Level() > a.Level() {
		return b
	}
	return a
}
