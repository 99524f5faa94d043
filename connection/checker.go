package connection

import (
	"context"
	"fmt"

	"github.com/jonwraymond/actionrun/health"
)

// Checker summarizes the pool for the health aggregator: healthy when no
// connection is unhealthy, degraded when some are, unhealthy when all are.
// It reads cached state and makes no remote calls.
func (m *Manager) Checker() health.Checker {
	return health.NewCheckerFunc("connections", func(context.Context) health.Result {
		infos := m.List()

		var unhealthy []string
		connected := 0
		for _, i := range infos {
			switch i.Status {
			case StatusUnhealthy:
				unhealthy = append(unhealthy, i.AppID)
			case StatusConnected:
				connected++
			}
		}

		details := map[string]any{
			"total":     len(infos),
			"connected": connected,
			"unhealthy": unhealthy,
		}
		switch {
		case len(unhealthy) == 0:
			return health.Healthy(fmt.Sprintf("%d connected", connected)).WithDetails(details)
		case len(unhealthy) < len(infos):
			return health.Degraded(fmt.Sprintf("%d of %d unhealthy", len(unhealthy), len(infos))).WithDetails(details)
		default:
			return health.Unhealthy("all connections unhealthy", fmt.Errorf("%w: %v", health.ErrCheckFailed, unhealthy)).WithDetails(details)
		}
	})
}
