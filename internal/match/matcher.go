// Package match selects the collector for a pickup. Selection is pure: the
// matcher never claims a collector or writes a job, it only answers "who is
// best right now". The dispatcher owns acting on the answer.
package match

import (
	"context"
	"time"

	"github.com/ak-badjie/mbalit/internal/geo"
	"github.com/ak-badjie/mbalit/internal/models"
	"github.com/ak-badjie/mbalit/internal/observability"
)

// Registry is the read side of collector presence the matcher needs.
type Registry interface {
	ListEligible(ctx context.Context, c models.Capability) ([]models.Presence, error)
}

type Matcher struct {
	Registry Registry
	SpeedKmh float64 // zero falls back to geo.DefaultSpeedKmh
}

// Match returns the nearest eligible collector for the pickup point,
// skipping any ids in exclude. Ties on distance break toward the smallest
// collector id so repeated runs over the same snapshot agree. found is
// false when no eligible collector remains.
func (m *Matcher) Match(ctx context.Context, pickup models.Coord, c models.Capability, exclude ...string) (models.Match, bool, error) {
	if err := geo.ValidateCoord(pickup); err != nil {
		return models.Match{}, false, err
	}
	start := time.Now()
	cands, err := m.Registry.ListEligible(ctx, c)
	if err != nil {
		return models.Match{}, false, err
	}
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var (
		best     models.Presence
		bestDist float64
		found    bool
	)
	for _, cand := range cands {
		if skip[cand.CollectorID] || cand.Location == nil {
			continue
		}
		dist, err := geo.DistanceKm(*cand.Location, pickup)
		if err != nil {
			continue // stale record with a bad stored coordinate
		}
		if !found || dist < bestDist || (dist == bestDist && cand.CollectorID < best.CollectorID) {
			best = cand
			bestDist = dist
			found = true
		}
	}
	if !found {
		return models.Match{}, false, nil
	}
	observability.MatchesTotal.Inc()
	observability.MatchLatency.Observe(time.Since(start).Seconds())
	return models.Match{
		CollectorID: best.CollectorID,
		DistanceKm:  bestDist,
		EtaMinutes:  geo.EstimateMinutes(bestDist, m.SpeedKmh),
	}, true, nil
}
