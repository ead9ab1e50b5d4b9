package presence

import (
	"context"
	"sort"
)

// Report compares the mirror with the relay's live rooms.
type Report struct {
	Rooms      []string `json:"rooms"`
	Consistent bool     `json:"consistent"`
	// Drift lists rooms whose mirrored participant count differs from the
	// live one, including rooms present on only one side.
	Drift []string `json:"drift,omitempty"`
}

// Check reads the mirror back and compares it with live, a map of room id
// to participant count.
func Check(ctx context.Context, s Store, live map[string]int) (Report, error) {
	mirrored, err := s.Rooms(ctx)
	if err != nil {
		return Report{}, err
	}
	sort.Strings(mirrored)

	seen := make(map[string]bool, len(mirrored))
	var drift []string
	for _, id := range mirrored {
		seen[id] = true
		size, ok := live[id]
		if !ok {
			drift = append(drift, id)
			continue
		}
		peers, err := s.Peers(ctx, id)
		if err != nil {
			return Report{}, err
		}
		if len(peers) != size {
			drift = append(drift, id)
		}
	}
	for id := range live {
		if !seen[id] {
			drift = append(drift, id)
		}
	}
	sort.Strings(drift)

	return Report{Rooms: mirrored, Consistent: len(drift) == 0, Drift: drift}, nil
}
