package engine

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"

	"printlegion/internal/domain"
	"printlegion/internal/geo"
	"printlegion/internal/lifecycle"
	"printlegion/internal/store"
)

// SearchResult pairs an open job with its distance from the viewer.
type SearchResult struct {
	Job        domain.Job `json:"job"`
	DistanceKm float64    `json:"distance_km"`
	// CreatorRegion is the coarse place name, never raw coordinates.
	CreatorRegion string `json:"creator_region,omitempty"`
	TopicMatch    bool   `json:"topic_match"`
}

type SearchOptions struct {
	ActorID string
	Query   string
	// Radius overrides the viewer's preferred bucket when set.
	Radius string
}

// Search lists open jobs the viewer could claim: not their own, within
// their view radius, preferred topics first and nearest first within each
// group. The view radius only affects visibility; the claim cap is enforced
// separately at claim time.
func (e Engine) Search(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	s := e.store()
	viewer, err := s.FindUser(ctx, opts.ActorID)
	if err != nil {
		return nil, err
	}
	viewerLoc, err := geo.ParsePoint(viewer.RegionCoordinates)
	if err != nil {
		return nil, ErrLocationRequired
	}
	radiusName := opts.Radius
	if radiusName == "" {
		radiusName = viewer.PreferredRadius
	}
	radius, err := geo.ParseViewRadius(radiusName)
	if err != nil {
		return nil, err
	}
	limitKm := radius.Km()

	jobs, err := s.FindJobs(ctx, store.JobFilter{
		Statuses:         []lifecycle.Status{lifecycle.StatusNeedsPrinter},
		ExcludeCreatorID: opts.ActorID,
	})
	if err != nil {
		return nil, err
	}

	preferred := map[string]bool{}
	for _, t := range viewer.PreferredTopics {
		preferred[strings.ToLower(t)] = true
	}
	query := strings.ToLower(strings.TrimSpace(opts.Query))

	creators := map[string]domain.User{}
	var results []SearchResult
	for _, j := range jobs {
		if query != "" && !matchesQuery(j, query) {
			continue
		}
		creator, ok := creators[j.CreatorID]
		if !ok {
			creator, err = s.FindUser(ctx, j.CreatorID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, err
			}
			creators[j.CreatorID] = creator
		}
		dist := math.Inf(1)
		if loc, err := geo.ParsePoint(creator.RegionCoordinates); err == nil {
			dist = geo.DistanceKm(viewerLoc, loc)
		}
		if dist > limitKm {
			continue
		}
		results = append(results, SearchResult{
			Job:           j,
			DistanceKm:    dist,
			CreatorRegion: creator.RegionName,
			TopicMatch:    j.Topic != "" && preferred[strings.ToLower(j.Topic)],
		})
	}

	sort.SliceStable(results, func(i, k int) bool {
		if results[i].TopicMatch != results[k].TopicMatch {
			return results[i].TopicMatch
		}
		return results[i].DistanceKm < results[k].DistanceKm
	})
	return results, nil
}

func matchesQuery(j domain.Job, query string) bool {
	return strings.Contains(strings.ToLower(j.ItemName), query) ||
		strings.Contains(strings.ToLower(j.ItemDescription), query) ||
		strings.Contains(strings.ToLower(j.Topic), query) ||
		strings.Contains(strings.ToLower(j.RefURL), query)
}
