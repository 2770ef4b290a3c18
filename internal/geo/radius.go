package geo

import (
	"fmt"
	"math"
)

// ViewRadius is the user-adjustable search radius bucket. It only affects
// which jobs appear in search results; claim eligibility is capped separately
// by the fixed claim radius.
type ViewRadius string

const (
	Radius5KmCity         ViewRadius = "5km_city"
	Radius10KmNeighbour   ViewRadius = "10km_neighbourhood"
	Radius25KmNearbyTown  ViewRadius = "25km_nearby_town"
	Radius50KmDayTrip     ViewRadius = "50km_day_trip"
	Radius400KmCrossState ViewRadius = "400km_cross_state"
	RadiusGlobal          ViewRadius = "infinitekm_global"
)

// DefaultViewRadius applies when a user has not picked a bucket.
const DefaultViewRadius = Radius25KmNearbyTown

var radiusKm = map[ViewRadius]float64{
	Radius5KmCity:         5,
	Radius10KmNeighbour:   10,
	Radius25KmNearbyTown:  25,
	Radius50KmDayTrip:     50,
	Radius400KmCrossState: 400,
	RadiusGlobal:          math.Inf(1),
}

// ParseViewRadius converts a raw string, defaulting when empty.
func ParseViewRadius(s string) (ViewRadius, error) {
	if s == "" {
		return DefaultViewRadius, nil
	}
	v := ViewRadius(s)
	if _, ok := radiusKm[v]; !ok {
		return "", fmt.Errorf("unknown view radius %q", s)
	}
	return v, nil
}

// Km returns the bucket's radius in kilometers; global is +Inf.
func (v ViewRadius) Km() float64 {
	if km, ok := radiusKm[v]; ok {
		return km
	}
	return radiusKm[DefaultViewRadius]
}
