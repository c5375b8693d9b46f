package main

import (
	"fmt"
	"iter"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
)

// FilterCoordinates lazily yields [lon, lat] points, skipping samples
// where both longitude and latitude are exactly 0.
func FilterCoordinates(samples []CoordinateSample) iter.Seq[orb.Point] {
	return func(yield func(orb.Point) bool) {
		for _, s := range samples {
			if s.LongitudeInDegree == 0 && s.LatitudeInDegree == 0 {
				continue
			}
			if !yield(orb.Point{s.LongitudeInDegree, s.LatitudeInDegree}) {
				return
			}
		}
	}
}

// CollectCoordinates drains the filtered sequence into a LineString
func CollectCoordinates(seq iter.Seq[orb.Point]) orb.LineString {
	var ls orb.LineString
	for p := range seq {
		ls = append(ls, p)
	}
	return ls
}

// CalculateBoundingBox tracks the running min/max of longitude and latitude
// independently. It fails on empty input instead of returning sentinel extremes.
func CalculateBoundingBox(points []orb.Point) (orb.Bound, error) {
	if len(points) == 0 {
		return orb.Bound{}, ErrNoCoordinates
	}

	bound := orb.Bound{Min: points[0], Max: points[0]}
	for _, p := range points[1:] {
		bound.Min[0] = math.Min(bound.Min[0], p[0])
		bound.Min[1] = math.Min(bound.Min[1], p[1])
		bound.Max[0] = math.Max(bound.Max[0], p[0])
		bound.Max[1] = math.Max(bound.Max[1], p[1])
	}

	return bound, nil
}

// BoundArray returns the bound as [minLon, minLat, maxLon, maxLat]
func BoundArray(b orb.Bound) [4]float64 {
	return [4]float64{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()}
}

// FormatBoundingBox renders the bound the way the static image path expects it,
// with every value at 4 decimal places: [minLon,minLat,maxLon,maxLat]
func FormatBoundingBox(b orb.Bound) string {
	return fmt.Sprintf("[%.4f,%.4f,%.4f,%.4f]", b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat())
}

// CenterAndZoom estimates a center point and zoom level that fit the bound.
// Zoom is clamped to the 2-16 range the tilesets are built for.
func CenterAndZoom(b orb.Bound) (orb.Point, int) {
	center := orb.Point{(b.Min.Lon() + b.Max.Lon()) / 2, (b.Min.Lat() + b.Max.Lat()) / 2}

	span := math.Max(b.Max.Lon()-b.Min.Lon(), b.Max.Lat()-b.Min.Lat())
	if span <= 0 {
		return center, recipeMaxZoom
	}

	zoom := int(math.Floor(float64(recipeMaxZoom) - math.Log2(span)))
	zoom = max(recipeMinZoom, min(recipeMaxZoom, zoom))
	return center, zoom
}

// EncodeLineStringFeature wraps the coordinates into a GeoJSON LineString Feature
func EncodeLineStringFeature(ls orb.LineString) ([]byte, error) {
	feature := geojson.NewFeature(ls)
	data, err := feature.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GeoJSON feature: %w", err)
	}
	return data, nil
}

// RouteLengthMeters is the geodesic length of the route
func RouteLengthMeters(ls orb.LineString) float64 {
	return geo.Length(ls)
}
