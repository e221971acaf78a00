package processor

import (
	"math"
	"strings"

	"marketpulse/internal/model"
)

const earthRadiusKM = 6371.0

// Matches reports whether a canonical listing satisfies an alert.
// Every criterion the alert specifies must hold; an alert that
// specifies nothing matches nothing. Unspecified criteria never
// constrain.
func Matches(listing *model.CanonicalListing, alert *model.Alert) bool {
	specified := 0

	if alert.MinPrice != nil {
		specified++
		if listing.Price == nil || *listing.Price < *alert.MinPrice {
			return false
		}
	}

	if alert.MaxPrice != nil {
		specified++
		// Inclusive: a listing priced exactly at the cap matches.
		if listing.Price == nil || *listing.Price > *alert.MaxPrice {
			return false
		}
	}

	if alert.Category != "" {
		specified++
		if !categoryMatches(listing, alert.Category) {
			return false
		}
	}

	if len(alert.Keywords) > 0 {
		specified++
		if !keywordsMatch(listing, alert.Keywords) {
			return false
		}
	}

	if alert.Location != "" || (alert.Latitude != nil && alert.Longitude != nil) {
		specified++
		if !locationMatches(listing, alert) {
			return false
		}
	}

	return specified > 0
}

// categoryMatches accepts either the declared category or the one the
// enrichment suggested, so miscategorized listings still reach alerts.
func categoryMatches(listing *model.CanonicalListing, category string) bool {
	want := strings.ToLower(category)
	if listing.Category != "" && strings.ToLower(listing.Category) == want {
		return true
	}
	return listing.SuggestedCategory != "" && strings.ToLower(listing.SuggestedCategory) == want
}

// keywordsMatch is satisfied when any alert term appears in the title
// or description, or intersects the extracted keyword set.
func keywordsMatch(listing *model.CanonicalListing, terms []string) bool {
	title := strings.ToLower(listing.Title)
	description := strings.ToLower(listing.Description)

	extracted := make(map[string]bool, len(listing.Keywords))
	for _, kw := range listing.Keywords {
		extracted[strings.ToLower(kw)] = true
	}

	for _, term := range terms {
		t := strings.ToLower(strings.TrimSpace(term))
		if t == "" {
			continue
		}
		if strings.Contains(title, t) || strings.Contains(description, t) {
			return true
		}
		if extracted[t] {
			return true
		}
	}
	return false
}

// locationMatches prefers a radius check when both sides carry
// coordinates, falling back to bidirectional substring matching on the
// location strings.
func locationMatches(listing *model.CanonicalListing, alert *model.Alert) bool {
	if alert.Latitude != nil && alert.Longitude != nil && alert.RadiusKM > 0 &&
		listing.Latitude != nil && listing.Longitude != nil {
		distance := haversineKM(*alert.Latitude, *alert.Longitude, *listing.Latitude, *listing.Longitude)
		return distance <= alert.RadiusKM
	}

	if alert.Location == "" || listing.Location == "" {
		return false
	}
	a := strings.ToLower(alert.Location)
	l := strings.ToLower(listing.Location)
	return strings.Contains(l, a) || strings.Contains(a, l)
}

// haversineKM great-circle distance between two points
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}
