// Package fare prices a delivery from its two endpoints. It holds no state
// beyond the configured rates.
package fare

import (
	"math"
)

const earthRadiusKm = 6371

// Calculator maps a pickup/drop-off pair to a distance and a price.
type Calculator struct {
	BasePrice  float64
	PerKmPrice float64
}

// NewCalculator returns a calculator with the given rates.
func NewCalculator(basePrice, perKmPrice float64) *Calculator {
	return &Calculator{BasePrice: basePrice, PerKmPrice: perKmPrice}
}

// Distance returns the great-circle distance in kilometers between two
// coordinates using the Haversine formula.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// Quote computes the distance between the two points and the resulting
// price, both rounded to two decimals.
func (c *Calculator) Quote(pickupLat, pickupLon, dropoffLat, dropoffLon float64) (distanceKm, price float64) {
	distanceKm = Distance(pickupLat, pickupLon, dropoffLat, dropoffLon)
	price = c.BasePrice + c.PerKmPrice*distanceKm
	return round2(distanceKm), round2(price)
}

func toRad(degrees float64) float64 {
	return degrees * (math.Pi / 180)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
