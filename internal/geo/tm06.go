package geo

import (
	"errors"
	"math"
)

// PT-TM06 / ETRS89 (EPSG:3763): transverse Mercator on GRS80, scale factor 1,
// no false easting or northing.
const (
	semiMajorAxis = 6378137.0
	flattening    = 1 / 298.257222101
	originLat     = 39.66825833333333
	originLng     = -8.133108333333334
	scaleFactor   = 1.0
)

var ErrOutOfDomain = errors.New("coordinate outside projection domain")

var (
	e2      = flattening * (2 - flattening)
	e4      = e2 * e2
	e6      = e4 * e2
	ep2     = e2 / (1 - e2)
	e1      = (1 - math.Sqrt(1-e2)) / (1 + math.Sqrt(1-e2))
	m0      = meridianArc(radians(originLat))
	lambda0 = radians(originLng)
)

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }

func meridianArc(phi float64) float64 {
	return semiMajorAxis * ((1-e2/4-3*e4/64-5*e6/256)*phi -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*phi) +
		(15*e4/256+45*e6/1024)*math.Sin(4*phi) -
		(35*e6/3072)*math.Sin(6*phi))
}

// ToGeographic converts PT-TM06 easting/northing in metres to latitude and
// longitude in degrees.
func ToGeographic(easting, northing float64) (lat, lng float64, err error) {
	if !finite(easting) || !finite(northing) {
		return 0, 0, ErrOutOfDomain
	}
	m := m0 + northing/scaleFactor
	mu := m / (semiMajorAxis * (1 - e2/4 - 3*e4/64 - 5*e6/256))
	phi1 := mu +
		(3*e1/2-27*math.Pow(e1, 3)/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*math.Pow(e1, 4)/32)*math.Sin(4*mu) +
		(151*math.Pow(e1, 3)/96)*math.Sin(6*mu) +
		(1097*math.Pow(e1, 4)/512)*math.Sin(8*mu)
	if math.Abs(phi1) >= math.Pi/2 {
		return 0, 0, ErrOutOfDomain
	}

	sin1, cos1 := math.Sin(phi1), math.Cos(phi1)
	tan1 := sin1 / cos1
	c1 := ep2 * cos1 * cos1
	t1 := tan1 * tan1
	w := 1 - e2*sin1*sin1
	n1 := semiMajorAxis / math.Sqrt(w)
	r1 := semiMajorAxis * (1 - e2) / math.Pow(w, 1.5)
	d := easting / (n1 * scaleFactor)

	phi := phi1 - (n1*tan1/r1)*(d*d/2-
		(5+3*t1+10*c1-4*c1*c1-9*ep2)*math.Pow(d, 4)/24+
		(61+90*t1+298*c1+45*t1*t1-252*ep2-3*c1*c1)*math.Pow(d, 6)/720)
	lambda := lambda0 + (d-
		(1+2*t1+c1)*math.Pow(d, 3)/6+
		(5-2*c1+28*t1-3*c1*c1+8*ep2+24*t1*t1)*math.Pow(d, 5)/120)/cos1

	lat, lng = degrees(phi), degrees(lambda)
	if !finite(lat) || !finite(lng) || math.Abs(lat) > 90 || math.Abs(lng) > 180 {
		return 0, 0, ErrOutOfDomain
	}
	return lat, lng, nil
}

// FromGeographic projects latitude/longitude in degrees onto PT-TM06.
func FromGeographic(lat, lng float64) (easting, northing float64, err error) {
	if !finite(lat) || !finite(lng) || math.Abs(lat) >= 90 || math.Abs(lng) > 180 {
		return 0, 0, ErrOutOfDomain
	}
	phi := radians(lat)
	sin, cos := math.Sin(phi), math.Cos(phi)
	tan := sin / cos
	n := semiMajorAxis / math.Sqrt(1-e2*sin*sin)
	t := tan * tan
	c := ep2 * cos * cos
	a := (radians(lng) - lambda0) * cos

	easting = scaleFactor * n * (a +
		(1-t+c)*math.Pow(a, 3)/6 +
		(5-18*t+t*t+72*c-58*ep2)*math.Pow(a, 5)/120)
	northing = scaleFactor * (meridianArc(phi) - m0 + n*tan*(a*a/2+
		(5-t+9*c+4*c*c)*math.Pow(a, 4)/24+
		(61-58*t+t*t+600*c-330*ep2)*math.Pow(a, 6)/720))
	return easting, northing, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
