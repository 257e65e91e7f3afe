// Package coords converts between site grid coordinates (UTM easting and
// northing in metres) and geodetic positions.
package coords

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// ErrInvalidZone is returned for UTM zones outside 1..60.
var ErrInvalidZone = errors.New("invalid UTM zone")

// Converter resolves grid positions reported by machines.
type Converter interface {
	ToGeodetic(zone uint8, p r2.Point) (s2.LatLng, error)
	ToGrid(zone uint8, ll s2.LatLng) (r2.Point, error)
}

// WGS84 ellipsoid and UTM projection constants.
const (
	semiMajor     = 6378137.0
	flattening    = 1 / 298.257223563
	scaleFactor   = 0.9996
	falseEasting  = 500000.0
	falseNorthing = 10000000.0
)

var (
	e2  = flattening * (2 - flattening)
	e4  = e2 * e2
	e6  = e4 * e2
	ep2 = e2 / (1 - e2)
)

// UTM converts with the transverse Mercator series on WGS84.
type UTM struct {
	// Southern selects the southern hemisphere false northing.
	Southern bool
}

var _ Converter = UTM{}

func centralMeridian(zone uint8) (float64, error) {
	if zone < 1 || zone > 60 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidZone, zone)
	}
	return (float64(zone)-1)*6 - 180 + 3, nil
}

func meridianArc(phi float64) float64 {
	return semiMajor * ((1-e2/4-3*e4/64-5*e6/256)*phi -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*phi) +
		(15*e4/256+45*e6/1024)*math.Sin(4*phi) -
		(35*e6/3072)*math.Sin(6*phi))
}

// ToGrid projects a geodetic position into the zone.
func (u UTM) ToGrid(zone uint8, ll s2.LatLng) (r2.Point, error) {
	lon0, err := centralMeridian(zone)
	if err != nil {
		return r2.Point{}, err
	}
	phi := ll.Lat.Radians()
	dl := ll.Lng.Radians() - lon0*math.Pi/180

	sin, cos, tan := math.Sin(phi), math.Cos(phi), math.Tan(phi)
	n := semiMajor / math.Sqrt(1-e2*sin*sin)
	t := tan * tan
	c := ep2 * cos * cos
	a := cos * dl

	x := scaleFactor*n*(a+(1-t+c)*math.Pow(a, 3)/6+
		(5-18*t+t*t+72*c-58*ep2)*math.Pow(a, 5)/120) + falseEasting
	y := scaleFactor * (meridianArc(phi) + n*tan*(a*a/2+
		(5-t+9*c+4*c*c)*math.Pow(a, 4)/24+
		(61-58*t+t*t+600*c-330*ep2)*math.Pow(a, 6)/720))
	if u.Southern {
		y += falseNorthing
	}
	return r2.Point{X: x, Y: y}, nil
}

// ToGeodetic inverts ToGrid.
func (u UTM) ToGeodetic(zone uint8, p r2.Point) (s2.LatLng, error) {
	lon0, err := centralMeridian(zone)
	if err != nil {
		return s2.LatLng{}, err
	}
	x := p.X - falseEasting
	y := p.Y
	if u.Southern {
		y -= falseNorthing
	}

	mu := y / scaleFactor / (semiMajor * (1 - e2/4 - 3*e4/64 - 5*e6/256))
	e1 := (1 - math.Sqrt(1-e2)) / (1 + math.Sqrt(1-e2))
	phi1 := mu + (3*e1/2-27*math.Pow(e1, 3)/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*math.Pow(e1, 4)/32)*math.Sin(4*mu) +
		(151*math.Pow(e1, 3)/96)*math.Sin(6*mu) +
		(1097*math.Pow(e1, 4)/512)*math.Sin(8*mu)

	sin, cos, tan := math.Sin(phi1), math.Cos(phi1), math.Tan(phi1)
	n1 := semiMajor / math.Sqrt(1-e2*sin*sin)
	t1 := tan * tan
	c1 := ep2 * cos * cos
	r1 := semiMajor * (1 - e2) / math.Pow(1-e2*sin*sin, 1.5)
	d := x / (n1 * scaleFactor)

	lat := phi1 - (n1*tan/r1)*(d*d/2-
		(5+3*t1+10*c1-4*c1*c1-9*ep2)*math.Pow(d, 4)/24+
		(61+90*t1+298*c1+45*t1*t1-252*ep2-3*c1*c1)*math.Pow(d, 6)/720)
	lng := lon0*math.Pi/180 + (d-(1+2*t1+c1)*math.Pow(d, 3)/6+
		(5-2*c1+28*t1-3*c1*c1+8*ep2+24*t1*t1)*math.Pow(d, 5)/120)/cos

	return s2.LatLng{Lat: s1.Angle(lat), Lng: s1.Angle(lng)}.Normalized(), nil
}

// Zone returns the standard UTM zone for a longitude in degrees.
func Zone(lngDegrees float64) uint8 {
	z := int(math.Floor((lngDegrees+180)/6)) + 1
	return uint8(min(max(z, 1), 60))
}
