// Package tms implements the two-dimensional tile matrix sets served by the
// tile endpoints and the conversions between lon/lat envelopes and tile
// index ranges.
package tms

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
)

// MaxZoom bounds every matrix set; 2^30 columns still fit an int32.
const MaxZoom = 30

// maxMercatorLat is the latitude where WebMercatorQuad becomes square.
const maxMercatorLat = 85.0511287798066

var ErrUnknownMatrixSet = errors.New("unknown tile matrix set")

type MatrixSet struct {
	ID  string
	CRS string

	// columns at zoom 0; rows at zoom 0 are always 1
	baseCols int
	mercator bool
}

var (
	WebMercatorQuad = MatrixSet{ID: "WebMercatorQuad", CRS: "EPSG:3857", baseCols: 1, mercator: true}
	WorldCRS84Quad  = MatrixSet{ID: "WorldCRS84Quad", CRS: "OGC:CRS84", baseCols: 2}
)

var aliases = map[string]MatrixSet{
	"webmercatorquad":      WebMercatorQuad,
	"googlemapscompatible": WebMercatorQuad,
	"epsg:3857":            WebMercatorQuad,
	"worldcrs84quad":       WorldCRS84Quad,
	"epsg:4326":            WorldCRS84Quad,
	"crs84":                WorldCRS84Quad,
}

// Lookup resolves a matrix set by identifier or common alias.
func Lookup(id string) (MatrixSet, error) {
	if ms, ok := aliases[strings.ToLower(strings.TrimSpace(id))]; ok {
		return ms, nil
	}
	return MatrixSet{}, fmt.Errorf("%w: %q", ErrUnknownMatrixSet, id)
}

func (m MatrixSet) IsZero() bool { return m.ID == "" }

func (m MatrixSet) Width(z int) int {
	if z < 0 || z > MaxZoom {
		return 0
	}
	return m.baseCols << z
}

func (m MatrixSet) Height(z int) int {
	if z < 0 || z > MaxZoom {
		return 0
	}
	return 1 << z
}

// Extent is the full lon/lat envelope covered by the matrix set.
func (m MatrixSet) Extent() model.BBox {
	if m.mercator {
		return model.BBox{X1: -180, Y1: -maxMercatorLat, X2: 180, Y2: maxMercatorLat, SRID: model.SRID4326}
	}
	return model.BBox{X1: -180, Y1: -90, X2: 180, Y2: 90, SRID: model.SRID4326}
}

// TileRange is an inclusive block of tiles at one zoom level.
type TileRange struct {
	Zoom   int `json:"zoom"`
	MinCol int `json:"min_col"`
	MaxCol int `json:"max_col"`
	MinRow int `json:"min_row"`
	MaxRow int `json:"max_row"`
}

func (r TileRange) Count() int64 {
	if r.MaxCol < r.MinCol || r.MaxRow < r.MinRow {
		return 0
	}
	return int64(r.MaxCol-r.MinCol+1) * int64(r.MaxRow-r.MinRow+1)
}

func (r TileRange) Contains(col, row int) bool {
	return col >= r.MinCol && col <= r.MaxCol && row >= r.MinRow && row <= r.MaxRow
}

// Each visits tiles column-major and stops early when fn returns false.
func (r TileRange) Each(fn func(col, row int) bool) {
	for col := r.MinCol; col <= r.MaxCol; col++ {
		for row := r.MinRow; row <= r.MaxRow; row++ {
			if !fn(col, row) {
				return
			}
		}
	}
}

// Full returns the range covering the whole matrix at zoom z.
func (m MatrixSet) Full(z int) TileRange {
	return TileRange{Zoom: z, MinCol: 0, MaxCol: m.Width(z) - 1, MinRow: 0, MaxRow: m.Height(z) - 1}
}

// Range returns the tiles intersecting bb at zoom z. An edge lying exactly on
// a tile boundary does not pull in the neighbouring tile.
func (m MatrixSet) Range(bb model.BBox, z int) (TileRange, error) {
	if m.IsZero() {
		return TileRange{}, ErrUnknownMatrixSet
	}
	if z < 0 || z > MaxZoom {
		return TileRange{}, fmt.Errorf("zoom %d out of range 0..%d", z, MaxZoom)
	}
	if err := bb.Validate(); err != nil {
		return TileRange{}, err
	}
	clipped, ok := bb.Intersect(m.Extent())
	if !ok {
		return TileRange{}, errors.New("bbox does not intersect the matrix set extent")
	}

	w, h := m.Width(z), m.Height(z)
	x1, y1 := m.fraction(clipped.X1, clipped.Y2) // top-left
	x2, y2 := m.fraction(clipped.X2, clipped.Y1) // bottom-right

	r := TileRange{
		Zoom:   z,
		MinCol: clamp(int(math.Floor(x1*float64(w))), 0, w-1),
		MaxCol: clamp(int(math.Ceil(x2*float64(w)))-1, 0, w-1),
		MinRow: clamp(int(math.Floor(y1*float64(h))), 0, h-1),
		MaxRow: clamp(int(math.Ceil(y2*float64(h)))-1, 0, h-1),
	}
	if r.MaxCol < r.MinCol {
		r.MaxCol = r.MinCol
	}
	if r.MaxRow < r.MinRow {
		r.MaxRow = r.MinRow
	}
	return r, nil
}

// TileBounds is the lon/lat envelope of one tile.
func (m MatrixSet) TileBounds(z, col, row int) model.BBox {
	w, h := float64(m.Width(z)), float64(m.Height(z))
	lon1, lat1 := m.lonLat(float64(col)/w, float64(row)/h)
	lon2, lat2 := m.lonLat(float64(col+1)/w, float64(row+1)/h)
	return model.BBox{X1: lon1, Y1: lat2, X2: lon2, Y2: lat1, SRID: model.SRID4326}
}

// fraction maps lon/lat to [0,1] matrix coordinates, origin top-left.
func (m MatrixSet) fraction(lon, lat float64) (float64, float64) {
	x := (lon + 180) / 360
	if !m.mercator {
		return x, (90 - lat) / 180
	}
	lat = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, lat))
	rad := lat * math.Pi / 180
	y := (1 - math.Log(math.Tan(rad)+1/math.Cos(rad))/math.Pi) / 2
	return x, y
}

func (m MatrixSet) lonLat(fx, fy float64) (float64, float64) {
	lon := fx*360 - 180
	if !m.mercator {
		return lon, 90 - fy*180
	}
	n := math.Pi - 2*math.Pi*fy
	return lon, 180 / math.Pi * math.Atan(math.Sinh(n))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
