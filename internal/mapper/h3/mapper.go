package h3mapper

import (
	"errors"
	"fmt"
	"math"

	"github.com/goccy/go-json"
	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
)

type Mapper struct{}

func New() *Mapper { return &Mapper{} }

// envelope accumulates lon/lat extremes.
type envelope struct {
	minX, minY, maxX, maxY float64
	n                      int
}

func newEnvelope() envelope {
	return envelope{minX: math.Inf(1), minY: math.Inf(1), maxX: math.Inf(-1), maxY: math.Inf(-1)}
}

func (e *envelope) add(lng, lat float64) {
	e.minX = min(e.minX, lng)
	e.maxX = max(e.maxX, lng)
	e.minY = min(e.minY, lat)
	e.maxY = max(e.maxY, lat)
	e.n++
}

func (e envelope) bbox() (model.BBox, error) {
	if e.n == 0 {
		return model.BBox{}, errors.New("no coordinates")
	}
	bb := model.BBox{X1: e.minX, Y1: e.minY, X2: e.maxX, Y2: e.maxY, SRID: model.SRID4326}
	// points and axis-aligned lines still cover at least one tile
	if bb.X2 <= bb.X1 {
		bb.X1, bb.X2 = math.Max(-180, bb.X1-1e-9), math.Min(180, bb.X2+1e-9)
	}
	if bb.Y2 <= bb.Y1 {
		bb.Y1, bb.Y2 = math.Max(-90, bb.Y1-1e-9), math.Min(90, bb.Y2+1e-9)
	}
	return bb, bb.Validate()
}

// BoundsForCells is the envelope of the H3 cells' boundaries. A cell
// crossing the antimeridian widens the envelope to every longitude.
func (m *Mapper) BoundsForCells(cells []string) (model.BBox, error) {
	if len(cells) == 0 {
		return model.BBox{}, errors.New("no h3 cells")
	}
	env := newEnvelope()
	for _, s := range cells {
		var c h3.Cell
		if err := c.UnmarshalText([]byte(s)); err != nil {
			return model.BBox{}, fmt.Errorf("parse cell %q: %w", s, err)
		}
		if !c.IsValid() {
			return model.BBox{}, fmt.Errorf("invalid h3 cell %q", s)
		}
		boundary, err := c.Boundary()
		if err != nil {
			return model.BBox{}, fmt.Errorf("h3 boundary %q: %w", s, err)
		}
		cellEnv := newEnvelope()
		for _, ll := range boundary {
			cellEnv.add(ll.Lng, ll.Lat)
		}
		if cellEnv.maxX-cellEnv.minX > 180 {
			cellEnv.minX, cellEnv.maxX = -180, 180
		}
		env.add(cellEnv.minX, cellEnv.minY)
		env.add(cellEnv.maxX, cellEnv.maxY)
	}
	return env.bbox()
}

// BoundsForPolygon is the envelope of a GeoJSON Polygon or MultiPolygon's
// outer rings.
func (m *Mapper) BoundsForPolygon(poly model.Polygon) (model.BBox, error) {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(poly.GeoJSON), &hdr); err != nil {
		return model.BBox{}, fmt.Errorf("parse geojson: %w", err)
	}

	var rings [][][]float64
	switch hdr.Type {
	case "Polygon":
		var tmp struct {
			Coordinates [][][]float64 `json:"coordinates"` // [ring][i][lon,lat]
		}
		if err := json.Unmarshal([]byte(poly.GeoJSON), &tmp); err != nil {
			return model.BBox{}, fmt.Errorf("parse polygon coords: %w", err)
		}
		if len(tmp.Coordinates) == 0 {
			return model.BBox{}, errors.New("empty polygon")
		}
		rings = append(rings, tmp.Coordinates[0])
	case "MultiPolygon":
		var tmp struct {
			Coordinates [][][][]float64 `json:"coordinates"` // [poly][ring][i][lon,lat]
		}
		if err := json.Unmarshal([]byte(poly.GeoJSON), &tmp); err != nil {
			return model.BBox{}, fmt.Errorf("parse multipolygon coords: %w", err)
		}
		for pi, p := range tmp.Coordinates {
			if len(p) == 0 {
				return model.BBox{}, fmt.Errorf("polygon %d is empty", pi)
			}
			rings = append(rings, p[0])
		}
		if len(rings) == 0 {
			return model.BBox{}, errors.New("empty multipolygon")
		}
	default:
		return model.BBox{}, fmt.Errorf("unsupported GeoJSON type: %s", hdr.Type)
	}

	env := newEnvelope()
	for i, ring := range rings {
		if len(ring) < 4 {
			return model.BBox{}, fmt.Errorf("ring %d has < 4 vertices", i)
		}
		for _, xy := range ring {
			if len(xy) < 2 {
				return model.BBox{}, fmt.Errorf("ring %d has a short position", i)
			}
			env.add(xy[0], xy[1])
		}
	}
	return env.bbox()
}
