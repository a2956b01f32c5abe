package h3mapper

import (
	"testing"

	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
)

func TestBoundsForCells_ContainsCellCenters(t *testing.T) {
	m := New()
	points := []h3.LatLng{{Lat: 59.3293, Lng: 18.0686}, {Lat: 59.3400, Lng: 18.1000}}
	var cells []string
	for _, p := range points {
		c, err := h3.LatLngToCell(p, 8)
		if err != nil {
			t.Fatalf("LatLngToCell: %v", err)
		}
		cells = append(cells, c.String())
	}
	bb, err := m.BoundsForCells(cells)
	if err != nil {
		t.Fatalf("BoundsForCells: %v", err)
	}
	for _, p := range points {
		if p.Lng < bb.X1 || p.Lng > bb.X2 || p.Lat < bb.Y1 || p.Lat > bb.Y2 {
			t.Fatalf("point %v outside %v", p, bb)
		}
	}
	// res 8 cells are well under a kilometre across
	if bb.X2-bb.X1 > 0.1 || bb.Y2-bb.Y1 > 0.1 {
		t.Fatalf("envelope too large: %v", bb)
	}
}

func TestBoundsForCells_Invalid(t *testing.T) {
	m := New()
	if _, err := m.BoundsForCells(nil); err == nil {
		t.Fatalf("empty cell list accepted")
	}
	if _, err := m.BoundsForCells([]string{"not-a-cell"}); err == nil {
		t.Fatalf("garbage cell accepted")
	}
}

func TestBoundsForPolygon(t *testing.T) {
	m := New()
	poly := model.Polygon{GeoJSON: `{"type":"Polygon","coordinates":[[[18.0,59.3],[18.2,59.3],[18.2,59.4],[18.0,59.4],[18.0,59.3]]]}`}
	bb, err := m.BoundsForPolygon(poly)
	if err != nil {
		t.Fatalf("BoundsForPolygon: %v", err)
	}
	if bb.X1 != 18.0 || bb.X2 != 18.2 || bb.Y1 != 59.3 || bb.Y2 != 59.4 {
		t.Fatalf("bbox = %v", bb)
	}

	multi := model.Polygon{GeoJSON: `{"type":"MultiPolygon","coordinates":[
		[[[0,0],[1,0],[1,1],[0,1],[0,0]]],
		[[[10,10],[11,10],[11,12],[10,12],[10,10]]]]}`}
	if bb, err = m.BoundsForPolygon(multi); err != nil || bb.X1 != 0 || bb.Y2 != 12 {
		t.Fatalf("multipolygon bbox = %v, %v", bb, err)
	}

	for _, bad := range []string{`{`, `{"type":"Point","coordinates":[1,2]}`, `{"type":"Polygon","coordinates":[[[0,0],[1,1]]]}`} {
		if _, err := m.BoundsForPolygon(model.Polygon{GeoJSON: bad}); err == nil {
			t.Fatalf("accepted %s", bad)
		}
	}
}
