// Package mapper resolves the spatial part of an invalidation event into the
// lon/lat envelope whose tiles must be dropped.
package mapper

import (
	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
)

type Interface interface {
	BoundsForCells(cells []string) (model.BBox, error)
	BoundsForPolygon(poly model.Polygon) (model.BBox, error)
}
