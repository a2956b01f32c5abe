// Package model defines core domain types shared across the service.
package model

import (
	"errors"
	"fmt"
)

const SRID4326 = "EPSG:4326"

// BBox is a lon/lat envelope. X is longitude, Y is latitude.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
	// SRID defaults to EPSG:4326 when empty.
	SRID string `json:"srid,omitempty"`
}

// String representation matching wfs/wms bbox format
func (b BBox) String() string {
	srid := b.SRID
	if srid == "" {
		srid = SRID4326
	}
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f,%s", b.X1, b.Y1, b.X2, b.Y2, srid)
}

func (b BBox) Validate() error {
	if b.SRID != "" && b.SRID != SRID4326 {
		return fmt.Errorf("bbox srid must be %s", SRID4326)
	}
	if !(b.X1 >= -180 && b.X1 <= 180 && b.X2 >= -180 && b.X2 <= 180) {
		return errors.New("bbox longitude out of range")
	}
	if !(b.Y1 >= -90 && b.Y1 <= 90 && b.Y2 >= -90 && b.Y2 <= 90) {
		return errors.New("bbox latitude out of range")
	}
	if !(b.X2 > b.X1 && b.Y2 > b.Y1) {
		return errors.New("bbox must satisfy x2>x1 and y2>y1")
	}
	return nil
}

// Intersect returns the overlap of two boxes and whether it is non-empty.
func (b BBox) Intersect(o BBox) (BBox, bool) {
	out := BBox{
		X1:   max(b.X1, o.X1),
		Y1:   max(b.Y1, o.Y1),
		X2:   min(b.X2, o.X2),
		Y2:   min(b.Y2, o.Y2),
		SRID: b.SRID,
	}
	if out.X2 <= out.X1 || out.Y2 <= out.Y1 {
		return BBox{}, false
	}
	return out, true
}

// Extend grows b to include o.
func (b BBox) Extend(o BBox) BBox {
	return BBox{
		X1:   min(b.X1, o.X1),
		Y1:   min(b.Y1, o.Y1),
		X2:   max(b.X2, o.X2),
		Y2:   max(b.Y2, o.Y2),
		SRID: b.SRID,
	}
}

type Polygon struct {
	GeoJSON string
}
