// Package keys builds the canonical identity of a cached tile and the
// storage path every backend stores it under.
package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/mapper/tms"
)

var ErrInvalidKey = errors.New("invalid tile key")

// TileKey identifies one cached tile variant. It is comparable and safe to
// use as a map key.
type TileKey struct {
	DatasetID string
	StyleID   string
	Format    string
	Zoom      int
	Col       int
	Row       int
	Variant   string
}

// Bounds is the declared tile matrix of a dataset, as supplied by the
// dataset catalog.
type Bounds struct {
	MatrixSet tms.MatrixSet
	MinZoom   int
	MaxZoom   int
	// Extent optionally narrows the valid tiles per zoom.
	Extent *model.BBox
}

// Range returns the valid tile range of the dataset at zoom z.
func (b Bounds) Range(z int) (tms.TileRange, error) {
	if z < b.MinZoom || z > b.MaxZoom {
		return tms.TileRange{}, fmt.Errorf("zoom %d outside %d..%d", z, b.MinZoom, b.MaxZoom)
	}
	if b.Extent == nil {
		return b.MatrixSet.Full(z), nil
	}
	return b.MatrixSet.Range(*b.Extent, z)
}

// Build validates the coordinates against the dataset bounds and returns the
// normalized key.
func Build(b Bounds, datasetID, styleID, format string, zoom, col, row int, variant string) (TileKey, error) {
	k := TileKey{
		DatasetID: strings.TrimSpace(datasetID),
		StyleID:   strings.TrimSpace(styleID),
		Format:    strings.ToLower(strings.TrimSpace(format)),
		Zoom:      zoom,
		Col:       col,
		Row:       row,
		Variant:   strings.TrimSpace(variant),
	}
	if k.DatasetID == "" {
		return TileKey{}, fmt.Errorf("%w: dataset is required", ErrInvalidKey)
	}
	if k.Format == "" {
		return TileKey{}, fmt.Errorf("%w: format is required", ErrInvalidKey)
	}
	if b.MatrixSet.IsZero() {
		return TileKey{}, fmt.Errorf("%w: dataset %q has no tile matrix set", ErrInvalidKey, k.DatasetID)
	}
	r, err := b.Range(zoom)
	if err != nil {
		return TileKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if !r.Contains(col, row) {
		return TileKey{}, fmt.Errorf("%w: tile %d/%d/%d outside matrix bounds", ErrInvalidKey, zoom, col, row)
	}
	return k, nil
}

const emptySegment = "~"

// ToStoragePath returns {dataset}/{style}/{format}/{variant}/{z}/{col}/{row}.
// Segments are escaped reversibly so two distinct keys never share a path.
func ToStoragePath(k TileKey) string {
	var b strings.Builder
	b.Grow(len(k.DatasetID) + len(k.StyleID) + len(k.Format) + len(k.Variant) + 32)
	b.WriteString(escape(k.DatasetID))
	b.WriteByte('/')
	b.WriteString(escape(k.StyleID))
	b.WriteByte('/')
	b.WriteString(escape(k.Format))
	b.WriteByte('/')
	b.WriteString(escape(k.Variant))
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(k.Zoom))
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(k.Col))
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(k.Row))
	return b.String()
}

// ParseStoragePath is the inverse of ToStoragePath.
func ParseStoragePath(p string) (TileKey, error) {
	parts := strings.Split(p, "/")
	if len(parts) != 7 {
		return TileKey{}, fmt.Errorf("%w: path %q has %d segments", ErrInvalidKey, p, len(parts))
	}
	var (
		k   TileKey
		err error
	)
	if k.DatasetID, err = unescape(parts[0]); err != nil || k.DatasetID == "" {
		return TileKey{}, fmt.Errorf("%w: bad dataset segment in %q", ErrInvalidKey, p)
	}
	if k.StyleID, err = unescape(parts[1]); err != nil {
		return TileKey{}, fmt.Errorf("%w: bad style segment in %q", ErrInvalidKey, p)
	}
	if k.Format, err = unescape(parts[2]); err != nil || k.Format == "" {
		return TileKey{}, fmt.Errorf("%w: bad format segment in %q", ErrInvalidKey, p)
	}
	if k.Variant, err = unescape(parts[3]); err != nil {
		return TileKey{}, fmt.Errorf("%w: bad variant segment in %q", ErrInvalidKey, p)
	}
	nums := [3]*int{&k.Zoom, &k.Col, &k.Row}
	for i, dst := range nums {
		n, err := strconv.Atoi(parts[4+i])
		if err != nil || n < 0 {
			return TileKey{}, fmt.Errorf("%w: bad coordinate %q in %q", ErrInvalidKey, parts[4+i], p)
		}
		*dst = n
	}
	return k, nil
}

// DatasetPrefix scopes enumeration to one dataset.
func DatasetPrefix(datasetID string) string {
	return escape(strings.TrimSpace(datasetID)) + "/"
}

// Hash is a stable 64-bit hash of the storage path.
func Hash(k TileKey) uint64 {
	return xxhash.Sum64String(ToStoragePath(k))
}

func (k TileKey) String() string { return ToStoragePath(k) }

// escape keeps [A-Za-z0-9._-] and percent-encodes everything else. The empty
// string becomes "~", which escape never produces for non-empty input.
func escape(s string) string {
	if s == "" {
		return emptySegment
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	out := b.String()
	// "." and ".." are not usable as path segments on every backend
	if out == "." || out == ".." {
		return strings.ReplaceAll(out, ".", "%2E")
	}
	return out
}

func unescape(s string) (string, error) {
	if s == emptySegment {
		return "", nil
	}
	if s == "" {
		return "", errors.New("empty segment")
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			if !isUnreserved(c) {
				return "", fmt.Errorf("unexpected byte %q", c)
			}
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", errors.New("truncated escape")
		}
		n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("bad escape: %w", err)
		}
		b.WriteByte(byte(n))
		i += 2
	}
	return b.String(), nil
}

func isUnreserved(c byte) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '.' || c == '_' || c == '-'
}
