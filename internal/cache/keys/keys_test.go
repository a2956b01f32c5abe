package keys

import (
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/mapper/tms"
)

var merc = Bounds{MatrixSet: tms.WebMercatorQuad, MinZoom: 0, MaxZoom: 18}

func mustBuild(t *testing.T, ds, style, format string, z, x, y int, variant string) TileKey {
	t.Helper()
	k, err := Build(merc, ds, style, format, z, x, y, variant)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return k
}

func TestDeterminism_SameInputsSameKey(t *testing.T) {
	k1 := mustBuild(t, "parcels", "default", "PNG", 12, 2048, 1361, "")
	k2 := mustBuild(t, " parcels ", "default", "png", 12, 2048, 1361, "")
	if k1 != k2 {
		t.Fatalf("keys differ: %+v vs %+v", k1, k2)
	}
	if ToStoragePath(k1) != ToStoragePath(k2) {
		t.Fatalf("paths differ:\n %s\n %s", ToStoragePath(k1), ToStoragePath(k2))
	}
	if Hash(k1) != Hash(k2) {
		t.Fatalf("hashes differ")
	}
}

func TestStoragePath_Layout(t *testing.T) {
	k := mustBuild(t, "parcels", "", "png", 3, 4, 5, "")
	if got, want := ToStoragePath(k), "parcels/~/png/~/3/4/5"; got != want {
		t.Fatalf("path=%s want %s", got, want)
	}
	if !strings.HasPrefix(ToStoragePath(k), DatasetPrefix("parcels")) {
		t.Fatalf("path not scoped by dataset prefix")
	}
}

func TestStoragePath_EscapingIsUnambiguous(t *testing.T) {
	a := mustBuild(t, "a/b", "c", "png", 1, 0, 0, "")
	b := mustBuild(t, "a", "b/c", "png", 1, 0, 0, "")
	if ToStoragePath(a) == ToStoragePath(b) {
		t.Fatalf("ambiguous paths: %s", ToStoragePath(a))
	}
	tilde := mustBuild(t, "ds", "~", "png", 1, 0, 0, "")
	empty := mustBuild(t, "ds", "", "png", 1, 0, 0, "")
	if ToStoragePath(tilde) == ToStoragePath(empty) {
		t.Fatalf("literal ~ style collides with empty style")
	}
	seg := regexp.MustCompile(`^[A-Za-z0-9._%~-]+$`)
	for _, part := range strings.Split(ToStoragePath(a), "/") {
		if !seg.MatchString(part) {
			t.Fatalf("segment %q contains disallowed characters", part)
		}
	}
}

func TestParseStoragePath_RoundTrip(t *testing.T) {
	cases := []TileKey{
		mustBuild(t, "parcels", "", "png", 0, 0, 0, ""),
		mustBuild(t, "roads:osm", "night mode", "mvt", 14, 8800, 5373, "2024-01-01T00:00:00Z"),
		mustBuild(t, "Göteborg", "..", "webp", 5, 3, 7, "v2"),
	}
	for _, k := range cases {
		got, err := ParseStoragePath(ToStoragePath(k))
		if err != nil {
			t.Fatalf("Parse(%s): %v", ToStoragePath(k), err)
		}
		if got != k {
			t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, k)
		}
	}
}

func TestParseStoragePath_RejectsGarbage(t *testing.T) {
	for _, p := range []string{"", "a/b", "ds/~/png/~/1/x/0", "ds/~/png/~/1/0/-1", "ds/~/png/~/1/0/0/extra", "d s/~/png/~/1/0/0"} {
		if _, err := ParseStoragePath(p); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Parse(%q) err=%v want ErrInvalidKey", p, err)
		}
	}
}

func TestBuild_RejectsOutOfBounds(t *testing.T) {
	cases := []struct {
		name    string
		z, x, y int
	}{
		{"zoom too high", 19, 0, 0},
		{"negative zoom", -1, 0, 0},
		{"col past width", 2, 4, 0},
		{"row past height", 2, 0, 4},
		{"negative col", 2, -1, 0},
	}
	for _, tc := range cases {
		if _, err := Build(merc, "ds", "", "png", tc.z, tc.x, tc.y, ""); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("%s: err=%v want ErrInvalidKey", tc.name, err)
		}
	}
	if _, err := Build(merc, "", "", "png", 0, 0, 0, ""); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("empty dataset accepted")
	}
	if _, err := Build(Bounds{}, "ds", "", "png", 0, 0, 0, ""); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("missing matrix set accepted")
	}
}

func TestBuild_RespectsExtent(t *testing.T) {
	ext := tms.WebMercatorQuad.TileBounds(4, 8, 5)
	b := Bounds{MatrixSet: tms.WebMercatorQuad, MinZoom: 4, MaxZoom: 6, Extent: &model.BBox{
		X1: ext.X1 + 0.1, Y1: ext.Y1 + 0.1, X2: ext.X2 - 0.1, Y2: ext.Y2 - 0.1,
	}}
	if _, err := Build(b, "ds", "", "png", 4, 8, 5, ""); err != nil {
		t.Fatalf("tile inside extent rejected: %v", err)
	}
	if _, err := Build(b, "ds", "", "png", 4, 9, 5, ""); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("tile outside extent accepted: %v", err)
	}
}
