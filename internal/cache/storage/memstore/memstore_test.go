package memstore_test

import (
	"testing"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage/memstore"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.RunConformance(t, func(t *testing.T) storage.Backend {
		return memstore.New()
	})
}
