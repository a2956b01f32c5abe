package tilecache

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/geotile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geotile-cache/internal/cache/storage"
)

type PurgeResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// PurgeDataset deletes every cached tile of the dataset and reconciles its
// quota. Failed deletes are retried, then counted; they never abort the
// scan. Running it again is safe.
func (m *Manager) PurgeDataset(ctx context.Context, datasetID string) (PurgeResult, error) {
	res, err := m.DeleteMatching(ctx, datasetID, nil)
	m.rec.AddPurged(res.Succeeded, res.Failed)
	if m.quota != nil {
		if _, rerr := m.quota.Reconcile(ctx, datasetID); rerr != nil {
			m.log.WarnContext(ctx, "quota reconcile after purge failed", "dataset", datasetID, "error", rerr)
		}
	}
	m.log.InfoContext(ctx, "dataset purged", "dataset", datasetID,
		"succeeded", res.Succeeded, "failed", res.Failed)
	return res, err
}

// DeleteMatching deletes the dataset's tiles for which match returns true;
// a nil match selects every entry, including paths that do not parse as
// tile keys. Sizes of deleted entries are released from the quota estimate.
func (m *Manager) DeleteMatching(ctx context.Context, datasetID string, match func(keys.TileKey) bool) (PurgeResult, error) {
	var ok, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.PurgeConcurrency)

	visit := func(o storage.Object) error {
		if match != nil {
			k, err := keys.ParseStoragePath(o.Path)
			if err != nil || !match(k) {
				return nil
			}
		}
		g.Go(func() error {
			err := storage.Retry(gctx, m.cfg.Retry, func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, m.cfg.StorageTimeout)
				defer cancel()
				return m.backend.Delete(ctx, o.Path)
			})
			if err != nil {
				failed.Add(1)
				m.log.WarnContext(gctx, "tile delete failed", "path", o.Path, "error", err)
				return nil
			}
			ok.Add(1)
			m.access.Forget(o.Path)
			if m.quota != nil {
				m.quota.RecordDelete(datasetID, o.Size)
			}
			return nil
		})
		return nil
	}

	// a failed page is retried from the last good token
	prefix := keys.DatasetPrefix(datasetID)
	token := ""
	listErr := storage.Retry(gctx, m.cfg.Retry, func(ctx context.Context) error {
		next, err := storage.Scan(ctx, m.backend, prefix, token, visit)
		token = next
		return err
	})
	_ = g.Wait()

	res := PurgeResult{Succeeded: int(ok.Load()), Failed: int(failed.Load())}
	if listErr != nil {
		return res, fmt.Errorf("enumerate %s: %w", prefix, listErr)
	}
	return res, nil
}
