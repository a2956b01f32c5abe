// Package badgerstore keeps preseed job records in BadgerDB so job state
// survives process restarts.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/geotile-cache/internal/preseed"
)

const (
	keyPrefix = "job:"
	// conflicting read-modify-write transactions are retried this often
	maxConflictRetries = 8
)

type Store struct {
	db     *badger.DB
	ownsDB bool
	now    func() time.Time
}

var _ preseed.Store = (*Store)(nil)

// Open opens (or creates) the database at dir. An empty dir keeps the
// database in memory.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	return &Store{db: db, ownsDB: true, now: time.Now}, nil
}

// New uses an already open database. Close leaves it open.
func New(db *badger.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func jobKey(id string) []byte { return []byte(keyPrefix + id) }

func read(txn *badger.Txn, id string) (preseed.Job, error) {
	item, err := txn.Get(jobKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return preseed.Job{}, fmt.Errorf("%w: %s", preseed.ErrJobNotFound, id)
	}
	if err != nil {
		return preseed.Job{}, err
	}
	var j preseed.Job
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &j)
	})
	if err != nil {
		return preseed.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return j, nil
}

func write(txn *badger.Txn, j preseed.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return txn.Set(jobKey(j.ID), data)
}

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent writers.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for range maxConflictRetries {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *Store) Create(ctx context.Context, j preseed.Job) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(jobKey(j.ID))
		if err == nil {
			return fmt.Errorf("job %s already exists", j.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return write(txn, j)
	})
}

func (s *Store) Get(ctx context.Context, id string) (preseed.Job, error) {
	if err := ctx.Err(); err != nil {
		return preseed.Job{}, err
	}
	var j preseed.Job
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		j, err = read(txn, id)
		return err
	})
	return j, err
}

func (s *Store) Transition(ctx context.Context, id string, to preseed.Status, mutate func(*preseed.Job)) (preseed.Job, error) {
	var out preseed.Job
	err := s.update(ctx, func(txn *badger.Txn) error {
		j, err := read(txn, id)
		if err != nil {
			return err
		}
		out = j
		if err := preseed.ApplyTransition(&j, to, mutate, s.now().UTC()); err != nil {
			return err
		}
		out = j
		return write(txn, j)
	})
	return out, err
}

func (s *Store) UpdateProgress(ctx context.Context, id string, completed, failed int64) (preseed.Job, error) {
	var out preseed.Job
	err := s.update(ctx, func(txn *badger.Txn) error {
		j, err := read(txn, id)
		if err != nil {
			return err
		}
		out = j
		if j.Status.Terminal() {
			return nil
		}
		preseed.ApplyProgress(&j, completed, failed)
		out = j
		return write(txn, j)
	})
	return out, err
}

func (s *Store) List(ctx context.Context, statuses ...preseed.Status) ([]preseed.Job, error) {
	var out []preseed.Job
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		prefix := []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var j preseed.Job
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &j)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if len(statuses) == 0 || slices.Contains(statuses, j.Status) {
				out = append(out, j)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	preseed.SortJobs(out)
	return out, nil
}
