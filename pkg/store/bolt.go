package store

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// Bolt is a Store backed by a bbolt file: one bucket per table, records
// stored as JSON under their ID.
type Bolt struct {
	db  *bbolt.DB
	now func() time.Time
}

// OpenBolt opens (creating if needed) the bbolt file at path.
func OpenBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return nil, fmt.Errorf("store: failed to create directory: %w", err)
	}

	db, err := bbolt.Open(path, FileMode, &bbolt.Options{
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("store: failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, t := range Tables {
			if _, err := tx.CreateBucketIfNotExists([]byte(t)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", t, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize buckets: %w", err)
	}

	return &Bolt{db: db, now: time.Now}, nil
}

func (b *Bolt) Get(ctx context.Context, table string, f Filter) (*Record, error) {
	recs, err := b.List(ctx, table, f)
	if err != nil {
		return nil, err
	}
	return firstMatch(recs, f)
}

func (b *Bolt) List(ctx context.Context, table string, f Filter) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkTable(table); err != nil {
		return nil, err
	}

	var recs []*Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(table))
		if bucket == nil {
			return fmt.Errorf("%w: %q", ErrUnknownTable, table)
		}
		if f.ID != "" {
			data := bucket.Get([]byte(f.ID))
			if data == nil {
				return nil
			}
			rec, err := decodeRecord(data)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		}
		// Keys iterate in byte order, which is ID order.
		return bucket.ForEach(func(_, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: failed to read %s: %w", table, err)
	}
	return filterAll(recs, f), nil
}

func (b *Bolt) Insert(ctx context.Context, table string, rec *Record) error {
	return b.Tx(ctx, func(w Writer) error { return w.Insert(ctx, table, rec) })
}

func (b *Bolt) Update(ctx context.Context, table, id string, patch map[string]string) error {
	return b.Tx(ctx, func(w Writer) error { return w.Update(ctx, table, id, patch) })
}

func (b *Bolt) Delete(ctx context.Context, table, id string) error {
	return b.Tx(ctx, func(w Writer) error { return w.Delete(ctx, table, id) })
}

// Tx runs fn inside a single bbolt read-write transaction.
func (b *Bolt) Tx(ctx context.Context, fn func(Writer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltWriter{tx: tx, now: b.now})
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

type boltWriter struct {
	tx  *bbolt.Tx
	now func() time.Time
}

func (w *boltWriter) bucket(table string) (*bbolt.Bucket, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	bucket := w.tx.Bucket([]byte(table))
	if bucket == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return bucket, nil
}

func (w *boltWriter) Insert(ctx context.Context, table string, rec *Record) error {
	if err := checkRecord(rec); err != nil {
		return err
	}
	bucket, err := w.bucket(table)
	if err != nil {
		return err
	}
	if bucket.Get([]byte(rec.ID)) != nil {
		return ErrDuplicate
	}
	return putRecord(bucket, stamp(rec, w.now()))
}

func (w *boltWriter) Update(ctx context.Context, table, id string, patch map[string]string) error {
	bucket, err := w.bucket(table)
	if err != nil {
		return err
	}
	data := bucket.Get([]byte(id))
	if data == nil {
		return ErrNotFound
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return err
	}
	maps.Copy(rec.Fields, patch)
	rec.UpdatedAt = w.now()
	return putRecord(bucket, rec)
}

func (w *boltWriter) Delete(ctx context.Context, table, id string) error {
	bucket, err := w.bucket(table)
	if err != nil {
		return err
	}
	if bucket.Get([]byte(id)) == nil {
		return ErrNotFound
	}
	if err := bucket.Delete([]byte(id)); err != nil {
		return fmt.Errorf("store: failed to delete from %s: %w", table, err)
	}
	return nil
}

func putRecord(bucket *bbolt.Bucket, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: failed to encode record: %w", err)
	}
	if err := bucket.Put([]byte(rec.ID), data); err != nil {
		return fmt.Errorf("store: failed to write record: %w", err)
	}
	return nil
}

func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt record: %w", err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]string{}
	}
	return &rec, nil
}
