// Package store provides the keyed-record storage the vault engine runs on.
//
// The engine only ever hands opaque strings to the store (ciphertext
// envelopes, base64 blobs, version numbers). Backends never see plaintext
// secrets or key material.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"
)

// Table names consumed by the vault engine.
const (
	TableProfiles        = "profiles"
	TableItems           = "items"
	TableDecoyItems      = "decoy_items"
	TableCategories      = "categories"
	TableIntegrityRoots  = "integrity_roots"
	TableHybridKeys      = "hybrid_keys"
	TableCollections     = "collections"
	TableCollectionKeys  = "collection_keys"
	TableCollectionItems = "collection_items"
)

// Tables lists every table a backend must provide.
var Tables = []string{
	TableProfiles,
	TableItems,
	TableDecoyItems,
	TableCategories,
	TableIntegrityRoots,
	TableHybridKeys,
	TableCollections,
	TableCollectionKeys,
	TableCollectionItems,
}

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("store: record not found")

	// ErrDuplicate is returned when inserting an ID that already exists.
	ErrDuplicate = errors.New("store: record already exists")

	// ErrUnknownTable is returned for a table outside Tables.
	ErrUnknownTable = errors.New("store: unknown table")

	// ErrInvalidRecord is returned for a record without an ID.
	ErrInvalidRecord = errors.New("store: invalid record")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// Record is one row: an ID, its owner and a flat map of string fields.
type Record struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Fields    map[string]string `json:"fields"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Field returns a field value, or "" when unset.
func (r *Record) Field(name string) string {
	if r == nil || r.Fields == nil {
		return ""
	}
	return r.Fields[name]
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Fields = maps.Clone(r.Fields)
	if c.Fields == nil {
		c.Fields = map[string]string{}
	}
	return &c
}

// Filter selects records. Zero-valued members match everything.
type Filter struct {
	ID     string
	UserID string
	Where  map[string]string
}

// ByID selects a single record by ID.
func ByID(id string) Filter {
	return Filter{ID: id}
}

// ByUser selects every record owned by userID.
func ByUser(userID string) Filter {
	return Filter{UserID: userID}
}

// Match reports whether rec satisfies the filter.
func (f Filter) Match(rec *Record) bool {
	if f.ID != "" && rec.ID != f.ID {
		return false
	}
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	for k, v := range f.Where {
		if rec.Fields[k] != v {
			return false
		}
	}
	return true
}

// Reader reads records.
type Reader interface {
	// Get returns the first record matching f in ID order, or ErrNotFound.
	Get(ctx context.Context, table string, f Filter) (*Record, error)

	// List returns every record matching f, ordered by ID.
	List(ctx context.Context, table string, f Filter) ([]*Record, error)
}

// Writer mutates records.
type Writer interface {
	Insert(ctx context.Context, table string, rec *Record) error

	// Update merges patch into the record's fields. Missing records yield
	// ErrNotFound.
	Update(ctx context.Context, table, id string, patch map[string]string) error

	Delete(ctx context.Context, table, id string) error
}

// Store is the full record store.
type Store interface {
	Reader
	Writer

	// Tx runs fn against a writer whose changes apply all-or-nothing.
	Tx(ctx context.Context, fn func(Writer) error) error

	Close() error
}

func checkTable(table string) error {
	for _, t := range Tables {
		if t == table {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownTable, table)
}

func checkRecord(rec *Record) error {
	if rec == nil || rec.ID == "" {
		return ErrInvalidRecord
	}
	return nil
}

// stamp fills timestamps and a non-nil field map on a record about to be
// inserted. The caller's record is left untouched.
func stamp(rec *Record, now time.Time) *Record {
	c := rec.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	return c
}

func sortByID(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}

func firstMatch(recs []*Record, f Filter) (*Record, error) {
	for _, r := range recs {
		if f.Match(r) {
			return r, nil
		}
	}
	return nil, ErrNotFound
}

func filterAll(recs []*Record, f Filter) []*Record {
	out := make([]*Record, 0, len(recs))
	for _, r := range recs {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}
