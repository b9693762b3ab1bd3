// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backup

import (
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
)

var recordsBucket = []byte("backups")

// Catalog persists backup records in a bbolt file inside the backup
// directory, apart from the live store, so restoring the store never
// rewrites the catalog.
type Catalog struct {
	db *bbolt.DB
}

// catalogRecord is the stored form; times are unix nanoseconds.
type catalogRecord struct {
	ID             string `cbor:"1,keyasint"`
	CreatedAt      int64  `cbor:"2,keyasint"`
	SchemaVersion  int    `cbor:"3,keyasint"`
	SourceMarker   string `cbor:"4,keyasint"`
	Size           int64  `cbor:"5,keyasint"`
	Digest         string `cbor:"6,keyasint"`
	Compression    string `cbor:"7,keyasint"`
	Class          string `cbor:"8,keyasint"`
	Status         string `cbor:"9,keyasint"`
	LastVerifiedAt int64  `cbor:"10,keyasint,omitempty"`
	Payload        string `cbor:"11,keyasint"`
}

// OpenCatalog opens or creates the catalog file.
func OpenCatalog(path string) (*Catalog, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open catalog: %v", ErrIOFailure, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init catalog: %v", ErrIOFailure, err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the catalog file.
func (c *Catalog) Close() error { return c.db.Close() }

func encodeRecord(r Record) ([]byte, error) {
	cr := catalogRecord{
		ID:            r.ID,
		CreatedAt:     r.CreatedAt.UnixNano(),
		SchemaVersion: r.SchemaVersion,
		SourceMarker:  r.SourceMarker,
		Size:          r.Size,
		Digest:        r.Digest,
		Compression:   r.Compression,
		Class:         string(r.Class),
		Status:        string(r.Status),
		Payload:       r.Payload,
	}
	if r.LastVerifiedAt != nil {
		cr.LastVerifiedAt = r.LastVerifiedAt.UnixNano()
	}
	return cbor.Marshal(cr)
}

func decodeRecord(data []byte) (Record, error) {
	var cr catalogRecord
	if err := cbor.Unmarshal(data, &cr); err != nil {
		return Record{}, err
	}
	r := Record{
		ID:            cr.ID,
		CreatedAt:     time.Unix(0, cr.CreatedAt).UTC(),
		SchemaVersion: cr.SchemaVersion,
		SourceMarker:  cr.SourceMarker,
		Size:          cr.Size,
		Digest:        cr.Digest,
		Compression:   cr.Compression,
		Class:         Class(cr.Class),
		Status:        Status(cr.Status),
		Payload:       cr.Payload,
	}
	if cr.LastVerifiedAt != 0 {
		t := time.Unix(0, cr.LastVerifiedAt).UTC()
		r.LastVerifiedAt = &t
	}
	return r, nil
}

// Put inserts or replaces a record.
func (c *Catalog) Put(r Record) error {
	data, err := encodeRecord(r)
	if err != nil {
		return fmt.Errorf("encode backup record: %w", err)
	}
	err = c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(r.ID), data)
	})
	if err != nil {
		return fmt.Errorf("%w: write catalog: %v", ErrIOFailure, err)
	}
	return nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (c *Catalog) Delete(id string) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("%w: write catalog: %v", ErrIOFailure, err)
	}
	return nil
}

// Get returns the record with id or ErrBackupNotFound.
func (c *Catalog) Get(id string) (Record, error) {
	var (
		r     Record
		found bool
	)
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(recordsBucket).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		var err error
		r, err = decodeRecord(data)
		return err
	})
	if err != nil {
		return Record{}, fmt.Errorf("%w: read catalog: %v", ErrIOFailure, err)
	}
	if !found {
		return Record{}, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
	}
	return r, nil
}

// List returns all records, newest first.
func (c *Catalog) List() ([]Record, error) {
	var out []Record
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			r, err := decodeRecord(v)
			if err != nil {
				return fmt.Errorf("decode record %s: %w", k, err)
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read catalog: %v", ErrIOFailure, err)
	}
	sortNewestFirst(out)
	return out, nil
}

// Update applies fn to the stored record atomically.
func (c *Catalog) Update(id string, fn func(*Record)) (Record, error) {
	var r Record
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrBackupNotFound
		}
		var err error
		if r, err = decodeRecord(data); err != nil {
			return err
		}
		fn(&r)
		if data, err = encodeRecord(r); err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	if err == ErrBackupNotFound {
		return Record{}, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: write catalog: %v", ErrIOFailure, err)
	}
	return r, nil
}

func sortNewestFirst(rs []Record) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.After(rs[j].CreatedAt)
		}
		return rs[i].ID > rs[j].ID
	})
}
