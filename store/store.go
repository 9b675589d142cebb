// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package store persists scan state in a bbolt file.
//
// The file holds a version header, interning tables for paths, targets and
// module names, file records keyed by FileID and item records keyed by
// (FileID, TargetID).
//
// Values handed out by a Txn are decoded copies, so they stay valid after
// the transaction ends.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"go.etcd.io/bbolt"

	"go.chromium.org/infra/build/depscan/record"
)

// Filename is the name of the store file in a store directory.
const Filename = "depscan.db"

// CurrentVersion is the version of the on-disk format.
const CurrentVersion = 1

// ErrVersionMismatch is returned when the store has another version.
var ErrVersionMismatch = errors.New("store version mismatch")

var (
	headerBucket = []byte("header")
	filesBucket  = []byte("files")
	itemsBucket  = []byte("items")

	versionKey = []byte("version")
)

// Bucket names of interning tables.
const (
	Paths   = "paths"
	Targets = "targets"
	Modules = "modules"
)

var buckets = [][]byte{
	headerBucket,
	[]byte(Paths),
	[]byte(Targets),
	[]byte(Modules),
	filesBucket,
	itemsBucket,
}

var headerLayout = record.MustLayout(record.Uint32)

// Options is options of the store.
type Options struct {
	// LockTimeout is how long to wait for another process holding
	// the store. Zero waits forever.
	LockTimeout time.Duration

	// ReadOnly opens the store for read only.
	ReadOnly bool
}

// DB is an opened store.
type DB struct {
	fname string
	db    *bbolt.DB
}

// Open opens the store in dir, creating it if needed.
// It fails with ErrVersionMismatch if the store was written
// with another format version.
func Open(ctx context.Context, dir string, opts Options) (*DB, error) {
	if dir == "" {
		return nil, errors.New("store dir is not specified")
	}
	fname := filepath.Join(dir, Filename)
	if opts.ReadOnly {
		if _, err := os.Stat(fname); err != nil {
			return nil, err
		}
	} else {
		err := os.MkdirAll(dir, 0755)
		if err != nil {
			return nil, err
		}
	}
	started := time.Now()
	bdb, err := bbolt.Open(fname, 0644, &bbolt.Options{
		Timeout:  opts.LockTimeout,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fname, err)
	}
	if d := time.Since(started); d > time.Second {
		log.Infof("waited %s for store lock %s", d, fname)
	}
	db := &DB{fname: fname, db: bdb}
	if opts.ReadOnly {
		err = db.View(ctx, func(txn *Txn) error {
			return checkHeader(txn.tx, false)
		})
	} else {
		err = db.db.Update(func(tx *bbolt.Tx) error {
			for _, name := range buckets {
				_, err := tx.CreateBucketIfNotExists(name)
				if err != nil {
					return fmt.Errorf("create bucket %s: %w", name, err)
				}
			}
			return checkHeader(tx, true)
		})
	}
	if err != nil {
		cerr := bdb.Close()
		if cerr != nil {
			log.Warnf("close %s: %v", fname, cerr)
		}
		return nil, fmt.Errorf("%s: %w", fname, err)
	}
	log.Debugf("opened store %s", fname)
	return db, nil
}

func checkHeader(tx *bbolt.Tx, create bool) error {
	b := tx.Bucket(headerBucket)
	if b == nil {
		return fmt.Errorf("no header: %w", ErrVersionMismatch)
	}
	v := b.Get(versionKey)
	if v == nil {
		if !create {
			return fmt.Errorf("no version: %w", ErrVersionMismatch)
		}
		w := record.NewWriter(headerLayout)
		w.PutUint32(CurrentVersion)
		buf, err := w.Bytes()
		if err != nil {
			return err
		}
		return b.Put(versionKey, buf)
	}
	r, err := record.NewReader(headerLayout, v)
	if err != nil {
		return fmt.Errorf("header: %w", err)
	}
	ver := r.Uint32()
	if err := r.Err(); err != nil {
		return fmt.Errorf("header: %w", err)
	}
	if ver != CurrentVersion {
		return fmt.Errorf("wrong version %d (want %d): %w", ver, CurrentVersion, ErrVersionMismatch)
	}
	return nil
}

// Filename returns the store's file name.
func (db *DB) Filename() string { return db.fname }

// Close closes the store and releases its file lock.
func (db *DB) Close() error {
	return db.db.Close()
}

// Update runs fn in a read-write transaction.
// The transaction commits if fn returns nil.
func (db *DB) Update(ctx context.Context, fn func(*Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.db.Update(func(tx *bbolt.Tx) error {
		return fn(&Txn{tx: tx})
	})
}

// View runs fn in a read-only transaction.
func (db *DB) View(ctx context.Context, fn func(*Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.db.View(func(tx *bbolt.Tx) error {
		return fn(&Txn{tx: tx})
	})
}

// Txn is a store transaction.
type Txn struct {
	tx *bbolt.Tx
}

// Writable reports whether the transaction can write.
func (t *Txn) Writable() bool { return t.tx.Writable() }

func (t *Txn) bucket(name []byte) (*bbolt.Bucket, error) {
	b := t.tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("missing bucket %s", name)
	}
	return b, nil
}
