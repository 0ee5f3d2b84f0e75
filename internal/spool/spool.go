// Package spool keeps the staged completion attachment of each service in
// badger, so a file picked before a restart is still there afterwards.
package spool

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const attachmentPrefix = "attachment/"

var ErrNotFound = errors.New("jobsync: nothing staged")

// Attachment is the one file a service's completion will upload.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

type Spool struct {
	db *badger.DB
}

// Open opens the spool under dir. An empty dir keeps everything in memory.
func Open(dir string) (*Spool, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create spool dir: %w", err)
		}
		opts = badger.DefaultOptions(filepath.Join(dir, "badger"))
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Spool{db: db}, nil
}

func (s *Spool) Close() error {
	return s.db.Close()
}

// Put stages a, replacing whatever the service had staged.
func (s *Spool) Put(service string, a Attachment) error {
	value, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode attachment: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(attachmentPrefix+service), value)
	})
}

func (s *Spool) Get(service string) (Attachment, error) {
	var a Attachment
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(attachmentPrefix + service))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &a)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Attachment{}, ErrNotFound
	}
	if err != nil {
		return Attachment{}, fmt.Errorf("read attachment: %w", err)
	}
	return a, nil
}

// Delete removes the service's staged attachment. Deleting nothing is not
// an error.
func (s *Spool) Delete(service string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(attachmentPrefix + service))
	})
}

// Services lists the services that currently have something staged.
func (s *Spool) Services() ([]string, error) {
	var services []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(attachmentPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			services = append(services, strings.TrimPrefix(string(it.Item().Key()), attachmentPrefix))
		}
		return nil
	})
	sort.Strings(services)
	return services, err
}
