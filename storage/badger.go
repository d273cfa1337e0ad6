package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/go-hclog"
)

// BadgerStorage implements Storage using BadgerDB
type BadgerStorage struct {
	db     *badger.DB
	incMu  sync.Mutex
	stop   chan struct{}
	closed sync.Once
}

// BadgerOptions configures NewBadgerStorage.
type BadgerOptions struct {
	// InMemory keeps the database in memory; DataDir is ignored.
	InMemory   bool
	GCInterval time.Duration
	Logger     hclog.Logger
}

// NewBadgerStorage opens (or creates) the replica store under dataDir.
func NewBadgerStorage(dataDir string, o BadgerOptions) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(dataDir).WithLoggingLevel(badger.ERROR)
	if o.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	if o.Logger != nil {
		opts = opts.WithLogger(badgerLogger{l: o.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s := &BadgerStorage{db: db, stop: make(chan struct{})}
	if !o.InMemory {
		interval := o.GCInterval
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		go s.collectGarbage(interval)
	}
	return s, nil
}

func (s *BadgerStorage) collectGarbage(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			// Rewrite value log files until one pass reclaims nothing.
			for s.db.RunValueLogGC(0.7) == nil {
			}
		}
	}
}

func (s *BadgerStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := readValue(txn, key)
		value = v
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *BadgerStorage) Put(ctx context.Context, key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *BadgerStorage) Delete(ctx context.Context, keys ...string) (int, error) {
	deleted := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if _, err := txn.Get([]byte(key)); errors.Is(err, badger.ErrKeyNotFound) {
				continue
			} else if err != nil {
				return err
			}
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func (s *BadgerStorage) Keys(ctx context.Context, prefix string, limit int) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(keys) >= limit {
				break
			}
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	})
	return keys, err
}

// Increment is serialized so concurrent callers never hit badger.ErrConflict.
func (s *BadgerStorage) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	s.incMu.Lock()
	defer s.incMu.Unlock()
	var next int64
	err := s.db.Update(func(txn *badger.Txn) error {
		cur, err := readValue(txn, key)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		next = DecodeCounter(cur) + delta
		return txn.Set([]byte(key), EncodeCounter(next))
	})
	return next, err
}

func (s *BadgerStorage) Write(ctx context.Context, puts map[string][]byte, deletes []string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for k, v := range puts {
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
		}
		for _, k := range deletes {
			if err := txn.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStorage) Export(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[string(item.KeyCopy(nil))] = val
		}
		return nil
	})
	return out, err
}

// Replace drops everything and loads entries.
func (s *BadgerStorage) Replace(ctx context.Context, entries map[string][]byte) error {
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("drop all: %w", err)
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for k, v := range entries {
		if err := wb.Set([]byte(k), v); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *BadgerStorage) Close() error {
	var err error
	s.closed.Do(func() {
		close(s.stop)
		err = s.db.Close()
	})
	return err
}

func readValue(txn *badger.Txn, key string) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// EncodeCounter is the on-disk form of a counter value shared by all backends.
func EncodeCounter(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// DecodeCounter reads a counter written by EncodeCounter; decimal strings are accepted too.
func DecodeCounter(val []byte) int64 {
	if len(val) == 8 {
		return int64(binary.BigEndian.Uint64(val))
	}
	if parsed, err := strconv.ParseInt(string(val), 10, 64); err == nil {
		return parsed
	}
	return 0
}

// badgerLogger routes badger's printf-style logging into hclog.
type badgerLogger struct{ l hclog.Logger }

func (b badgerLogger) Errorf(f string, v ...interface{})   { b.l.Error(strings.TrimSpace(fmt.Sprintf(f, v...))) }
func (b badgerLogger) Warningf(f string, v ...interface{}) { b.l.Warn(strings.TrimSpace(fmt.Sprintf(f, v...))) }
func (b badgerLogger) Infof(f string, v ...interface{})    { b.l.Info(strings.TrimSpace(fmt.Sprintf(f, v...))) }
func (b badgerLogger) Debugf(f string, v ...interface{})   { b.l.Debug(strings.TrimSpace(fmt.Sprintf(f, v...))) }
