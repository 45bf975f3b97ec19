package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xdevs23/ezpzdb/table"
	"github.com/xdevs23/ezpzdb/utils"
)

var ErrTableNotFound = errors.New("table not found")

const tablesDirname = "tables"

type Config struct {
	Dir                  string
	WritesToSave         int
	DeltaTimeToSave      time.Duration
	FlushCheckInterval   time.Duration
	CacheCollectInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.WritesToSave <= 0 {
		c.WritesToSave = 200
	}
	if c.DeltaTimeToSave <= 0 {
		c.DeltaTimeToSave = 10 * time.Minute
	}
	if c.FlushCheckInterval <= 0 {
		c.FlushCheckInterval = 60 * time.Second
	}
	if c.CacheCollectInterval <= 0 {
		c.CacheCollectInterval = 30 * time.Second
	}
	return c
}

// Database is the public handle over one data directory. Mutations are
// buffered per table and reach disk only when the trigger policy fires
// or a flush is forced.
type Database struct {
	config Config
	logger *logrus.Entry

	mu     sync.Mutex
	tables map[string]*table.Table

	writes    atomic.Int64
	lastFlush atomic.Int64 // unix nanos

	noMoreScheduledFlushes atomic.Bool
	exit                   chan struct{}
	closeOnce              sync.Once
	wg                     sync.WaitGroup
}

// Open loads every table found under <dir>/tables and starts the flush
// scheduler and the cache collector. A corrupt index or meta file is
// fatal here, there is no safe default state to recover into.
func Open(config Config) (*Database, error) {
	config = config.withDefaults()

	db := &Database{
		config: config,
		logger: logrus.WithField("dir", config.Dir),
		tables: map[string]*table.Table{},
		exit:   make(chan struct{}),
	}
	db.lastFlush.Store(time.Now().UnixNano())

	tablesDir := filepath.Join(config.Dir, tablesDirname)
	err := utils.EnsureDir(tablesDir)
	if err != nil {
		return nil, fmt.Errorf("create tables directory: %w", err)
	}

	entries, err := os.ReadDir(tablesDir)
	if err != nil {
		return nil, fmt.Errorf("read tables directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		t0 := time.Now()
		t, err := table.Open(name, filepath.Join(tablesDir, name))
		if err != nil {
			return nil, fmt.Errorf("open table '%s': %w", name, err)
		}
		db.tables[name] = t
		db.logger.WithFields(logrus.Fields{
			"table":   name,
			"records": t.Count(),
			"elapsed": time.Since(t0),
		}).Info("table loaded")
	}

	db.wg.Add(2)
	go db.flushLoop()
	go db.collectLoop()

	return db, nil
}

// flushLoop evaluates the trigger policy on a fixed interval. An I/O
// failure is logged and the loop reschedules normally, pending state
// stays buffered for the next attempt.
func (db *Database) flushLoop() {
	defer db.wg.Done()
	ticker := time.NewTicker(db.config.FlushCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-db.exit:
			return
		case <-ticker.C:
			if db.noMoreScheduledFlushes.Load() {
				return
			}
			if !db.shouldFlush() {
				continue
			}
			err := db.FlushNow()
			if err != nil {
				db.logger.WithError(err).Error("flush failed, pending state preserved")
			}
		}
	}
}

func (db *Database) shouldFlush() bool {
	writes := db.writes.Load()
	if writes > int64(db.config.WritesToSave) {
		return true
	}
	last := time.Unix(0, db.lastFlush.Load())
	return writes > 0 && time.Since(last) > db.config.DeltaTimeToSave
}

func (db *Database) collectLoop() {
	defer db.wg.Done()
	ticker := time.NewTicker(db.config.CacheCollectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-db.exit:
			return
		case <-ticker.C:
			db.CollectCaches()
		}
	}
}

// CollectCaches runs one usage decay pass over every table cache.
func (db *Database) CollectCaches() {
	for _, t := range db.tablesSnapshot() {
		t.Cache().Collect()
	}
}

func (db *Database) tablesSnapshot() []*table.Table {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]*table.Table, 0, len(db.tables))
	for _, name := range utils.GetKeys(db.tables) {
		out = append(out, db.tables[name])
	}
	return out
}

// CreateTable initializes an empty table. It is idempotent.
func (db *Database) CreateTable(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.createTableLocked(name)
	return err
}

func (db *Database) createTableLocked(name string) (*table.Table, error) {
	if t, ok := db.tables[name]; ok {
		return t, nil
	}
	t, err := table.Open(name, filepath.Join(db.config.Dir, tablesDirname, name))
	if err != nil {
		return nil, fmt.Errorf("create table '%s': %w", name, err)
	}
	db.tables[name] = t
	return t, nil
}

func (db *Database) TableExists(name string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.tables[name]
	return ok
}

// Tables returns the sorted table names.
func (db *Database) Tables() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return utils.GetKeys(db.tables)
}

func (db *Database) table(name string) (*table.Table, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrTableNotFound, name)
	}
	return t, nil
}

// Insert stores a new record and returns its assigned id, creating the
// table on first use.
func (db *Database) Insert(tableName string, record table.Record) (uint64, error) {
	db.mu.Lock()
	t, err := db.createTableLocked(tableName)
	db.mu.Unlock()
	if err != nil {
		return 0, err
	}

	id, err := t.Insert(record)
	if err != nil {
		return 0, err
	}
	db.writes.Add(1)
	return id, nil
}

// Update merges a partial record over the stored version of its id. The
// bool reports whether the id was known to the table.
func (db *Database) Update(tableName string, record table.Record) (bool, error) {
	t, err := db.table(tableName)
	if err != nil {
		return false, err
	}
	known, err := t.Update(record)
	if err != nil {
		return false, err
	}
	db.writes.Add(1)
	return known, nil
}

// Remove deletes a record by id. The bool reports whether anything was
// there to remove.
func (db *Database) Remove(tableName string, id uint64) (bool, error) {
	t, err := db.table(tableName)
	if err != nil {
		return false, err
	}
	removed, err := t.Remove(id)
	if err != nil {
		return false, err
	}
	db.writes.Add(1)
	return removed, nil
}

// Truncate drops every record with id greater than start and resets the
// id counter to start.
func (db *Database) Truncate(tableName string, start uint64) error {
	t, err := db.table(tableName)
	if err != nil {
		return err
	}
	err = t.Truncate(start)
	if err != nil {
		return err
	}
	db.writes.Add(1)
	return nil
}

// Get resolves a record by id. Returns nil without error when the id
// does not exist.
func (db *Database) Get(tableName string, id uint64) (table.Record, error) {
	t, err := db.table(tableName)
	if err != nil {
		return nil, err
	}
	return t.Get(id)
}

// GetAll returns every live record of the table in ascending id order.
func (db *Database) GetAll(tableName string) ([]table.Record, error) {
	t, err := db.table(tableName)
	if err != nil {
		return nil, err
	}
	return t.GetAll()
}

// FlushNow forces one flush for every table regardless of the trigger
// thresholds.
func (db *Database) FlushNow() error {
	return db.flushObserved(db.writes.Load())
}

// flushObserved flushes every table and, on success, subtracts the
// write count the caller observed beforehand. Writes accepted while the
// flush runs stay counted toward the next trigger.
func (db *Database) flushObserved(observed int64) error {
	var lastErr error
	for _, t := range db.tablesSnapshot() {
		err := t.Flush()
		if err != nil {
			lastErr = err
			db.logger.WithError(err).WithField("table", t.Name()).Error("flush table")
		}
	}
	if lastErr == nil {
		// Two forced flushes may race; never let the counter go below
		// zero.
		for {
			w := db.writes.Load()
			next := w - observed
			if next < 0 {
				next = 0
			}
			if db.writes.CompareAndSwap(w, next) {
				break
			}
		}
		db.lastFlush.Store(time.Now().UnixNano())
	}
	return lastErr
}

// Shutdown stops the schedulers and runs one final forced flush. Safe to
// call more than once, only the first call does the work.
func (db *Database) Shutdown() error {
	db.noMoreScheduledFlushes.Store(true)
	var err error
	db.closeOnce.Do(func() {
		close(db.exit)
		db.wg.Wait()
		err = db.FlushNow()
	})
	return err
}

type Stats struct {
	Tables    int
	Writes    uint64
	DiskReads uint64
}

// Stats reports handle-wide counters, mostly useful for tests and the
// startup log.
func (db *Database) Stats() Stats {
	w := db.writes.Load()
	if w < 0 {
		w = 0
	}
	s := Stats{Writes: uint64(w)}
	for _, t := range db.tablesSnapshot() {
		s.Tables++
		s.DiskReads += t.DiskReads()
	}
	return s
}
