package table

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"github.com/xdevs23/ezpzdb/cache"
	"github.com/xdevs23/ezpzdb/utils"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrOutOfRange      = errors.New("start is beyond the last assigned id")
)

const (
	logFilename   = "db"
	indexFilename = "index"
	metaFilename  = "meta"
)

type meta struct {
	LastID uint64 `json:"lastId"`
}

// pending is the staged mutation set the next flush drains. Mutations
// are memory-only until then.
type pending struct {
	inserts  []Record
	updates  []Record
	removals map[uint64]struct{}
	truncate *uint64
}

func newPending() *pending {
	return &pending{removals: map[uint64]struct{}{}}
}

func (p *pending) empty() bool {
	return len(p.inserts) == 0 && len(p.updates) == 0 &&
		len(p.removals) == 0 && p.truncate == nil
}

// Table owns one log/index/meta file triple plus the staged mutations
// that have not reached disk yet.
type Table struct {
	name   string
	dir    string
	logger *logrus.Entry

	mu         sync.Mutex
	lastID     uint64
	index      *btree.BTreeG[indexEntry]
	indexDirty bool // on-disk index file is stale, rewrite it
	pending    *pending
	flushing   *pending // snapshot owned by an in-flight flush

	flushMu sync.Mutex

	cache     *cache.Cache
	diskReads atomic.Uint64
}

// Open loads a table from dir, creating the directory when absent. The
// index and meta files are read eagerly; the log itself is only touched
// by reads and flushes.
func Open(name, dir string) (*Table, error) {
	err := utils.EnsureDir(dir)
	if err != nil {
		return nil, fmt.Errorf("create table directory: %w", err)
	}

	t := &Table{
		name:    name,
		dir:     dir,
		logger:  logrus.WithField("table", name),
		pending: newPending(),
		cache:   cache.New(),
	}

	metaBytes, err := os.ReadFile(t.path(metaFilename))
	if err == nil {
		m := meta{}
		err = json.Unmarshal(metaBytes, &m)
		if err != nil {
			return nil, fmt.Errorf("decode meta: %w", err)
		}
		t.lastID = m.LastID
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read meta: %w", err)
	}

	t.index, err = readIndex(t.path(indexFilename))
	if err != nil {
		return nil, err
	}

	return t, nil
}

func (t *Table) path(filename string) string {
	return filepath.Join(t.dir, filename)
}

func (t *Table) Name() string {
	return t.name
}

// Cache exposes the per-table cache so the collector loop can decay it.
func (t *Table) Cache() *cache.Cache {
	return t.cache
}

// DiskReads reports how many times a record was read from the log file.
func (t *Table) DiskReads() uint64 {
	return t.diskReads.Load()
}

func (t *Table) LastID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastID
}

// Insert assigns the next id and stages the record. The record is deep
// copied, the caller keeps ownership of its map.
func (t *Table) Insert(record Record) (uint64, error) {
	if _, taken := record[idField]; taken {
		return 0, fmt.Errorf("%w: insert must not carry an id", ErrInvalidArgument)
	}

	r, err := copyRecord(record)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastID++
	r[idField] = t.lastID
	t.pending.inserts = append(t.pending.inserts, r)

	return t.lastID, nil
}

// Update stages a partial record, merged over the current version at
// read and flush time. Updating an unflushed insert merges in place so
// it never produces a separate staged update. The returned bool reports
// whether the id was known; unknown ids are still buffered and flush
// into a fresh entry.
func (t *Table) Update(record Record) (bool, error) {
	id := recordID(record)
	if id == 0 {
		return false, fmt.Errorf("%w: update requires a record id", ErrInvalidArgument)
	}

	r, err := copyRecord(record)
	if err != nil {
		return false, err
	}
	r[idField] = id

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, ins := range t.pending.inserts {
		if recordID(ins) == id {
			merged, err := mergeRecords(ins, r)
			if err != nil {
				return false, err
			}
			merged[idField] = id
			t.pending.inserts[i] = merged
			return true, nil
		}
	}

	t.pending.updates = append(t.pending.updates, r)
	t.cache.Invalidate(id)

	return t.indexHas(id) || t.flushingInsert(id) != nil, nil
}

// Remove drops the record with the given id. A staged insert is
// discarded without ever touching disk; otherwise staged updates for the
// id are dropped and, when the id exists on disk, the removal is staged
// for the next flush.
func (t *Table) Remove(id uint64) (bool, error) {
	if id == 0 {
		return false, fmt.Errorf("%w: remove requires an id", ErrInvalidArgument)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, ins := range t.pending.inserts {
		if recordID(ins) == id {
			t.pending.inserts = append(t.pending.inserts[:i], t.pending.inserts[i+1:]...)
			t.cache.Invalidate(id)
			return true, nil
		}
	}

	hadUpdate := false
	updates := t.pending.updates[:0]
	for _, u := range t.pending.updates {
		if recordID(u) == id {
			hadUpdate = true
			continue
		}
		updates = append(updates, u)
	}
	t.pending.updates = updates

	onDisk := t.indexHas(id) || t.flushingInsert(id) != nil
	if onDisk {
		t.pending.removals[id] = struct{}{}
	}
	if onDisk || hadUpdate {
		t.cache.Invalidate(id)
		return true, nil
	}
	return false, nil
}

// Truncate drops every record with id greater than start, staged and on
// disk alike, and resets the id counter to start. The whole table cache
// is cleared, cheaper than selective invalidation and still correct.
func (t *Table) Truncate(start uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if start > t.lastID {
		return fmt.Errorf("%w: truncate to %d with last id %d", ErrOutOfRange, start, t.lastID)
	}

	inserts := []Record{}
	for _, ins := range t.pending.inserts {
		if recordID(ins) <= start {
			inserts = append(inserts, ins)
		}
	}
	t.pending.inserts = inserts

	updates := []Record{}
	for _, u := range t.pending.updates {
		if recordID(u) <= start {
			updates = append(updates, u)
		}
	}
	t.pending.updates = updates

	for id := range t.pending.removals {
		if id > start {
			delete(t.pending.removals, id)
		}
	}

	if t.pending.truncate == nil || *t.pending.truncate > start {
		watermark := start
		t.pending.truncate = &watermark
	}
	t.lastID = start
	t.cache.Clear()

	return nil
}

// Get resolves a record by id: staged state first, then cache, then
// disk. Returns nil without error when the id does not exist.
func (t *Table) Get(id uint64) (Record, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: get requires an id", ErrInvalidArgument)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getLocked(id, nil)
}

// GetAll returns every live record in ascending id order. The log file
// is opened at most once and the descriptor is shared by every disk read
// of the call.
func (t *Table) GetAll() ([]Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.liveIDsLocked()

	var file *os.File
	defer func() {
		if file != nil {
			file.Close()
		}
	}()

	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		r, err := t.getLocked(id, &file)
		if err != nil {
			return nil, err
		}
		if r != nil {
			records = append(records, r)
		}
	}
	return records, nil
}

// Count reports the number of live records including staged state.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.liveIDsLocked())
}

func (t *Table) liveIDsLocked() []uint64 {
	seen := map[uint64]struct{}{}
	ids := []uint64{}
	add := func(id uint64) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	t.index.Ascend(func(e indexEntry) bool {
		if !t.shadowedLocked(e.id) {
			add(e.id)
		}
		return true
	})
	for _, p := range []*pending{t.flushing, t.pending} {
		if p == nil {
			continue
		}
		for _, ins := range p.inserts {
			id := recordID(ins)
			if p == t.flushing && t.beyondWatermark(id) {
				continue
			}
			add(id)
		}
		for _, u := range p.updates {
			add(recordID(u))
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// getLocked is the single resolution path shared by Get and GetAll.
// Resolution order: earliest staged update (merged over its base), then
// staged inserts, then removals, then cache, then disk.
func (t *Table) getLocked(id uint64, file **os.File) (Record, error) {
	if u := t.firstUpdateLocked(id); u != nil {
		var base Record
		if !t.pendingShadowLocked(id) {
			base = t.flushingInsert(id)
			if base == nil && !t.flushingShadowLocked(id) {
				var err error
				base, err = t.readThroughLocked(id, file)
				if err != nil {
					return nil, err
				}
			}
		}
		if base == nil {
			// Orphan update, nothing to merge over.
			return copyRecord(u)
		}
		return mergeRecords(base, u)
	}

	for _, ins := range t.pending.inserts {
		if recordID(ins) == id {
			return copyRecord(ins)
		}
	}

	if t.pendingShadowLocked(id) {
		return nil, nil
	}

	if ins := t.flushingInsert(id); ins != nil {
		return copyRecord(ins)
	}

	if t.flushingShadowLocked(id) {
		return nil, nil
	}

	return t.readThroughLocked(id, file)
}

// firstUpdateLocked returns the earliest staged update for id. Updates
// snapshotted by an in-flight flush predate current ones, but a removal
// staged after the snapshot shadows them.
func (t *Table) firstUpdateLocked(id uint64) Record {
	if t.flushing != nil {
		_, removed := t.pending.removals[id]
		if !removed && !t.beyondWatermark(id) {
			for _, u := range t.flushing.updates {
				if recordID(u) == id {
					return u
				}
			}
		}
	}
	for _, u := range t.pending.updates {
		if recordID(u) == id {
			return u
		}
	}
	return nil
}

// shadowedLocked reports whether staged removals or a truncation hide
// the on-disk version of id.
func (t *Table) shadowedLocked(id uint64) bool {
	return t.pendingShadowLocked(id) || t.flushingShadowLocked(id)
}

// pendingShadowLocked covers mutations staged after the current flush
// snapshot was taken. These hide snapshot inserts too.
func (t *Table) pendingShadowLocked(id uint64) bool {
	if _, ok := t.pending.removals[id]; ok {
		return true
	}
	return t.beyondWatermark(id)
}

// flushingShadowLocked covers the snapshot owned by an in-flight flush.
// It never hides the snapshot's own inserts: an insert with an id beyond
// the snapshot's truncation watermark was staged after that truncation.
func (t *Table) flushingShadowLocked(id uint64) bool {
	if t.flushing == nil {
		return false
	}
	if _, ok := t.flushing.removals[id]; ok {
		return true
	}
	return t.flushing.truncate != nil && id > *t.flushing.truncate
}

func (t *Table) beyondWatermark(id uint64) bool {
	return t.pending.truncate != nil && id > *t.pending.truncate
}

func (t *Table) flushingInsert(id uint64) Record {
	if t.flushing == nil {
		return nil
	}
	for _, ins := range t.flushing.inserts {
		if recordID(ins) == id {
			return ins
		}
	}
	return nil
}

func (t *Table) indexHas(id uint64) bool {
	_, ok := t.index.Get(indexEntry{id: id})
	return ok
}

// readThroughLocked resolves the durable version of id: cache hit first,
// disk otherwise, populating the cache on the way out. When file points
// at an already opened descriptor it is reused, otherwise the log is
// opened on demand (and kept open for the caller when file is non-nil).
func (t *Table) readThroughLocked(id uint64, file **os.File) (Record, error) {
	if rec, ok := t.cache.Get(id); ok {
		return copyRecord(rec)
	}

	e, ok := t.index.Get(indexEntry{id: id})
	if !ok {
		return nil, nil
	}

	var f *os.File
	if file != nil && *file != nil {
		f = *file
	} else {
		var err error
		f, err = os.Open(t.path(logFilename))
		if err != nil {
			return nil, fmt.Errorf("open log: %w", err)
		}
		if file != nil {
			*file = f
		} else {
			defer f.Close()
		}
	}

	payload, err := readSpan(f, e)
	if err != nil {
		return nil, err
	}
	t.diskReads.Add(1)

	rec, err := decodeRecord(payload)
	if err != nil {
		return nil, err
	}
	t.cache.Put(id, rec)

	return copyRecord(rec)
}
