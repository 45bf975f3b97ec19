package table

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	flushTotal  = metrics.GetOrCreateCounter(`ezpzdb_flush_total`)
	flushErrors = metrics.GetOrCreateCounter(`ezpzdb_flush_errors_total`)
)

// Flush drains the staged mutations into a freshly rewritten log and
// index, atomically replacing the old files. Mutations accepted while
// the rewrite runs land in a new pending set for the next flush. On
// failure the old files stay untouched and the snapshot is merged back,
// so the next trigger retries the same work.
func (t *Table) Flush() error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	if t.pending.empty() && !t.indexDirty {
		t.mu.Unlock()
		return nil
	}
	snap := t.pending
	t.pending = newPending()
	t.flushing = snap
	oldIndex := t.index.Clone()
	lastID := t.lastID
	t.mu.Unlock()

	t0 := time.Now()
	tmpLog, tmpIndex, newIdx, err := t.rewrite(snap, oldIndex)

	// The swap happens under the table lock so no read ever pairs the
	// old index with the new log file.
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushing = nil

	logInstalled := false
	if err == nil {
		logInstalled, err = t.commit(tmpLog, tmpIndex, lastID)
	}
	if err != nil {
		flushErrors.Inc()
		if logInstalled {
			// The installed log already holds the whole snapshot; only
			// the index file on disk is stale. Memory adopts the new
			// state and the next flush rewrites both files from it.
			t.index = newIdx
			t.indexDirty = true
			t.invalidateFlushed(snap)
		} else {
			t.pending = mergePending(snap, t.pending)
		}
		if tmpLog != "" {
			os.Remove(tmpLog)
		}
		if tmpIndex != "" {
			os.Remove(tmpIndex)
		}
		return err
	}

	t.index = newIdx
	t.indexDirty = false
	t.invalidateFlushed(snap)
	flushTotal.Inc()
	t.logger.WithFields(logrus.Fields{
		"records":  newIdx.Len(),
		"inserted": len(snap.inserts),
		"updated":  len(snap.updates),
		"removed":  len(snap.removals),
		"elapsed":  time.Since(t0),
	}).Debug("flush complete")

	return nil
}

// rewrite builds the replacement log and index as temporary files,
// leaving the current ones untouched. Carried-over entries come first in
// index order, then staged inserts, then updates that never matched an
// existing record.
func (t *Table) rewrite(snap *pending, oldIndex *btree.BTreeG[indexEntry]) (tmpLog, tmpIndex string, newIdx *btree.BTreeG[indexEntry], err error) {
	var oldLog *os.File
	oldLog, err = os.Open(t.path(logFilename))
	if err != nil && !os.IsNotExist(err) {
		return "", "", nil, fmt.Errorf("open log: %w", err)
	}
	if oldLog != nil {
		defer oldLog.Close()
	}

	tmpLog = t.path(logFilename + ".tmp-" + uuid.NewString())
	f, err := os.Create(tmpLog)
	if err != nil {
		return "", "", nil, fmt.Errorf("create temp log: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriterSize(f, 1024*1024)

	newIdx = newIndex()
	offset := int64(0)

	emit := func(id uint64, payload []byte) error {
		_, err := w.Write(payload)
		if err != nil {
			return fmt.Errorf("write temp log: %w", err)
		}
		newIdx.ReplaceOrInsert(indexEntry{id: id, offset: offset, length: int64(len(payload))})
		offset += int64(len(payload))
		return nil
	}

	// The earliest staged update per id is authoritative, matching the
	// scan order reads use.
	updates := map[uint64]Record{}
	for _, u := range snap.updates {
		id := recordID(u)
		if _, ok := updates[id]; !ok {
			updates[id] = u
		}
	}

	oldIndex.Ascend(func(e indexEntry) bool {
		if _, removed := snap.removals[e.id]; removed {
			return true
		}
		if snap.truncate != nil && e.id > *snap.truncate {
			return true
		}
		var payload []byte
		payload, err = readSpan(oldLog, e)
		if err != nil {
			return false
		}
		if u, ok := updates[e.id]; ok {
			payload, err = mergePayload(payload, u)
			if err != nil {
				return false
			}
		}
		err = emit(e.id, payload)
		return err == nil
	})
	if err != nil {
		return tmpLog, "", nil, err
	}

	for _, ins := range snap.inserts {
		id := recordID(ins)
		if _, removed := snap.removals[id]; removed {
			continue
		}
		var payload []byte
		payload, err = encodeRecord(ins)
		if err != nil {
			return tmpLog, "", nil, err
		}
		err = emit(id, payload)
		if err != nil {
			return tmpLog, "", nil, err
		}
	}

	// Updates without a matching record flush into fresh entries.
	for _, u := range snap.updates {
		id := recordID(u)
		if _, ok := newIdx.Get(indexEntry{id: id}); ok {
			continue
		}
		if snap.truncate != nil && id > *snap.truncate {
			continue
		}
		var payload []byte
		payload, err = encodeRecord(u)
		if err != nil {
			return tmpLog, "", nil, err
		}
		err = emit(id, payload)
		if err != nil {
			return tmpLog, "", nil, err
		}
	}

	err = w.Flush()
	if err != nil {
		return tmpLog, "", nil, fmt.Errorf("flush temp log: %w", err)
	}
	err = f.Sync()
	if err != nil {
		return tmpLog, "", nil, fmt.Errorf("sync temp log: %w", err)
	}

	tmpIndex = t.path(indexFilename + ".tmp-" + uuid.NewString())
	fi, err := os.Create(tmpIndex)
	if err != nil {
		return tmpLog, "", nil, fmt.Errorf("create temp index: %w", err)
	}
	defer fi.Close()
	err = writeIndex(fi, newIdx)
	if err != nil {
		return tmpLog, tmpIndex, nil, err
	}
	err = fi.Sync()
	if err != nil {
		return tmpLog, tmpIndex, nil, fmt.Errorf("sync temp index: %w", err)
	}

	return tmpLog, tmpIndex, newIdx, nil
}

// commit installs the rewritten files. The meta file goes first: a crash
// in between leaves at worst a too-high lastId, which can never cause id
// reuse. The bool reports whether the log rename landed, the point after
// which the snapshot is durable.
func (t *Table) commit(tmpLog, tmpIndex string, lastID uint64) (bool, error) {
	m, err := json.Marshal(meta{LastID: lastID})
	if err != nil {
		return false, fmt.Errorf("encode meta: %w", err)
	}
	err = os.WriteFile(t.path(metaFilename), m, 0666)
	if err != nil {
		return false, fmt.Errorf("write meta: %w", err)
	}
	err = os.Rename(tmpLog, t.path(logFilename))
	if err != nil {
		return false, fmt.Errorf("install log: %w", err)
	}
	err = os.Rename(tmpIndex, t.path(indexFilename))
	if err != nil {
		return true, fmt.Errorf("install index: %w", err)
	}
	return true, nil
}

// invalidateFlushed drops cache entries for every id the snapshot
// changed. A read during the rewrite resolves a snapshotted update over
// the old disk record and caches that base, which the flush just made
// stale.
func (t *Table) invalidateFlushed(snap *pending) {
	for _, u := range snap.updates {
		t.cache.Invalidate(recordID(u))
	}
	for id := range snap.removals {
		t.cache.Invalidate(id)
	}
}

// mergePending puts a failed flush snapshot back in front of mutations
// accepted while the rewrite was running, preserving relative order.
func mergePending(old, recent *pending) *pending {
	merged := newPending()

	merged.truncate = old.truncate
	if recent.truncate != nil && (merged.truncate == nil || *recent.truncate < *merged.truncate) {
		merged.truncate = recent.truncate
	}
	// Only a truncation staged during the flush can hide snapshot
	// entries; a snapshot entry beyond the snapshot's own watermark was
	// staged after that truncation and stays live.
	beyond := func(id uint64) bool {
		return recent.truncate != nil && id > *recent.truncate
	}

	// A removal staged during the flush may target a snapshot insert
	// that never reached disk; both cancel out.
	cancelled := map[uint64]struct{}{}
	for _, ins := range old.inserts {
		id := recordID(ins)
		if _, removed := recent.removals[id]; removed {
			cancelled[id] = struct{}{}
			continue
		}
		if beyond(id) {
			continue
		}
		merged.inserts = append(merged.inserts, ins)
	}
	merged.inserts = append(merged.inserts, recent.inserts...)

	for _, u := range old.updates {
		if _, removed := recent.removals[recordID(u)]; removed {
			continue
		}
		if beyond(recordID(u)) {
			continue
		}
		merged.updates = append(merged.updates, u)
	}
	// An update staged during the flush may target a record that only
	// exists as a snapshot insert. Fold it into the insert, the same
	// merge Update performs when both sides are pending; neither the
	// read path nor the rewrite resolves an update against a pending
	// insert.
	for _, u := range recent.updates {
		id := recordID(u)
		folded := false
		for i, ins := range merged.inserts {
			if recordID(ins) != id {
				continue
			}
			m, errMerge := mergeRecords(ins, u)
			if errMerge != nil {
				break
			}
			m[idField] = id
			merged.inserts[i] = m
			folded = true
			break
		}
		if !folded {
			merged.updates = append(merged.updates, u)
		}
	}

	for id := range old.removals {
		if !beyond(id) {
			merged.removals[id] = struct{}{}
		}
	}
	for id := range recent.removals {
		if _, ok := cancelled[id]; ok {
			continue
		}
		merged.removals[id] = struct{}{}
	}

	return merged
}
