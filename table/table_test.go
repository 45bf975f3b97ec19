package table

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	. "github.com/fulldump/biff"
)

func TestInsertAssignsIncreasingIds(t *testing.T) {
	Environment(func(dir string) {
		tbl, err := Open("users", dir)
		AssertNil(err)

		for i := 1; i <= 3; i++ {
			id, errInsert := tbl.Insert(Record{"n": i})
			AssertNil(errInsert)
			AssertEqual(id, uint64(i))
		}
	})
}

func TestInsertRejectsCallerId(t *testing.T) {
	Environment(func(dir string) {
		tbl, _ := Open("users", dir)

		_, err := tbl.Insert(Record{"id": 7, "name": "Fulanez"})
		AssertTrue(errors.Is(err, ErrInvalidArgument))
	})
}

func TestGetPendingRoundTrip(t *testing.T) {
	Environment(func(dir string) {
		tbl, _ := Open("users", dir)

		id, _ := tbl.Insert(Record{"name": "Fulanez", "address": "Elm Street 11"})

		rec, err := tbl.Get(id)
		AssertNil(err)
		AssertEqualJson(rec["name"], "Fulanez")
		AssertEqualJson(rec["address"], "Elm Street 11")

		// Pending reads never touch the log file
		AssertEqual(tbl.DiskReads(), uint64(0))
	})
}

func TestFlushRoundTrip(t *testing.T) {
	Environment(func(dir string) {
		tbl, _ := Open("users", dir)
		id, _ := tbl.Insert(Record{"name": "Fulanez"})

		before, _ := tbl.Get(id)

		AssertNil(tbl.Flush())

		after, _ := tbl.Get(id)
		AssertEqualJson(after, before)

		// The log is newline-delimited JSON
		content, _ := os.ReadFile(filepath.Join(dir, "db"))
		AssertEqual(content[len(content)-1], byte('\n'))
		row := Record{}
		AssertNil(json.Unmarshal(content, &row))
		AssertEqualJson(row["name"], "Fulanez")

		// A fresh handle reads the same record back
		reopened, err := Open("users", dir)
		AssertNil(err)
		rec, _ := reopened.Get(id)
		AssertEqualJson(rec, before)
		AssertEqual(reopened.LastID(), id)
	})
}

func TestRemovePendingInsertNeverTouchesDisk(t *testing.T) {
	Environment(func(dir string) {
		tbl, _ := Open("users", dir)
		id, _ := tbl.Insert(Record{"name": "Fulanez"})

		removed, err := tbl.Remove(id)
		AssertNil(err)
		AssertTrue(removed)

		rec, _ := tbl.Get(id)
		AssertNil(rec)

		// Insert and remove cancel out, the flush writes nothing
		AssertNil(tbl.Flush())
		_, errStat := os.Stat(filepath.Join(dir, "db"))
		AssertTrue(os.IsNotExist(errStat))
	})
}

func TestRemoveAfterFlush(t *testing.T) {
	Environment(func(dir string) {
		tbl, _ := Open("users", dir)
		id, _ := tbl.Insert(Record{"name": "Fulanez"})
		AssertNil(tbl.Flush())

		removed, _ := tbl.Remove(id)
		AssertTrue(removed)

		rec, _ := tbl.Get(id)
		AssertNil(rec)

		AssertNil(tbl.Flush())
		rec, _ = tbl.Get(id)
		AssertNil(rec)

		reopened, _ := Open("users", dir)
		rec, _ = reopened.Get(id)
		AssertNil(rec)
	})
}

func TestUpdateMergesOntoPendingInsert(t *testing.T) {
	Environment(func(dir string) {
		tbl, _ := Open("users", dir)
		id, _ := tbl.Insert(Record{"name": "Fulanez", "city": "Madrid"})

		known, err := tbl.Update(Record{"id": id, "city": "Sevilla"})
		AssertNil(err)
		AssertTrue(known)

		// The update merged in place, no separate staged update
		AssertEqual(len(tbl.pending.updates), 0)
		AssertEqual(len(tbl.pending.inserts), 1)

		rec, _ := tbl.Get(id)
		AssertEqualJson(rec["name"], "Fulanez")
		AssertEqualJson(rec["city"], "Sevilla")
	})
}

func TestUpdatePartialFieldsSurviveFlush(t *testing.T) {
	Environment(func(dir string) {
		tbl, _ := Open("users", dir)
		id, _ := tbl.Insert(Record{"name": "Fulanez", "address": "Elm Street 11"})
		AssertNil(tbl.Flush())

		known, err := tbl.Update(Record{"id": id, "address": "Elm Street 13"})
		AssertNil(err)
		AssertTrue(known)

		rec, _ := tbl.Get(id)
		AssertEqualJson(rec["name"], "Fulanez")
		AssertEqualJson(rec["address"], "Elm Street 13")

		AssertNil(tbl.Flush())

		reopened, _ := Open("users", dir)
		rec, _ = reopened.Get(id)
		AssertEqualJson(rec["name"], "Fulanez")
		AssertEqualJson(rec["address"], "Elm Street 13")
	})
}

func TestFirstPendingUpdateWins(t *testing.T) {
	Environment(func(dir string) {
		tbl, _ := Open("users", dir)
		id, _ := tbl.Insert(Record{"name": "Fulanez"})
		AssertNil(tbl.Flush())

		tbl.Update(Record{"id": id, "name": "Pedro"})
		tbl.Update(Record{"id": id, "name": "Sara"})

		rec, _ := tbl.Get(id)
		AssertEqualJson(rec["name"], "Pedro")

		// The flush drains the same update the reads showed
		AssertNil(tbl.Flush())
		reopened, _ := Open("users", dir)
		rec, _ = reopened.Get(id)
		AssertEqualJson(rec["name"], "Pedro")
	})
}

func TestTruncateResetsIdSequence(t *testing.T) {
	Environment(func(dir string) {
		tbl, _ := Open("users", dir)
		for i := 0; i < 3; i++ {
			tbl.Insert(Record{"n": i})
		}

		err := tbl.Truncate(5)
		AssertTrue(errors.Is(err, ErrOutOfRange))

		AssertNil(tbl.Truncate(1))
		AssertEqual(tbl.LastID(), uint64(1))

		records, _ := tbl.GetAll()
		AssertEqual(len(records), 1)

		id, _ := tbl.Insert(Record{"n": 100})
		AssertEqual(id, uint64(2))
	})
}

func TestTruncateDropsDiskRecords(t *testing.T) {
	Environment(func(dir string) {
		tbl, _ := Open("users", dir)
		for i := 0; i < 3; i++ {
			tbl.Insert(Record{"n": i})
		}
		AssertNil(tbl.Flush())

		AssertNil(tbl.Truncate(1))

		records, _ := tbl.GetAll()
		AssertEqual(len(records), 1)

		AssertNil(tbl.Flush())

		reopened, _ := Open("users", dir)
		records, _ = reopened.GetAll()
		AssertEqual(len(records), 1)
		AssertEqual(reopened.LastID(), uint64(1))
	})
}

func TestInsertAfterTruncateSurvivesFlush(t *testing.T) {
	Environment(func(dir string) {
		tbl, _ := Open("users", dir)
		for i := 0; i < 3; i++ {
			tbl.Insert(Record{"n": i})
		}
		AssertNil(tbl.Flush())

		// The reinserted record gets an id above the truncation point
		// within the same flush cycle; it must stay live through it.
		AssertNil(tbl.Truncate(1))
		id, _ := tbl.Insert(Record{"n": 100})
		AssertEqual(id, uint64(2))

		AssertNil(tbl.Flush())

		rec, err := tbl.Get(id)
		AssertNil(err)
		AssertEqualJson(rec["n"], 100)

		reopened, _ := Open("users", dir)
		records, _ := reopened.GetAll()
		AssertEqual(len(records), 2)
		AssertEqualJson(records[1]["n"], 100)
	})
}

func TestRemoveAndInsertAcrossFlushes(t *testing.T) {
	Environment(func(dir string) {
		tbl, _ := Open("users", dir)
		tbl.Insert(Record{"n": 1})
		tbl.Insert(Record{"n": 2})
		AssertNil(tbl.Flush())

		tbl.Remove(1)
		id3, _ := tbl.Insert(Record{"n": 3})
		AssertEqual(id3, uint64(3))

		records, _ := tbl.GetAll()
		AssertEqual(len(records), 2)
		AssertEqualJson(records[0]["id"], 2)
		AssertEqualJson(records[1]["id"], 3)

		AssertNil(tbl.Flush())

		reopened, _ := Open("users", dir)
		records, _ = reopened.GetAll()
		AssertEqual(len(records), 2)
		AssertEqualJson(records[0]["id"], 2)
		AssertEqualJson(records[1]["id"], 3)
	})
}

func TestOrphanUpdateFlushesAsNewEntry(t *testing.T) {
	Environment(func(dir string) {
		tbl, _ := Open("users", dir)

		known, err := tbl.Update(Record{"id": 7, "name": "nobody"})
		AssertNil(err)
		AssertFalse(known)

		rec, _ := tbl.Get(7)
		AssertEqualJson(rec["name"], "nobody")

		AssertNil(tbl.Flush())

		reopened, _ := Open("users", dir)
		rec, _ = reopened.Get(7)
		AssertEqualJson(rec["name"], "nobody")
	})
}

func TestCacheEvictionCausesSecondDiskRead(t *testing.T) {
	Environment(func(dir string) {
		tbl, _ := Open("users", dir)
		id, _ := tbl.Insert(Record{"name": "Fulanez"})
		AssertNil(tbl.Flush())

		tbl.Get(id)
		AssertEqual(tbl.DiskReads(), uint64(1))

		// Cache hit, usage climbs to 2
		tbl.Get(id)
		AssertEqual(tbl.DiskReads(), uint64(1))

		// usage+1 decay passes evict the entry
		tbl.Cache().Collect()
		tbl.Cache().Collect()
		tbl.Cache().Collect()

		tbl.Get(id)
		AssertEqual(tbl.DiskReads(), uint64(2))
	})
}

func TestGetAllReadsEverythingWithOneHandle(t *testing.T) {
	Environment(func(dir string) {
		tbl, _ := Open("users", dir)
		for i := 0; i < 10; i++ {
			tbl.Insert(Record{"n": i})
		}
		AssertNil(tbl.Flush())

		records, err := tbl.GetAll()
		AssertNil(err)
		AssertEqual(len(records), 10)
		for i, rec := range records {
			AssertEqualJson(rec["id"], i+1)
			AssertEqualJson(rec["n"], i)
		}
	})
}

func TestNegativeIdIsInvalid(t *testing.T) {
	Environment(func(dir string) {
		tbl, _ := Open("users", dir)

		// A negative JSON number must not wrap into a huge valid id
		_, err := tbl.Update(Record{"id": float64(-1), "name": "nobody"})
		AssertTrue(errors.Is(err, ErrInvalidArgument))
	})
}

func TestGetZeroIdIsInvalid(t *testing.T) {
	Environment(func(dir string) {
		tbl, _ := Open("users", dir)
		_, err := tbl.Get(0)
		AssertTrue(errors.Is(err, ErrInvalidArgument))
		_, err = tbl.Remove(0)
		AssertTrue(errors.Is(err, ErrInvalidArgument))
	})
}
