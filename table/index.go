package table

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/btree"
)

// indexEntry locates one serialized record inside the table log file.
// Spans of different ids never overlap.
type indexEntry struct {
	id     uint64
	offset int64
	length int64
}

func newIndex() *btree.BTreeG[indexEntry] {
	return btree.NewG(32, func(a, b indexEntry) bool {
		return a.id < b.id
	})
}

// readIndex parses the newline-delimited "id,offset,length" file. A
// missing file yields an empty index; a malformed one is an error, there
// is no safe state to recover into.
func readIndex(filename string) (*btree.BTreeG[indexEntry], error) {
	idx := newIndex()

	f, err := os.Open(filename)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		parts := strings.Split(text, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("index line %d: expected id,offset,length", line)
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("index line %d: id: %w", line, err)
		}
		offset, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("index line %d: offset: %w", line, err)
		}
		length, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("index line %d: length: %w", line, err)
		}
		idx.ReplaceOrInsert(indexEntry{id: id, offset: offset, length: length})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	return idx, nil
}

func writeIndex(w io.Writer, idx *btree.BTreeG[indexEntry]) error {
	buf := bufio.NewWriter(w)
	var err error
	idx.Ascend(func(e indexEntry) bool {
		_, err = fmt.Fprintf(buf, "%d,%d,%d\n", e.id, e.offset, e.length)
		return err == nil
	})
	if err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return buf.Flush()
}

// readSpan reads exactly the bytes an index entry points at.
func readSpan(f *os.File, e indexEntry) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("log file missing for id %d", e.id)
	}
	payload := make([]byte, e.length)
	_, err := f.ReadAt(payload, e.offset)
	if err != nil {
		return nil, fmt.Errorf("read id %d at offset %d: %w", e.id, e.offset, err)
	}
	return payload, nil
}
