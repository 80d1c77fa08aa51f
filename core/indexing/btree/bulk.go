package btree

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ahchan99/bustub/core/storage/page"
)

// InsertFromFile bulk-inserts one entry per line from path. A line is
// "key", "key,pageID" or "key,pageID,slotNum"; a bare key is stored as
// RID{PageID: 0, SlotNum: key} and a missing slot defaults to 0. It stops
// at the first line it cannot parse or whose Insert returns an error; a
// duplicate key is skipped.
func (t *BTree) InsertFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("btree: opening %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		k, rid, err := parseBulkLine(line)
		if err != nil {
			return err
		}
		if _, err := t.Insert(k, rid); err != nil {
			return err
		}
	}
	return sc.Err()
}

// RemoveFromFile bulk-removes keys listed one per line in path.
func (t *BTree) RemoveFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("btree: opening %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		k, err := strconv.ParseInt(strings.Split(line, ",")[0], 10, 64)
		if err != nil {
			return fmt.Errorf("btree: parsing key in %q: %w", line, err)
		}
		if err := t.Remove(k); err != nil {
			return err
		}
	}
	return sc.Err()
}

func parseBulkLine(line string) (int64, RID, error) {
	parts := strings.Split(line, ",")
	k, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, RID{}, fmt.Errorf("btree: parsing key in %q: %w", line, err)
	}
	if len(parts) == 1 {
		return k, RID{PageID: 0, SlotNum: uint32(k)}, nil
	}
	pid, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, RID{}, fmt.Errorf("btree: parsing page id in %q: %w", line, err)
	}
	slot := uint32(0)
	if len(parts) > 2 {
		s, err := strconv.ParseUint(parts[2], 10, 32)
		if err != nil {
			return 0, RID{}, fmt.Errorf("btree: parsing slot in %q: %w", line, err)
		}
		slot = uint32(s)
	}
	return k, RID{PageID: page.ID(pid), SlotNum: slot}, nil
}
