package reader

import (
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/banshee-data/slamfeed/internal/fsutil"
)

// stampedFile is a file named by its nanosecond timestamp, such as
// 1544590798702.bin. Files whose stem is not an integer keep ok=false and
// are rejected by the numeric filter in their sorted position.
type stampedFile struct {
	stem string
	ts   int64
	ok   bool
}

// listStamped returns the files in dir with extension ext, ordered by
// timestamp. Non-numeric stems sort after numeric ones, by name.
func listStamped(fs fsutil.FileSystem, dir, ext string) ([]stampedFile, error) {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []stampedFile
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(path.Ext(e.Name()), ext) {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), path.Ext(e.Name()))
		ts, err := strconv.ParseInt(stem, 10, 64)
		files = append(files, stampedFile{stem: stem, ts: ts, ok: err == nil})
	}

	sort.SliceStable(files, func(i, j int) bool { return stampedLess(files[i], files[j]) })
	return files, nil
}

func stampedLess(a, b stampedFile) bool {
	if a.ok != b.ok {
		return a.ok
	}
	if a.ok && a.ts != b.ts {
		return a.ts < b.ts
	}
	return a.stem < b.stem
}
