package handler

import (
	"bufio"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/atom-ide/atomd/internal/wire"
)

// searchCancelCheckInterval is how often, in files visited, Search checks
// ctx for cancellation — matching spec §4.5's "must check cancel_token
// periodically."
const searchCancelCheckInterval = 32

// Search iterates files under root, matching pattern line by line, and
// returns at most maxResults items (maxResults <= 0 means unbounded).
// pattern is always a regular expression: simpler and strictly more
// capable than shelling out to an external matcher, and it removes a
// runtime dependency on an external binary being on PATH.
func (d *Default) Search(ctx context.Context, root, pattern string, maxResults int) ([]wire.SearchResult, bool, error) {
	resolvedRoot, err := d.resolveSearchRoot(root)
	if err != nil {
		return nil, false, errf(wire.ErrInvalidArgument, "%v", err)
	}
	if pattern == "" {
		return nil, false, errf(wire.ErrInvalidArgument, "empty pattern")
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, false, errf(wire.ErrInvalidArgument, "bad pattern %q: %v", pattern, err)
	}

	var (
		items     []wire.SearchResult
		truncated bool
		visited   int
	)

	walkErr := filepath.WalkDir(resolvedRoot, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil // skip unreadable entries rather than aborting the whole search
		}
		if entry.IsDir() {
			if err := ctx.Err(); err != nil {
				return err
			}
		} else {
			visited++
		}
		if visited%searchCancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if entry.IsDir() {
			return nil
		}
		if truncated {
			return filepath.SkipAll
		}

		matches, more, err := grepFile(path, re, remaining(maxResults, len(items)))
		if err != nil {
			return nil // unreadable file; keep going
		}
		items = append(items, matches...)
		if more {
			truncated = true
			return filepath.SkipAll
		}
		return nil
	})

	if walkErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		return nil, false, errf(wire.ErrInternal, "search %q: %v", resolvedRoot, walkErr)
	}

	return items, truncated, nil
}

// remaining returns how many more results may be collected, or -1 when
// maxResults is unbounded.
func remaining(maxResults, have int) int {
	if maxResults <= 0 {
		return -1
	}
	left := maxResults - have
	if left < 0 {
		return 0
	}
	return left
}

// grepFile scans a single file line by line, returning up to limit matches
// (limit < 0 means unbounded) and whether the file had more matches than
// limit allowed.
func grepFile(path string, re *regexp.Regexp, limit int) ([]wire.SearchResult, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	var results []wire.SearchResult
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if !re.MatchString(text) {
			continue
		}
		if limit >= 0 && len(results) >= limit {
			return results, true, nil
		}
		results = append(results, wire.SearchResult{Path: path, Line: line, Text: text})
	}
	return results, false, scanner.Err()
}
