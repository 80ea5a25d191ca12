package build

import (
	"os"
	"path/filepath"
	"sort"
)

// DiscoverSources enumerates every file in dirname(entrySource) whose
// extension is a key of compilerForExt, sorted lexicographically for
// determinism (spec §4.1 step 1). Fails with ErrNoSourcesDiscovered if none
// are found.
func DiscoverSources(entrySource string, compilerForExt map[string]string) ([]string, error) {
	if _, err := os.Stat(entrySource); err != nil {
		return nil, &ErrSourceMissing{Path: entrySource}
	}
	dir := filepath.Dir(entrySource)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &ErrSourceMissing{Path: dir}
	}
	var found []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if _, ok := compilerForExt[ext]; !ok {
			continue
		}
		found = append(found, filepath.Join(dir, entry.Name()))
	}
	if len(found) == 0 {
		return nil, &ErrNoSourcesDiscovered{Dir: dir}
	}
	sort.Strings(found)
	return found, nil
}
