package store

import "github.com/ryanuber/go-glob"

// FindNames returns every id in source whose name matches the glob
// pattern (supporting "*" wildcards, e.g. "invoice-*.pdf").
// It is read-only and is not part of the sync algorithm; it exists so
// that callers holding only an id/name handle, rather than the whole
// names index, can still search without reimplementing pattern
// matching per host binding.
func FindNames(source ObjectSource, pattern string) []ObjectID {
	var matches []ObjectID
	for _, id := range source.NameIDs() {
		name, ok := source.ObjectName(id)
		if !ok {
			continue
		}
		if glob.Glob(pattern, name) {
			matches = append(matches, id)
		}
	}
	return matches
}
