package specifier

import "sync"

// RedirectTable tracks (original URL, final URL) pairs observed while
// fetching remote modules. The bundle keys modules by their original URLs;
// the table tells the fetcher which URL actually serves each of them, and
// lets the resolver rewrite imports discovered under a final URL back onto
// the original URL's path space.
type RedirectTable struct {
	mu      sync.RWMutex
	byOrig  map[string]string
	byFinal map[string]string
}

// NewRedirectTable creates an empty table.
func NewRedirectTable() *RedirectTable {
	return &RedirectTable{
		byOrig:  make(map[string]string),
		byFinal: make(map[string]string),
	}
}

// Record notes that original is served from final.
func (rt *RedirectTable) Record(original, final string) {
	if original == final {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.byOrig[original] = final
	rt.byFinal[final] = original
}

// FinalFor returns the URL that serves spec, if a redirect was recorded.
func (rt *RedirectTable) FinalFor(spec string) (string, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	final, ok := rt.byOrig[spec]
	return final, ok
}

// FetchURL returns the URL to request for a canonical specifier: the
// recorded final URL when present, the specifier itself otherwise.
func (rt *RedirectTable) FetchURL(spec string) string {
	if final, ok := rt.FinalFor(spec); ok {
		return final
	}
	return spec
}

// OriginalFor returns the canonical specifier that final serves, if known.
func (rt *RedirectTable) OriginalFor(final string) (string, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	orig, ok := rt.byFinal[final]
	return orig, ok
}
