package peers

// GWebCache is the read-only contract for a GWebCache collaborator
// (spec.md §6). Fetching and parsing the actual HTTP responses is
// explicitly out of scope for this engine; callers wire in whatever
// client implements this interface.
type GWebCache interface {
	// FetchPeersAndCaches returns known peers and sibling cache URLs
	// from the cache at url.
	FetchPeersAndCaches(url string) (peers []CacheHost, caches []string, err error)
	// SubmitHost announces our own listening address to the cache.
	SubmitHost(url string, ip [4]byte, port uint16) error
}

// CacheHost is one (ip, port) candidate as reported by a GWebCache.
type CacheHost struct {
	IP   [4]byte
	Port uint16
}

// FeedFromCache pulls peers from every url via cache and feeds them
// into d with source=cache (spec.md §6 "The core consumes peers and
// feeds them to the directory with source=cache").
func FeedFromCache(d *Directory, cache GWebCache, urls []string) error {
	var firstErr error
	for _, url := range urls {
		hosts, _, err := cache.FetchPeersAndCaches(url)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, h := range hosts {
			d.Add(h.IP, h.Port, string(SourceCache))
		}
	}
	return firstErr
}
