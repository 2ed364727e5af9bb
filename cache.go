package ddns

import "sync"

// identifierCache maps human-readable zone and record names to the opaque IDs
// Cloudflare assigns them. Entries are never evicted: within a process
// lifetime the same name always resolves to the same ID, so a stale entry can
// only happen if an operator renames a zone or record at Cloudflare while we
// are running, and a restart clears it.
type identifierCache struct {
	mu      sync.Mutex
	zones   map[string]string
	records map[string]string
}

func newIdentifierCache() *identifierCache {
	return &identifierCache{
		zones:   map[string]string{},
		records: map[string]string{},
	}
}

func (c *identifierCache) zone(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.zones[name]
	return id, ok
}

func (c *identifierCache) putZone(name, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.zones[name] = id
}

func (c *identifierCache) record(zoneID, name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.records[zoneID+"/"+name]
	return id, ok
}

func (c *identifierCache) putRecord(zoneID, name, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[zoneID+"/"+name] = id
}
