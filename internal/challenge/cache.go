package challenge

import "container/list"

// Cache is a bounded LRU of decoded templates keyed by template id.
// Decoding failures are never cached, so a transient decode bug cannot
// poison the cache. Not safe for concurrent use; the store serializes
// access.
type Cache struct {
	capacity int
	order    *list.List
	entries  map[TemplateID]*list.Element
}

type cacheEntry struct {
	id       TemplateID
	template Template
}

// NewCache creates a cache holding at most capacity decoded templates.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 128
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[TemplateID]*list.Element),
	}
}

// Get returns the cached template for id, if present.
func (c *Cache) Get(id TemplateID) (Template, bool) {
	el, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).template, true
}

// Put stores a decoded template, evicting the least recently used entry
// when over capacity.
func (c *Cache) Put(id TemplateID, t Template) {
	if el, ok := c.entries[id]; ok {
		el.Value.(*cacheEntry).template = t
		c.order.MoveToFront(el)
		return
	}
	c.entries[id] = c.order.PushFront(&cacheEntry{id: id, template: t})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).id)
	}
}

// Remove drops the entry for id, if present. Called when a template is
// deleted or its raw content changes.
func (c *Cache) Remove(id TemplateID) {
	if el, ok := c.entries[id]; ok {
		c.order.Remove(el)
		delete(c.entries, id)
	}
}

// Len returns the number of cached templates.
func (c *Cache) Len() int { return c.order.Len() }
