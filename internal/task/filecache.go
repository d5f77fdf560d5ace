package task

import "sort"

// FileCache holds per-task file contents for server-side patch and diff
// operations. It also remembers the content each path had when it first
// entered the cache, so diff_cached can compare against the original.
//
// The cache is only touched by the owning task's control goroutine, so it
// carries no lock.
type FileCache struct {
	files     map[string]string
	originals map[string]string
}

// NewFileCache returns an empty cache.
func NewFileCache() *FileCache {
	return &FileCache{
		files:     make(map[string]string),
		originals: make(map[string]string),
	}
}

// Get returns the cached content for path.
func (c *FileCache) Get(path string) (string, bool) {
	content, ok := c.files[path]
	return content, ok
}

// PutFromRead stores content returned by the client for a read. The original
// snapshot is refreshed: diffs are taken against the file as last read.
func (c *FileCache) PutFromRead(path, content string) {
	c.files[path] = content
	c.originals[path] = content
}

// Set stores locally produced content (write_cached, patch_cached). The
// first local write of an unread path records the empty string as original
// so a later diff shows the whole file as added.
func (c *FileCache) Set(path, content string) {
	if _, ok := c.originals[path]; !ok {
		c.originals[path] = c.files[path]
	}
	c.files[path] = content
}

// Original returns the content path had when it entered the cache.
func (c *FileCache) Original(path string) (string, bool) {
	original, ok := c.originals[path]
	return original, ok
}

// Len returns the number of cached paths.
func (c *FileCache) Len() int {
	return len(c.files)
}

// Paths returns the sorted cached paths.
func (c *FileCache) Paths() []string {
	out := make([]string, 0, len(c.files))
	for path := range c.files {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}
