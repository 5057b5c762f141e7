package cache

import "texcache/internal/catalog"

// noopStore persists nothing. Caches fall back to it when the store file
// cannot be opened, or when persistence is disabled.
type noopStore struct{}

func (noopStore) Get(level, x, y int, scheme uint32) (catalog.Value, bool) {
	return catalog.Value{}, false
}

func (noopStore) Put(e catalog.Entry) {
}

func (noopStore) Delete(k catalog.Key) bool {
	return false
}

func (noopStore) AppendBlob(data []byte) (catalog.Value, error) {
	return catalog.Value{}, nil
}

func (noopStore) ReadBlob(v catalog.Value) ([]byte, error) {
	return nil, catalog.ErrClosed
}

func (noopStore) Flush() error {
	return nil
}

func (noopStore) ShouldCompact(minBytes int64, ratio float64) bool {
	return false
}

func (noopStore) Compact() error {
	return nil
}

func (noopStore) Stats() catalog.Stats {
	return catalog.Stats{}
}

func (noopStore) Close() error {
	return nil
}

func (noopStore) Discard() error {
	return nil
}

func (noopStore) Remove() error {
	return nil
}
