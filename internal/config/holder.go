package config

import "sync/atomic"

// Holder publishes the current *Config to the running gateway. The watcher
// stores a new snapshot on every successful reload; readers such as the
// cleanup scheduler load it on each use. Snapshots are never mutated.
type Holder struct {
	cfg  atomic.Pointer[Config]
	path string
}

func NewHolder(cfg *Config, path string) *Holder {
	h := &Holder{path: path}
	h.cfg.Store(cfg)

	return h
}

// Config returns the current snapshot.
func (h *Holder) Config() *Config {
	return h.cfg.Load()
}

// Path is the file the config was read from. It may not exist.
func (h *Holder) Path() string {
	return h.path
}

// Update publishes cfg and returns the snapshot it replaced.
func (h *Holder) Update(cfg *Config) *Config {
	return h.cfg.Swap(cfg)
}
