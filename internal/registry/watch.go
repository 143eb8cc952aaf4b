package registry

import (
	"bytes"
	"crypto/sha256"
	"os"
	"time"
)

// WatchCatalog polls the catalog file and swaps reloaded versions into the
// registry. Running sessions keep their modules; the new catalog only
// affects later resolutions. An invalid edit is logged and the previous
// catalog stays active. Returns a stop function.
func (r *Registry) WatchCatalog(path string, interval time.Duration) func() {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	done := make(chan struct{})
	go r.pollCatalog(path, interval, done)
	return func() { close(done) }
}

func (r *Registry) pollCatalog(path string, interval time.Duration, done <-chan struct{}) {
	var (
		lastMtime time.Time
		lastHash  [sha256.Size]byte
	)
	if info, err := os.Stat(path); err == nil {
		lastMtime = info.ModTime()
		if data, err := os.ReadFile(path); err == nil {
			lastHash = sha256.Sum256(data)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		info, err := os.Stat(path)
		if err != nil {
			r.env.Logger.Warn("catalog watcher: cannot stat file", "path", path, "err", err)
			continue
		}
		if info.ModTime().Equal(lastMtime) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			r.env.Logger.Warn("catalog watcher: cannot read file", "path", path, "err", err)
			continue
		}
		hash := sha256.Sum256(data)
		if hash == lastHash {
			lastMtime = info.ModTime()
			continue
		}

		catalog, err := ParseCatalog(bytes.NewReader(data))
		if err != nil {
			r.env.Logger.Warn("catalog watcher: invalid catalog, keeping previous",
				"path", path, "err", err)
			continue
		}

		r.SetCatalog(catalog)
		lastMtime = info.ModTime()
		lastHash = hash
		r.env.Logger.Info("catalog watcher: module catalog reloaded", "path", path)
	}
}
