package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/modularbot/bot-factory/internal/domain/handler"
	"github.com/modularbot/bot-factory/internal/domain/registry"
	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER CACHE
// ══════════════════════════════════════════════════════════════════════════════

// CacheConfig contains configuration for the handler cache.
type CacheConfig struct {
	// Dir is the local directory holding handler .js files.
	Dir string

	// Logger for structured logging
	Logger *slog.Logger
}

// Cache is the process-wide handler table: compiled-in builtins plus
// JavaScript artifacts loaded lazily from Dir. A source that fails to
// load is quarantined; quarantine removes the local file, the registry
// rows pointing at the handler and its saved state, so the next update
// for that bot resolves to "not registered" instead of faulting again.
// The remote artifact copy is left alone for diagnosis.
type Cache struct {
	dir    string
	logger *slog.Logger

	mu          sync.RWMutex
	builtins    map[shared.HandlerName]handler.Handler
	handlers    map[shared.HandlerName]handler.Handler
	quarantined map[shared.HandlerName]string

	states   handler.StateStore
	registry registry.Repository
	bus      shared.EventPublisher
}

// NewCache creates a handler cache over a local artifact directory.
func NewCache(config CacheConfig, states handler.StateStore, reg registry.Repository, bus shared.EventPublisher) *Cache {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Cache{
		dir:         config.Dir,
		logger:      config.Logger,
		builtins:    make(map[shared.HandlerName]handler.Handler),
		handlers:    make(map[shared.HandlerName]handler.Handler),
		quarantined: make(map[shared.HandlerName]string),
		states:      states,
		registry:    reg,
		bus:         bus,
	}
}

// RegisterBuiltin installs a compiled-in handler. Builtins shadow file
// artifacts of the same name and are never quarantined.
func (c *Cache) RegisterBuiltin(h handler.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.builtins[h.Name()] = h
}

// Load resolves a handler by name: builtin, then cache, then the local
// artifact file. A load failure quarantines the name.
func (c *Cache) Load(ctx context.Context, name shared.HandlerName) (handler.Handler, error) {
	c.mu.RLock()
	if h, ok := c.builtins[name]; ok {
		c.mu.RUnlock()
		return h, nil
	}
	if h, ok := c.handlers[name]; ok {
		c.mu.RUnlock()
		return h, nil
	}
	if reason, ok := c.quarantined[name]; ok {
		c.mu.RUnlock()
		return nil, shared.WrapError("plugin", "Load", shared.ErrForbidden, reason, shared.ErrHandlerQuarantined)
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have raced us here.
	if h, ok := c.handlers[name]; ok {
		return h, nil
	}
	if reason, ok := c.quarantined[name]; ok {
		return nil, shared.WrapError("plugin", "Load", shared.ErrForbidden, reason, shared.ErrHandlerQuarantined)
	}

	h, err := c.loadFromFileLocked(name)
	if err != nil {
		c.quarantineLocked(ctx, name, err)
		return nil, shared.WrapError("plugin", "Load", shared.ErrInvalidEntity, err.Error(), shared.ErrHandlerQuarantined)
	}

	c.handlers[name] = h
	c.logger.Info("handler loaded", "handler", name.String())
	return h, nil
}

// loadFromFileLocked reads, vets and compiles one artifact file. The
// guardrail runs on the generated portion only; the factory-owned
// preamble above the sentinel legitimately calls __host_* functions.
func (c *Cache) loadFromFileLocked(name shared.HandlerName) (handler.Handler, error) {
	if !name.IsValid() {
		return nil, shared.ErrInvalidHandlerName
	}

	path := filepath.Join(c.dir, name.FileName())
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact file missing: %s", name.FileName())
		}
		return nil, fmt.Errorf("artifact file unreadable: %w", err)
	}
	source := string(raw)

	if err := Vet(stripPreamble(source)); err != nil {
		return nil, err
	}

	return NewJSHandler(name, source, c.states, c.logger)
}

// stripPreamble returns the generated portion of a stored artifact. An
// artifact without the sentinel is vetted whole.
func stripPreamble(source string) string {
	if idx := strings.Index(source, preambleSentinel); idx >= 0 {
		return source[idx+len(preambleSentinel):]
	}
	return source
}

// preambleSentinel mirrors the sentinel the synthesis layer writes into
// stored artifacts. Kept as a literal so the plugin package does not
// depend on the provider client.
const preambleSentinel = "// === End of State Helpers ==="

// quarantineLocked removes every local trace of a broken handler. The
// artifact store copy survives so the failure can be inspected.
func (c *Cache) quarantineLocked(ctx context.Context, name shared.HandlerName, cause error) {
	reason := cause.Error()
	c.quarantined[name] = reason
	delete(c.handlers, name)

	path := filepath.Join(c.dir, name.FileName())
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("quarantine: artifact file removal failed", "handler", name.String(), "error", err)
	}

	if c.registry != nil {
		if n, err := c.registry.DeleteByHandlerName(ctx, name); err != nil {
			c.logger.Warn("quarantine: registry cleanup failed", "handler", name.String(), "error", err)
		} else if n > 0 {
			c.logger.Info("quarantine: registry rows removed", "handler", name.String(), "count", n)
		}
	}

	if c.states != nil {
		if _, err := c.states.DeleteByHandler(ctx, name); err != nil {
			c.logger.Warn("quarantine: state cleanup failed", "handler", name.String(), "error", err)
		}
	}

	if c.bus != nil {
		if err := c.bus.Publish(shared.NewHandlerQuarantinedEvent(name.String(), reason)); err != nil {
			c.logger.Warn("quarantine: event publish failed", "handler", name.String(), "error", err)
		}
	}

	c.logger.Error("handler quarantined", "handler", name.String(), "reason", reason)
}

// Install writes a freshly synthesized artifact to the local directory
// and loads it immediately, so the bot answers its first update without
// waiting for a sync pass.
func (c *Cache) Install(ctx context.Context, name shared.HandlerName, source string) error {
	if !name.IsValid() {
		return shared.ErrInvalidHandlerName
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("handler dir unavailable: %w", err)
	}

	path := filepath.Join(c.dir, name.FileName())
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		return fmt.Errorf("artifact write failed: %w", err)
	}

	// A reinstall clears an earlier quarantine and any stale VM.
	c.mu.Lock()
	delete(c.quarantined, name)
	delete(c.handlers, name)
	c.mu.Unlock()

	_, err := c.Load(ctx, name)
	return err
}

// Sync reconciles the cache with the local directory: artifacts not yet
// resident are loaded, and resident handlers whose backing file has
// disappeared are evicted. Broken artifacts are quarantined; sync itself
// only fails when the directory cannot be read.
func (c *Cache) Sync(ctx context.Context) (loaded, failed int, err error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		// A directory that never existed holds nothing to reconcile.
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("handler dir unreadable: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".js") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".js"))
	}
	sort.Strings(names)

	present := make(map[shared.HandlerName]struct{}, len(names))
	for _, raw := range names {
		name := shared.HandlerName(raw)
		if !name.IsValid() {
			c.logger.Warn("sync: skipping artifact with invalid name", "file", raw+".js")
			continue
		}
		present[name] = struct{}{}

		c.mu.RLock()
		_, resident := c.handlers[name]
		_, isBuiltin := c.builtins[name]
		_, isQuarantined := c.quarantined[name]
		c.mu.RUnlock()
		if resident || isBuiltin || isQuarantined {
			continue
		}

		if _, loadErr := c.Load(ctx, name); loadErr != nil {
			failed++
			continue
		}
		loaded++
	}

	evicted := c.evictMissing(ctx, present)

	if loaded > 0 || failed > 0 || evicted > 0 {
		c.logger.Info("handler sync complete",
			"loaded", loaded, "failed", failed, "evicted", evicted)
	}
	return loaded, failed, nil
}

// evictMissing drops resident handlers whose backing file has vanished
// from the directory. Registry rows and saved state go with them, so a
// decommissioned artifact's token resolves to "not registered" instead
// of serving a VM over source that no longer exists.
func (c *Cache) evictMissing(ctx context.Context, present map[shared.HandlerName]struct{}) int {
	c.mu.Lock()
	var gone []shared.HandlerName
	for name := range c.handlers {
		if _, ok := present[name]; !ok {
			gone = append(gone, name)
			delete(c.handlers, name)
		}
	}
	c.mu.Unlock()

	for _, name := range gone {
		if c.registry != nil {
			if _, err := c.registry.DeleteByHandlerName(ctx, name); err != nil {
				c.logger.Warn("eviction: registry cleanup failed", "handler", name.String(), "error", err)
			}
		}
		if c.states != nil {
			if _, err := c.states.DeleteByHandler(ctx, name); err != nil {
				c.logger.Warn("eviction: state cleanup failed", "handler", name.String(), "error", err)
			}
		}
		c.logger.Info("handler evicted, artifact removed from disk", "handler", name.String())
	}
	return len(gone)
}

// Names returns the sorted names of all resident handlers, builtins
// included.
func (c *Cache) Names() []shared.HandlerName {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]shared.HandlerName, 0, len(c.builtins)+len(c.handlers))
	for name := range c.builtins {
		names = append(names, name)
	}
	for name := range c.handlers {
		if _, shadowed := c.builtins[name]; !shadowed {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Handlers returns all resident handlers in name order.
func (c *Cache) Handlers() []handler.Handler {
	names := c.Names()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]handler.Handler, 0, len(names))
	for _, name := range names {
		if h, ok := c.builtins[name]; ok {
			out = append(out, h)
			continue
		}
		if h, ok := c.handlers[name]; ok {
			out = append(out, h)
		}
	}
	return out
}

// Count returns the number of resident handlers.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.builtins) + len(c.handlers)
}

// Quarantined returns a copy of the quarantine table.
func (c *Cache) Quarantined() map[shared.HandlerName]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[shared.HandlerName]string, len(c.quarantined))
	for name, reason := range c.quarantined {
		out[name] = reason
	}
	return out
}
