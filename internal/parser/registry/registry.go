// Package registry resolves backend names to instances: compiled backends
// registered at startup plus script backends discovered in a directory.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/boardline/boardline/internal/parser"
	"github.com/boardline/boardline/internal/parser/script"
	"github.com/boardline/boardline/internal/parser/tapatalk"
	"github.com/boardline/boardline/internal/parser/xenforo"
	"github.com/boardline/boardline/internal/web"
	"github.com/boardline/boardline/shared/config"
	"github.com/boardline/boardline/shared/errors"
	"github.com/boardline/boardline/shared/logger"
)

// Factory builds a compiled backend instance for one board.
type Factory func(baseURL string, settings *config.Settings, fetcher web.Fetcher) parser.Parser

// the discovery scan picks up these extensions
var scriptExtensions = map[string]bool{
	".lua":    true,
	".owl":    true,
	".parser": true,
}

const ignoreFile = ".boardignore"

type Registry struct {
	userAgent string

	mu      sync.Mutex
	order   []string
	native  map[string]Factory
	scripts map[string]string
}

func New(userAgent string) *Registry {
	return &Registry{
		userAgent: userAgent,
		native:    make(map[string]Factory),
		scripts:   make(map[string]string),
	}
}

// Default returns a registry with the compiled backends registered.
func Default(userAgent string) *Registry {
	r := New(userAgent)
	r.RegisterNative(tapatalk.Name, func(baseURL string, settings *config.Settings, fetcher web.Fetcher) parser.Parser {
		return tapatalk.New(baseURL, settings, fetcher)
	})
	r.RegisterNative(xenforo.Name, func(baseURL string, settings *config.Settings, fetcher web.Fetcher) parser.Parser {
		return xenforo.New(baseURL, settings, fetcher)
	})
	return r
}

// RegisterNative adds a compiled backend. The first registration of a name
// wins; later ones are logged and dropped.
func (r *Registry) RegisterNative(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.has(name) {
		logger.Log.Warn("backend name already registered, keeping first",
			"component", "registry", "name", name)
		return
	}
	r.native[name] = f
	r.order = append(r.order, name)
}

func (r *Registry) has(name string) bool {
	_, n := r.native[name]
	_, s := r.scripts[name]
	return n || s
}

// LoadScripts scans dir for backend scripts. Each candidate is loaded once
// to read its identity; a script that fails to load is skipped with a log
// line so one broken file cannot take down discovery.
func (r *Registry) LoadScripts(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return &errors.ConfigurationError{Message: "reading script directory: " + err.Error()}
	}

	ignored := loadIgnores(filepath.Join(dir, ignoreFile))

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, fname := range names {
		if !scriptExtensions[filepath.Ext(fname)] {
			continue
		}
		if ignored[fname] {
			logger.Log.Debug("script ignored", "component", "registry", "file", fname)
			continue
		}
		path := filepath.Join(dir, fname)
		probe, err := script.Load(path, "", config.NewSettings(), nil)
		if err != nil {
			logger.Log.Warn("skipping unloadable script",
				"component", "registry", "file", fname, "error", err)
			continue
		}
		name := probe.Name()
		probe.Close()

		r.mu.Lock()
		if r.has(name) {
			logger.Log.Warn("backend name already registered, keeping first",
				"component", "registry", "name", name, "file", fname)
			r.mu.Unlock()
			continue
		}
		r.scripts[name] = path
		r.order = append(r.order, name)
		r.mu.Unlock()
		logger.Log.Info("registered script backend",
			"component", "registry", "name", name, "file", fname)
	}
	return nil
}

// loadIgnores reads the ignore file: one filename per line, everything
// after ";" is a comment.
func loadIgnores(path string) map[string]bool {
	out := make(map[string]bool)
	data, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	for _, line := range strings.Split(string(data), "\n") {
		if i := strings.Index(line, ";"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line != "" {
			out[line] = true
		}
	}
	return out
}

// Names returns every registered backend name in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Create builds a backend instance by name. With mustExist false an
// unknown name yields (nil, nil) so callers can fall through to detection.
func (r *Registry) Create(name, baseURL string, settings *config.Settings, mustExist bool) (parser.Parser, error) {
	if settings == nil {
		settings = config.NewSettings()
	}
	settings.Add("web.useragent", r.userAgent)

	r.mu.Lock()
	factory, isNative := r.native[name]
	path, isScript := r.scripts[name]
	r.mu.Unlock()

	switch {
	case isNative:
		return factory(baseURL, settings, nil), nil
	case isScript:
		return script.Load(path, baseURL, settings, nil)
	case mustExist:
		return nil, &errors.ConfigurationError{Message: fmt.Sprintf("no backend registered under %q", name)}
	}
	return nil, nil
}

// Detect probes every backend against the board in registration order and
// returns the first that recognizes it. The order never depends on map
// iteration, so detection is reproducible.
func (r *Registry) Detect(ctx context.Context, baseURL string) (parser.Parser, error) {
	for _, name := range r.Names() {
		candidate, err := r.Create(name, baseURL, nil, true)
		if err != nil {
			logger.Log.Warn("skipping undetectable backend",
				"component", "registry", "name", name, "error", err)
			continue
		}
		ok, err := candidate.CanParse(ctx, baseURL)
		if err != nil {
			closeIfScript(candidate)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			logger.Log.Debug("backend probe failed",
				"component", "registry", "name", name, "error", err)
			continue
		}
		if ok {
			logger.Log.Info("detected board backend",
				"component", "registry", "name", name, "board", baseURL)
			return candidate, nil
		}
		closeIfScript(candidate)
	}
	return nil, &errors.ConfigurationError{Message: "no registered backend recognizes " + baseURL}
}

func closeIfScript(p parser.Parser) {
	if sp, ok := p.(*script.Parser); ok {
		sp.Close()
	}
}
