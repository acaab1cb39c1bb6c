// Package pgconfig loads pool-tuning profiles from YAML and watches the
// active .pgpass file for changes. Grounded on the teacher's
// internal/config.Load/Watcher: same ${VAR} substitution pass before
// yaml.Unmarshal, same fsnotify-driven debounced reload loop, retargeted
// from reloading the whole DBBouncer config to reloading just the
// .pgpass credential file a long-lived process might need to pick up
// mid-run (§4.7, §6).
package pgconfig

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// PoolProfile mirrors the option table in §4.6: pool sizing plus the
// statement-cache bounds from §4.4, loadable from a YAML file instead of
// being hardcoded at the call site.
type PoolProfile struct {
	MinSize                       int           `yaml:"min_size"`
	MaxSize                       int           `yaml:"max_size"`
	MaxQueries                    int64         `yaml:"max_queries"`
	MaxInactiveConnectionLifetime time.Duration `yaml:"max_inactive_connection_lifetime"`
	StatementCacheSize            int           `yaml:"statement_cache_size"`
	MaxCacheableStatementSize     int           `yaml:"max_cacheable_statement_size"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// LoadProfile reads and parses a YAML pool profile, substituting ${VAR}
// references against the process environment before unmarshaling, and
// fills in defaults matching §4.6's own defaults for any zero field.
func LoadProfile(path string) (*PoolProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pool profile: %w", err)
	}
	data = substituteEnvVars(data)

	p := &PoolProfile{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parsing pool profile: %w", err)
	}
	applyDefaults(p)
	return p, nil
}

func applyDefaults(p *PoolProfile) {
	if p.MaxSize == 0 {
		p.MaxSize = 10
	}
	if p.StatementCacheSize == 0 {
		p.StatementCacheSize = 100
	}
	if p.MaxCacheableStatementSize == 0 {
		p.MaxCacheableStatementSize = 1 << 20
	}
}

// PassfileWatcher watches a .pgpass file for changes and invokes callback
// with its path once reload settles, debounced the way the teacher's
// config.Watcher debounces full-config reloads.
type PassfileWatcher struct {
	path     string
	callback func(path string)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
	logger   *slog.Logger
}

// WatchPassfile starts watching path. callback is invoked (serially,
// never concurrently with itself) after writes settle for 500ms.
func WatchPassfile(path string, callback func(path string), logger *slog.Logger) (*PassfileWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating passfile watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching passfile: %w", err)
	}

	pw := &PassfileWatcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
	go pw.run()
	return pw, nil
}

func (pw *PassfileWatcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, pw.reload)
			}
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.logger.Warn("pgconfig passfile watcher error", "err", err)
		case <-pw.stopCh:
			return
		}
	}
}

func (pw *PassfileWatcher) reload() {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.logger.Info("pgpass file changed, reloading", "path", pw.path)
	pw.callback(pw.path)
}

// Stop stops the watcher.
func (pw *PassfileWatcher) Stop() error {
	close(pw.stopCh)
	return pw.watcher.Close()
}
