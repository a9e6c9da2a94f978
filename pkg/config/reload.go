package config

import (
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mindie/ms-controller/pkg/log"
)

// ReloadInterval is how often the Loader re-reads the config file even
// when no filesystem event fires (spec §4.A).
const ReloadInterval = 5 * time.Second

// Callback is invoked when the value at Path changes between reloads.
type Callback func(cfg *Config)

type registration struct {
	path string
	fn   Callback
}

// Loader owns the current validated Config and polls the backing file
// for changes, running registered callbacks for every dotted path whose
// value changed. It mirrors the original implementation's
// DynamicConfigHandler: callbacks are keyed by path, not by section, so
// unrelated sections reload independently.
type Loader struct {
	path string

	mu       sync.RWMutex
	current  *Config
	callback map[string][]Callback

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewLoader loads path once synchronously and returns a Loader ready to
// be started. The initial load failing is fatal to construction: the
// Controller cannot start without a valid config (spec §4.A).
func NewLoader(path string) (*Loader, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	l := &Loader{
		path:     path,
		current:  cfg,
		callback: make(map[string][]Callback),
		stopCh:   make(chan struct{}),
	}

	if w, err := fsnotify.NewWatcher(); err == nil {
		if werr := w.Add(path); werr == nil {
			l.watcher = w
		} else {
			w.Close()
		}
	}

	return l, nil
}

// Current returns the most recently validated config snapshot. The
// returned pointer is never mutated in place; callers may retain it.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers fn to run whenever the value at the given dotted
// path (e.g. "digs", "default_p_rate") changes on reload. Paths are
// those diffPaths reports: nested sections such as "digs" are compared
// as a whole, not per field. Multiple callbacks may share a path.
func (l *Loader) OnChange(path string, fn Callback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callback[path] = append(l.callback[path], fn)
}

// Start begins the background poll loop. Safe to call once.
func (l *Loader) Start() {
	l.wg.Add(1)
	go l.run()
}

// Stop halts the background poll loop and releases the fsnotify watch.
func (l *Loader) Stop() {
	close(l.stopCh)
	l.wg.Wait()
	if l.watcher != nil {
		l.watcher.Close()
	}
}

func (l *Loader) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(ReloadInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	if l.watcher != nil {
		events = l.watcher.Events
	}

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.reload()
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			l.reload()
		}
	}
}

func (l *Loader) reload() {
	next, err := Load(l.path)
	if err != nil {
		log.Logger.Warn().Err(err).Str("path", l.path).Msg("config reload failed, keeping previous config")
		return
	}

	l.mu.Lock()
	prev := l.current
	changed := diffPaths(prev, next)
	l.current = next
	var fire []Callback
	for _, p := range changed {
		fire = append(fire, l.callback[p]...)
	}
	l.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	log.Logger.Info().Strs("changed", changed).Msg("config reloaded")
	for _, cb := range fire {
		cb(next)
	}
}

// diffPaths returns the dotted paths whose value differs between a and
// b. It only compares fields the Controller exposes reload callbacks
// for; unknown/extra JSON keys are ignored.
func diffPaths(a, b *Config) []string {
	var changed []string
	add := func(cond bool, path string) {
		if cond {
			changed = append(changed, path)
		}
	}

	add(a.DeployMode != b.DeployMode, "deploy_mode")
	add(a.DefaultPRate != b.DefaultPRate, "default_p_rate")
	add(a.DefaultDRate != b.DefaultDRate, "default_d_rate")
	add(a.ClusterSynchronizationSeconds != b.ClusterSynchronizationSeconds, "cluster_synchronization_seconds")
	add(a.ServerOnlineAttemptTimes != b.ServerOnlineAttemptTimes, "server_online_attempt_times")
	add(a.ServerOnlineWaitSeconds != b.ServerOnlineWaitSeconds, "server_online_wait_seconds")
	add(a.HTTPTimeoutSeconds != b.HTTPTimeoutSeconds, "http_timeout_seconds")
	add(a.HTTPRetryTimes != b.HTTPRetryTimes, "http_retry_times")
	add(a.LogLevel != b.LogLevel, "log_level")
	add(a.MaxSwitchAttempts != b.MaxSwitchAttempts, "max_switch_attempts")
	add(a.RoleSwitchTimeoutSeconds != b.RoleSwitchTimeoutSeconds, "role_switch_timeout_seconds")
	add(a.MaxConcurrentSwitches != b.MaxConcurrentSwitches, "max_concurrent_switches")
	add(a.DeleteGraceSeconds != b.DeleteGraceSeconds, "delete_grace_seconds")
	add(a.FaultyRetentionSeconds != b.FaultyRetentionSeconds, "faulty_retention_seconds")
	add(a.ProcessManager != b.ProcessManager, "process_manager")
	add(a.ClusterStatus != b.ClusterStatus, "cluster_status")
	add(a.DIGS != b.DIGS, "digs")
	add(!reflect.DeepEqual(a.Coordinators, b.Coordinators), "coordinators")
	add(a.TLS != b.TLS, "tls")

	return changed
}
