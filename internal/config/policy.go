package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/technosupport/api-gateway/internal/authz"
	"github.com/technosupport/api-gateway/internal/ratelimit"
	"github.com/technosupport/api-gateway/internal/routetable"
)

// rawRule mirrors one (limit, window) pair as it appears in the YAML
// document; windowSeconds is converted to a time.Duration on load.
type rawRule struct {
	Limit         int `yaml:"limit"`
	WindowSeconds int `yaml:"windowSeconds"`
}

func (r rawRule) toRule() ratelimit.Rule {
	window := time.Duration(r.WindowSeconds) * time.Second
	if window == 0 {
		window = time.Minute
	}
	return ratelimit.Rule{Limit: r.Limit, Window: window}
}

type rawRateLimitDoc struct {
	Default             rawRule            `yaml:"default"`
	ByMethod            map[string]rawRule `yaml:"byMethod"`
	ByMethodAndResource map[string]rawRule `yaml:"byMethodAndResource"`
}

type rawDocument struct {
	Routes    []routetable.Entry             `yaml:"routes"`
	Policy    map[string]map[string][]string `yaml:"policy"`
	RateLimit rawRateLimitDoc                `yaml:"ratelimit"`
}

// PolicyDocument is the hot-reloadable bundle of route table, policy
// table, and rate-limit rules, swapped in atomically behind a mutex on
// every successful reparse. An invalid edit is logged and discarded; the
// previously loaded document keeps serving.
type PolicyDocument struct {
	path     string
	fallback ratelimit.Rule

	mu     sync.Mutex
	routes routetable.Table
	policy authz.PolicyTable
	rules  ratelimit.RuleTable

	onReload func()
}

// DocumentOption configures a PolicyDocument before its first load.
type DocumentOption func(*PolicyDocument)

// WithDefaultRule sets the rate-limit rule used when the document does
// not declare its own default (THROTTLE_LIMIT / THROTTLE_TTL).
func WithDefaultRule(rule ratelimit.Rule) DocumentOption {
	return func(d *PolicyDocument) {
		if rule.Limit > 0 && rule.Window > 0 {
			d.fallback = rule
		}
	}
}

// NewPolicyDocument loads path once synchronously. If the file does not
// exist yet, it falls back to routetable.Default() with an empty policy
// and the configured default rate limit, so the gateway can still boot
// on a fresh checkout before config/policy.yaml has been written.
func NewPolicyDocument(path string, opts ...DocumentOption) (*PolicyDocument, error) {
	d := &PolicyDocument{path: path, fallback: ratelimit.Rule{Limit: 60, Window: time.Minute}}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.reload(); err != nil {
		if os.IsNotExist(err) {
			log.Printf("config: policy file %s not found, using built-in defaults", path)
			d.mu.Lock()
			d.routes = routetable.Default()
			d.policy = authz.PolicyTable{}
			d.rules = ratelimit.RuleTable{Default: d.fallback}
			d.mu.Unlock()
			return d, nil
		}
		return nil, err
	}
	return d, nil
}

// OnReload registers a callback fired after every successful hot
// reload. The gateway uses this to call authz.Authorizer.InvalidateCache
// so a stale allow/deny decision can't outlive the document that
// produced it.
func (d *PolicyDocument) OnReload(fn func()) {
	d.onReload = fn
}

func (d *PolicyDocument) reload() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return err
	}

	var raw rawDocument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("config: parse %s: %w", d.path, err)
	}

	policy := authz.PolicyTable{}
	for resource, actions := range raw.Policy {
		policy[resource] = actions
	}

	defaultRule := raw.RateLimit.Default.toRule()
	if defaultRule.Limit <= 0 {
		defaultRule = d.fallback
	}
	rules := ratelimit.RuleTable{
		Default:             defaultRule,
		ByMethod:            make(map[string]ratelimit.Rule, len(raw.RateLimit.ByMethod)),
		ByMethodAndResource: make(map[string]ratelimit.Rule, len(raw.RateLimit.ByMethodAndResource)),
	}
	for k, v := range raw.RateLimit.ByMethod {
		rules.ByMethod[k] = v.toRule()
	}
	for k, v := range raw.RateLimit.ByMethodAndResource {
		rules.ByMethodAndResource[k] = v.toRule()
	}

	routes := routetable.Table{Entries: raw.Routes}
	if len(routes.Entries) == 0 {
		routes = routetable.Default()
	}

	d.mu.Lock()
	d.routes = routes
	d.policy = policy
	d.rules = rules
	d.mu.Unlock()

	return nil
}

// Reload re-reads the policy file and swaps it in only if it parses
// cleanly. Exported so a manual reload endpoint or test can trigger it
// directly.
func (d *PolicyDocument) Reload() {
	if err := d.reload(); err != nil {
		log.Printf("config: policy reload failed, keeping previous document: %v", err)
		return
	}
	log.Printf("config: policy document %s reloaded", d.path)
	if d.onReload != nil {
		d.onReload()
	}
}

// Routes returns the currently active route table.
func (d *PolicyDocument) Routes() routetable.Table {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.routes
}

// Current implements authz.PolicySource.
func (d *PolicyDocument) Current() authz.PolicyTable {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.policy
}

func (d *PolicyDocument) ruleTable() ratelimit.RuleTable {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rules
}

// ruleSourceAdapter lets PolicyDocument satisfy ratelimit.RuleSource
// without colliding with its authz.PolicySource.Current method.
type ruleSourceAdapter struct{ doc *PolicyDocument }

func (a ruleSourceAdapter) Current() ratelimit.RuleTable { return a.doc.ruleTable() }

// RuleSource returns a ratelimit.RuleSource backed by this document.
func (d *PolicyDocument) RuleSource() ratelimit.RuleSource {
	return ruleSourceAdapter{doc: d}
}

// Watch starts the dual-strategy reload loop: a primary fsnotify watch
// on the policy file plus a 60-second poll as a redundant fallback for
// filesystems where fsnotify is unreliable (network mounts, some
// container overlay drivers).
func (d *PolicyDocument) Watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	usePolling := err != nil
	if err != nil {
		log.Printf("config: fsnotify unavailable (%v), falling back to polling", err)
	} else if err := watcher.Add(d.path); err != nil {
		log.Printf("config: failed to watch %s (%v), falling back to polling", d.path, err)
		usePolling = true
		watcher.Close()
	}

	if !usePolling {
		go func() {
			defer watcher.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
						time.Sleep(100 * time.Millisecond)
						d.Reload()
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Printf("config: watcher error: %v", err)
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.Reload()
			}
		}
	}()
}
