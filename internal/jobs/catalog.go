// Package jobs resolves task handler references into task.Handler values.
//
// Reference forms:
//
//	builtin:<name>   a handler registered in the catalog (the prefix is optional)
//	exec:<command>   a shell command; exit status 0 is success
//	http:<url>       an HTTP GET; any 2xx status is success (https URLs work too)
//	systemd:<unit>   succeeds while the unit is active (".service" is implied)
package jobs

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"cronward/internal/task"
	logx "cronward/pkg/logx"
)

type Catalog struct {
	mu       sync.RWMutex
	builtins map[string]task.Handler

	client *http.Client
	shell  []string
	units  unitQuerier
	log    logx.Logger
}

type Option func(*Catalog)

// WithHTTPClient replaces the client used by http: handlers.
func WithHTTPClient(c *http.Client) Option { return func(cat *Catalog) { cat.client = c } }

// WithShell replaces the interpreter used by exec: handlers (default: sh -c).
func WithShell(argv ...string) Option { return func(cat *Catalog) { cat.shell = argv } }

// NewCatalog returns a catalog with the stock builtins registered.
func NewCatalog(log logx.Logger, opts ...Option) *Catalog {
	c := &Catalog{
		builtins: map[string]task.Handler{},
		client:   &http.Client{Timeout: 0},
		shell:    []string{"/bin/sh", "-c"},
		units:    querySystemdUnit,
		log:      log.With(logx.String("comp", "jobs")),
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	started := time.Now()
	_ = c.Register("heartbeat", heartbeat(started))
	_ = c.Register("noop", task.HandlerFunc(noop))
	return c
}

// Register adds a builtin. Names are case-insensitive and must be unique.
func (c *Catalog) Register(name string, h task.Handler) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || h == nil {
		return fmt.Errorf("jobs: invalid builtin registration %q", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.builtins[key]; dup {
		return fmt.Errorf("jobs: builtin %q already registered", key)
	}
	c.builtins[key] = h
	return nil
}

// Names lists the registered builtins.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.builtins))
	for k := range c.builtins {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Resolve maps a handler reference to a handler. It fails for unknown
// builtins and malformed exec/http references.
func (c *Catalog) Resolve(ref string) (task.Handler, error) {
	ref = strings.TrimSpace(ref)
	kind, arg, found := strings.Cut(ref, ":")
	if !found {
		kind, arg = "builtin", ref
	}
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(kind) {
	case "builtin":
		c.mu.RLock()
		h, ok := c.builtins[strings.ToLower(arg)]
		c.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("unknown builtin handler %q (have %s)", arg, strings.Join(c.Names(), ", "))
		}
		return h, nil
	case "exec":
		if arg == "" {
			return nil, fmt.Errorf("exec handler needs a command")
		}
		return &execHandler{shell: c.shell, command: arg, log: c.log}, nil
	case "http", "https":
		// Allow both "http:https://host/x" and a bare "https://host/x".
		target := arg
		if !strings.Contains(target, "://") {
			target = ref
		}
		return newHTTPHandler(c.client, target)
	case "systemd":
		unit := normalizeUnit(arg)
		if unit == "" {
			return nil, fmt.Errorf("systemd handler needs a unit name")
		}
		return &unitHandler{unit: unit, query: c.units}, nil
	default:
		return nil, fmt.Errorf("unknown handler kind %q", kind)
	}
}
