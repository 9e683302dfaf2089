package tools

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/iabuilder/config"
	"github.com/m4xw311/iabuilder/errors"
	"github.com/m4xw311/iabuilder/llm"
)

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON schema of the arguments object.
	Schema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Tagged tools are only exposed when the project has every tag.
type Tagged interface {
	Tags() []string
}

// Concurrent tools may run alongside other calls of the same round.
// Tools that do not implement it run one at a time.
type Concurrent interface {
	ConcurrencySafe() bool
}

// Timed tools override the dispatcher's default timeout.
type Timed interface {
	Timeout() time.Duration
}

// Capability tags.
const (
	TagGit      = "git"
	TagDatabase = "database"
)

func tagsOf(t Tool) []string {
	if tt, ok := t.(Tagged); ok {
		return tt.Tags()
	}
	return nil
}

func concurrencySafe(t Tool) bool {
	c, ok := t.(Concurrent)
	return ok && c.ConcurrencySafe()
}

// Registry holds all available tools.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry registers the built-in tools configured by cfg.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	guard := NewGuard(cfg.FilesystemAccess)

	r.Register(&ReadFileTool{guard: guard})
	r.Register(&WriteFileTool{guard: guard})
	r.Register(&EditFileTool{guard: guard})
	r.Register(&ListDirectoryTool{guard: guard})
	r.Register(NewExecuteCommandTool(cfg.AllowedCommands))
	r.Register(&GitStatusTool{})
	r.Register(&GitDiffTool{})
	r.Register(&GitLogTool{})
	r.Register(&QueryDatabaseTool{guard: guard})
	return r
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog selects the tools exposed for a session. An empty toolset
// selects everything; entries may be glob patterns such as "gopls_*".
// Tools whose tags the project lacks are left out.
func (r *Registry) Catalog(ts *config.Toolset, project Project) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]Tool)}
	for _, name := range r.Names() {
		t := r.tools[name]
		if ts != nil && len(ts.Tools) > 0 {
			ok, err := matchesToolset(name, ts.Tools)
			if err != nil {
				return nil, errors.Wrapf(err, "toolset '%s'", ts.Name)
			}
			if !ok {
				continue
			}
		}
		if !project.Has(tagsOf(t)...) {
			continue
		}
		c.add(t)
	}
	if ts != nil {
		for _, pattern := range ts.Tools {
			if hasMeta(pattern) {
				continue
			}
			if _, ok := r.tools[pattern]; !ok {
				return nil, errors.New("tool '%s' from toolset '%s' is not registered", pattern, ts.Name)
			}
		}
	}
	return c, nil
}

func matchesToolset(name string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		ok, err := doublestar.Match(pattern, name)
		if err != nil {
			return false, errors.Wrapf(err, "invalid tool pattern '%s'", pattern)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// Catalog is the read-only set of tools offered to the model.
type Catalog struct {
	order  []Tool
	byName map[string]Tool
}

// NewCatalog builds a catalog directly from tools.
func NewCatalog(tools ...Tool) *Catalog {
	c := &Catalog{byName: make(map[string]Tool)}
	for _, t := range tools {
		c.add(t)
	}
	return c
}

func (c *Catalog) add(t Tool) {
	if _, dup := c.byName[t.Name()]; dup {
		return
	}
	c.order = append(c.order, t)
	c.byName[t.Name()] = t
}

func (c *Catalog) Lookup(name string) (Tool, bool) {
	if c == nil {
		return nil, false
	}
	t, ok := c.byName[name]
	return t, ok
}

func (c *Catalog) Tools() []Tool {
	if c == nil {
		return nil
	}
	return append([]Tool(nil), c.order...)
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.order)
}

// Specs renders the catalog for a provider request.
func (c *Catalog) Specs() []llm.ToolSpec {
	if c == nil {
		return nil
	}
	specs := make([]llm.ToolSpec, 0, len(c.order))
	for _, t := range c.order {
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return specs
}

// Project describes the working directory the tools operate on.
type Project struct {
	Dir  string
	tags map[string]bool
}

// NewProject builds a project with explicit tags.
func NewProject(dir string, tags ...string) Project {
	p := Project{Dir: dir, tags: make(map[string]bool)}
	for _, t := range tags {
		p.tags[t] = true
	}
	return p
}

// DetectProject inspects dir for capability markers.
func DetectProject(dir string) Project {
	p := NewProject(dir)
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		p.tags[TagGit] = true
	}
	fsys := os.DirFS(dir)
	for _, pattern := range []string{"*.{db,sqlite,sqlite3}", "*/*.{db,sqlite,sqlite3}"} {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err == nil && len(matches) > 0 {
			p.tags[TagDatabase] = true
			break
		}
	}
	return p
}

// Has reports whether the project carries every tag.
func (p Project) Has(tags ...string) bool {
	for _, t := range tags {
		if !p.tags[t] {
			return false
		}
	}
	return true
}

func (p Project) Tags() []string {
	out := make([]string, 0, len(p.tags))
	for t := range p.tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Guard enforces the hidden and read-only path patterns from config.
type Guard struct {
	hidden   []string
	readOnly []string
}

func NewGuard(access config.FilesystemAccess) *Guard {
	return &Guard{hidden: access.Hidden, readOnly: access.ReadOnly}
}

// CheckRead fails for hidden paths.
func (g *Guard) CheckRead(path string) error {
	if g == nil {
		return nil
	}
	hidden, err := isPathRestricted(path, g.hidden)
	if err != nil {
		return err
	}
	if hidden {
		return errors.New("access denied: path '%s' is hidden", path)
	}
	return nil
}

// CheckWrite fails for hidden and read-only paths.
func (g *Guard) CheckWrite(path string) error {
	if err := g.CheckRead(path); err != nil {
		return err
	}
	if g == nil {
		return nil
	}
	readOnly, err := isPathRestricted(path, g.readOnly)
	if err != nil {
		return err
	}
	if readOnly {
		return errors.New("access denied: path '%s' is read-only", path)
	}
	return nil
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	clean := filepath.ToSlash(filepath.Clean(path))
	clean = strings.TrimPrefix(clean, "./")
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, clean)
		if err != nil {
			return false, errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// compileAllowlist compiles the allowed_commands patterns. Invalid
// patterns fall back to exact comparison.
func compileAllowlist(patterns []string) []commandRule {
	rules := make([]commandRule, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			slog.Warn("invalid regex in allowed_commands", "pattern", pattern, "error", err)
			re = nil
		}
		rules = append(rules, commandRule{pattern: pattern, re: re})
	}
	return rules
}

type commandRule struct {
	pattern string
	re      *regexp.Regexp
}

// isCommandAllowed checks command against the allowlist.
func isCommandAllowed(command string, rules []commandRule) bool {
	if len(strings.Fields(command)) == 0 {
		return false
	}
	for _, rule := range rules {
		if rule.re == nil {
			if command == rule.pattern {
				return true
			}
			continue
		}
		if rule.re.MatchString(command) {
			return true
		}
	}
	return false
}
