// Package compiler implements the multi-pass compilation driver: a
// primary queue of unparsed documents, a reparse queue fed by
// resolved dependencies, mtime-based skip of unchanged documents, and the
// decision of what source text to rewrite.
package compiler

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/eykd/beliefc/internal/accumulator"
	"github.com/eykd/beliefc/internal/codec"
	"github.com/eykd/beliefc/internal/diagnostics"
	"github.com/eykd/beliefc/internal/idspace"
	"github.com/eykd/beliefc/internal/network"
)

// Result is the per-document outcome of one compilation pass.
type Result struct {
	Path        string
	Diagnostics []diagnostics.Diagnostic
	// RewrittenContent is the source to write back when BIDs were injected
	// or the frontmatter changed; nil when the file is already up to date.
	RewrittenContent []byte
	// DependentPaths lists documents re-queued because this parse resolved
	// dependencies they were waiting on.
	DependentPaths []string
}

// Options configures a Compiler.
type Options struct {
	// Write rewrites changed sources in place. When false, rewritten content
	// is only reported in Results.
	Write bool
	// Mtimes seeds the modification-time cache, normally from the durable
	// mirror's file_mtimes table at startup.
	Mtimes map[string]int64
}

// Compiler drives multi-pass compilation of every network under a root
// directory against a shared Accumulator.
type Compiler struct {
	root     string
	acc      *accumulator.Accumulator
	registry *codec.Registry
	write    bool

	mtimes     map[string]int64
	parsed     map[string]bool
	dependents map[accumulator.DepKey]map[string]bool
	networks   map[string]idspace.BID // network root dir → bid
	netDirs    []string               // keys of networks, longest dir first
}

// New returns a Compiler rooted at root.
func New(root string, acc *accumulator.Accumulator, registry *codec.Registry, opts Options) *Compiler {
	mtimes := opts.Mtimes
	if mtimes == nil {
		mtimes = map[string]int64{}
	}
	return &Compiler{
		root:       root,
		acc:        acc,
		registry:   registry,
		write:      opts.Write,
		mtimes:     mtimes,
		parsed:     map[string]bool{},
		dependents: map[accumulator.DepKey]map[string]bool{},
		networks:   map[string]idspace.BID{},
	}
}

// Accumulator returns the shared accumulator.
func (c *Compiler) Accumulator() *accumulator.Accumulator { return c.acc }

// ParseAll runs the full pass algorithm over every document of every
// network under the root, returning one Result per parsed document (plus
// one per rewritten network descriptor). The context is checked between
// documents; a cancellation mid-corpus returns what was parsed so far with
// ctx.Err.
func (c *Compiler) ParseAll(ctx context.Context) ([]Result, error) {
	results, err := c.discoverNetworks()
	if err != nil {
		return results, err
	}

	primary, err := c.enumerate()
	if err != nil {
		return results, err
	}
	return c.run(ctx, results, primary)
}

// Recompile runs the pass algorithm over an explicit set of changed paths,
// used by the watcher front-end for incremental compilation.
func (c *Compiler) Recompile(ctx context.Context, paths []string) ([]Result, error) {
	var results []Result
	var queue []string
	for _, path := range paths {
		if filepath.Base(path) == network.DescriptorName {
			// A descriptor change re-registers the network itself.
			if res, err := c.ensureNetwork(filepath.Dir(path)); err != nil {
				results = append(results, Result{Path: path, Diagnostics: []diagnostics.Diagnostic{
					diagnostics.ErrorDiag(diagnostics.CodeParseError, err.Error(), &diagnostics.Location{Path: path}),
				}})
			} else if res != nil {
				results = append(results, *res)
			}
			continue
		}
		delete(c.parsed, path)
		queue = append(queue, path)
	}
	sort.Strings(queue)
	return c.run(ctx, results, queue)
}

// RemoveDocument translates a deletion into NodesRemoved for every node the
// document originated.
func (c *Compiler) RemoveDocument(path string) error {
	delete(c.parsed, path)
	delete(c.mtimes, path)
	_, err := c.acc.RemoveDocument(path)
	return err
}

func (c *Compiler) run(ctx context.Context, results []Result, primary []string) ([]Result, error) {
	reparse := map[string]bool{}
	index := map[string]int{} // path → position in results, for requeued docs

	record := func(res Result) {
		if i, ok := index[res.Path]; ok {
			results[i] = res
			return
		}
		index[res.Path] = len(results)
		results = append(results, res)
	}

	for len(primary) > 0 || len(reparse) > 0 {
		var path string
		if len(primary) > 0 {
			path, primary = primary[0], primary[1:]
		} else {
			keys := make([]string, 0, len(reparse))
			for p := range reparse {
				keys = append(keys, p)
			}
			sort.Strings(keys)
			path = keys[0]
			delete(reparse, path)
			delete(c.parsed, path)
		}

		if err := ctx.Err(); err != nil {
			return results, err
		}

		res, requeue, err := c.parseOne(path)
		if err != nil {
			return results, err
		}
		if res != nil {
			record(*res)
		}
		for _, p := range requeue {
			if p != path {
				reparse[p] = true
			}
		}
	}

	// Convergence: surface every still-open trace as an UnresolvedReference
	// warning on each document that depends on it.
	for _, key := range c.acc.OpenTraces() {
		for _, dep := range sortedSet(c.dependents[key]) {
			diag := diagnostics.WarningDiag(diagnostics.CodeUnresolvedReference,
				fmt.Sprintf("reference %s never resolved", key), &diagnostics.Location{Path: dep})
			if i, ok := index[dep]; ok {
				results[i].Diagnostics = append(results[i].Diagnostics, diag)
			} else {
				record(Result{Path: dep, Diagnostics: []diagnostics.Diagnostic{diag}})
			}
		}
	}
	return results, nil
}

// parseOne compiles a single document. It returns a nil Result when the
// document was skipped (unchanged mtime) or is not compilable.
func (c *Compiler) parseOne(path string) (*Result, []string, error) {
	net, ok := c.networkFor(path)
	if !ok {
		return nil, nil, nil
	}
	cdc, ok := c.registry.ForPath(path)
	if !ok {
		return nil, nil, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return &Result{Path: path, Diagnostics: []diagnostics.Diagnostic{
			diagnostics.ErrorDiag(diagnostics.CodeIoError, err.Error(), &diagnostics.Location{Path: path}),
		}}, nil, nil
	}
	mtime := info.ModTime().UnixNano()
	if cached, ok := c.mtimes[path]; ok && cached == mtime && c.parsed[path] {
		return nil, nil, nil
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return &Result{Path: path, Diagnostics: []diagnostics.Diagnostic{
			diagnostics.ErrorDiag(diagnostics.CodeIoError, err.Error(), &diagnostics.Location{Path: path}),
		}}, nil, nil
	}

	doc, err := cdc.Parse(src, codec.Context{Path: path, Network: net})
	if err != nil {
		// Per-document failures are contained: the document yields no nodes
		// and other documents proceed.
		return &Result{Path: path, Diagnostics: []diagnostics.Diagnostic{
			diagnostics.ErrorDiag(diagnostics.CodeParseError, err.Error(), &diagnostics.Location{Path: path}),
		}}, nil, nil
	}

	ingest, err := c.acc.Ingest(path, doc, net)
	if err != nil {
		return nil, nil, err
	}

	res := &Result{Path: path, Diagnostics: ingest.Diagnostics}

	for _, key := range ingest.Unresolved {
		deps := c.dependents[key]
		if deps == nil {
			deps = map[string]bool{}
			c.dependents[key] = deps
		}
		deps[path] = true
	}
	var requeue []string
	for _, key := range ingest.Resolved {
		for _, dep := range sortedSet(c.dependents[key]) {
			if dep != path {
				requeue = append(requeue, dep)
			}
		}
		delete(c.dependents, key)
	}
	res.DependentPaths = dedupe(requeue)

	rewritten, err := cdc.Serialize(doc, src)
	if err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(rewritten, src) {
		res.RewrittenContent = rewritten
		if c.write {
			if err := writeFileAtomic(path, rewritten); err != nil {
				return nil, nil, err
			}
			if info, err := os.Stat(path); err == nil {
				mtime = info.ModTime().UnixNano()
			}
		}
	}

	c.parsed[path] = true
	c.mtimes[path] = mtime
	c.acc.FileParsed(path, mtime)
	return res, requeue, nil
}

// discoverNetworks walks the root for directories carrying a network
// descriptor and registers each with the accumulator, rewriting descriptors
// that still need a bid injected.
func (c *Compiler) discoverNetworks() ([]Result, error) {
	var results []Result
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if isDotPath(d.Name()) && path != c.root {
			return filepath.SkipDir
		}
		if !network.IsRoot(path) {
			return nil
		}
		res, err := c.ensureNetwork(path)
		if err != nil {
			return err
		}
		if res != nil {
			results = append(results, *res)
		}
		return nil
	})
	if err != nil {
		return results, err
	}
	if len(c.networks) == 0 {
		return results, fmt.Errorf("compiler: no %s found under %s", network.DescriptorName, c.root)
	}
	c.netDirs = make([]string, 0, len(c.networks))
	for dir := range c.networks {
		c.netDirs = append(c.netDirs, dir)
	}
	// Longest directory first so documents resolve to the nearest enclosing
	// network.
	sort.Slice(c.netDirs, func(i, j int) bool { return len(c.netDirs[i]) > len(c.netDirs[j]) })
	return results, nil
}

func (c *Compiler) ensureNetwork(dir string) (*Result, error) {
	desc, err := network.Load(dir)
	if err != nil {
		return nil, err
	}
	bid, needsRewrite, err := c.acc.EnsureNetwork(dir, desc)
	if err != nil {
		return nil, err
	}
	c.networks[dir] = bid
	if !contains(c.netDirs, dir) {
		c.netDirs = append(c.netDirs, dir)
		sort.Slice(c.netDirs, func(i, j int) bool { return len(c.netDirs[i]) > len(c.netDirs[j]) })
	}
	if !needsRewrite {
		return nil, nil
	}
	desc.BID = bid.URI()
	raw, err := network.Encode(desc)
	if err != nil {
		return nil, err
	}
	res := &Result{Path: network.DescriptorPath(dir), RewrittenContent: raw}
	if c.write {
		if err := writeFileAtomic(res.Path, raw); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// enumerate seeds the primary queue: every file with a registered codec
// under a network root, dot-paths excluded, in sorted order.
func (c *Compiler) enumerate() ([]string, error) {
	var paths []string
	seen := map[string]bool{}
	for _, dir := range c.netDirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if isDotPath(d.Name()) && path != dir {
					return filepath.SkipDir
				}
				return nil
			}
			if isDotPath(d.Name()) || seen[path] {
				return nil
			}
			if _, ok := c.registry.ForPath(path); !ok {
				return nil
			}
			seen[path] = true
			paths = append(paths, path)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// networkFor resolves the nearest enclosing network for a document path.
func (c *Compiler) networkFor(path string) (idspace.BID, bool) {
	for _, dir := range c.netDirs {
		if rel, err := filepath.Rel(dir, path); err == nil && !strings.HasPrefix(rel, "..") {
			return c.networks[dir], true
		}
	}
	return idspace.BID{}, false
}

func writeFileAtomic(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func isDotPath(name string) bool {
	return strings.HasPrefix(name, ".")
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func dedupe(list []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range list {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}
