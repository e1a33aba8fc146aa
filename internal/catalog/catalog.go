// Package catalog loads and indexes repository metadata and the
// installed-package database into a single read-optimized structure
// that the CNF builder queries when translating a request into clauses.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/bilusteknoloji/lpm/internal/lpmerrors"
	"github.com/bilusteknoloji/lpm/internal/version"
)

// Origin classifies where a Record came from.
type Origin string

const (
	OriginRepository Origin = "repository"
	OriginInstalled  Origin = "installed"
	OriginLocalFile  Origin = "local-file"
)

// Dependency is one element of a requires/provides/conflicts/obsoletes/
// recommends/suggests list: a bare name, optionally with a version
// constraint.
type Dependency struct {
	Name       string
	Constraint *version.Constraint // nil means no version restriction
}

// Identity uniquely identifies a package artifact.
type Identity struct {
	Name    string
	Version version.Version
	Release int
	Arch    string
}

// Record is a catalog entry: everything the solver and planner need to
// know about one installable candidate.
type Record struct {
	Identity

	Summary  string
	Homepage string
	License  string

	Requires   []Dependency
	Provides   []Dependency
	Conflicts  []Dependency
	Obsoletes  []Dependency
	Recommends []Dependency
	Suggests   []Dependency

	BlobName   string
	BlobSize   int64
	BlobSHA256 string
	Signature  string

	RepoName     string
	RepoPriority int
	Bias         float64
	Decay        float64
	HasDecay     bool

	Origin Origin

	// InstallTime/Explicit/ManifestID are only meaningful for
	// Origin == OriginInstalled records.
	InstallTime int64
	Explicit    bool
	ManifestID  int64
}

// indexEntry mirrors a repository index.json record.
type indexEntry struct {
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	Release        int      `json:"release"`
	Arch           string   `json:"arch"`
	Summary        string   `json:"summary"`
	Homepage       string   `json:"homepage,omitempty"`
	License        string   `json:"license,omitempty"`
	Requires       []string `json:"requires,omitempty"`
	Provides       []string `json:"provides,omitempty"`
	Conflicts      []string `json:"conflicts,omitempty"`
	Obsoletes      []string `json:"obsoletes,omitempty"`
	Recommends     []string `json:"recommends,omitempty"`
	Suggests       []string `json:"suggests,omitempty"`
	Blob           string   `json:"blob"`
	Size           int64    `json:"size"`
	SHA256         string   `json:"sha256"`
	Signature      string   `json:"signature,omitempty"`
	Bias           *float64 `json:"bias,omitempty"`
	Decay          *float64 `json:"decay,omitempty"`
}

// Catalog is the queryable, read-optimized package universe: a map from
// name to its candidate records, and a secondary map from provides
// capability name to the records that provide it.
type Catalog struct {
	byName     map[string][]*Record
	byProvides map[string][]*Record
	logger     *slog.Logger
}

// Option configures catalog loading.
type Option func(*loadOptions)

type loadOptions struct {
	logger *slog.Logger
}

// WithLogger sets the structured logger used while loading.
func WithLogger(l *slog.Logger) Option {
	return func(o *loadOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an empty catalog, ready to accept records via Add.
func New(opts ...Option) *Catalog {
	o := &loadOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	return &Catalog{
		byName:     make(map[string][]*Record),
		byProvides: make(map[string][]*Record),
		logger:     o.logger,
	}
}

// Add inserts a record into the catalog, indexing it by name and by
// every capability in its Provides list. On an identical
// (name,version,release), the record with the lower RepoPriority
// (preferred) replaces the higher-priority one already present.
func (c *Catalog) Add(r *Record) {
	existing := c.byName[r.Name]

	for i, e := range existing {
		if version.Compare(e.Version, r.Version) == 0 && e.Release == r.Release {
			if r.RepoPriority < e.RepoPriority {
				existing[i] = r
				c.reindexProvides()
			}

			return
		}
	}

	c.byName[r.Name] = append(existing, r)

	c.byProvides[r.Name] = append(c.byProvides[r.Name], r)
	for _, p := range r.Provides {
		c.byProvides[p.Name] = append(c.byProvides[p.Name], r)
	}
}

func (c *Catalog) reindexProvides() {
	c.byProvides = make(map[string][]*Record)

	for _, records := range c.byName {
		for _, r := range records {
			c.byProvides[r.Name] = append(c.byProvides[r.Name], r)

			for _, p := range r.Provides {
				c.byProvides[p.Name] = append(c.byProvides[p.Name], r)
			}
		}
	}
}

// Candidates returns every record registered under name, sorted highest
// version first, ascending release, ascending repo priority — the
// stable variable ordering §4.3 requires for first-branch bias.
func (c *Catalog) Candidates(name string) []*Record {
	records := append([]*Record(nil), c.byName[name]...)

	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]

		if cmp := version.Compare(b.Version, a.Version); cmp != 0 {
			return cmp < 0
		}

		if a.Release != b.Release {
			return a.Release < b.Release
		}

		return a.RepoPriority < b.RepoPriority
	})

	return records
}

// Satisfiers returns every record that can satisfy requirement dep,
// i.e. whose name matches dep.Name directly, or whose Provides list
// contains an entry matching dep.Name — and whose version (the
// package's own version for a name match, or the provides entry's
// version when present) meets dep.Constraint.
func (c *Catalog) Satisfiers(dep Dependency) []*Record {
	var out []*Record

	seen := make(map[*Record]bool)

	for _, r := range c.byProvides[dep.Name] {
		if seen[r] {
			continue
		}

		if r.Name == dep.Name && matchesVersion(r.Version, dep.Constraint) {
			out = append(out, r)
			seen[r] = true

			continue
		}

		for _, p := range r.Provides {
			if p.Name != dep.Name {
				continue
			}

			// A provides entry with its own version constrains what the
			// provider claims to offer; fall back to the provider's own
			// version when the entry carries none.
			offered := r.Version
			if p.Constraint != nil {
				offered = p.Constraint.Version
			}

			if matchesVersion(offered, dep.Constraint) {
				out = append(out, r)
				seen[r] = true
			}

			break
		}
	}

	return out
}

// matchesVersion reports whether v meets constraint c, treating a nil
// constraint as always satisfied.
func matchesVersion(v version.Version, c *version.Constraint) bool {
	if c == nil {
		return true
	}

	return version.Satisfies(v, *c)
}

// Names returns every distinct package name known to the catalog.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.byName))
	for n := range c.byName {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

// Hash summarizes the catalog's content deterministically, so a solver
// built against one snapshot can be told apart from one built against a
// later repo-cache refresh or a newly recorded install.
func (c *Catalog) Hash() string {
	h := sha256.New()

	for _, name := range c.Names() {
		for _, r := range c.Candidates(name) {
			fmt.Fprintf(h, "%s|%s|%d|%s|%s|%s|%.6f|%.6f|%t\n",
				r.Name, r.Version.Raw, r.Release, r.Arch, r.Origin, r.BlobSHA256, r.Bias, r.Decay, r.HasDecay)
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}

// LoadIndex decodes a repository index.json stream and adds every
// parseable entry to the catalog under repoName/repoPriority. Malformed
// entries are skipped and collected into the returned error (non-nil
// only when at least one entry failed); a skip-and-report policy.
func (c *Catalog) LoadIndex(_ context.Context, r io.Reader, repoName string, repoPriority int) error {
	var entries []indexEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return lpmerrors.RepoMetadataError(fmt.Sprintf("decoding index for repo %s", repoName), err)
	}

	var skipped []string

	for _, e := range entries {
		rec, err := convertEntry(e, repoName, repoPriority)
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("%s: %v", e.Name, err))

			continue
		}

		c.Add(rec)
	}

	if len(skipped) > 0 {
		c.logger.Warn("skipped malformed catalog entries",
			slog.String("repo", repoName),
			slog.Int("count", len(skipped)),
		)

		return lpmerrors.RepoMetadataError(fmt.Sprintf("%d entries skipped in repo %s: %v", len(skipped), repoName, skipped), nil)
	}

	return nil
}

func convertEntry(e indexEntry, repoName string, repoPriority int) (*Record, error) {
	v, err := version.Parse(e.Version)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Identity: Identity{
			Name:    e.Name,
			Version: v,
			Release: e.Release,
			Arch:    e.Arch,
		},
		Summary:      e.Summary,
		Homepage:     e.Homepage,
		License:      e.License,
		BlobName:     e.Blob,
		BlobSize:     e.Size,
		BlobSHA256:   e.SHA256,
		Signature:    e.Signature,
		RepoName:     repoName,
		RepoPriority: repoPriority,
		Origin:       OriginRepository,
	}

	if e.Bias != nil {
		rec.Bias = *e.Bias
	}

	if e.Decay != nil {
		rec.Decay = *e.Decay
		rec.HasDecay = true
	}

	var depErr error

	rec.Requires, depErr = parseDeps(e.Requires)
	if depErr != nil {
		return nil, depErr
	}

	rec.Provides, depErr = parseDeps(e.Provides)
	if depErr != nil {
		return nil, depErr
	}

	rec.Conflicts, depErr = parseDeps(e.Conflicts)
	if depErr != nil {
		return nil, depErr
	}

	rec.Obsoletes, depErr = parseDeps(e.Obsoletes)
	if depErr != nil {
		return nil, depErr
	}

	rec.Recommends, depErr = parseDeps(e.Recommends)
	if depErr != nil {
		return nil, depErr
	}

	rec.Suggests, depErr = parseDeps(e.Suggests)
	if depErr != nil {
		return nil, depErr
	}

	return rec, nil
}

func parseDeps(raw []string) ([]Dependency, error) {
	deps := make([]Dependency, 0, len(raw))

	for _, s := range raw {
		d, err := ParseDependency(s)
		if err != nil {
			return nil, err
		}

		deps = append(deps, d)
	}

	return deps, nil
}
