package gitlabschema

import (
	"fmt"
	"io/fs"
	"path"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v2"
)

// Entry is a single dictionary file.
type Entry struct {
	TableName          string   `yaml:"table_name,omitempty"`
	ViewName           string   `yaml:"view_name,omitempty"`
	GitlabSchema       string   `yaml:"gitlab_schema"`
	Classes            []string `yaml:"classes,omitempty"`
	FeatureCategories  []string `yaml:"feature_categories,omitempty"`
	Description        string   `yaml:"description,omitempty"`
	IntroducedByURL    string   `yaml:"introduced_by_url,omitempty"`
	Milestone          string   `yaml:"milestone,omitempty"`
	RemovedByURL       string   `yaml:"removed_by_url,omitempty"`
	RemovedInMilestone string   `yaml:"removed_in_milestone,omitempty"`
}

// Name returns the table or view name of the entry.
func (e Entry) Name() string {
	if e.TableName != "" {
		return e.TableName
	}
	return e.ViewName
}

type dictionaryDir struct {
	pattern string
	view    bool
	into    func(*Registry) map[string]Entry
}

var dictionaryDirs = []dictionaryDir{
	{pattern: "*.yml", into: func(r *Registry) map[string]Entry { return r.tables }},
	{pattern: "views/*.yml", view: true, into: func(r *Registry) map[string]Entry { return r.views }},
	{pattern: "deleted_tables/*.yml", into: func(r *Registry) map[string]Entry { return r.deleted }},
	{pattern: "deleted_views/*.yml", view: true, into: func(r *Registry) map[string]Entry { return r.deleted }},
}

// Load reads a dictionary directory laid out like GitLab's db/docs: one YAML file per table at the root, plus the
// views/, deleted_tables/ and deleted_views/ subdirectories. Every problem found is reported at once.
func Load(fsys fs.FS, opts ...Option) (*Registry, error) {
	r := newRegistry(opts...)

	var errs *multierror.Error
	for _, dir := range dictionaryDirs {
		files, err := fs.Glob(fsys, dir.pattern)
		if err != nil {
			return nil, fmt.Errorf("listing dictionary files %q: %w", dir.pattern, err)
		}

		dst := dir.into(r)
		for _, f := range files {
			e, err := readEntry(fsys, f, dir.view)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			if _, dup := dst[e.Name()]; dup {
				errs = multierror.Append(errs, fmt.Errorf("%s: duplicate dictionary entry for %q", f, e.Name()))
				continue
			}
			dst[e.Name()] = e
		}
	}

	for name := range r.views {
		if _, ok := r.tables[name]; ok {
			errs = multierror.Append(errs, fmt.Errorf("%q is defined both as a table and as a view", name))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("loading database dictionary: %w", err)
	}
	return r, nil
}

func readEntry(fsys fs.FS, file string, view bool) (Entry, error) {
	var e Entry

	b, err := fs.ReadFile(fsys, file)
	if err != nil {
		return e, fmt.Errorf("%s: %w", file, err)
	}
	if err := yaml.Unmarshal(b, &e); err != nil {
		return e, fmt.Errorf("%s: %w", file, err)
	}

	name := e.TableName
	key := "table_name"
	if view {
		name, key = e.ViewName, "view_name"
	}
	if name == "" {
		return e, fmt.Errorf("%s: %s is required", file, key)
	}
	if base := path.Base(file); base != name+".yml" {
		return e, fmt.Errorf("%s: file name must match %s %q", file, key, name)
	}
	if _, err := Parse(e.GitlabSchema); err != nil {
		return e, fmt.Errorf("%s: %w", file, err)
	}
	return e, nil
}
