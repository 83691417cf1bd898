// Package roster loads the people directory and the course catalog that the
// batch driver resolves cohorts and classifier prompts against.
package roster

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/course-cli/internal/fetcher"
	"github.com/sells-group/course-cli/internal/model"
)

// ErrPersonNotFound is returned by Lookup for ids the directory does not know.
var ErrPersonNotFound = eris.New("roster: person not found")

// Directory is an in-memory people directory keyed by id.
type Directory struct {
	people map[string]model.Person
	order  []string
}

// NewDirectory indexes people by id. Empty and duplicate ids are rejected.
func NewDirectory(people []model.Person) (*Directory, error) {
	d := &Directory{people: make(map[string]model.Person, len(people))}
	for i, p := range people {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, eris.Errorf("roster: person %d has no id", i+1)
		}
		if _, dup := d.people[p.ID]; dup {
			return nil, eris.Errorf("roster: duplicate person id %q", p.ID)
		}
		d.people[p.ID] = p
		d.order = append(d.order, p.ID)
	}
	return d, nil
}

// Lookup returns the person with the given id.
func (d *Directory) Lookup(_ context.Context, id string) (model.Person, error) {
	p, ok := d.people[strings.TrimSpace(id)]
	if !ok {
		return model.Person{}, eris.Wrapf(ErrPersonNotFound, "id %q", id)
	}
	return p, nil
}

// People returns everyone in load order.
func (d *Directory) People() []model.Person {
	out := make([]model.Person, len(d.order))
	for i, id := range d.order {
		out[i] = d.people[id]
	}
	return out
}

// Len returns the number of people.
func (d *Directory) Len() int { return len(d.order) }

// LoadDirectory reads a people file (.csv, .tsv, .xlsx, .yaml, .yml).
func LoadDirectory(ctx context.Context, path string) (*Directory, error) {
	people, err := LoadPeople(ctx, path)
	if err != nil {
		return nil, err
	}
	return NewDirectory(people)
}

// LoadPeople reads people from a tabular file with id, name, role and
// department columns, or from a YAML list.
func LoadPeople(ctx context.Context, path string) ([]model.Person, error) {
	if isYAML(path) {
		var doc struct {
			People []model.Person `yaml:"people"`
		}
		if err := readYAML(path, &doc.People, &doc); err != nil {
			return nil, eris.Wrap(err, "roster: load people")
		}
		return doc.People, nil
	}

	tbl, err := fetcher.ReadFile(ctx, path)
	if err != nil {
		return nil, eris.Wrap(err, "roster: load people")
	}
	idCol, err := tbl.Require("id", "person_id", "employee_id")
	if err != nil {
		return nil, eris.Wrap(err, "roster: load people")
	}
	nameCol := tbl.Col("name", "full_name")
	roleCol := tbl.Col("role", "title", "job_title")
	deptCol := tbl.Col("department", "dept")

	people := make([]model.Person, 0, len(tbl.Rows))
	for _, row := range tbl.Rows {
		people = append(people, model.Person{
			ID:         fetcher.Get(row, idCol),
			Name:       fetcher.Get(row, nameCol),
			Role:       fetcher.Get(row, roleCol),
			Department: fetcher.Get(row, deptCol),
		})
	}
	return people, nil
}

// LoadCatalog reads the course catalog from YAML or a tabular file. Course
// ids must be unique and non-empty; catalog order is preserved.
func LoadCatalog(ctx context.Context, path string) (model.Catalog, error) {
	var catalog model.Catalog
	if isYAML(path) {
		var doc struct {
			Courses model.Catalog `yaml:"courses"`
		}
		if err := readYAML(path, &catalog, &doc); err != nil {
			return nil, eris.Wrap(err, "roster: load catalog")
		}
		if catalog == nil {
			catalog = doc.Courses
		}
	} else {
		tbl, err := fetcher.ReadFile(ctx, path)
		if err != nil {
			return nil, eris.Wrap(err, "roster: load catalog")
		}
		idCol, err := tbl.Require("id", "course_id")
		if err != nil {
			return nil, eris.Wrap(err, "roster: load catalog")
		}
		titleCol := tbl.Col("title", "name")
		descCol := tbl.Col("description")
		catCol := tbl.Col("category")
		regCol := tbl.Col("regulation", "standard")
		for _, row := range tbl.Rows {
			catalog = append(catalog, model.Course{
				ID:          fetcher.Get(row, idCol),
				Title:       fetcher.Get(row, titleCol),
				Description: fetcher.Get(row, descCol),
				Category:    fetcher.Get(row, catCol),
				Regulation:  fetcher.Get(row, regCol),
			})
		}
	}

	seen := make(map[string]bool, len(catalog))
	for i := range catalog {
		catalog[i].ID = strings.TrimSpace(catalog[i].ID)
		id := catalog[i].ID
		if id == "" {
			return nil, eris.Errorf("roster: catalog entry %d has no id", i+1)
		}
		if seen[id] {
			return nil, eris.Errorf("roster: duplicate course id %q", id)
		}
		seen[id] = true
	}
	if len(catalog) == 0 {
		return nil, eris.Errorf("roster: catalog %s is empty", path)
	}
	return catalog, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// readYAML accepts either a bare sequence (decoded into list) or a mapping
// (decoded into doc).
func readYAML(path string, list, doc any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "read %s", path)
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return eris.Wrapf(err, "parse %s", path)
	}
	if len(node.Content) == 0 {
		return nil
	}
	target := doc
	if node.Content[0].Kind == yaml.SequenceNode {
		target = list
	}
	if err := node.Content[0].Decode(target); err != nil {
		return eris.Wrapf(err, "decode %s", path)
	}
	return nil
}
