package model

// Person is a member of the organization as seen by the external directory.
type Person struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	Role       string `json:"role" yaml:"role"`
	Department string `json:"department" yaml:"department"`
}

// Course is a catalog entry. The catalog is owned externally; only the ID is
// meaningful to the engine.
type Course struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description"`
	Category    string `json:"category,omitempty" yaml:"category"`
	Regulation  string `json:"regulation,omitempty" yaml:"regulation"`
}

// Catalog is an ordered list of courses.
type Catalog []Course

// IDs returns the course identifiers in catalog order.
func (c Catalog) IDs() []string {
	ids := make([]string, len(c))
	for i, course := range c {
		ids[i] = course.ID
	}
	return ids
}

// Contains reports whether the catalog lists the given course.
func (c Catalog) Contains(courseID string) bool {
	for _, course := range c {
		if course.ID == courseID {
			return true
		}
	}
	return false
}
