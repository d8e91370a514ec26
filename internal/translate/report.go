package translate

// Mapping records where one target entry came from.
type Mapping struct {
	Source   string
	Target   string
	Category Category
	Shape    []int64
	Reshaped bool
}

// Report summarizes a translation pass.
type Report struct {
	Config   Config
	Mappings []Mapping // sorted by Target
	Dropped  []string  // sorted weight keys matching no rule
}

// Count returns the number of target entries of category c.
func (r *Report) Count(c Category) int {
	if c == CategoryUnmatched {
		return len(r.Dropped)
	}
	n := 0
	for _, m := range r.Mappings {
		if m.Category == c {
			n++
		}
	}
	return n
}
