package domain

import "time"

// CPGSession is one imported project in the graph engine, owned by a single run.
type CPGSession struct {
	ID         string    `json:"id"`
	Project    string    `json:"project"`
	SourcePath string    `json:"source_path"`
	OpenedAt   time.Time `json:"opened_at"`

	// Source is the text that was imported, used to map engine line numbers
	// back to code.
	Source string `json:"-"`
}

// SliceNode is one statement on a flow path.
type SliceNode struct {
	Code string `json:"code"`
	File string `json:"file"`
	Line int    `json:"line"`
}

// SlicePath is one data flow from a source to a sink.
type SlicePath struct {
	Nodes []SliceNode `json:"nodes"`
}

// Slice is the minimal subset of code reachable from a query's entry points.
type Slice struct {
	Queries []string    `json:"queries,omitempty"`
	Paths   []SlicePath `json:"paths"`

	// Dropped counts engine nodes discarded for lacking a usable location.
	Dropped int `json:"dropped,omitempty"`
}

// Empty reports whether the slice has no flow paths.
func (s *Slice) Empty() bool {
	return s == nil || len(s.Paths) == 0
}

// NodeCount returns the number of nodes across every path.
func (s *Slice) NodeCount() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, p := range s.Paths {
		n += len(p.Nodes)
	}
	return n
}
