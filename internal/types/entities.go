package types

// Reference is a literature reference collected during initialization
type Reference struct {
	Title   string   `json:"title"`
	Authors []string `json:"authors,omitempty"`
	Year    int      `json:"year,omitempty"`
	Venue   string   `json:"venue,omitempty"`
	URL     string   `json:"url,omitempty"`
	DOI     string   `json:"doi,omitempty"`
	Summary string   `json:"summary,omitempty"`
}

// DataFile describes a dataset attached to or produced by a session
type DataFile struct {
	Name        string   `json:"name"`
	Path        string   `json:"path,omitempty"`
	Format      string   `json:"format,omitempty"`
	Rows        int      `json:"rows,omitempty"`
	Columns     []string `json:"columns,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Variable is a named value produced by an analysis step
type Variable struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// Visualization is a chart or figure produced by an analysis step
type Visualization struct {
	Title       string `json:"title"`
	Path        string `json:"path,omitempty"`
	Kind        string `json:"kind,omitempty"` // e.g., "histogram", "scatter"
	Description string `json:"description,omitempty"`
}

// Library is a software dependency used by the analysis
type Library struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Purpose string `json:"purpose,omitempty"`
}

// WriteUp is the final report forwarded to the write-up store
type WriteUp struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// MetadataAs returns the cell's metadata as *T when it holds that variant
func MetadataAs[T any](c *Cell) (*T, bool) {
	if c == nil || c.Metadata == nil {
		return nil, false
	}
	m, ok := any(c.Metadata).(*T)
	return m, ok
}
