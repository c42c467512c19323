package stremio

// Manifest is the addon descriptor served at /manifest.json.
type Manifest struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Resources   []string  `json:"resources"`
	Types       []string  `json:"types"`
	Catalogs    []Catalog `json:"catalogs"`
	IDPrefixes  []string  `json:"idPrefixes"`
}

// Catalog is kept for manifest shape compatibility; this addon provides
// streams only, so the list stays empty.
type Catalog struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NewManifest builds the descriptor for this addon instance.
func NewManifest(name, version string) *Manifest {
	if name == "" {
		name = "DavStream"
	}
	return &Manifest{
		ID:          "community.davstream",
		Version:     version,
		Name:        name,
		Description: "Usenet streams via NZB indexers and an NZBDav mount",
		Resources:   []string{"stream"},
		Types:       []string{"movie", "series"},
		Catalogs:    []Catalog{},
		IDPrefixes:  []string{"tt"},
	}
}
