package domain

// Template is a read-only catalog entry describing what a job forks.
type Template struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description"`
	SourceOwner    string   `yaml:"source_owner"`
	SourceRepo     string   `yaml:"source_repo"`
	RequiredConfig []string `yaml:"required_config"`
	// PagesBranch and PagesPath select what the host publishes. Empty means
	// the main branch at the repository root.
	PagesBranch string `yaml:"pages_branch"`
	PagesPath   string `yaml:"pages_path"`
}

// Locator returns the owner/repo form of the template source.
func (t Template) Locator() string {
	return t.SourceOwner + "/" + t.SourceRepo
}

// MissingConfig returns the required keys absent or blank in env.
func (t Template) MissingConfig(env map[string]string) []string {
	var missing []string
	for _, key := range t.RequiredConfig {
		if v, ok := env[key]; !ok || v == "" {
			missing = append(missing, key)
		}
	}
	return missing
}
