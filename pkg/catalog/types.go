package catalog

// File is the on-disk (embedded) catalog document.
type File struct {
	// Resources lists every supported resource type in declaration order.
	// Declaration order is meaningful: it breaks ties between independent
	// plan nodes so plan ordering stays reproducible.
	Resources []Entry `yaml:"resources" validate:"required,min=1,dive"`
}

// Entry describes one resource type.
type Entry struct {
	// Type is the resource kind identifier.
	Type string `yaml:"type" validate:"required"`

	// Companions are the supporting resources auto-created for this type,
	// in declaration order.
	Companions []CompanionRef `yaml:"companions,omitempty" validate:"dive"`

	// Profiles maps a purpose tag to its easy-mode configuration. Every
	// entry must carry a "general" profile; it is the documented fallback
	// for unknown purposes.
	Profiles map[string]Profile `yaml:"profiles" validate:"required"`

	// Suggestions maps a purpose tag to the ordered next-step suggestions
	// shown after this resource is created.
	Suggestions map[string][]string `yaml:"suggestions,omitempty"`

	// Questions are the customize-mode prompts for this type, in the order
	// they should be asked.
	Questions []Question `yaml:"questions,omitempty" validate:"dive"`
}

// CompanionRef references a companion resource kind.
type CompanionRef struct {
	// Type is the companion's resource kind.
	Type string `yaml:"type" validate:"required"`

	// Scope controls deduplication. "shared" (the default) collapses
	// companions of the same type and purpose anywhere in a plan onto one
	// node; "parent" keeps one companion per requiring node.
	Scope string `yaml:"scope,omitempty" validate:"omitempty,oneof=shared parent"`

	// Purpose overrides the parent purpose the companion would otherwise
	// inherit. A lambda function needs an iam-role with a lambda trust no
	// matter what the function itself is for.
	Purpose string `yaml:"purpose,omitempty"`
}

// Profile is an easy-mode configuration for one (type, purpose) pair.
type Profile struct {
	// Config holds the provider configuration values.
	Config map[string]string `yaml:"config" validate:"required"`

	// MonthlyCost is the estimated recurring cost in USD.
	MonthlyCost float64 `yaml:"monthly_cost"`
}

// Question is one customize-mode prompt.
type Question struct {
	// Key is the configuration key the answer binds to.
	Key string `yaml:"key" validate:"required"`

	// Prompt is the question shown to the user.
	Prompt string `yaml:"prompt" validate:"required"`

	// Default is used when the caller finalizes a skeleton without an
	// answer for this key.
	Default string `yaml:"default,omitempty"`
}
