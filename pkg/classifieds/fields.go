package classifieds

// FieldOption is one choice of a select, radio or checkbox field.
type FieldOption struct {
	ID    ID     `json:"id"`
	Value string `json:"value"`
}

// FieldDescriptor is a category-specific field as described by the API.
type FieldDescriptor struct {
	ID           ID            `json:"id"`
	Name         string        `json:"name"`
	Type         string        `json:"type"`
	Required     bool          `json:"required"`
	DefaultValue string        `json:"default_value,omitempty"`
	Options      []FieldOption `json:"options,omitempty"`
}
