package fields

// FieldType selects how a field's value is resolved from signer data.
type FieldType string

const (
	TypeSignature FieldType = "signature"
	TypeName      FieldType = "name"
	TypeDate      FieldType = "date"
	TypeDateTime  FieldType = "datetime"
	TypeLocation  FieldType = "location"
	TypeEmail     FieldType = "email"
	TypeLabel     FieldType = "label"
)

// Position locates a field on the rendered document.
type Position struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Page int     `json:"page"`
}

// Field is one positional descriptor in a document's schema. SignerBinding is
// a token such as "signer_1" or an arbitrary key resolved through the
// schema's binding table.
type Field struct {
	ID            string    `json:"id"`
	Type          FieldType `json:"type"`
	SignerBinding string    `json:"signer_binding,omitempty"`
	Label         string    `json:"label,omitempty"`
	Position      Position  `json:"position"`
	Required      bool      `json:"required"`
}

// Schema is the ordered collection of field descriptors for one document.
// When Bindings is non-empty it maps binding tokens to signer emails;
// otherwise tokens fall back to positional resolution by signing order. The
// strategy is chosen once per document and never mixed.
type Schema struct {
	DocumentRef string            `json:"document_ref"`
	Fields      []Field           `json:"fields"`
	Bindings    map[string]string `json:"bindings,omitempty"`
}
