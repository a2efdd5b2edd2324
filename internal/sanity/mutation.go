package sanity

import (
	"strings"

	"github.com/google/uuid"
)

// Document is a Sanity document body. It must carry _type and, except for
// Create, an _id.
type Document map[string]any

// Mutation is one entry of a mutate transaction. Exactly one field is set.
type Mutation struct {
	Create            Document        `json:"create,omitempty"`
	CreateIfNotExists Document        `json:"createIfNotExists,omitempty"`
	CreateOrReplace   Document        `json:"createOrReplace,omitempty"`
	Delete            *deleteMutation `json:"delete,omitempty"`
	Patch             *Patch          `json:"patch,omitempty"`
}

type deleteMutation struct {
	ID string `json:"id"`
}

// Create inserts a new document.
func Create(document Document) Mutation {
	return Mutation{Create: document}
}

// CreateIfNotExists inserts the document unless its _id already exists.
func CreateIfNotExists(document Document) Mutation {
	return Mutation{CreateIfNotExists: document}
}

// CreateOrReplace upserts the whole document.
func CreateOrReplace(document Document) Mutation {
	return Mutation{CreateOrReplace: document}
}

// Delete removes a document by id.
func Delete(documentID string) Mutation {
	return Mutation{Delete: &deleteMutation{ID: documentID}}
}

// Insert describes an array insertion relative to an existing path.
type Insert struct {
	Before  string `json:"before,omitempty"`
	After   string `json:"after,omitempty"`
	Replace string `json:"replace,omitempty"`
	Items   []any  `json:"items"`
}

// Patch updates fields of an existing document.
type Patch struct {
	ID           string         `json:"id"`
	IfRevisionID string         `json:"ifRevisionID,omitempty"`
	Set          map[string]any `json:"set,omitempty"`
	SetIfMissing map[string]any `json:"setIfMissing,omitempty"`
	Unset        []string       `json:"unset,omitempty"`
	Inc          map[string]any `json:"inc,omitempty"`
	Dec          map[string]any `json:"dec,omitempty"`
	Insert       *Insert        `json:"insert,omitempty"`
}

// NewPatch starts a patch against documentID.
func NewPatch(documentID string) *Patch {
	return &Patch{ID: documentID}
}

// SetField sets a field to value.
func (p *Patch) SetField(path string, value any) *Patch {
	if p.Set == nil {
		p.Set = map[string]any{}
	}
	p.Set[path] = value
	return p
}

// SetFieldIfMissing sets a field only when it has no value.
func (p *Patch) SetFieldIfMissing(path string, value any) *Patch {
	if p.SetIfMissing == nil {
		p.SetIfMissing = map[string]any{}
	}
	p.SetIfMissing[path] = value
	return p
}

// UnsetField removes a field.
func (p *Patch) UnsetField(path string) *Patch {
	p.Unset = append(p.Unset, path)
	return p
}

// IncField increments a numeric field.
func (p *Patch) IncField(path string, amount int) *Patch {
	if p.Inc == nil {
		p.Inc = map[string]any{}
	}
	p.Inc[path] = amount
	return p
}

// AppendItems appends items to the array at path.
func (p *Patch) AppendItems(path string, items ...any) *Patch {
	p.Insert = &Insert{After: path + "[-1]", Items: items}
	return p
}

// IfRevision makes the patch fail with a conflict when the document changed.
func (p *Patch) IfRevision(revisionID string) *Patch {
	p.IfRevisionID = revisionID
	return p
}

// Mutation wraps the patch for Client.Mutate.
func (p *Patch) Mutation() Mutation {
	return Mutation{Patch: p}
}

// Reference is a strong reference to another document.
type Reference struct {
	Type string `json:"_type"`
	Ref  string `json:"_ref"`
	Key  string `json:"_key,omitempty"`
}

// Ref builds a reference value for documentID.
func Ref(documentID string) Reference {
	return Reference{Type: "reference", Ref: documentID}
}

// NewDocumentID returns a fresh document id with the given prefix.
func NewDocumentID(prefix string) string {
	identifier := uuid.NewString()
	prefix = strings.Trim(strings.TrimSpace(prefix), ".-")
	if prefix == "" {
		return identifier
	}
	return prefix + "-" + identifier
}

// NewKey returns a short unique key for array items.
func NewKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
