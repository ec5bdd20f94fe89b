package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Syncable is implemented by every replicable document variant.
type Syncable interface {
	ID() string
	Revision() string
	Doctype() string
	Doc() *Document
	// ApplyDelta merges the changes of other since base into the receiver.
	// Fields changed on both sides take the value of the side selected by
	// otherWins. It returns the merged body and, per field, which of the two
	// revisions the value came from.
	ApplyDelta(other Syncable, base *Document, otherWins bool) (*Document, []string)
}

type field struct {
	name  string
	equal func(a, b *Document) bool
	copy  func(dst, src *Document)
}

var (
	nameField = field{
		name:  "name",
		equal: func(a, b *Document) bool { return a.Name == b.Name },
		copy:  func(dst, src *Document) { dst.Name = src.Name },
	}
	dirField = field{
		name:  "dir_id",
		equal: func(a, b *Document) bool { return a.DirID == b.DirID },
		copy:  func(dst, src *Document) { dst.DirID = src.DirID },
	}
	trashField = field{
		name: "trashed",
		equal: func(a, b *Document) bool {
			return a.Trashed == b.Trashed
		},
		copy: func(dst, src *Document) {
			dst.Trashed = src.Trashed
			dst.RestoreDirID = src.RestoreDirID
		},
	}
	contentField = field{
		name: "content",
		equal: func(a, b *Document) bool {
			return a.MD5Sum == b.MD5Sum && a.Size == b.Size && a.Mime == b.Mime
		},
		copy: func(dst, src *Document) {
			dst.MD5Sum = src.MD5Sum
			dst.Size = src.Size
			dst.Mime = src.Mime
		},
	}
	metadataField = field{
		name:  "metadata",
		equal: func(a, b *Document) bool { return sameStringMap(a.Metadata, b.Metadata) },
		copy: func(dst, src *Document) {
			dst.Metadata = nil
			if src.Metadata != nil {
				dst.Metadata = make(map[string]string, len(src.Metadata))
				for key, value := range src.Metadata {
					dst.Metadata[key] = value
				}
			}
		},
	}
	attributesField = field{
		name: "attributes",
		equal: func(a, b *Document) bool {
			return compactJSON(a.Attributes) == compactJSON(b.Attributes)
		},
		copy: func(dst, src *Document) {
			dst.Attributes = append(json.RawMessage(nil), src.Attributes...)
		},
	}
)

type variant struct {
	doc    *Document
	fields []field
}

func (v *variant) ID() string       { return v.doc.ID }
func (v *variant) Revision() string { return v.doc.Rev }
func (v *variant) Doctype() string  { return v.doc.Doctype }
func (v *variant) Doc() *Document   { return v.doc }

func (v *variant) ApplyDelta(other Syncable, base *Document, otherWins bool) (*Document, []string) {
	mine := v.doc
	theirs := other.Doc()
	merged := mine.Clone()
	sources := make([]string, 0, len(v.fields))
	for _, f := range v.fields {
		source := mine.Rev
		switch {
		case f.equal(mine, theirs):
			source = "="
		case base != nil && f.equal(mine, base):
			f.copy(merged, theirs)
			source = theirs.Rev
		case base != nil && f.equal(theirs, base):
		case otherWins:
			f.copy(merged, theirs)
			source = theirs.Rev
		}
		sources = append(sources, f.name+":"+source)
	}
	return merged, sources
}

// File is the io.cozy.files variant of type file.
type File struct{ variant }

// Directory is the io.cozy.files variant of type directory.
type Directory struct{ variant }

// Record is any other registered doctype, carrying an opaque body.
type Record struct{ variant }

type variantFactory func(doc *Document) Syncable

// Registry dispatches documents to their Syncable variant by doctype.
type Registry struct {
	factories map[string]variantFactory
}

func NewRegistry() *Registry {
	r := &Registry{factories: map[string]variantFactory{}}
	r.factories[DoctypeFiles] = func(doc *Document) Syncable {
		if doc.Type == TypeDirectory {
			return &Directory{variant{doc: doc, fields: []field{nameField, dirField, trashField, metadataField}}}
		}
		return &File{variant{doc: doc, fields: []field{nameField, dirField, trashField, contentField, metadataField}}}
	}
	r.registerRecord(DoctypeContacts)
	r.registerRecord(DoctypeAlbums)
	return r
}

func (r *Registry) registerRecord(doctype string) {
	r.factories[doctype] = func(doc *Document) Syncable {
		return &Record{variant{doc: doc, fields: []field{attributesField, metadataField}}}
	}
}

// Shareable reports whether documents of the doctype may be replicated.
func (r *Registry) Shareable(doctype string) bool {
	_, ok := r.factories[doctype]
	return ok
}

func (r *Registry) Doctypes() []string {
	out := make([]string, 0, len(r.factories))
	for doctype := range r.factories {
		out = append(out, doctype)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Wrap(doc *Document) (Syncable, error) {
	if doc == nil {
		return nil, ErrInvalidInput
	}
	factory, ok := r.factories[doc.Doctype]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDoctype, doc.Doctype)
	}
	return factory(doc), nil
}

// Validate checks the structural rules of a live document.
func (r *Registry) Validate(doc *Document) error {
	if doc == nil || strings.TrimSpace(doc.ID) == "" {
		return ErrInvalidInput
	}
	if doc.Deleted {
		return nil
	}
	if _, err := r.Wrap(doc); err != nil {
		if doc.Doctype == DoctypeShared || doc.Doctype == DoctypeSharings || doc.Doctype == DoctypeTriggers || doc.Doctype == DoctypeOAuthClients {
			return nil
		}
		return err
	}
	if doc.Doctype != DoctypeFiles {
		if len(doc.Attributes) > 0 && !json.Valid(doc.Attributes) {
			return fmt.Errorf("%w: attributes are not valid json", ErrInvalidInput)
		}
		return nil
	}
	if doc.Type != TypeFile && doc.Type != TypeDirectory {
		return fmt.Errorf("%w: unknown file type %q", ErrInvalidInput, doc.Type)
	}
	return ValidateName(doc.Name)
}

func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: invalid name %q", ErrInvalidInput, name)
	}
	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%w: invalid name %q", ErrInvalidInput, name)
	}
	return nil
}

func sameStringMap(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for key, value := range a {
		if other, ok := b[key]; !ok || other != value {
			return false
		}
	}
	return true
}

// SameAttributes compares two JSON bodies ignoring formatting.
func SameAttributes(a, b json.RawMessage) bool {
	return bytes.Equal([]byte(compactJSON(a)), []byte(compactJSON(b)))
}
