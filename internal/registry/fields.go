package registry

import "fmt"

// Field is a resolved subscription field descriptor. Immutable.
type Field struct {
	name string
	id   int
}

// Name returns the field mnemonic as requested by the caller.
func (f *Field) Name() string { return f.name }

// ID returns the field's position in request order.
func (f *Field) ID() int { return f.id }

func (f *Field) String() string { return f.name }

// Fields is the subscription field registry.
type Fields struct {
	set *ordered[*Field]
}

// NewFields creates an empty field registry.
func NewFields() *Fields {
	return &Fields{set: newOrdered[*Field]()}
}

// Ensure returns the descriptor for name, creating it on first request.
// Repeated calls with the same name return the same *Field.
func (f *Fields) Ensure(name string) (*Field, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: empty field name", ErrInvalidArgument)
	}

	return f.set.ensure(name, func(index int) *Field {
		return &Field{name: name, id: index}
	}), nil
}

// Get returns the descriptor for name if it has been requested.
func (f *Fields) Get(name string) (*Field, bool) {
	return f.set.get(name)
}

// All returns the descriptors in request order.
func (f *Fields) All() []*Field {
	return f.set.all()
}

// Names returns the field list used to build subscribe requests.
func (f *Fields) Names() []string {
	all := f.set.all()
	names := make([]string, len(all))
	for i, fld := range all {
		names[i] = fld.name
	}
	return names
}

// Len returns the number of distinct fields.
func (f *Fields) Len() int {
	return f.set.len()
}
