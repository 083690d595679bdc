package wire

import "fmt"

// FieldKind names the type a schema field decodes to.
type FieldKind int

const (
	FWord FieldKind = iota
	FNumber
	FString
	FBool
	FListOf
	FOptional
	FSubRecord
)

// Field describes one element of a command's argument list. Elem is used
// by FListOf and FOptional to describe the wrapped kind; Sub is used by
// FSubRecord to describe a nested schema.
type Field struct {
	Name string
	Kind FieldKind
	Elem *Field
	Sub  Schema
}

// Schema is an ordered list of field descriptors consumed as one list.
type Schema []Field

// Record is a decoded argument list: field name -> decoded Go value.
// Absent optional fields are simply missing from the map; callers use
// Record.Has to distinguish "absent" from "present with zero value".
type Record map[string]interface{}

func (r Record) Has(name string) bool {
	_, ok := r[name]
	return ok
}

func Opt(name string, elem FieldKind) Field { return Field{Name: name, Kind: FOptional, Elem: &Field{Kind: elem}} }
func ListOf(name string, elem FieldKind) Field {
	return Field{Name: name, Kind: FListOf, Elem: &Field{Kind: elem}}
}

// ReadRecord consumes one list per schema, producing a Record. It is the
// dual of WriteRecord. Required fields missing, or a type mismatch,
// produce a *FramingError; extra trailing items are discarded.
func ReadRecord(r *Reader, schema Schema) (Record, error) {
	if err := r.ListStart(); err != nil {
		return nil, err
	}
	rec := Record{}
	for i, f := range schema {
		val, present, err := readField(r, f)
		if err != nil {
			return nil, fmt.Errorf("field %d (%s): %w", i, f.Name, err)
		}
		if present {
			rec[f.Name] = val
		} else if f.Kind != FOptional {
			return nil, &FramingError{Reason: fmt.Sprintf("missing required field %q", f.Name)}
		}
	}
	// Discard any trailing items the schema didn't account for.
	for {
		it, err := r.NextItem()
		if err != nil {
			return nil, err
		}
		if it.Kind == KindListEnd {
			break
		}
		if it.Kind == KindListStart {
			if err := skipRestOfList(r); err != nil {
				return nil, err
			}
		}
	}
	return rec, nil
}

func skipRestOfList(r *Reader) error {
	depth := 1
	for depth > 0 {
		it, err := r.NextItem()
		if err != nil {
			return err
		}
		switch it.Kind {
		case KindListStart:
			depth++
		case KindListEnd:
			depth--
		}
	}
	return nil
}

// readField decodes a single field. For FOptional it peeks: a list end,
// or an item whose kind does not fit the wrapped kind, means the field
// is absent, and the item is pushed back for the next field to read.
func readField(r *Reader, f Field) (interface{}, bool, error) {
	switch f.Kind {
	case FWord:
		v, err := r.Word()
		return v, true, err
	case FNumber:
		v, err := r.Number()
		return v, true, err
	case FString:
		v, err := r.ByteString()
		return string(v), true, err
	case FBool:
		v, err := r.Word()
		if err != nil {
			return nil, true, err
		}
		return v == "true", true, nil
	case FSubRecord:
		v, err := ReadRecord(r, f.Sub)
		return v, true, err
	case FListOf:
		if err := r.ListStart(); err != nil {
			return nil, true, err
		}
		var out []interface{}
		for {
			it, err := r.NextItem()
			if err != nil {
				return nil, true, err
			}
			if it.Kind == KindListEnd {
				break
			}
			v, err := decodeItemAs(it, r, *f.Elem)
			if err != nil {
				return nil, true, err
			}
			out = append(out, v)
		}
		return out, true, nil
	case FOptional:
		it, err := r.NextItem()
		if err != nil {
			return nil, false, err
		}
		fits := false
		switch f.Elem.Kind {
		case FWord, FBool:
			fits = it.Kind == KindWord
		case FNumber:
			fits = it.Kind == KindNumber
		case FString:
			fits = it.Kind == KindString
		case FSubRecord:
			fits = it.Kind == KindListStart
		}
		if !fits {
			r.PushBack(it)
			return nil, false, nil
		}
		v, err := decodeItemAs(it, r, *f.Elem)
		return v, true, err
	}
	return nil, false, fmt.Errorf("unknown field kind %d", f.Kind)
}

func decodeItemAs(it Item, r *Reader, f Field) (interface{}, error) {
	switch f.Kind {
	case FWord:
		if it.Kind != KindWord {
			return nil, &FramingError{Reason: "expected word"}
		}
		return it.Word, nil
	case FNumber:
		if it.Kind != KindNumber {
			return nil, &FramingError{Reason: "expected number"}
		}
		return it.Number, nil
	case FString:
		if it.Kind != KindString {
			return nil, &FramingError{Reason: "expected string"}
		}
		return string(it.Bytes), nil
	case FBool:
		if it.Kind != KindWord {
			return nil, &FramingError{Reason: "expected bool word"}
		}
		return it.Word == "true", nil
	case FSubRecord:
		if it.Kind != KindListStart {
			return nil, &FramingError{Reason: "expected sub-record list"}
		}
		rec := Record{}
		for i, sf := range f.Sub {
			val, present, err := readField(r, sf)
			if err != nil {
				return nil, fmt.Errorf("field %d (%s): %w", i, sf.Name, err)
			}
			if present {
				rec[sf.Name] = val
			}
		}
		return rec, r.ListEnd()
	}
	return nil, fmt.Errorf("unsupported nested kind %d", f.Kind)
}

// WriteRecord is the dual of ReadRecord: it emits vals[schema[i].Name] in
// schema order, wrapped in one list.
func WriteRecord(w *Writer, schema Schema, vals Record) error {
	if err := w.ListStart(); err != nil {
		return err
	}
	for _, f := range schema {
		if err := writeField(w, f, vals); err != nil {
			return err
		}
	}
	return w.ListEnd()
}

func writeField(w *Writer, f Field, vals Record) error {
	v, ok := vals[f.Name]
	if !ok {
		if f.Kind == FOptional {
			return nil
		}
		return fmt.Errorf("missing value for required field %q", f.Name)
	}
	return writeValue(w, f, v)
}

func writeValue(w *Writer, f Field, v interface{}) error {
	switch f.Kind {
	case FWord:
		return w.Word(v.(string))
	case FNumber:
		return w.Number(toInt64(v))
	case FString:
		return w.String(v.(string))
	case FBool:
		return w.Bool(v.(bool))
	case FOptional:
		return writeValue(w, *f.Elem, v)
	case FListOf:
		if err := w.ListStart(); err != nil {
			return err
		}
		items, _ := v.([]interface{})
		for _, it := range items {
			if err := writeValue(w, *f.Elem, it); err != nil {
				return err
			}
		}
		return w.ListEnd()
	case FSubRecord:
		rec, _ := v.(Record)
		return WriteRecord(w, f.Sub, rec)
	}
	return fmt.Errorf("unknown field kind %d", f.Kind)
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}
