package treeline

import (
	"bytes"
	"fmt"
)

// wire-stable value type tags
type ValueKind int

const (
	ValueKindRaw    ValueKind = 0
	ValueKindText   ValueKind = 1
	ValueKindBinary ValueKind = 2
)

func (self ValueKind) String() string {
	switch self {
	case ValueKindRaw:
		return "raw"
	case ValueKindText:
		return "text"
	case ValueKindBinary:
		return "binary"
	default:
		return fmt.Sprintf("kind(%d)", int(self))
	}
}

// a tagged value. exactly one of Raw/Text/Binary carries the payload,
// selected by Kind. EnumName is set when the value represents a named
// enumerated constant.
type Value struct {
	Kind ValueKind

	Raw []byte
	// structured text and its encoding tag, e.g. "json", "ascii"
	Text     string
	Encoding string
	Binary   []byte

	EnumName string
}

func NewRawValue(raw []byte) *Value {
	return &Value{
		Kind: ValueKindRaw,
		Raw:  raw,
	}
}

func NewTextValue(text string, encoding string) *Value {
	return &Value{
		Kind:     ValueKindText,
		Text:     text,
		Encoding: encoding,
	}
}

func NewBinaryValue(binary []byte) *Value {
	return &Value{
		Kind:   ValueKindBinary,
		Binary: binary,
	}
}

func NewEnumValue(name string) *Value {
	return &Value{
		Kind:     ValueKindText,
		Text:     name,
		Encoding: "ascii",
		EnumName: name,
	}
}

// used by sampled delivery to detect redundant emissions
func (self *Value) Equal(other *Value) bool {
	if self == nil || other == nil {
		return self == other
	}
	if self.Kind != other.Kind || self.EnumName != other.EnumName {
		return false
	}
	switch self.Kind {
	case ValueKindRaw:
		return bytes.Equal(self.Raw, other.Raw)
	case ValueKindText:
		return self.Text == other.Text && self.Encoding == other.Encoding
	case ValueKindBinary:
		return bytes.Equal(self.Binary, other.Binary)
	default:
		return false
	}
}

func (self *Value) Validate() error {
	switch self.Kind {
	case ValueKindRaw, ValueKindBinary:
		return nil
	case ValueKindText:
		if self.Encoding == "" {
			return ErrMalformedValue("text value requires an encoding tag")
		}
		return nil
	default:
		return ErrMalformedValue("unknown value kind: %d", int(self.Kind))
	}
}

func (self *Value) String() string {
	switch self.Kind {
	case ValueKindRaw:
		return fmt.Sprintf("raw(%d bytes)", len(self.Raw))
	case ValueKindText:
		return fmt.Sprintf("%s(%s)", self.Encoding, self.Text)
	case ValueKindBinary:
		return fmt.Sprintf("binary(%d bytes)", len(self.Binary))
	default:
		return "invalid"
	}
}
