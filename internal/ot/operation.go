// Package ot implements operational transformation for plain text.
//
// An Operation is a sequence of retain, insert and delete actions that
// walks over a whole document. Lengths are counted in runes.
package ot

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// ErrMalformedOperation is returned when an operation does not fit the
// text it is applied to, or cannot be decoded.
var ErrMalformedOperation = errors.New("malformed operation")

// MaxLength bounds every count and both lengths of a decoded operation.
const MaxLength = math.MaxInt32

// Kind identifies an action inside an operation
type Kind uint8

const (
	KindRetain Kind = iota + 1
	KindInsert
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindRetain:
		return "retain"
	case KindInsert:
		return "insert"
	case KindDelete:
		return "delete"
	}
	return "unknown"
}

// Action is a single step of an operation.
// N is used by retain and delete, Text by insert.
type Action struct {
	Kind Kind
	N    int
	Text string
}

// Len returns the number of runes the action covers
func (a Action) Len() int {
	if a.Kind == KindInsert {
		return utf8.RuneCountInString(a.Text)
	}
	return a.N
}

// Operation is a normalised list of actions.
// BaseLen is the length of the text it applies to and TargetLen the
// length of the text it produces.
type Operation struct {
	Actions   []Action
	BaseLen   int
	TargetLen int
}

// New returns an empty operation
func New() *Operation {
	return &Operation{}
}

// Retain skips n runes. Non-positive counts are ignored.
func (o *Operation) Retain(n int) *Operation {
	if n <= 0 {
		return o
	}
	o.BaseLen += n
	o.TargetLen += n
	if k := len(o.Actions); k > 0 && o.Actions[k-1].Kind == KindRetain {
		o.Actions[k-1].N += n
		return o
	}
	o.Actions = append(o.Actions, Action{Kind: KindRetain, N: n})
	return o
}

// Insert adds s at the current position. An insert directly following a
// delete is moved in front of it so equal edits have one representation.
func (o *Operation) Insert(s string) *Operation {
	if s == "" {
		return o
	}
	o.TargetLen += utf8.RuneCountInString(s)
	k := len(o.Actions)
	if k > 0 && o.Actions[k-1].Kind == KindInsert {
		o.Actions[k-1].Text += s
		return o
	}
	if k > 0 && o.Actions[k-1].Kind == KindDelete {
		if k > 1 && o.Actions[k-2].Kind == KindInsert {
			o.Actions[k-2].Text += s
			return o
		}
		o.Actions = append(o.Actions, o.Actions[k-1])
		o.Actions[k-1] = Action{Kind: KindInsert, Text: s}
		return o
	}
	o.Actions = append(o.Actions, Action{Kind: KindInsert, Text: s})
	return o
}

// Delete removes n runes. Non-positive counts are ignored.
func (o *Operation) Delete(n int) *Operation {
	if n <= 0 {
		return o
	}
	o.BaseLen += n
	if k := len(o.Actions); k > 0 && o.Actions[k-1].Kind == KindDelete {
		o.Actions[k-1].N += n
		return o
	}
	o.Actions = append(o.Actions, Action{Kind: KindDelete, N: n})
	return o
}

// IsNoop reports whether the operation leaves every text unchanged
func (o *Operation) IsNoop() bool {
	for _, a := range o.Actions {
		if a.Kind != KindRetain {
			return false
		}
	}
	return true
}

// Equal reports whether both operations have the same actions
func (o *Operation) Equal(other *Operation) bool {
	if o.BaseLen != other.BaseLen || o.TargetLen != other.TargetLen || len(o.Actions) != len(other.Actions) {
		return false
	}
	for i := range o.Actions {
		if o.Actions[i] != other.Actions[i] {
			return false
		}
	}
	return true
}

// Apply runs the operation on text
func (o *Operation) Apply(text string) (string, error) {
	runes := []rune(text)
	if len(runes) != o.BaseLen {
		return "", fmt.Errorf("%w: operation expects length %d, text has %d", ErrMalformedOperation, o.BaseLen, len(runes))
	}

	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, a := range o.Actions {
		switch a.Kind {
		case KindRetain:
			if a.N > len(runes)-pos {
				return "", fmt.Errorf("%w: retain past end of text", ErrMalformedOperation)
			}
			b.WriteString(string(runes[pos : pos+a.N]))
			pos += a.N
		case KindInsert:
			b.WriteString(a.Text)
		case KindDelete:
			if a.N > len(runes)-pos {
				return "", fmt.Errorf("%w: delete past end of text", ErrMalformedOperation)
			}
			pos += a.N
		}
	}
	if pos != len(runes) {
		return "", fmt.Errorf("%w: operation stops at %d of %d", ErrMalformedOperation, pos, len(runes))
	}
	return b.String(), nil
}

// Invert returns the operation that undoes o when applied to o's result.
// text is the document o was applied to.
func (o *Operation) Invert(text string) (*Operation, error) {
	runes := []rune(text)
	if len(runes) != o.BaseLen {
		return nil, fmt.Errorf("%w: operation expects length %d, text has %d", ErrMalformedOperation, o.BaseLen, len(runes))
	}

	inverse := New()
	pos := 0
	for _, a := range o.Actions {
		switch a.Kind {
		case KindRetain:
			if a.N > len(runes)-pos {
				return nil, fmt.Errorf("%w: retain past end of text", ErrMalformedOperation)
			}
			inverse.Retain(a.N)
			pos += a.N
		case KindInsert:
			inverse.Delete(a.Len())
		case KindDelete:
			if a.N > len(runes)-pos {
				return nil, fmt.Errorf("%w: delete past end of text", ErrMalformedOperation)
			}
			inverse.Insert(string(runes[pos : pos+a.N]))
			pos += a.N
		}
	}
	return inverse, nil
}

// MarshalJSON encodes the operation as a compact array: positive integers
// retain, strings insert and negative integers delete.
func (o Operation) MarshalJSON() ([]byte, error) {
	out := make([]interface{}, 0, len(o.Actions))
	for _, a := range o.Actions {
		switch a.Kind {
		case KindRetain:
			out = append(out, a.N)
		case KindInsert:
			out = append(out, a.Text)
		case KindDelete:
			out = append(out, -a.N)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the compact array form and rebuilds the lengths
func (o *Operation) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOperation, err)
	}

	op := New()
	for i, item := range raw {
		if len(item) > 0 && item[0] == '"' {
			var s string
			if err := json.Unmarshal(item, &s); err != nil {
				return fmt.Errorf("%w: action %d: %v", ErrMalformedOperation, i, err)
			}
			if s == "" {
				return fmt.Errorf("%w: action %d: empty insert", ErrMalformedOperation, i)
			}
			if utf8.RuneCountInString(s) > MaxLength-op.TargetLen {
				return fmt.Errorf("%w: action %d: operation too long", ErrMalformedOperation, i)
			}
			op.Insert(s)
			continue
		}

		var n int
		if err := json.Unmarshal(item, &n); err != nil {
			return fmt.Errorf("%w: action %d: %v", ErrMalformedOperation, i, err)
		}
		switch {
		case n > 0:
			if n > MaxLength-op.BaseLen || n > MaxLength-op.TargetLen {
				return fmt.Errorf("%w: action %d: operation too long", ErrMalformedOperation, i)
			}
			op.Retain(n)
		case n < 0:
			if n < -MaxLength || -n > MaxLength-op.BaseLen {
				return fmt.Errorf("%w: action %d: operation too long", ErrMalformedOperation, i)
			}
			op.Delete(-n)
		default:
			return fmt.Errorf("%w: action %d: zero length", ErrMalformedOperation, i)
		}
	}

	*o = *op
	return nil
}
