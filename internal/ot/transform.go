package ot

import "fmt"

// piece is a mutable copy of an action used while walking two operations
type piece struct {
	kind Kind
	n    int
	text []rune
}

func (p *piece) length() int {
	if p.kind == KindInsert {
		return len(p.text)
	}
	return p.n
}

// consume drops the first n runes of the piece and reports whether
// anything is left
func (p *piece) consume(n int) bool {
	if p.kind == KindInsert {
		p.text = p.text[n:]
		return len(p.text) > 0
	}
	p.n -= n
	return p.n > 0
}

type cursor struct {
	actions []Action
	i       int
	cur     piece
	ok      bool
}

func newCursor(o *Operation) *cursor {
	c := &cursor{actions: o.Actions}
	c.next()
	return c
}

func (c *cursor) next() {
	if c.i >= len(c.actions) {
		c.ok = false
		return
	}
	a := c.actions[c.i]
	c.i++
	c.cur = piece{kind: a.Kind, n: a.N}
	if a.Kind == KindInsert {
		c.cur.text = []rune(a.Text)
	}
	c.ok = true
}

// advance consumes n runes of the current piece, moving on when it is spent
func (c *cursor) advance(n int) {
	if !c.cur.consume(n) {
		c.next()
	}
}

// Compose merges a and b into one operation with the same effect as
// applying a and then b.
func Compose(a, b *Operation) (*Operation, error) {
	if a.TargetLen != b.BaseLen {
		return nil, fmt.Errorf("%w: compose target length %d, base length %d", ErrMalformedOperation, a.TargetLen, b.BaseLen)
	}

	out := New()
	c1, c2 := newCursor(a), newCursor(b)
	for c1.ok || c2.ok {
		if c1.ok && c1.cur.kind == KindDelete {
			out.Delete(c1.cur.n)
			c1.next()
			continue
		}
		if c2.ok && c2.cur.kind == KindInsert {
			out.Insert(string(c2.cur.text))
			c2.next()
			continue
		}
		if !c1.ok || !c2.ok {
			return nil, fmt.Errorf("%w: compose ran past the end of an operation", ErrMalformedOperation)
		}

		n := min(c1.cur.length(), c2.cur.length())
		switch {
		case c1.cur.kind == KindRetain && c2.cur.kind == KindRetain:
			out.Retain(n)
		case c1.cur.kind == KindInsert && c2.cur.kind == KindRetain:
			out.Insert(string(c1.cur.text[:n]))
		case c1.cur.kind == KindRetain && c2.cur.kind == KindDelete:
			out.Delete(n)
		}
		// insert followed by delete cancels out
		c1.advance(n)
		c2.advance(n)
	}
	return out, nil
}

// Transform takes two operations made against the same text and returns
// a2 and b2 such that applying a then b2 gives the same text as applying
// b then a2.
//
// b is the operation that was committed first. When both insert at the
// same position b's text ends up first.
func Transform(a, b *Operation) (a2, b2 *Operation, err error) {
	b2, a2, err = transform(b, a)
	return a2, b2, err
}

// transform gives inserts of first priority over inserts of second
func transform(first, second *Operation) (*Operation, *Operation, error) {
	if first.BaseLen != second.BaseLen {
		return nil, nil, fmt.Errorf("%w: transform base lengths %d and %d differ", ErrMalformedOperation, first.BaseLen, second.BaseLen)
	}

	p1, p2 := New(), New()
	c1, c2 := newCursor(first), newCursor(second)
	for c1.ok || c2.ok {
		if c1.ok && c1.cur.kind == KindInsert {
			p1.Insert(string(c1.cur.text))
			p2.Retain(len(c1.cur.text))
			c1.next()
			continue
		}
		if c2.ok && c2.cur.kind == KindInsert {
			p1.Retain(len(c2.cur.text))
			p2.Insert(string(c2.cur.text))
			c2.next()
			continue
		}
		if !c1.ok || !c2.ok {
			return nil, nil, fmt.Errorf("%w: transform ran past the end of an operation", ErrMalformedOperation)
		}

		n := min(c1.cur.length(), c2.cur.length())
		switch {
		case c1.cur.kind == KindRetain && c2.cur.kind == KindRetain:
			p1.Retain(n)
			p2.Retain(n)
		case c1.cur.kind == KindDelete && c2.cur.kind == KindRetain:
			p1.Delete(n)
		case c1.cur.kind == KindRetain && c2.cur.kind == KindDelete:
			p2.Delete(n)
		}
		// both deleted the same range: neither side deletes it again
		c1.advance(n)
		c2.advance(n)
	}
	return p1, p2, nil
}

// Rebase transforms op, made against a text of length baseLen, past every
// operation in history so it applies after the last one. history must
// start at the revision op was made against.
func Rebase(op *Operation, baseLen int, history []*Operation) (*Operation, error) {
	if op.BaseLen != baseLen {
		return nil, fmt.Errorf("%w: operation expects length %d, revision has %d", ErrMalformedOperation, op.BaseLen, baseLen)
	}

	current := op
	for _, committed := range history {
		next, _, err := Transform(current, committed)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}
