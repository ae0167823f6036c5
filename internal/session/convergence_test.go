package session

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/Dancode-188/padsync/internal/ot"
)

// simClient is an editor with at most one operation in flight and a buffer
// of local edits made while waiting for its ack
type simClient struct {
	id          string
	inbox       *recorder
	text        string
	revision    int
	outstanding *ot.Operation
	buffer      *ot.Operation
}

func (c *simClient) edit(t *testing.T, m *Manager, op *ot.Operation) {
	t.Helper()
	c.text = mustApply(t, op, c.text)
	switch {
	case c.outstanding == nil:
		c.outstanding = op
		c.send(t, m)
	case c.buffer == nil:
		c.buffer = op
	default:
		composed, err := ot.Compose(c.buffer, op)
		if err != nil {
			t.Fatalf("%s: Compose() error = %v", c.id, err)
		}
		c.buffer = composed
	}
}

func (c *simClient) send(t *testing.T, m *Manager) {
	t.Helper()
	_, err := m.Submit(context.Background(), SubmitRequest{
		SessionID:    c.id,
		BaseRevision: c.revision,
		Operation:    c.outstanding,
	})
	if err != nil {
		t.Fatalf("%s: Submit() error = %v", c.id, err)
	}
}

// receive handles one delivered event and reports whether there was one
func (c *simClient) receive(t *testing.T, m *Manager) bool {
	t.Helper()
	ev, ok := c.inbox.next()
	if !ok {
		return false
	}

	switch ev.Kind {
	case EventAck:
		c.revision = ev.Revision
		c.outstanding, c.buffer = c.buffer, nil
		if c.outstanding != nil {
			c.send(t, m)
		}
	case EventOperation:
		c.revision = ev.Revision
		op := ev.Operation
		var err error
		if c.outstanding != nil {
			if c.outstanding, op, err = ot.Transform(c.outstanding, op); err != nil {
				t.Fatalf("%s: Transform() error = %v", c.id, err)
			}
		}
		if c.buffer != nil {
			if c.buffer, op, err = ot.Transform(c.buffer, op); err != nil {
				t.Fatalf("%s: Transform() error = %v", c.id, err)
			}
		}
		c.text = mustApply(t, op, c.text)
	}
	return true
}

func randomEdit(rng *rand.Rand, text string) *ot.Operation {
	n := len(text)
	pos := rng.Intn(n + 1)
	op := ot.New().Retain(pos)
	if pos < n && rng.Intn(3) == 0 {
		del := 1 + rng.Intn(min(3, n-pos))
		op.Delete(del)
		pos += del
	} else {
		word := make([]byte, 1+rng.Intn(4))
		for i := range word {
			word[i] = "abcdefgh"[rng.Intn(8)]
		}
		op.Insert(string(word))
	}
	return op.Retain(n - pos)
}

func TestManager_RandomEditorsConverge(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			m, _, _ := newTestManager(t)
			rng := rand.New(rand.NewSource(seed))

			clients := make([]*simClient, 4)
			for i := range clients {
				c := &simClient{id: fmt.Sprintf("c%d", i), inbox: newRecorder(0)}
				snap := mustAttach(t, m, "/shared.txt", c.id, c.inbox)
				c.text, c.revision = snap.Text, snap.Revision
				clients[i] = c
			}
			for _, c := range clients {
				// drop the snapshot and join notices
				for c.receive(t, m) {
				}
			}

			for step := 0; step < 400; step++ {
				c := clients[rng.Intn(len(clients))]
				if rng.Intn(2) == 0 {
					c.edit(t, m, randomEdit(rng, c.text))
				} else {
					c.receive(t, m)
				}
			}

			for busy := true; busy; {
				busy = false
				for _, c := range clients {
					for c.receive(t, m) {
						busy = true
					}
				}
			}

			want, rev, err := m.Peek(context.Background(), "/shared.txt")
			if err != nil {
				t.Fatal(err)
			}
			for _, c := range clients {
				if c.outstanding != nil || c.buffer != nil {
					t.Errorf("%s still has pending edits", c.id)
				}
				if c.text != want {
					t.Errorf("%s text = %q, server has %q", c.id, c.text, want)
				}
				if c.revision != rev {
					t.Errorf("%s revision = %d, server at %d", c.id, c.revision, rev)
				}
			}
		})
	}
}
