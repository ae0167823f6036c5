package session

import (
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func TestCoordinator_PublishSkipsOriginAndFailed(t *testing.T) {
	var failures atomic.Int32
	c := NewCoordinator(zerolog.Nop(), func(s *Session, err error) {
		failures.Add(1)
	})

	ok := &Session{ID: "ok", deliverer: newRecorder(0)}
	origin := &Session{ID: "origin", deliverer: newRecorder(0)}
	full := &Session{ID: "full", deliverer: newRecorder(1)}
	members := []*Session{ok, origin, full}

	c.Publish(members, "origin", Event{Kind: EventOperation, Revision: 1})
	c.Publish(members, "origin", Event{Kind: EventOperation, Revision: 2})
	c.Publish(members, "origin", Event{Kind: EventOperation, Revision: 3})

	if got := len(ok.deliverer.(*recorder).all()); got != 3 {
		t.Errorf("ok received %d events, want 3", got)
	}
	if got := len(origin.deliverer.(*recorder).all()); got != 0 {
		t.Errorf("origin received %d events, want 0", got)
	}
	if got := len(full.deliverer.(*recorder).all()); got != 1 {
		t.Errorf("full received %d events, want 1", got)
	}
	if !full.Failed() || ok.Failed() {
		t.Errorf("failed flags: full=%v ok=%v", full.Failed(), ok.Failed())
	}
	if failures.Load() != 1 {
		t.Errorf("onFail called %d times, want 1", failures.Load())
	}
	if ok.Revision() != 3 || full.Revision() != 1 {
		t.Errorf("seen revisions: ok=%d full=%d", ok.Revision(), full.Revision())
	}
}
