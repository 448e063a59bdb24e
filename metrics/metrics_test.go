package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
)

type fakeQueue struct {
	depth   int
	dropped uint64
}

func (f fakeQueue) Depth() int      { return f.depth }
func (f fakeQueue) Dropped() uint64 { return f.dropped }

type fakeCounter struct{ n int }

func (f fakeCounter) Count() int { return f.n }

func TestHandlerReportsGaugeValues(t *testing.T) {
	c := qt.New(t)

	m := New("ztcore", fakeQueue{depth: 3, dropped: 7}, fakeCounter{n: 2}, fakeCounter{n: 5})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	c.Assert(rec.Code, qt.Equals, 200)
	c.Assert(strings.Contains(body, "ztcore_event_queue_depth 3"), qt.IsTrue)
	c.Assert(strings.Contains(body, "ztcore_event_queue_dropped_total 7"), qt.IsTrue)
	c.Assert(strings.Contains(body, "ztcore_binder_bindings 2"), qt.IsTrue)
	c.Assert(strings.Contains(body, "ztcore_sockets_open 5"), qt.IsTrue)
}

func TestNewWithNilCollaboratorsReportsZero(t *testing.T) {
	c := qt.New(t)

	m := New("ztcore", nil, nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	c.Assert(strings.Contains(body, "ztcore_sockets_open 0"), qt.IsTrue)
}
