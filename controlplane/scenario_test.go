package controlplane

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/flow"
	sstest "github.com/c360/streamswitch/testutil"
)

// A scenario drives a plane through a script of verbs against ticker
// producers and then checks what each group's sink received.

type stepKind int

const (
	stepAttach stepKind = iota
	stepAttachPaused
	stepDetach
	stepKill
	stepWait
	stepMark
)

type step struct {
	kind     stepKind
	producer string
	group    string
	ticks    int    // stepWait
	mark     string // stepMark: snapshot sink counts under this name
}

func attach(producer, group string) step { return step{kind: stepAttach, producer: producer, group: group} }
func attachPaused(producer, group string) step {
	return step{kind: stepAttachPaused, producer: producer, group: group}
}
func detach(producer string) step { return step{kind: stepDetach, producer: producer} }
func kill(producer string) step   { return step{kind: stepKill, producer: producer} }
func wait(ticks int) step         { return step{kind: stepWait, ticks: ticks} }
func mark(name string) step       { return step{kind: stepMark, mark: name} }

type scenario struct {
	name      string
	interval  time.Duration
	producers []string
	groups    []string
	steps     []step
	check     func(t *testing.T, h *harness)
}

type placement struct {
	group      GroupID
	attachment AttachmentID
}

type harness struct {
	plane    *Plane
	interval time.Duration
	sinks    map[string]*sstest.Collector
	wrappers map[string]WrapperID
	attached map[string]placement

	// marks[name][group][producer] is the delivered count at a stepMark.
	marks map[string]map[string]map[string]int
}

func runScenario(t *testing.T, sc scenario) *harness {
	t.Helper()

	h := &harness{
		plane:    newPlane(t, nil),
		interval: sc.interval,
		sinks:    make(map[string]*sstest.Collector),
		wrappers: make(map[string]WrapperID),
		attached: make(map[string]placement),
		marks:    make(map[string]map[string]map[string]int),
	}

	for _, name := range sc.groups {
		c := sstest.NewCollector()
		_, err := h.plane.CreateGroup(name, c.Sink)
		require.NoError(t, err)
		h.sinks[name] = c
	}
	for _, name := range sc.producers {
		id, err := h.plane.RegisterProducer(name, flow.NewTicker(name, sc.interval), flow.Open)
		require.NoError(t, err)
		h.wrappers[name] = id
	}

	for i, s := range sc.steps {
		h.apply(t, i, s)
	}

	sc.check(t, h)
	return h
}

func (h *harness) apply(t *testing.T, i int, s step) {
	t.Helper()

	switch s.kind {
	case stepAttach:
		id, err := h.plane.Attach(h.wrappers[s.producer], GroupID(s.group))
		require.NoError(t, err, "step %d: attach %s to %s", i, s.producer, s.group)
		h.attached[s.producer] = placement{group: GroupID(s.group), attachment: id}

	case stepAttachPaused:
		id, err := await(t, h.plane.AttachPaused(h.wrappers[s.producer], GroupID(s.group)))
		require.NoError(t, err, "step %d: attach paused %s to %s", i, s.producer, s.group)
		h.attached[s.producer] = placement{group: GroupID(s.group), attachment: id}

	case stepDetach:
		at := h.attached[s.producer]
		wid, err := await(t, h.plane.Detach(at.group, at.attachment))
		require.NoError(t, err, "step %d: detach %s", i, s.producer)
		require.Equal(t, h.wrappers[s.producer], wid)
		delete(h.attached, s.producer)

	case stepKill:
		at := h.attached[s.producer]
		require.NoError(t, h.plane.Kill(at.group, at.attachment), "step %d: kill %s", i, s.producer)
		delete(h.attached, s.producer)

	case stepWait:
		time.Sleep(time.Duration(s.ticks) * h.interval)

	case stepMark:
		snap := make(map[string]map[string]int)
		for group, c := range h.sinks {
			snap[group] = make(map[string]int)
			for producer := range h.wrappers {
				snap[group][producer] = c.CountFrom(producer)
			}
		}
		h.marks[s.mark] = snap
	}
}

func (h *harness) seqs(group, producer string) []uint64 {
	return h.sinks[group].Seqs(producer)
}

func (h *harness) count(group, producer string) int {
	return h.sinks[group].CountFrom(producer)
}

func (h *harness) marked(name, group, producer string) int {
	return h.marks[name][group][producer]
}

func TestScenarios(t *testing.T) {
	scenarios := []scenario{
		{
			name:      "pause in one group and resume in another",
			interval:  10 * time.Millisecond,
			producers: []string{"counter"},
			groups:    []string{"a", "b"},
			steps: []step{
				attach("counter", "a"),
				wait(5),
				detach("counter"),
				mark("detached"),
				wait(5),
				attachPaused("counter", "b"),
				wait(5),
			},
			check: func(t *testing.T, h *harness) {
				a, b := h.seqs("a", "counter"), h.seqs("b", "counter")
				require.NotEmpty(t, a)
				require.NotEmpty(t, b)

				assert.True(t, h.sinks["a"].StrictlyIncreasing("counter"), "a: %v", a)
				assert.True(t, h.sinks["b"].StrictlyIncreasing("counter"), "b: %v", b)
				assert.Equal(t, uint64(1), a[0], "first attach sees the start of the stream")

				// Nothing reaches a after detach resolved.
				assert.Equal(t, h.marked("detached", "a", "counter"), len(a))

				// b continues where the producer is now, without restarting
				// and without repeating anything a already received.
				assert.Greater(t, b[0], a[len(a)-1]+1)
			},
		},
		{
			name:      "kill in one group leaves the other untouched",
			interval:  5 * time.Millisecond,
			producers: []string{"p1", "p2", "p3"},
			groups:    []string{"a", "b"},
			steps: []step{
				attach("p1", "a"),
				attach("p2", "a"),
				attach("p3", "b"),
				wait(6),
				kill("p3"),
				mark("killed"),
				wait(8),
			},
			check: func(t *testing.T, h *harness) {
				assert.Equal(t, h.marked("killed", "b", "p3"), h.count("b", "p3"),
					"b received items after kill")
				assert.Greater(t, h.marked("killed", "b", "p3"), 0)

				for _, p := range []string{"p1", "p2"} {
					assert.Greater(t, h.count("a", p), h.marked("killed", "a", p), "%s stalled after unrelated kill", p)
					assert.True(t, h.sinks["a"].StrictlyIncreasing(p))
					assert.Zero(t, h.count("b", p))
				}
				assert.Zero(t, h.count("a", "p3"))
			},
		},
		{
			name:      "killed wrapper refuses further verbs",
			interval:  5 * time.Millisecond,
			producers: []string{"w"},
			groups:    []string{"a", "b"},
			steps: []step{
				attach("w", "a"),
				wait(3),
				kill("w"),
				mark("killed"),
				wait(4),
			},
			check: func(t *testing.T, h *harness) {
				assert.Equal(t, h.marked("killed", "a", "w"), h.count("a", "w"))

				wid := h.wrappers["w"]
				_, err := h.plane.Attach(wid, "a")
				assert.True(t, errors.IsInvalidState(err))
				_, err = h.plane.Attach(wid, "b")
				assert.True(t, errors.IsInvalidState(err))
				_, err = await(t, h.plane.AttachPaused(wid, "b"))
				assert.True(t, errors.IsInvalidState(err))
				require.NoError(t, h.plane.KillWrapper(wid))
			},
		},
		{
			name:      "repeated detach and reattach never duplicates",
			interval:  3 * time.Millisecond,
			producers: []string{"w"},
			groups:    []string{"a", "b"},
			steps: []step{
				attach("w", "a"), wait(3), detach("w"),
				attachPaused("w", "b"), wait(3), detach("w"),
				attachPaused("w", "a"), wait(3), detach("w"),
				attachPaused("w", "b"), wait(3),
			},
			check: func(t *testing.T, h *harness) {
				seen := make(map[uint64]string)
				for _, group := range []string{"a", "b"} {
					assert.True(t, h.sinks[group].StrictlyIncreasing("w"), "%s out of order", group)
					for _, seq := range h.seqs(group, "w") {
						if other, dup := seen[seq]; dup {
							t.Errorf("seq %d delivered to both %s and %s", seq, other, group)
						}
						seen[seq] = group
					}
				}
				assert.NotEmpty(t, seen)
			},
		},
	}

	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			runScenario(t, sc)
		})
	}
}
