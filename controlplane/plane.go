package controlplane

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/flow"
	"github.com/c360/streamswitch/health"
	"github.com/c360/streamswitch/metric"
	"github.com/c360/streamswitch/routing"
)

// Re-exported so callers of the plane rarely need to import routing.
type (
	WrapperID    = routing.WrapperID
	GroupID      = routing.GroupID
	AttachmentID = routing.AttachmentID
)

// Config tunes the runtime the plane creates.
type Config struct {
	// FanInBuffer is how many items each group queues ahead of its sink.
	FanInBuffer int
}

// Plane is the control plane: it registers producers and groups and moves
// producers between groups.
type Plane struct {
	rt      *flow.Runtime
	logger  *slog.Logger
	metrics *planeMetrics
	started time.Time

	mu       sync.RWMutex
	wrappers map[WrapperID]*routing.Wrapper
	groups   map[GroupID]*routing.Group
	closed   bool
}

// NewPlane creates a plane with its own flow runtime. Runtime and plane
// metrics are registered when metricsRegistry is not nil.
func NewPlane(cfg Config, logger *slog.Logger, metricsRegistry *metric.Registry) (*Plane, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rt, err := flow.NewRuntime(
		flow.WithLogger(logger),
		flow.WithMetricsRegistry(metricsRegistry),
		flow.WithFanInBuffer(cfg.FanInBuffer),
	)
	if err != nil {
		return nil, errors.Wrap(err, "controlplane", "NewPlane", "create runtime")
	}

	metrics, err := newPlaneMetrics(metricsRegistry)
	if err != nil {
		logger.Error("Failed to initialize control plane metrics", "error", err)
		metrics = nil // Continue without metrics
	}

	return &Plane{
		rt:       rt,
		logger:   logger.With("component", "controlplane"),
		metrics:  metrics,
		started:  time.Now(),
		wrappers: make(map[WrapperID]*routing.Wrapper),
		groups:   make(map[GroupID]*routing.Group),
	}, nil
}

// RegisterProducer wraps producer and starts pulling it through a gate in
// the given mode. The plane owns the producer from here on.
func (p *Plane) RegisterProducer(name string, producer flow.Producer, gate flow.Mode) (id WrapperID, err error) {
	defer p.record("register_producer", time.Now(), &err)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", p.closedErr("RegisterProducer")
	}

	w, err := routing.NewWrapper(p.rt, name, producer, gate, p.logger)
	if err != nil {
		return "", errors.Wrap(err, "controlplane", "RegisterProducer", "create wrapper")
	}
	p.wrappers[w.ID()] = w

	p.logger.Info("Producer registered", "wrapper", w.ID(), "producer", name, "gate", gate.String())
	return w.ID(), nil
}

// CreateGroup creates a consumer group delivering into sink. Group names
// are unique.
func (p *Plane) CreateGroup(name string, sink flow.Sink) (id GroupID, err error) {
	defer p.record("create_group", time.Now(), &err)

	if name == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidData, "controlplane", "CreateGroup", "empty group name")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", p.closedErr("CreateGroup")
	}
	if _, exists := p.groups[GroupID(name)]; exists {
		return "", errors.WrapInvalid(
			fmt.Errorf("group %s already exists: %w", name, errors.ErrInvalidState),
			"controlplane", "CreateGroup", "register group")
	}

	g, err := routing.NewGroup(p.rt, name, sink, p.logger)
	if err != nil {
		return "", errors.Wrap(err, "controlplane", "CreateGroup", "create group")
	}
	p.groups[g.ID()] = g

	p.logger.Info("Group created", "group", name)
	return g.ID(), nil
}

// Attach links the wrapper into the group. Items flow right away if the
// wrapper's gate is open.
func (p *Plane) Attach(wrapperID WrapperID, groupID GroupID) (id AttachmentID, err error) {
	defer p.record("attach", time.Now(), &err)

	w, g, err := p.resolve(wrapperID, groupID, "Attach")
	if err != nil {
		return "", err
	}
	return g.Attach(w)
}

// AttachPaused opens the wrapper's gate and then attaches it. The result
// resolves to the new attachment id.
func (p *Plane) AttachPaused(wrapperID WrapperID, groupID GroupID) *flow.Pending[AttachmentID] {
	start := time.Now()

	w, g, err := p.resolve(wrapperID, groupID, "AttachPaused")
	p.record("attach_paused", start, &err)
	if err != nil {
		return flow.Failed[AttachmentID](err)
	}

	return flow.Handle(g.AttachPaused(w), func(id AttachmentID, err error) (AttachmentID, error) {
		p.complete("attach_paused", err, "wrapper", wrapperID, "group", groupID, "attachment", id)
		return id, err
	})
}

// Detach closes the wrapper's gate, drains and removes the attachment. The
// result resolves to the wrapper id once the wrapper can be attached again.
func (p *Plane) Detach(groupID GroupID, attachmentID AttachmentID) *flow.Pending[WrapperID] {
	start := time.Now()

	pending, err := p.detach(groupID, attachmentID)
	p.record("detach", start, &err)
	if err != nil {
		return flow.Failed[WrapperID](err)
	}

	return flow.Handle(pending, func(w *routing.Wrapper, err error) (WrapperID, error) {
		if err != nil {
			p.complete("detach", err, "group", groupID, "attachment", attachmentID)
			return "", err
		}
		p.complete("detach", nil, "group", groupID, "attachment", attachmentID, "wrapper", w.ID())
		return w.ID(), nil
	})
}

func (p *Plane) detach(groupID GroupID, attachmentID AttachmentID) (*flow.Pending[*routing.Wrapper], error) {
	g, err := p.group(groupID, "Detach")
	if err != nil {
		return nil, err
	}
	return g.Detach(attachmentID)
}

// Kill aborts the attachment and terminates its wrapper immediately.
func (p *Plane) Kill(groupID GroupID, attachmentID AttachmentID) (err error) {
	defer p.record("kill", time.Now(), &err)

	g, err := p.group(groupID, "Kill")
	if err != nil {
		return err
	}
	return g.Kill(attachmentID)
}

// KillWrapper terminates the wrapper whether or not it is attached. Killing
// an already terminated wrapper is a no-op.
func (p *Plane) KillWrapper(wrapperID WrapperID) (err error) {
	defer p.record("kill_wrapper", time.Now(), &err)

	w, err := p.wrapper(wrapperID, "KillWrapper")
	if err != nil {
		return err
	}
	w.Terminate()
	return nil
}

// FlipGate requests a gate transition on a wrapper without touching its
// attachment.
func (p *Plane) FlipGate(wrapperID WrapperID, mode flow.Mode) *flow.Pending[WrapperID] {
	start := time.Now()

	w, err := p.wrapper(wrapperID, "FlipGate")
	p.record("flip_gate", start, &err)
	if err != nil {
		return flow.Failed[WrapperID](err)
	}

	return flow.Then(w.FlipGate(mode), func(w *routing.Wrapper) (WrapperID, error) {
		return w.ID(), nil
	})
}

// Wrapper returns the wrapper registered under id.
func (p *Plane) Wrapper(id WrapperID) (*routing.Wrapper, error) {
	return p.wrapper(id, "Wrapper")
}

// Group returns the group registered under id.
func (p *Plane) Group(id GroupID) (*routing.Group, error) {
	return p.group(id, "Group")
}

// Wrappers returns a snapshot of every registered wrapper, ordered by name
// then id.
func (p *Plane) Wrappers() []routing.WrapperInfo {
	p.mu.RLock()
	infos := make([]routing.WrapperInfo, 0, len(p.wrappers))
	for _, w := range p.wrappers {
		infos = append(infos, w.Info())
	}
	p.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Groups returns a snapshot of every group, ordered by id.
func (p *Plane) Groups() []routing.GroupInfo {
	p.mu.RLock()
	infos := make([]routing.GroupInfo, 0, len(p.groups))
	for _, g := range p.groups {
		infos = append(infos, g.Info())
	}
	p.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Health reports the plane's status. Producers that stopped without being
// killed (exhausted or failed) degrade it.
func (p *Plane) Health() health.Status {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()

	if closed {
		return health.NewUnhealthy("controlplane", "control plane closed")
	}

	metrics, stopped := p.tally()
	metrics.Uptime = time.Since(p.started)
	metrics.ErrorCount = stopped

	if stopped > 0 {
		return health.NewDegraded("controlplane",
			fmt.Sprintf("%d producer(s) stopped without being killed", stopped)).WithMetrics(&metrics)
	}
	return health.NewHealthy("controlplane",
		fmt.Sprintf("%d live wrappers, %d attachments", metrics.Wrappers, metrics.Attachments)).WithMetrics(&metrics)
}

// tally counts wrappers, groups and attachments. stopped is the number of
// live wrappers whose producer is no longer running.
func (p *Plane) tally() (metrics health.Metrics, stopped int) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, w := range p.wrappers {
		info := w.Info()
		switch {
		case info.State == routing.Terminated.String():
			metrics.Terminated++
		case !info.Running:
			stopped++
			metrics.Wrappers++
		default:
			metrics.Wrappers++
		}
	}
	metrics.Groups = len(p.groups)
	for _, g := range p.groups {
		metrics.Attachments += g.Len()
	}
	return metrics, stopped
}

func (p *Plane) updateGauges() {
	if p.metrics == nil {
		return
	}
	metrics, _ := p.tally()
	p.metrics.setCounts(metrics.Wrappers, metrics.Groups, metrics.Attachments)
}

// Close kills every wrapper, stops every group and shuts the runtime down,
// waiting up to timeout for its goroutines.
func (p *Plane) Close(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	wrappers := make([]*routing.Wrapper, 0, len(p.wrappers))
	for _, w := range p.wrappers {
		wrappers = append(wrappers, w)
	}
	groups := make([]*routing.Group, 0, len(p.groups))
	for _, g := range p.groups {
		groups = append(groups, g)
	}
	p.mu.Unlock()

	for _, w := range wrappers {
		w.Terminate()
	}
	for _, g := range groups {
		g.Close()
	}

	p.logger.Info("Control plane closing", "wrappers", len(wrappers), "groups", len(groups))
	if err := p.rt.Close(timeout); err != nil {
		return errors.Wrap(err, "controlplane", "Close", "close runtime")
	}
	return nil
}

func (p *Plane) resolve(wrapperID WrapperID, groupID GroupID, method string) (*routing.Wrapper, *routing.Group, error) {
	w, err := p.wrapper(wrapperID, method)
	if err != nil {
		return nil, nil, err
	}
	g, err := p.group(groupID, method)
	if err != nil {
		return nil, nil, err
	}
	return w, g, nil
}

func (p *Plane) wrapper(id WrapperID, method string) (*routing.Wrapper, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	w, ok := p.wrappers[id]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("wrapper %s: %w", id, errors.ErrNotFound),
			"controlplane", method, "look up wrapper")
	}
	return w, nil
}

func (p *Plane) group(id GroupID, method string) (*routing.Group, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	g, ok := p.groups[id]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("group %s: %w", id, errors.ErrNotFound),
			"controlplane", method, "look up group")
	}
	return g, nil
}

func (p *Plane) closedErr(method string) error {
	return errors.WrapInvalid(
		fmt.Errorf("control plane closed: %w", errors.ErrInvalidState),
		"controlplane", method, "check plane state")
}

// record logs and counts the synchronous outcome of a verb.
func (p *Plane) record(verb string, start time.Time, errp *error) {
	err := *errp
	p.metrics.recordVerb(verb, start, err)
	p.updateGauges()
	if err != nil {
		p.logger.Warn("Verb failed", "verb", verb, "code", errors.Code(err), "error", err)
		return
	}
	p.logger.Debug("Verb accepted", "verb", verb, "duration", time.Since(start))
}

// complete logs and counts the asynchronous outcome of a pending verb.
func (p *Plane) complete(verb string, err error, attrs ...any) {
	p.metrics.recordOutcome(verb, err)
	p.updateGauges()
	if err != nil {
		p.logger.Warn("Verb failed", append([]any{"verb", verb, "code", errors.Code(err), "error", err}, attrs...)...)
		return
	}
	p.logger.Info("Verb completed", append([]any{"verb", verb}, attrs...)...)
}
