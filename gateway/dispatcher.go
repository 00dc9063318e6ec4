package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/flow"
	"github.com/c360/streamswitch/metric"
	"github.com/c360/streamswitch/routing"
)

// ControlPlane is the part of *controlplane.Plane the gateway drives.
type ControlPlane interface {
	Attach(wrapperID routing.WrapperID, groupID routing.GroupID) (routing.AttachmentID, error)
	AttachPaused(wrapperID routing.WrapperID, groupID routing.GroupID) *flow.Pending[routing.AttachmentID]
	Detach(groupID routing.GroupID, attachmentID routing.AttachmentID) *flow.Pending[routing.WrapperID]
	Kill(groupID routing.GroupID, attachmentID routing.AttachmentID) error
	KillWrapper(wrapperID routing.WrapperID) error
	FlipGate(wrapperID routing.WrapperID, mode flow.Mode) *flow.Pending[routing.WrapperID]
	Wrappers() []routing.WrapperInfo
	Groups() []routing.GroupInfo
}

// Dispatcher runs gateway verbs against a control plane.
type Dispatcher struct {
	plane   ControlPlane
	timeout time.Duration
	logger  *slog.Logger
	metrics *gatewayMetrics
}

// NewDispatcher creates a dispatcher. Pending results are awaited for at
// most timeout. Metrics are registered when registry is not nil.
func NewDispatcher(plane ControlPlane, timeout time.Duration, registry *metric.Registry, logger *slog.Logger) (*Dispatcher, error) {
	if plane == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Dispatcher", "NewDispatcher", "control plane is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := newGatewayMetrics(registry)
	if err != nil {
		return nil, errors.WrapFatal(err, "Dispatcher", "NewDispatcher", "register metrics")
	}

	return &Dispatcher{
		plane:   plane,
		timeout: timeout,
		logger:  logger.With("component", "gateway"),
		metrics: metrics,
	}, nil
}

// Respond runs verb with body and returns the encoded reply and its code.
// The code is "ok" on success; otherwise data is an encoded ErrorReply.
func (d *Dispatcher) Respond(ctx context.Context, transport, verb string, body []byte) (data []byte, code string) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	reply, err := d.dispatch(ctx, verb, body)
	if err == nil {
		data, err = json.Marshal(reply)
		if err != nil {
			err = errors.WrapFatal(err, "Dispatcher", "Respond", "encode reply")
		}
	}

	code = errors.Code(err)
	label := verb
	if !slices.Contains(Verbs, verb) {
		label = "unknown"
	}
	d.metrics.record(transport, label, code, time.Since(start))

	if err != nil {
		d.logger.Debug("Request failed", "transport", transport, "verb", verb, "code", code, "error", err)
		return ErrorData(err), code
	}
	return data, code
}

// ErrorData encodes err as an ErrorReply. Internal errors are not echoed.
func ErrorData(err error) []byte {
	code := errors.Code(err)
	msg := "internal error"
	if code != "internal" {
		msg = err.Error()
	}
	data, _ := json.Marshal(ErrorReply{Error: msg, Code: code})
	return data
}

func (d *Dispatcher) dispatch(ctx context.Context, verb string, body []byte) (any, error) {
	switch verb {
	case VerbAttach:
		var req AttachRequest
		if err := decode(body, verb, &req); err != nil {
			return nil, err
		}
		if req.WrapperID == "" || req.GroupID == "" {
			return nil, missing(verb, "wrapper_id and group_id")
		}
		id, err := d.plane.Attach(req.WrapperID, req.GroupID)
		if err != nil {
			return nil, err
		}
		return AttachReply{AttachmentID: id}, nil

	case VerbAttachPaused:
		var req AttachRequest
		if err := decode(body, verb, &req); err != nil {
			return nil, err
		}
		if req.WrapperID == "" || req.GroupID == "" {
			return nil, missing(verb, "wrapper_id and group_id")
		}
		id, err := d.plane.AttachPaused(req.WrapperID, req.GroupID).Wait(ctx)
		if err != nil {
			return nil, err
		}
		return AttachReply{AttachmentID: id}, nil

	case VerbDetach:
		var req AttachmentRequest
		if err := decode(body, verb, &req); err != nil {
			return nil, err
		}
		if req.GroupID == "" || req.AttachmentID == "" {
			return nil, missing(verb, "group_id and attachment_id")
		}
		id, err := d.plane.Detach(req.GroupID, req.AttachmentID).Wait(ctx)
		if err != nil {
			return nil, err
		}
		return WrapperReply{WrapperID: id}, nil

	case VerbKill:
		var req AttachmentRequest
		if err := decode(body, verb, &req); err != nil {
			return nil, err
		}
		if req.GroupID == "" || req.AttachmentID == "" {
			return nil, missing(verb, "group_id and attachment_id")
		}
		if err := d.plane.Kill(req.GroupID, req.AttachmentID); err != nil {
			return nil, err
		}
		return EmptyReply{}, nil

	case VerbKillWrapper:
		var req WrapperRequest
		if err := decode(body, verb, &req); err != nil {
			return nil, err
		}
		if req.WrapperID == "" {
			return nil, missing(verb, "wrapper_id")
		}
		if err := d.plane.KillWrapper(req.WrapperID); err != nil {
			return nil, err
		}
		return EmptyReply{}, nil

	case VerbFlip:
		var req FlipRequest
		if err := decode(body, verb, &req); err != nil {
			return nil, err
		}
		if req.WrapperID == "" {
			return nil, missing(verb, "wrapper_id")
		}
		mode, err := flow.ParseMode(req.Mode)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "Dispatcher", verb, "parse mode")
		}
		id, err := d.plane.FlipGate(req.WrapperID, mode).Wait(ctx)
		if err != nil {
			return nil, err
		}
		return WrapperReply{WrapperID: id}, nil

	case VerbList:
		return ListReply{Wrappers: d.plane.Wrappers(), Groups: d.plane.Groups()}, nil

	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Dispatcher", "dispatch",
			fmt.Sprintf("unknown verb %q", verb))
	}
}

// decode accepts an empty body as an empty request.
func decode(body []byte, verb string, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "Dispatcher", verb, "decode request")
	}
	return nil
}

func missing(verb, fields string) error {
	return errors.WrapInvalid(errors.ErrInvalidData, "Dispatcher", verb, fields+" required")
}
