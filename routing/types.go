package routing

import (
	"github.com/google/uuid"

	"github.com/c360/streamswitch/flow"
)

// WrapperID identifies a Wrapper.
type WrapperID string

// AttachmentID identifies an Attachment within its Group. Ids are never
// reused.
type AttachmentID string

// GroupID identifies a Group. It is the group's name.
type GroupID string

func newWrapperID() WrapperID {
	return WrapperID(uuid.NewString())
}

func newAttachmentID() AttachmentID {
	return AttachmentID(uuid.NewString())
}

// State is a wrapper's lifecycle flag.
type State int

const (
	// Live wrappers accept gate flips and attachment.
	Live State = iota
	// Terminated wrappers have stopped their producer for good.
	Terminated
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case Live:
		return "live"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Attachment records one live link from a Wrapper into a Group.
type Attachment struct {
	id      AttachmentID
	wrapper *Wrapper
	group   *Group
	link    *flow.Link
}

// ID returns the attachment id.
func (a *Attachment) ID() AttachmentID {
	return a.id
}

// Wrapper returns the attached wrapper.
func (a *Attachment) Wrapper() *Wrapper {
	return a.wrapper
}

// Group returns the group holding the attachment.
func (a *Attachment) Group() *Group {
	return a.group
}

// Link returns the disconnect handle created for this attachment.
func (a *Attachment) Link() *flow.Link {
	return a.link
}

// WrapperInfo is a point-in-time view of a Wrapper.
type WrapperInfo struct {
	ID           WrapperID    `json:"id"`
	Name         string       `json:"name"`
	State        string       `json:"state"`
	Gate         string       `json:"gate"`
	Running      bool         `json:"running"`
	AttachmentID AttachmentID `json:"attachment_id,omitempty"`
	Group        GroupID      `json:"group,omitempty"`
}

// GroupInfo is a point-in-time view of a Group.
type GroupInfo struct {
	ID          GroupID        `json:"id"`
	Attachments []AttachmentID `json:"attachments"`
}
