package sip

import (
	"fmt"
	"time"

	"voip-agent/pkg/media"
)

// CallState tracks a call through its life.
type CallState int

const (
	CallIncoming CallState = iota
	CallOutgoing
	CallRinging
	CallEstablished
	CallTerminated
	CallFailed
)

func (s CallState) String() string {
	switch s {
	case CallIncoming:
		return "incoming"
	case CallOutgoing:
		return "outgoing"
	case CallRinging:
		return "ringing"
	case CallEstablished:
		return "established"
	case CallTerminated:
		return "terminated"
	case CallFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Call is one dialog, inbound or outbound, keyed by Call-ID. Owned by the
// user-agent loop; snapshots leave the loop, Calls never do.
type Call struct {
	ID         string
	State      CallState
	Inbound    bool
	LocalUser  string
	RemoteUser string
	Remote     Addr

	LocalTag  string
	RemoteTag string
	CSeq      uint32

	Invite      *Message // the INVITE that opened the dialog
	Session     *media.Session
	RemoteMedia media.RemoteMedia
	RTPPort     int

	CreatedAt      time.Time
	EstablishedAt  time.Time
	wasEstablished bool

	ringEpoch uint64       // invalidates pending auto-answer timers
	inviteTx  *Transaction // server transaction awaiting the final answer
}

// CallSnapshot is the externally visible copy of a call.
type CallSnapshot struct {
	ID            string
	State         CallState
	Inbound       bool
	LocalUser     string
	RemoteUser    string
	Remote        Addr
	RTPPort       int
	CreatedAt     time.Time
	EstablishedAt time.Time
}

func (c *Call) snapshot() CallSnapshot {
	return CallSnapshot{
		ID:            c.ID,
		State:         c.State,
		Inbound:       c.Inbound,
		LocalUser:     c.LocalUser,
		RemoteUser:    c.RemoteUser,
		Remote:        c.Remote,
		RTPPort:       c.RTPPort,
		CreatedAt:     c.CreatedAt,
		EstablishedAt: c.EstablishedAt,
	}
}

// Registration is one row of the registrar's user table.
type Registration struct {
	User         string
	Contact      string
	Expires      int
	Remote       Addr
	RegisteredAt time.Time
}
