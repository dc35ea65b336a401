package sip

import (
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// CallState represents the lifecycle state of a call.
type CallState string

const (
	CallStateRinging CallState = "ringing"
	CallStateActive  CallState = "active"
	CallStateEnded   CallState = "ended"
)

// Call is one inbound call leg. It is created on INVITE and lives until
// BYE (either direction), rejection, or media timeout. Call IDs are never
// reused; a new INVITE always yields a new Call.
type Call struct {
	// ID is our own identifier for the call (UUID), distinct from the SIP
	// Call-ID chosen by the caller.
	ID        string
	SIPCallID string
	RemoteURI string
	RemoteIP  string
	StartTime time.Time

	mu        sync.Mutex
	state     CallState
	codec     Codec
	rtp       *rtpSession
	pair      *SocketPair
	endReason string

	// Dialog state needed to build the in-dialog BYE.
	inviteReq *sip.Request
	inviteTx  sip.ServerTransaction
	offer     *SessionDescription
	localTag  string
	localCSeq uint32

	endOnce sync.Once
}

// State returns the current lifecycle state.
func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Codec returns the negotiated codec. Only meaningful once the call is
// active.
func (c *Call) Codec() Codec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec
}

// EndReason reports why the call ended ("remote-bye", "hangup", "rejected",
// "rtp-timeout", "shutdown"). Empty while the call is live.
func (c *Call) EndReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endReason
}

// Stats returns RTP counters for the call, or zeroes before media starts.
func (c *Call) Stats() RTPStats {
	c.mu.Lock()
	rtp := c.rtp
	c.mu.Unlock()
	if rtp == nil {
		return RTPStats{}
	}
	return rtp.stats()
}

// SendAudio transmits linear PCM at the negotiated rate toward the caller.
// It is a no-op unless the call is active.
func (c *Call) SendAudio(pcm []int16) error {
	c.mu.Lock()
	rtp := c.rtp
	state := c.state
	c.mu.Unlock()
	if state != CallStateActive || rtp == nil {
		return nil
	}
	return rtp.SendAudio(pcm)
}
