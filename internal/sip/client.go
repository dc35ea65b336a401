package sip

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/shkvoice/shkvoice/internal/config"
)

// RegistrationStatus represents the registration state with the provider.
type RegistrationStatus string

const (
	StatusRegistered   RegistrationStatus = "registered"
	StatusRegistering  RegistrationStatus = "registering"
	StatusFailed       RegistrationStatus = "failed"
	StatusUnregistered RegistrationStatus = "unregistered"
)

const (
	// registerExpiry is the expiry we request; the registrar may shorten it.
	registerExpiry = 300

	// registerBackoffBase and registerBackoffMax bound the retry delay for
	// failed registrations. Retries continue indefinitely.
	registerBackoffBase = 1 * time.Second
	registerBackoffMax  = 30 * time.Second

	// rtpInactivityTimeout ends a call whose media stream has gone silent,
	// typically a caller who vanished mid-call behind a NAT.
	rtpInactivityTimeout = 30 * time.Second
	watchdogInterval     = 5 * time.Second
)

// RegistrationState is a snapshot of the provider registration.
type RegistrationState struct {
	Status       RegistrationStatus `json:"status"`
	LastError    string             `json:"last_error,omitempty"`
	RetryAttempt int                `json:"retry_attempt,omitempty"`
	RegisteredAt *time.Time         `json:"registered_at,omitempty"`
	ExpiresAt    *time.Time         `json:"expires_at,omitempty"`
}

// Client is the SIP endpoint: it registers with the upstream provider,
// answers inbound INVITEs, and owns the media leg of each call.
//
// OnIncoming runs synchronously from the INVITE handler before any final
// response is sent; the callback must call Accept or Reject. If it does
// neither the call is rejected with 480.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	pool   *PortPool

	// OnIncoming is invoked for each admitted INVITE. OnEnded fires exactly
	// once per call, for any termination path.
	OnIncoming func(call *Call)
	OnEnded    func(call *Call, reason string)

	regMu sync.RWMutex
	reg   RegistrationState

	callsMu sync.Mutex
	calls   map[string]*Call // keyed by SIP Call-ID

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient builds the SIP stack. Listeners and registration start with
// Start.
func NewClient(cfg *config.Config, pool *PortPool, logger *slog.Logger) (*Client, error) {
	l := logger.With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("shkvoice"),
		sipgo.WithUserAgentHostname(cfg.MediaIP()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(l))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(l))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		logger: l,
		ua:     ua,
		srv:    srv,
		client: client,
		pool:   pool,
		reg:    RegistrationState{Status: StatusUnregistered},
		calls:  make(map[string]*Call),
	}

	srv.OnInvite(c.handleInvite)
	srv.OnBye(c.handleBye)
	srv.OnAck(c.handleAck)
	srv.OnOptions(c.handleOptions)

	return c, nil
}

// Start launches the UDP listener and the registration loop. It returns
// immediately; use Stop to shut down.
func (c *Client) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", c.cfg.SIPPort)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.logger.Info("sip udp listener starting", "addr", addr)
		if err := c.srv.ListenAndServe(ctx, "udp", addr); err != nil && ctx.Err() == nil {
			c.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.registrationLoop(ctx)
	}()

	return nil
}

// Stop hangs up any live calls, un-registers, and shuts the stack down.
func (c *Client) Stop() {
	c.logger.Info("stopping sip client")

	c.callsMu.Lock()
	live := make([]*Call, 0, len(c.calls))
	for _, call := range c.calls {
		live = append(live, call)
	}
	c.callsMu.Unlock()
	for _, call := range live {
		c.endCall(call, "shutdown", true)
	}

	if c.Registration().Status == StatusRegistered {
		unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := c.sendRegister(unregCtx, 0); err != nil {
			c.logger.Warn("failed to un-register", "error", err)
		}
		cancel()
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.client.Close()
	c.srv.Close()
	c.ua.Close()
	c.logger.Info("sip client stopped")
}

// Registration returns the current registration snapshot.
func (c *Client) Registration() RegistrationState {
	c.regMu.RLock()
	defer c.regMu.RUnlock()
	return c.reg
}

// registrationLoop keeps the provider registration alive: initial register,
// re-register at 80% of the granted expiry, and exponential backoff with
// jitter on failure. Retries never give up; the provider being down is a
// transient condition, not a fatal one.
func (c *Client) registrationLoop(ctx context.Context) {
	c.logger.Info("starting registration",
		"server", c.cfg.SIPServer,
		"port", c.cfg.SIPPort,
		"user", c.cfg.SIPUser,
		"expiry", registerExpiry,
	)

	c.setRegStatus(StatusRegistering, "", 0)
	backoff := newBackoff()

	for {
		granted, err := c.sendRegister(ctx, registerExpiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			retryDelay := backoff.next()
			c.logger.Error("registration failed",
				"error", err,
				"attempt", backoff.attempt,
				"retry_in", retryDelay.String(),
			)
			c.setRegStatus(StatusFailed, err.Error(), backoff.attempt)

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		backoff.reset()
		now := time.Now()
		expiresAt := now.Add(time.Duration(granted) * time.Second)
		c.regMu.Lock()
		c.reg = RegistrationState{
			Status:       StatusRegistered,
			RegisteredAt: &now,
			ExpiresAt:    &expiresAt,
		}
		c.regMu.Unlock()
		c.logger.Info("registered", "expires_in", granted)

		// Refresh at 80% of the granted expiry to absorb network delays.
		refresh := time.Duration(float64(granted)*0.8) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
			c.logger.Debug("re-registering")
		}
	}
}

func (c *Client) setRegStatus(status RegistrationStatus, lastErr string, attempt int) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	c.reg.Status = status
	c.reg.LastError = lastErr
	c.reg.RetryAttempt = attempt
	if status != StatusRegistered {
		c.reg.RegisteredAt = nil
		c.reg.ExpiresAt = nil
	}
}

// sendRegister sends a REGISTER (expiry 0 un-registers) with digest auth
// handling. On success it returns the server-granted expiry.
func (c *Client) sendRegister(ctx context.Context, expiry int) (int, error) {
	recipientStr := fmt.Sprintf("sip:%s:%d", c.cfg.SIPServer, c.cfg.SIPPort)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport("UDP")

	aor := fmt.Sprintf("<sip:%s@%s>", c.cfg.SIPUser, c.cfg.SIPServer)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", c.cfg.SIPUser, c.ua.Hostname())))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := c.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = c.resendWithAuth(ctx, req, res, recipientStr)
		if err != nil {
			return 0, err
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	// The registrar may shorten the requested expiry (RFC 3261 §10.2.4):
	// Contact expires param wins, then the Expires header.
	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			granted = parsed
		}
	}
	return granted, nil
}

// resendWithAuth answers a 401/407 challenge with a digest-authenticated
// copy of the original request.
func (c *Client) resendWithAuth(ctx context.Context, req *sip.Request, res *sip.Response, uri string) (*sip.Response, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	challenge := res.GetHeader(authHeader)
	if challenge == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: c.cfg.SIPUser,
		Password: c.cfg.SIPPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := c.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, fmt.Errorf("sending authenticated request: %w", err)
	}
	defer tx.Terminate()

	return getResponse(ctx, tx)
}

// handleInvite answers a new inbound call: 100 Trying immediately, then the
// OnIncoming callback decides the final response.
func (c *Client) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	callerURI := req.From().Address.String()

	c.logger.Info("invite received",
		"call_id", callID,
		"from", callerURI,
		"source", req.Source(),
	)

	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		c.logger.Error("failed to send 100 trying", "error", err)
		return
	}

	offer, err := ParseSDP(req.Body())
	if err != nil {
		c.logger.Warn("invite with unparseable sdp", "call_id", callID, "error", err)
		c.respondError(req, tx, 488, "Not Acceptable Here")
		return
	}

	cseq := uint32(1)
	if cs := req.CSeq(); cs != nil {
		cseq = cs.SeqNo
	}

	call := &Call{
		ID:        uuid.NewString(),
		SIPCallID: callID,
		RemoteURI: callerURI,
		RemoteIP:  req.Source(),
		StartTime: time.Now(),
		state:     CallStateRinging,
		inviteReq: req,
		inviteTx:  tx,
		offer:     offer,
		localTag:  sip.GenerateTagN(10),
		localCSeq: cseq + 1,
	}

	c.callsMu.Lock()
	c.calls[callID] = call
	c.callsMu.Unlock()

	if c.OnIncoming != nil {
		c.OnIncoming(call)
	}

	// A callback that neither accepted nor rejected leaves the caller
	// hanging; close the transaction cleanly.
	if call.State() == CallStateRinging {
		c.Reject(call, 480, "Temporarily Unavailable")
	}
}

// Accept negotiates media, sends the 200 OK answer, and starts the RTP
// session. Decoded caller audio is delivered to onAudio, one frame per
// packet, at the negotiated 8 kHz rate.
func (c *Client) Accept(call *Call, onAudio func(pcm []int16)) error {
	call.mu.Lock()
	if call.state != CallStateRinging {
		call.mu.Unlock()
		return fmt.Errorf("call %s is %s, not ringing", call.ID, call.state)
	}
	req, tx, offer := call.inviteReq, call.inviteTx, call.offer
	call.mu.Unlock()

	codec, err := NegotiateCodec(offer)
	if err != nil {
		c.respondError(req, tx, 488, "Not Acceptable Here")
		c.endCall(call, "rejected", false)
		return fmt.Errorf("negotiating codec: %w", err)
	}

	remoteAddr, err := remoteMediaAddr(offer)
	if err != nil {
		c.respondError(req, tx, 488, "Not Acceptable Here")
		c.endCall(call, "rejected", false)
		return fmt.Errorf("resolving remote media address: %w", err)
	}

	pair, err := c.pool.Allocate()
	if err != nil {
		c.respondError(req, tx, 503, "Service Unavailable")
		c.endCall(call, "rejected", false)
		return fmt.Errorf("allocating rtp ports: %w", err)
	}

	answer := BuildAnswer(codec, c.cfg.MediaIP(), pair.Ports.RTP)
	res := sip.NewResponseFromRequest(req, 200, "OK", answer.Marshal())
	if to := res.To(); to != nil {
		to.Params.Add("tag", call.localTag)
	}
	res.AppendHeader(sip.NewHeader("Contact",
		fmt.Sprintf("<sip:%s@%s:%d>", c.cfg.SIPUser, c.cfg.MediaIP(), c.cfg.SIPPort)))
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	if err := tx.Respond(res); err != nil {
		c.pool.Release(pair)
		c.endCall(call, "rejected", false)
		return fmt.Errorf("sending 200 ok: %w", err)
	}

	rtp := newRTPSession(pair, codec, remoteAddr, onAudio, c.logger.With("call_id", call.ID))

	call.mu.Lock()
	call.state = CallStateActive
	call.codec = codec
	call.pair = pair
	call.rtp = rtp
	call.mu.Unlock()

	rtp.start()
	c.wg.Add(1)
	go c.watchdog(call)

	c.logger.Info("call accepted",
		"call_id", call.SIPCallID,
		"codec", codec.Name,
		"rtp_port", pair.Ports.RTP,
		"remote_media", remoteAddr.String(),
	)
	return nil
}

// Reject sends a final negative response to a ringing call.
func (c *Client) Reject(call *Call, status int, reason string) error {
	call.mu.Lock()
	if call.state != CallStateRinging {
		call.mu.Unlock()
		return fmt.Errorf("call %s is %s, not ringing", call.ID, call.state)
	}
	req, tx := call.inviteReq, call.inviteTx
	call.mu.Unlock()

	c.respondError(req, tx, status, reason)
	c.endCall(call, "rejected", false)
	c.logger.Info("call rejected",
		"call_id", call.SIPCallID,
		"status", status,
		"reason", reason,
	)
	return nil
}

// Hangup ends an active call from our side with a BYE.
func (c *Client) Hangup(call *Call) error {
	if call.State() != CallStateActive {
		return fmt.Errorf("call %s is not active", call.ID)
	}
	c.endCall(call, "hangup", true)
	return nil
}

// watchdog ends the call when the caller's media stream has been silent for
// longer than rtpInactivityTimeout.
func (c *Client) watchdog(call *Call) {
	defer c.wg.Done()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for range ticker.C {
		call.mu.Lock()
		state, rtp := call.state, call.rtp
		call.mu.Unlock()

		if state != CallStateActive || rtp == nil {
			return
		}
		if idle := rtp.idleFor(); idle > rtpInactivityTimeout {
			c.logger.Warn("rtp inactivity, ending call",
				"call_id", call.SIPCallID,
				"idle", idle.String(),
			)
			c.endCall(call, "rtp-timeout", true)
			return
		}
	}
}

// endCall is the single teardown path: it transitions the call to ended,
// stops media, optionally sends a BYE, and fires OnEnded exactly once.
func (c *Client) endCall(call *Call, reason string, sendBye bool) {
	call.endOnce.Do(func() {
		call.mu.Lock()
		wasActive := call.state == CallStateActive
		call.state = CallStateEnded
		call.endReason = reason
		rtp, pair := call.rtp, call.pair
		call.rtp, call.pair = nil, nil
		call.mu.Unlock()

		if rtp != nil {
			rtp.stop()
		}
		if pair != nil {
			c.pool.Release(pair)
		}

		if sendBye && wasActive {
			if err := c.sendBye(call); err != nil {
				c.logger.Warn("failed to send bye", "call_id", call.SIPCallID, "error", err)
			}
		}

		c.callsMu.Lock()
		delete(c.calls, call.SIPCallID)
		c.callsMu.Unlock()

		c.logger.Info("call ended",
			"call_id", call.SIPCallID,
			"reason", reason,
			"duration", time.Since(call.StartTime).Round(time.Second).String(),
		)

		if c.OnEnded != nil {
			c.OnEnded(call, reason)
		}
	})
}

// sendBye builds the in-dialog BYE by hand: dialog identifiers come from
// the original INVITE with the From/To roles swapped, since we are the
// callee ending the call.
func (c *Client) sendBye(call *Call) error {
	req := call.inviteReq

	// Prefer the caller's Contact as the request target, falling back to
	// the From URI.
	target := req.From().Address
	if contactHdr := req.GetHeader("Contact"); contactHdr != nil {
		if uri := parseContactURI(contactHdr.Value()); uri != nil {
			target = *uri
		}
	}

	bye := sip.NewRequest(sip.BYE, target)
	bye.SetTransport("UDP")
	bye.SetDestination(req.Source())

	from := &sip.FromHeader{Address: req.To().Address, Params: sip.NewParams()}
	from.Params.Add("tag", call.localTag)
	bye.AppendHeader(from)

	to := &sip.ToHeader{Address: req.From().Address, Params: sip.NewParams()}
	if remoteTag, ok := req.From().Params.Get("tag"); ok {
		to.Params.Add("tag", remoteTag)
	}
	bye.AppendHeader(to)

	callID := sip.CallIDHeader(call.SIPCallID)
	bye.AppendHeader(&callID)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: call.localCSeq, MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := c.client.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	if res.StatusCode != 200 {
		return fmt.Errorf("bye answered with status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// handleBye processes a caller hangup.
func (c *Client) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		c.logger.Error("failed to respond to bye", "error", err)
	}

	c.callsMu.Lock()
	call, ok := c.calls[callID]
	c.callsMu.Unlock()
	if !ok {
		c.logger.Debug("bye for unknown call", "call_id", callID)
		return
	}

	c.endCall(call, "remote-bye", false)
}

// handleAck confirms the dialog after our 200 OK. Media is already running
// by then; nothing further to do.
func (c *Client) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	c.logger.Debug("ack received", "call_id", callID, "source", req.Source())
}

// handleOptions answers keepalive pings from the provider.
func (c *Client) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		c.logger.Error("failed to respond to options", "error", err)
	}
}

// respondError sends a final error response on a server transaction.
func (c *Client) respondError(req *sip.Request, tx sip.ServerTransaction, status int, reason string) {
	res := sip.NewResponseFromRequest(req, status, reason, nil)
	if to := res.To(); to != nil {
		if _, has := to.Params.Get("tag"); !has {
			to.Params.Add("tag", sip.GenerateTagN(10))
		}
	}
	if err := tx.Respond(res); err != nil {
		c.logger.Error("failed to send error response",
			"status", status,
			"error", err,
		)
	}
}

// remoteMediaAddr resolves the RTP destination from the SDP offer: the
// session or media connection address plus the audio media port.
func remoteMediaAddr(offer *SessionDescription) (*net.UDPAddr, error) {
	media := offer.AudioMedia()
	if media == nil {
		return nil, fmt.Errorf("offer has no audio media section")
	}

	host := ""
	if media.Connection != nil {
		host = media.Connection.Address
	} else if offer.Connection != nil {
		host = offer.Connection.Address
	}
	if host == "" {
		return nil, fmt.Errorf("offer has no connection address")
	}

	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.LookupIP(host)
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("resolving media host %q: %w", host, err)
		}
		ip = addrs[0]
	}

	return &net.UDPAddr{IP: ip, Port: media.Port}, nil
}

// parseContactURI extracts the URI from a Contact header value like
// "Name" <sip:user@host:port>;params. Returns nil if unparseable.
func parseContactURI(value string) *sip.Uri {
	s := value
	if i := strings.Index(s, "<"); i >= 0 {
		s = s[i+1:]
		if j := strings.Index(s, ">"); j >= 0 {
			s = s[:j]
		}
	} else if i := strings.Index(s, ";"); i >= 0 {
		s = s[:i]
	}

	var uri sip.Uri
	if err := sip.ParseUri(strings.TrimSpace(s), &uri); err != nil {
		return nil
	}
	return &uri
}

// getResponse waits for the first response from a SIP client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// parseContactExpires extracts the expires parameter from a Contact header
// value like <sip:user@host>;expires=3600. Returns 0 if absent.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value. Returns 0 on failure.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

// backoff implements exponential backoff with jitter for registration
// retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: registerBackoffBase,
		maxDelay:  registerBackoffMax,
	}
}

func (b *backoff) next() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	b.attempt++

	// ±20% jitter to avoid retry storms against a recovering provider.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
