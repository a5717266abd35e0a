package sip

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voip-agent/pkg/media"
	"voip-agent/pkg/metrics"
)

// AgentConfig carries the user-agent tunables resolved at startup.
type AgentConfig struct {
	Host                string
	Port                int
	RingDuration        time.Duration
	RegistrationExpires int
	JitterBufferSize    int
	JitterBufferDelay   time.Duration
}

// AgentStats is a snapshot of the agent's counters.
type AgentStats struct {
	CallsReceived   uint64
	CallsCompleted  uint64
	CallsFailed     uint64
	ActiveCalls     int
	RegisteredUsers int
	Transactions    int
	Registered      bool
}

type ringEvent struct {
	callID string
	epoch  uint64
}

// UserAgent is the SIP endpoint: registrar, callee that auto-answers, and
// caller. One goroutine owns all state; external entry points marshal onto
// the loop through a command channel and return snapshots.
type UserAgent struct {
	logger    *logrus.Logger
	cfg       AgentConfig
	transport Transport
	tm        *TransactionManager
	ports     *media.PortAllocator

	users     map[string]*Registration
	calls     map[string]*Call
	rtpRoutes map[int]string // local RTP port -> Call-ID

	callsReceived  uint64
	callsCompleted uint64
	callsFailed    uint64
	registered     bool

	// onAudio, when set before Start, receives decoded PCM released by
	// the jitter buffer for G.711 streams.
	onAudio func(callID string, pcm []byte)

	ringCh chan ringEvent
	cmdCh  chan func()
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewUserAgent wires an agent over the given transport.
func NewUserAgent(cfg AgentConfig, transport Transport, ports *media.PortAllocator, logger *logrus.Logger) *UserAgent {
	if cfg.RingDuration <= 0 {
		cfg.RingDuration = 2 * time.Second
	}
	if cfg.RegistrationExpires <= 0 {
		cfg.RegistrationExpires = 3600
	}
	ua := &UserAgent{
		logger:    logger,
		cfg:       cfg,
		transport: transport,
		ports:     ports,
		users:     make(map[string]*Registration),
		calls:     make(map[string]*Call),
		rtpRoutes: make(map[int]string),
		ringCh:    make(chan ringEvent, 16),
		cmdCh:     make(chan func()),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	ua.tm = NewTransactionManager(logger, ua.sendMessage, ua.onTransactionTimeout)
	return ua
}

// SetAudioSink installs the decoded-audio callback. Must be called before
// Start.
func (ua *UserAgent) SetAudioSink(fn func(callID string, pcm []byte)) {
	ua.onAudio = fn
}

// Start binds the transport and launches the event loop.
func (ua *UserAgent) Start() error {
	if err := ua.transport.Bind(); err != nil {
		return err
	}
	go ua.run()
	return nil
}

// Stop terminates every active call, shuts the transaction layer down, and
// closes the transport. It blocks until the loop has exited.
func (ua *UserAgent) Stop() {
	select {
	case <-ua.doneCh:
		return
	case ua.stopCh <- struct{}{}:
	}
	<-ua.doneCh
}

func (ua *UserAgent) run() {
	defer close(ua.doneCh)
	for {
		select {
		case in := <-ua.transport.SIPMessages():
			ua.handleDatagram(in)
		case in := <-ua.transport.RTPData():
			ua.handleRTP(in)
		case err := <-ua.transport.Errors():
			ua.logger.WithError(err).Warn("Transport error")
		case ev := <-ua.tm.TimerEvents():
			ua.tm.HandleTimer(ev)
		case ev := <-ua.ringCh:
			ua.handleRingTimer(ev)
		case fn := <-ua.cmdCh:
			fn()
		case <-ua.stopCh:
			ua.shutdown()
			return
		}
	}
}

func (ua *UserAgent) shutdown() {
	for _, call := range ua.calls {
		if call.State == CallEstablished {
			ua.sendBye(call)
		}
		ua.endCall(call, CallTerminated)
	}
	ua.tm.Shutdown()
	if err := ua.transport.Close(); err != nil {
		ua.logger.WithError(err).Warn("Transport close failed")
	}
	ua.logger.Info("User agent stopped")
}

// do runs fn on the agent loop and waits for it. Returns false once the
// agent has stopped.
func (ua *UserAgent) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case ua.cmdCh <- func() { fn(); close(done) }:
	case <-ua.doneCh:
		return false
	}
	select {
	case <-done:
		return true
	case <-ua.doneCh:
		return false
	}
}

// ---- Inbound SIP ----

func (ua *UserAgent) handleDatagram(in InboundSIP) {
	msg, err := ParseMessage(in.Data)
	if err != nil {
		ua.logger.WithError(err).WithField("remote", in.Remote.String()).Debug("Dropping malformed SIP datagram")
		if metrics.IsMetricsEnabled() {
			metrics.SIPParseFailures.Inc()
		}
		return
	}

	if msg.Kind == KindResponse {
		metrics.RecordSIPReceived(fmt.Sprintf("%dxx", msg.StatusCode/100))
		tx, deliver := ua.tm.HandleResponse(msg)
		if deliver {
			ua.handleResponse(tx, msg)
		}
		return
	}

	metrics.RecordSIPReceived(msg.Method)
	ua.logger.WithFields(logrus.Fields{
		"method":  msg.Method,
		"call_id": msg.CallID(),
		"remote":  in.Remote.String(),
	}).Debug("SIP request received")

	// ACK is transaction-less for 2xx and absorbed by the machine for
	// non-2xx finals; it never opens a server transaction.
	if msg.Method == MethodAck {
		ua.tm.HandleAck(msg)
		ua.handleAck(msg)
		return
	}

	tx, retransmission := ua.tm.StartServer(msg, in.Remote)
	if retransmission {
		return
	}

	switch msg.Method {
	case MethodRegister:
		ua.handleRegister(tx, msg)
	case MethodInvite:
		ua.handleInvite(tx, msg)
	case MethodBye, MethodCancel:
		ua.handleByeOrCancel(tx, msg)
	case MethodOptions:
		ua.handleOptions(tx, msg)
	default:
		ua.respond(tx, msg, 501, nil, nil)
	}
}

// respond builds, finalizes, and sends a response on tx. extra headers are
// applied in order; a To-tag is added on final responses if missing.
func (ua *UserAgent) respond(tx *Transaction, req *Message, status int, extra map[string]string, body []byte) {
	resp := NewResponse(req, status, "")
	if status > 100 && resp.ToTag() == "" {
		resp.SetHeader("To", resp.GetHeader("To")+";tag="+GenerateTag())
	}
	for name, value := range extra {
		resp.SetHeader(name, value)
	}
	resp.SetHeader("Content-Length", strconv.Itoa(len(body)))
	resp.Body = body
	ua.tm.Respond(tx, resp)
}

func (ua *UserAgent) handleRegister(tx *Transaction, req *Message) {
	from := req.GetHeader("From")
	contact := req.GetHeader("Contact")
	user := ExtractURIUser(from)
	if from == "" || contact == "" || user == "" {
		ua.respond(tx, req, 400, nil, nil)
		return
	}

	expires := ua.cfg.RegistrationExpires
	if v := req.GetHeader("Expires"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			expires = n
		}
	}

	if expires == 0 {
		delete(ua.users, user)
	} else {
		ua.users[user] = &Registration{
			User:         user,
			Contact:      contact,
			Expires:      expires,
			Remote:       tx.Remote,
			RegisteredAt: time.Now(),
		}
	}
	if metrics.IsMetricsEnabled() {
		metrics.RegisteredUsers.Set(float64(len(ua.users)))
	}

	ua.logger.WithFields(logrus.Fields{
		"user":    user,
		"contact": contact,
		"expires": expires,
	}).Info("Registration updated")

	ua.respond(tx, req, 200, map[string]string{
		"Contact": contact,
		"Expires": strconv.Itoa(expires),
	}, nil)
}

func (ua *UserAgent) handleInvite(tx *Transaction, req *Message) {
	ua.callsReceived++
	if metrics.IsMetricsEnabled() {
		metrics.CallsReceived.Inc()
	}

	if req.GetHeader("From") == "" || req.GetHeader("To") == "" || req.CallID() == "" {
		ua.respond(tx, req, 400, nil, nil)
		return
	}

	callID := req.CallID()
	if existing, ok := ua.calls[callID]; ok {
		ua.logger.WithFields(logrus.Fields{
			"call_id": callID,
			"state":   existing.State.String(),
		}).Warn("INVITE for call already in progress")
		ua.respond(tx, req, 486, nil, nil)
		return
	}

	target := ExtractURIUser(req.GetHeader("To"))
	if _, ok := ua.users[target]; !ok {
		ua.logger.WithFields(logrus.Fields{
			"call_id": callID,
			"target":  target,
		}).Info("INVITE for unknown user")
		ua.respond(tx, req, 404, nil, nil)
		return
	}

	call := &Call{
		ID:         callID,
		State:      CallIncoming,
		Inbound:    true,
		LocalUser:  target,
		RemoteUser: ExtractURIUser(req.GetHeader("From")),
		Remote:     tx.Remote,
		LocalTag:   GenerateTag(),
		RemoteTag:  req.FromTag(),
		Invite:     req,
		CreatedAt:  time.Now(),
	}
	call.inviteTx = tx
	ua.calls[callID] = call
	if metrics.IsMetricsEnabled() {
		metrics.ActiveCalls.Set(float64(len(ua.calls)))
	}

	resp := NewResponse(req, 180, "")
	resp.SetHeader("To", resp.GetHeader("To")+";tag="+call.LocalTag)
	resp.SetHeader("Content-Length", "0")
	ua.tm.Respond(tx, resp)
	call.State = CallRinging

	ua.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"from":    call.RemoteUser,
		"to":      call.LocalUser,
	}).Info("Incoming call ringing")

	epoch := call.ringEpoch
	time.AfterFunc(ua.cfg.RingDuration, func() {
		select {
		case ua.ringCh <- ringEvent{callID: callID, epoch: epoch}:
		default:
		}
	})
}

// handleRingTimer auto-answers a still-ringing incoming call with 200 OK
// and an SDP body. The registered-user check is not repeated.
func (ua *UserAgent) handleRingTimer(ev ringEvent) {
	call, ok := ua.calls[ev.callID]
	if !ok || call.State != CallRinging || call.ringEpoch != ev.epoch || !call.Inbound {
		return
	}

	port, err := ua.ports.Allocate()
	if err != nil {
		ua.logger.WithError(err).WithField("call_id", call.ID).Error("Cannot answer, no RTP ports")
		ua.respond(call.inviteTx, call.Invite, 503, nil, nil)
		ua.endCall(call, CallFailed)
		return
	}
	if err := ua.transport.OpenRTP(port); err != nil {
		ua.logger.WithError(err).WithField("call_id", call.ID).Error("Cannot open RTP socket")
		ua.ports.Release(port)
		ua.respond(call.inviteTx, call.Invite, 503, nil, nil)
		ua.endCall(call, CallFailed)
		return
	}
	call.RTPPort = port
	ua.rtpRoutes[port] = call.ID

	if len(call.Invite.Body) > 0 {
		if remote, err := media.ParseRemoteMedia(call.Invite.Body); err == nil {
			call.RemoteMedia = remote
		} else {
			ua.logger.WithError(err).WithField("call_id", call.ID).Debug("No usable SDP in INVITE")
		}
	}

	body, err := media.BuildSDP(call.LocalUser, ua.cfg.Host, port)
	if err != nil {
		ua.logger.WithError(err).WithField("call_id", call.ID).Error("Cannot build SDP answer")
		ua.respond(call.inviteTx, call.Invite, 500, nil, nil)
		ua.endCall(call, CallFailed)
		return
	}

	call.Session = media.NewSession(media.SessionConfig{
		PayloadType:       media.PayloadTypePCMU,
		LocalPort:         port,
		JitterBufferSize:  ua.cfg.JitterBufferSize,
		JitterBufferDelay: ua.cfg.JitterBufferDelay,
		Logger:            ua.logger,
	})

	resp := NewResponse(call.Invite, 200, "")
	resp.SetHeader("To", resp.GetHeader("To")+";tag="+call.LocalTag)
	resp.SetHeader("Contact", fmt.Sprintf("<sip:%s@%s:%d>", call.LocalUser, ua.cfg.Host, ua.cfg.Port))
	resp.SetHeader("Content-Type", "application/sdp")
	resp.SetHeader("Content-Length", strconv.Itoa(len(body)))
	resp.Body = body
	ua.tm.Respond(call.inviteTx, resp)

	ua.logger.WithFields(logrus.Fields{
		"call_id":  call.ID,
		"rtp_port": port,
	}).Info("Call answered, awaiting ACK")
}

func (ua *UserAgent) handleAck(msg *Message) {
	call, ok := ua.calls[msg.CallID()]
	if !ok {
		return
	}
	if call.State == CallIncoming || call.State == CallRinging {
		call.State = CallEstablished
		call.wasEstablished = true
		call.EstablishedAt = time.Now()
		ua.logger.WithField("call_id", call.ID).Info("Call established")
	}
}

func (ua *UserAgent) handleByeOrCancel(tx *Transaction, req *Message) {
	ua.respond(tx, req, 200, nil, nil)
	call, ok := ua.calls[req.CallID()]
	if !ok {
		return
	}
	ua.logger.WithFields(logrus.Fields{
		"call_id": call.ID,
		"method":  req.Method,
	}).Info("Call terminated by peer")
	ua.endCall(call, CallTerminated)
}

func (ua *UserAgent) handleOptions(tx *Transaction, req *Message) {
	ua.respond(tx, req, 200, map[string]string{
		"Allow":  "INVITE, ACK, BYE, CANCEL, OPTIONS, REGISTER",
		"Accept": "application/sdp",
	}, nil)
}

// ---- Responses to our client transactions ----

func (ua *UserAgent) handleResponse(tx *Transaction, resp *Message) {
	cseq, ok := resp.CSeq()
	if !ok {
		return
	}
	switch cseq.Method {
	case MethodRegister:
		ua.handleRegisterResponse(resp)
	case MethodInvite:
		ua.handleInviteResponse(tx, resp)
	case MethodBye:
		// Nothing left to do, the call ended when we sent the BYE.
	}
}

func (ua *UserAgent) handleRegisterResponse(resp *Message) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		ua.registered = true
		ua.logger.Info("Registration accepted")
	} else if resp.StatusCode >= 300 {
		ua.registered = false
		ua.logger.WithField("status", resp.StatusCode).Warn("Registration rejected")
	}
}

func (ua *UserAgent) handleInviteResponse(tx *Transaction, resp *Message) {
	call, ok := ua.calls[resp.CallID()]
	if !ok {
		return
	}

	switch {
	case resp.StatusCode < 200:
		if call.State == CallOutgoing {
			call.State = CallRinging
			ua.logger.WithField("call_id", call.ID).Info("Remote ringing")
		}

	case resp.StatusCode < 300:
		call.State = CallEstablished
		call.wasEstablished = true
		call.EstablishedAt = time.Now()
		call.RemoteTag = resp.ToTag()

		ua.sendDialogAck(call, resp)

		if len(resp.Body) > 0 {
			if remote, err := media.ParseRemoteMedia(resp.Body); err == nil {
				call.RemoteMedia = remote
			} else {
				ua.logger.WithError(err).WithField("call_id", call.ID).Warn("Unusable SDP in 200 OK")
			}
		}
		call.Session = media.NewSession(media.SessionConfig{
			PayloadType:       media.PayloadTypePCMU,
			LocalPort:         call.RTPPort,
			JitterBufferSize:  ua.cfg.JitterBufferSize,
			JitterBufferDelay: ua.cfg.JitterBufferDelay,
			Logger:            ua.logger,
		})
		ua.logger.WithField("call_id", call.ID).Info("Outbound call established")

	default:
		ua.logger.WithFields(logrus.Fields{
			"call_id": call.ID,
			"status":  resp.StatusCode,
		}).Warn("Outbound call failed")
		ua.endCall(call, CallFailed)
	}
}

// sendDialogAck acknowledges a 2xx INVITE final. Per RFC 3261 §13.2.2.4
// this ACK is a new transaction-less request with its own branch.
func (ua *UserAgent) sendDialogAck(call *Call, resp *Message) {
	target := call.Invite.RequestURI
	if contact := resp.GetHeader("Contact"); contact != "" {
		if uri := contactURI(contact); uri != "" {
			target = uri
		}
	}
	ack := NewRequest(MethodAck, target)
	ack.AddHeader("Via", ua.viaHeader(GenerateBranch()))
	ack.AddHeader("From", resp.GetHeader("From"))
	ack.AddHeader("To", resp.GetHeader("To"))
	ack.AddHeader("Call-ID", call.ID)
	cseq, _ := resp.CSeq()
	ack.AddHeader("CSeq", fmt.Sprintf("%d ACK", cseq.Sequence))
	ack.AddHeader("Max-Forwards", "70")
	ack.AddHeader("Content-Length", "0")
	ua.sendMessage(ack, call.Remote)
}

func (ua *UserAgent) onTransactionTimeout(tx *Transaction, cause error) {
	if tx.Role != RoleClient {
		return
	}
	callID := tx.Request.CallID()
	call, ok := ua.calls[callID]
	if !ok {
		return
	}
	ua.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"method":  tx.Method,
	}).WithError(cause).Warn("Request timed out")
	if tx.Method == MethodInvite && !call.wasEstablished {
		ua.endCall(call, CallFailed)
	}
}

// ---- RTP plane ----

func (ua *UserAgent) handleRTP(in InboundRTP) {
	callID, ok := ua.rtpRoutes[in.LocalPort]
	if !ok {
		metrics.RecordRTPDropped("no_session")
		return
	}
	call, ok := ua.calls[callID]
	if !ok || call.Session == nil || call.State != CallEstablished {
		metrics.RecordRTPDropped("no_session")
		return
	}

	for _, p := range call.Session.ReceivePacket(in.Data) {
		if ua.onAudio == nil {
			continue
		}
		switch p.PayloadType {
		case media.PayloadTypePCMU:
			ua.onAudio(callID, media.DecodeULaw(p.Payload))
		case media.PayloadTypePCMA:
			ua.onAudio(callID, media.DecodeALaw(p.Payload))
		}
	}
}

// ---- Client operations ----

// Register sends a REGISTER for user to the registrar and reports whether
// the request was dispatched. The result arrives asynchronously; Stats
// exposes the registered flag.
func (ua *UserAgent) Register(registrar Addr, user string) bool {
	return ua.do(func() {
		req := NewRequest(MethodRegister, fmt.Sprintf("sip:%s", registrar.Host))
		req.AddHeader("Via", ua.viaHeader(GenerateBranch()))
		req.AddHeader("From", fmt.Sprintf("<sip:%s@%s>;tag=%s", user, registrar.Host, GenerateTag()))
		req.AddHeader("To", fmt.Sprintf("<sip:%s@%s>", user, registrar.Host))
		req.AddHeader("Call-ID", uuid.NewString())
		req.AddHeader("CSeq", "1 REGISTER")
		req.AddHeader("Contact", fmt.Sprintf("<sip:%s@%s:%d>", user, ua.cfg.Host, ua.cfg.Port))
		req.AddHeader("Expires", strconv.Itoa(ua.cfg.RegistrationExpires))
		req.AddHeader("Max-Forwards", "70")
		req.AddHeader("Content-Length", "0")
		ua.tm.StartClient(req, registrar)
	})
}

// Invite places a call from fromUser to toUser at the given peer. The
// returned Call-ID identifies the call in snapshots and Hangup.
func (ua *UserAgent) Invite(peer Addr, fromUser, toUser string) (string, error) {
	var callID string
	var opErr error
	ok := ua.do(func() {
		port, err := ua.ports.Allocate()
		if err != nil {
			opErr = err
			return
		}
		if err := ua.transport.OpenRTP(port); err != nil {
			ua.ports.Release(port)
			opErr = err
			return
		}

		body, err := media.BuildSDP(fromUser, ua.cfg.Host, port)
		if err != nil {
			ua.transport.CloseRTP(port)
			ua.ports.Release(port)
			opErr = err
			return
		}

		callID = uuid.NewString()
		localTag := GenerateTag()

		req := NewRequest(MethodInvite, fmt.Sprintf("sip:%s@%s", toUser, peer.Host))
		req.AddHeader("Via", ua.viaHeader(GenerateBranch()))
		req.AddHeader("From", fmt.Sprintf("<sip:%s@%s>;tag=%s", fromUser, ua.cfg.Host, localTag))
		req.AddHeader("To", fmt.Sprintf("<sip:%s@%s>", toUser, peer.Host))
		req.AddHeader("Call-ID", callID)
		req.AddHeader("CSeq", "1 INVITE")
		req.AddHeader("Contact", fmt.Sprintf("<sip:%s@%s:%d>", fromUser, ua.cfg.Host, ua.cfg.Port))
		req.AddHeader("Content-Type", "application/sdp")
		req.AddHeader("Max-Forwards", "70")
		req.AddHeader("Content-Length", strconv.Itoa(len(body)))
		req.Body = body

		call := &Call{
			ID:         callID,
			State:      CallOutgoing,
			LocalUser:  fromUser,
			RemoteUser: toUser,
			Remote:     peer,
			LocalTag:   localTag,
			CSeq:       1,
			Invite:     req,
			RTPPort:    port,
			CreatedAt:  time.Now(),
		}
		ua.calls[callID] = call
		ua.rtpRoutes[port] = callID
		if metrics.IsMetricsEnabled() {
			metrics.ActiveCalls.Set(float64(len(ua.calls)))
		}

		ua.tm.StartClient(req, peer)
	})
	if !ok {
		return "", ErrTransportClosed
	}
	return callID, opErr
}

// UpdateDynamics applies reloaded runtime settings. In-flight calls keep
// the jitter parameters they were created with; new calls pick these up.
func (ua *UserAgent) UpdateDynamics(ringDuration time.Duration, registrationExpires, jitterBufferSize int, jitterBufferDelay time.Duration) {
	ua.do(func() {
		if ringDuration > 0 {
			ua.cfg.RingDuration = ringDuration
		}
		if registrationExpires > 0 {
			ua.cfg.RegistrationExpires = registrationExpires
		}
		if jitterBufferSize > 0 {
			ua.cfg.JitterBufferSize = jitterBufferSize
		}
		if jitterBufferDelay > 0 {
			ua.cfg.JitterBufferDelay = jitterBufferDelay
		}
	})
}

// Hangup ends a call. Established calls get a BYE; a call still setting up
// is dropped locally.
func (ua *UserAgent) Hangup(callID string) bool {
	return ua.do(func() {
		call, ok := ua.calls[callID]
		if !ok {
			return
		}
		if call.State == CallEstablished {
			ua.sendBye(call)
		}
		ua.endCall(call, CallTerminated)
	})
}

// SendAudio encodes one PCM frame with the call's codec and transmits it
// to the peer's media address.
func (ua *UserAgent) SendAudio(callID string, pcm []byte) error {
	var opErr error
	ok := ua.do(func() {
		call, exists := ua.calls[callID]
		if !exists || call.Session == nil || call.State != CallEstablished {
			opErr = fmt.Errorf("no established call %s", callID)
			return
		}
		if call.RemoteMedia.Host == "" {
			opErr = fmt.Errorf("call %s has no remote media address", callID)
			return
		}

		var encoded []byte
		switch call.Session.PayloadType() {
		case media.PayloadTypePCMA:
			encoded = media.EncodeALaw(pcm)
		default:
			encoded = media.EncodeULaw(pcm)
		}
		packet := call.Session.CreatePacket(encoded, false)
		opErr = ua.transport.SendRTPPacket(call.RTPPort, packet.Serialize(),
			Addr{Host: call.RemoteMedia.Host, Port: call.RemoteMedia.Port})
	})
	if !ok {
		return ErrTransportClosed
	}
	return opErr
}

func (ua *UserAgent) sendBye(call *Call) {
	call.CSeq++
	bye := NewRequest(MethodBye, fmt.Sprintf("sip:%s@%s", call.RemoteUser, call.Remote.Host))
	bye.AddHeader("Via", ua.viaHeader(GenerateBranch()))
	bye.AddHeader("From", fmt.Sprintf("<sip:%s@%s>;tag=%s", call.LocalUser, ua.cfg.Host, call.LocalTag))
	to := fmt.Sprintf("<sip:%s@%s>", call.RemoteUser, call.Remote.Host)
	if call.RemoteTag != "" {
		to += ";tag=" + call.RemoteTag
	}
	bye.AddHeader("To", to)
	bye.AddHeader("Call-ID", call.ID)
	bye.AddHeader("CSeq", fmt.Sprintf("%d BYE", call.CSeq))
	bye.AddHeader("Max-Forwards", "70")
	bye.AddHeader("Content-Length", "0")
	ua.tm.StartClient(bye, call.Remote)
}

// endCall retires a call: counters, media teardown, removal from the
// active set. finalState must be CallTerminated or CallFailed.
func (ua *UserAgent) endCall(call *Call, finalState CallState) {
	if call.State == CallTerminated || call.State == CallFailed {
		return
	}
	call.State = finalState
	call.ringEpoch++

	if call.wasEstablished {
		ua.callsCompleted++
		if metrics.IsMetricsEnabled() {
			metrics.CallsCompleted.Inc()
		}
	} else {
		ua.callsFailed++
		if metrics.IsMetricsEnabled() {
			metrics.CallsFailed.Inc()
		}
	}

	if call.RTPPort != 0 {
		ua.transport.CloseRTP(call.RTPPort)
		ua.ports.Release(call.RTPPort)
		delete(ua.rtpRoutes, call.RTPPort)
	}
	if call.Session != nil {
		call.Session.Flush()
	}

	delete(ua.calls, call.ID)
	if metrics.IsMetricsEnabled() {
		metrics.ActiveCalls.Set(float64(len(ua.calls)))
	}
}

// ---- Snapshots ----

// Stats returns the agent counters.
func (ua *UserAgent) Stats() AgentStats {
	var stats AgentStats
	ua.do(func() {
		stats = AgentStats{
			CallsReceived:   ua.callsReceived,
			CallsCompleted:  ua.callsCompleted,
			CallsFailed:     ua.callsFailed,
			ActiveCalls:     len(ua.calls),
			RegisteredUsers: len(ua.users),
			Transactions:    ua.tm.Count(),
			Registered:      ua.registered,
		}
	})
	return stats
}

// RegisteredUsers returns a copy of the user table.
func (ua *UserAgent) RegisteredUsers() []Registration {
	var out []Registration
	ua.do(func() {
		for _, reg := range ua.users {
			out = append(out, *reg)
		}
	})
	return out
}

// ActiveCalls returns snapshots of every call in the active set.
func (ua *UserAgent) ActiveCalls() []CallSnapshot {
	var out []CallSnapshot
	ua.do(func() {
		for _, call := range ua.calls {
			out = append(out, call.snapshot())
		}
	})
	return out
}

// ---- Wire helpers ----

func (ua *UserAgent) viaHeader(branch string) string {
	return fmt.Sprintf("SIP/2.0/UDP %s:%d;branch=%s", ua.cfg.Host, ua.cfg.Port, branch)
}

// sendMessage serializes and transmits msg; the transaction layer and the
// dialog helpers both funnel through here.
func (ua *UserAgent) sendMessage(msg *Message, remote Addr) {
	if msg.Kind == KindRequest {
		metrics.RecordSIPSent(msg.Method)
	} else {
		metrics.RecordSIPSent(fmt.Sprintf("%dxx", msg.StatusCode/100))
	}
	if err := ua.transport.SendSIPMessage(msg.Serialize(), remote); err != nil {
		ua.logger.WithError(err).WithField("remote", remote.String()).Warn("SIP send failed")
	}
}

// contactURI strips the angle brackets and parameters off a Contact header.
func contactURI(contact string) string {
	s := contact
	if i := strings.Index(s, "<"); i >= 0 {
		s = s[i+1:]
		if j := strings.Index(s, ">"); j >= 0 {
			return s[:j]
		}
		return ""
	}
	if i := strings.Index(s, ";"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
