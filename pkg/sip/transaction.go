package sip

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voip-agent/pkg/metrics"
)

// RFC 3261 magic cookie marking a branch token as 3261-compliant.
const BranchMagicCookie = "z9hG4bK"

// Timer durations. T1 is the RTT estimate, T2 the retransmit ceiling.
const (
	TimerT1       = 500 * time.Millisecond
	TimerT2       = 4 * time.Second
	TimerBTimeout = 32 * time.Second // client transaction timeout (B and F)
	TimerDWait    = 32 * time.Second // absorb 3xx-6xx retransmissions, client INVITE
	TimerHTimeout = 32 * time.Second // server INVITE waiting for ACK
	TimerIWait    = 32 * time.Second // absorb ACK retransmissions, server INVITE
	TimerKClient  = 5 * time.Second  // client non-INVITE completed linger
	TimerKServer  = 32 * time.Second // server non-INVITE completed linger

	// MaxRetransmits bounds retransmissions independently of the 32 s
	// timers; whichever trips first times the transaction out.
	MaxRetransmits = 10
)

// Timeout causes surfaced on the transaction timeout event.
var (
	ErrTransactionTimeout        = errors.New("transaction timeout")
	ErrTransactionMaxRetransmits = errors.New("transaction retransmit limit reached")
)

// TxRole says which side of the exchange the transaction represents.
type TxRole int

const (
	RoleClient TxRole = iota
	RoleServer
)

// TxState is the transaction state per the RFC 3261 machines.
type TxState int

const (
	StateCalling TxState = iota // client INVITE, initial
	StateTrying                 // non-INVITE, initial
	StateProceeding
	StateCompleted
	StateConfirmed // server INVITE only
	StateTerminated
)

func (s TxState) String() string {
	switch s {
	case StateCalling:
		return "calling"
	case StateTrying:
		return "trying"
	case StateProceeding:
		return "proceeding"
	case StateCompleted:
		return "completed"
	case StateConfirmed:
		return "confirmed"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type timerID int

const (
	timerA timerID = iota // client request retransmit
	timerB                // client INVITE timeout
	timerD                // client INVITE completed linger
	timerF                // client non-INVITE timeout
	timerG                // server INVITE final-response retransmit
	timerH                // server INVITE ACK timeout
	timerI                // server INVITE confirmed linger
	timerK                // non-INVITE completed linger
)

func (id timerID) String() string {
	return [...]string{"A", "B", "D", "F", "G", "H", "I", "K"}[id]
}

// TimerEvent is posted by an expired timer into the owner's event loop.
// Stale epochs (a transaction terminated or re-armed since) are ignored.
type TimerEvent struct {
	Key   string
	ID    timerID
	Epoch uint64
}

// Transaction is one client or server transaction.
type Transaction struct {
	Key    string
	Branch string
	Method string
	Role   TxRole
	State  TxState

	Request      *Message // originating request, kept for retransmits and ACK
	LastResponse *Message // last response sent (server role)
	Remote       Addr

	retransmits int
	interval    time.Duration
	epoch       uint64
	timers      map[timerID]*time.Timer
}

// IsInvite reports whether the transaction originates from an INVITE.
func (tx *Transaction) IsInvite() bool { return tx.Method == MethodInvite }

// GenerateBranch returns a fresh branch token: the magic cookie plus a
// random suffix from an unambiguous alphabet.
func GenerateBranch() string {
	return BranchMagicCookie + randomToken(10)
}

// GenerateTag returns a random dialog tag.
func GenerateTag() string {
	return randomToken(8)
}

const tokenAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken.
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(buf)
}

// TransactionKey derives the matching key from a request or response:
// branch, Call-ID, CSeq sequence, and the From header. Requests and the
// responses they elicit produce the same key.
func TransactionKey(m *Message) string {
	branch := ExtractBranch(m.GetHeader("Via"))
	seq := uint32(0)
	if cseq, ok := m.CSeq(); ok {
		seq = cseq.Sequence
	}
	return fmt.Sprintf("%s|%s|%d|%s", branch, m.CallID(), seq, m.GetHeader("From"))
}

// TransactionManager owns the transaction table and timers. State-changing
// entry points must be called from the owning event loop; timer expiry is
// delivered through TimerEvents and fed back via HandleTimer from that
// same loop, so a cancelled timer can never act.
type TransactionManager struct {
	logger *logrus.Logger

	mu           sync.Mutex
	transactions map[string]*Transaction

	timerCh chan TimerEvent

	// send transmits a message on the signaling transport.
	send func(msg *Message, remote Addr)
	// onTimeout fires when a transaction times out (timer B/F/H or the
	// retransmit bound); the transaction is already terminated.
	onTimeout func(tx *Transaction, cause error)
}

// NewTransactionManager builds an empty manager. send must be non-nil;
// onTimeout may be nil.
func NewTransactionManager(logger *logrus.Logger, send func(msg *Message, remote Addr), onTimeout func(tx *Transaction, cause error)) *TransactionManager {
	return &TransactionManager{
		logger:       logger,
		transactions: make(map[string]*Transaction),
		timerCh:      make(chan TimerEvent, 128),
		send:         send,
		onTimeout:    onTimeout,
	}
}

// TimerEvents is the stream the owning loop must select on.
func (tm *TransactionManager) TimerEvents() <-chan TimerEvent { return tm.timerCh }

// Count returns the number of live transactions.
func (tm *TransactionManager) Count() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.transactions)
}

// Lookup returns the transaction under key, if any.
func (tm *TransactionManager) Lookup(key string) *Transaction {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.transactions[key]
}

// StartClient creates a client transaction for req, sends it, and arms the
// role's timers. The caller has already set the Via branch.
func (tm *TransactionManager) StartClient(req *Message, remote Addr) *Transaction {
	tx := &Transaction{
		Key:     TransactionKey(req),
		Branch:  ExtractBranch(req.GetHeader("Via")),
		Method:  req.Method,
		Role:    RoleClient,
		Request: req,
		Remote:  remote,
		timers:  make(map[timerID]*time.Timer),
	}
	if tx.IsInvite() {
		tx.State = StateCalling
	} else {
		tx.State = StateTrying
	}

	tm.mu.Lock()
	tm.transactions[tx.Key] = tx
	tm.mu.Unlock()

	tm.send(req, remote)

	tx.interval = TimerT1
	tm.arm(tx, timerA, tx.interval)
	if tx.IsInvite() {
		tm.arm(tx, timerB, TimerBTimeout)
	} else {
		tm.arm(tx, timerF, TimerBTimeout)
	}

	tm.logger.WithFields(logrus.Fields{
		"branch": tx.Branch,
		"method": tx.Method,
		"remote": remote.String(),
	}).Debug("Client transaction started")
	return tx
}

// StartServer creates a server transaction for an incoming request, or
// reports a retransmission of one already in progress. Retransmitted
// requests get the last response replayed and are not dispatched again.
func (tm *TransactionManager) StartServer(req *Message, remote Addr) (tx *Transaction, retransmission bool) {
	key := TransactionKey(req)

	tm.mu.Lock()
	if existing, ok := tm.transactions[key]; ok && existing.Method == req.Method {
		tm.mu.Unlock()
		if existing.LastResponse != nil {
			if metrics.IsMetricsEnabled() {
				metrics.TransactionRetransmits.Inc()
			}
			tm.send(existing.LastResponse, existing.Remote)
		}
		return existing, true
	}
	tx = &Transaction{
		Key:     key,
		Branch:  ExtractBranch(req.GetHeader("Via")),
		Method:  req.Method,
		Role:    RoleServer,
		Request: req,
		Remote:  remote,
		timers:  make(map[timerID]*time.Timer),
	}
	if tx.IsInvite() {
		tx.State = StateProceeding
	} else {
		tx.State = StateTrying
	}
	tm.transactions[key] = tx
	tm.mu.Unlock()

	return tx, false
}

// Respond sends resp on the server transaction and drives its machine.
func (tm *TransactionManager) Respond(tx *Transaction, resp *Message) {
	if tx.State == StateTerminated {
		return
	}
	tx.LastResponse = resp
	tm.send(resp, tx.Remote)

	final := resp.StatusCode >= 200
	if !final {
		if !tx.IsInvite() && tx.State == StateTrying {
			tx.State = StateProceeding
		}
		return
	}

	if tx.IsInvite() {
		if resp.StatusCode < 300 {
			// 2xx ownership moves to the dialog layer immediately.
			tm.terminate(tx)
			return
		}
		tx.State = StateCompleted
		tx.interval = TimerT1
		tm.arm(tx, timerG, tx.interval)
		tm.arm(tx, timerH, TimerHTimeout)
		return
	}

	tx.State = StateCompleted
	tm.arm(tx, timerK, TimerKServer)
}

// HandleResponse routes an incoming response to its client transaction and
// drives the machine. deliver reports whether the response is news the
// transaction user should see (retransmitted finals are absorbed here).
func (tm *TransactionManager) HandleResponse(resp *Message) (tx *Transaction, deliver bool) {
	tm.mu.Lock()
	tx = tm.transactions[TransactionKey(resp)]
	tm.mu.Unlock()
	if tx == nil || tx.Role != RoleClient || tx.State == StateTerminated {
		return tx, false
	}

	status := resp.StatusCode
	switch {
	case status < 200:
		if tx.State == StateCalling || tx.State == StateTrying {
			tx.State = StateProceeding
			tm.cancelTimer(tx, timerA)
		}
		return tx, true

	case status < 300:
		if tx.IsInvite() {
			// 2xx ACKs belong to the dialog layer; nothing left to absorb.
			tm.terminate(tx)
			return tx, true
		}
		if tx.State == StateCompleted {
			return tx, false
		}
		tx.State = StateCompleted
		tm.cancelTimer(tx, timerA)
		tm.cancelTimer(tx, timerF)
		tm.arm(tx, timerK, TimerKClient)
		return tx, true

	default:
		if tx.IsInvite() {
			if tx.State == StateCompleted {
				// Final retransmitted: re-ACK, keep absorbing.
				tm.send(buildAck(tx.Request, resp), tx.Remote)
				return tx, false
			}
			tx.State = StateCompleted
			tm.cancelTimer(tx, timerA)
			tm.cancelTimer(tx, timerB)
			// The transaction layer owns the ACK for non-2xx finals.
			tm.send(buildAck(tx.Request, resp), tx.Remote)
			tm.arm(tx, timerD, TimerDWait)
			return tx, true
		}
		if tx.State == StateCompleted {
			return tx, false
		}
		tx.State = StateCompleted
		tm.cancelTimer(tx, timerA)
		tm.cancelTimer(tx, timerF)
		tm.arm(tx, timerK, TimerKClient)
		return tx, true
	}
}

// HandleAck confirms a server INVITE transaction sitting in Completed.
// Returns the transaction when the ACK was absorbed by the machine.
func (tm *TransactionManager) HandleAck(ack *Message) *Transaction {
	tm.mu.Lock()
	tx := tm.transactions[TransactionKey(ack)]
	tm.mu.Unlock()
	if tx == nil || tx.Role != RoleServer || !tx.IsInvite() {
		return nil
	}
	if tx.State != StateCompleted {
		return nil
	}
	tx.State = StateConfirmed
	tm.cancelTimer(tx, timerG)
	tm.cancelTimer(tx, timerH)
	tm.arm(tx, timerI, TimerIWait)
	return tx
}

// HandleTimer applies one expired timer. Must be called from the owning
// event loop.
func (tm *TransactionManager) HandleTimer(ev TimerEvent) {
	tm.mu.Lock()
	tx := tm.transactions[ev.Key]
	tm.mu.Unlock()
	if tx == nil || tx.epoch != ev.Epoch || tx.State == StateTerminated {
		return
	}
	delete(tx.timers, ev.ID)

	switch ev.ID {
	case timerA:
		if tx.State != StateCalling && tx.State != StateTrying {
			return
		}
		tx.retransmits++
		if tx.retransmits >= MaxRetransmits {
			tm.timeout(tx, ErrTransactionMaxRetransmits)
			return
		}
		if metrics.IsMetricsEnabled() {
			metrics.TransactionRetransmits.Inc()
		}
		tm.send(tx.Request, tx.Remote)
		tx.interval *= 2
		if tx.interval > TimerT2 {
			tx.interval = TimerT2
		}
		tm.arm(tx, timerA, tx.interval)

	case timerB, timerF, timerH:
		tm.timeout(tx, ErrTransactionTimeout)

	case timerG:
		if tx.State != StateCompleted || tx.LastResponse == nil {
			return
		}
		tx.retransmits++
		if tx.retransmits >= MaxRetransmits {
			tm.timeout(tx, ErrTransactionMaxRetransmits)
			return
		}
		if metrics.IsMetricsEnabled() {
			metrics.TransactionRetransmits.Inc()
		}
		tm.send(tx.LastResponse, tx.Remote)
		tx.interval *= 2
		if tx.interval > TimerT2 {
			tx.interval = TimerT2
		}
		tm.arm(tx, timerG, tx.interval)

	case timerD, timerI, timerK:
		tm.terminate(tx)
	}
}

// Destroy force-terminates a transaction, cancelling its timers.
func (tm *TransactionManager) Destroy(tx *Transaction) {
	tm.terminate(tx)
}

// Shutdown terminates every live transaction. In-flight retransmits are
// dropped, not drained.
func (tm *TransactionManager) Shutdown() {
	tm.mu.Lock()
	all := make([]*Transaction, 0, len(tm.transactions))
	for _, tx := range tm.transactions {
		all = append(all, tx)
	}
	tm.mu.Unlock()
	for _, tx := range all {
		tm.terminate(tx)
	}
}

func (tm *TransactionManager) timeout(tx *Transaction, cause error) {
	if metrics.IsMetricsEnabled() {
		metrics.TransactionTimeouts.Inc()
	}
	tm.logger.WithFields(logrus.Fields{
		"branch": tx.Branch,
		"method": tx.Method,
		"state":  tx.State.String(),
	}).Warn("Transaction timed out")
	tm.terminate(tx)
	if tm.onTimeout != nil {
		tm.onTimeout(tx, cause)
	}
}

// terminate cancels timers, enters Terminated, and drops the transaction
// from the table. Termination is final: no timer fires afterwards.
func (tm *TransactionManager) terminate(tx *Transaction) {
	if tx.State == StateTerminated {
		return
	}
	tx.State = StateTerminated
	tx.epoch++
	for id, t := range tx.timers {
		t.Stop()
		delete(tx.timers, id)
	}
	tm.mu.Lock()
	if tm.transactions[tx.Key] == tx {
		delete(tm.transactions, tx.Key)
	}
	tm.mu.Unlock()
}

func (tm *TransactionManager) arm(tx *Transaction, id timerID, d time.Duration) {
	if prev, ok := tx.timers[id]; ok {
		prev.Stop()
	}
	key, epoch := tx.Key, tx.epoch
	tx.timers[id] = time.AfterFunc(d, func() {
		select {
		case tm.timerCh <- TimerEvent{Key: key, ID: id, Epoch: epoch}:
		default:
			tm.logger.WithField("timer", id.String()).Warn("Timer queue full, dropping event")
		}
	})
}

func (tm *TransactionManager) cancelTimer(tx *Transaction, id timerID) {
	if t, ok := tx.timers[id]; ok {
		t.Stop()
		delete(tx.timers, id)
	}
}

// buildAck synthesizes the ACK for a non-2xx final response, per RFC 3261
// 17.1.1.3: same Request-URI, Via, From, Call-ID and CSeq sequence as the
// INVITE, To taken from the response.
func buildAck(invite *Message, resp *Message) *Message {
	ack := NewRequest(MethodAck, invite.RequestURI)
	ack.AddHeader("Via", invite.GetHeader("Via"))
	ack.AddHeader("From", invite.GetHeader("From"))
	ack.AddHeader("To", resp.GetHeader("To"))
	ack.AddHeader("Call-ID", invite.CallID())
	if cseq, ok := invite.CSeq(); ok {
		ack.AddHeader("CSeq", fmt.Sprintf("%d ACK", cseq.Sequence))
	}
	ack.AddHeader("Max-Forwards", "70")
	ack.AddHeader("Content-Length", "0")
	return ack
}
