package smb3

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is the Connection Handler's lifecycle state machine (§5):
// NEW -> TcpOpen -> Negotiating -> Negotiated -> Ready, with Failed and
// Closing/Closed reachable from any state.
type ConnState int32

const (
	StateNew ConnState = iota
	StateTCPOpen
	StateNegotiating
	StateNegotiated
	StateReady
	StateFailed
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateTCPOpen:
		return "TcpOpen"
	case StateNegotiating:
		return "Negotiating"
	case StateNegotiated:
		return "Negotiated"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Request is one SMB2 message a caller wants sent. Command bodies
// beyond NEGOTIATE/SESSION_SETUP are opaque to this package (§6); the
// caller is responsible for building and interpreting Body.
type Request struct {
	Command   Command
	Body      []byte
	SessionID uint64
	TreeID    uint32
	// Related sets SMB2_FLAGS_RELATED_OPERATIONS so this member inherits
	// the previous compound member's SessionId/TreeId (§4.6).
	Related bool
}

// SendOptions controls one Send/SendMany call.
type SendOptions struct {
	// Timeout overrides Config.OpTimeout for this call; zero uses the
	// Config default.
	Timeout time.Duration
	// Compress requests the Preprocessor compress this frame before
	// sealing, when compression was negotiated.
	Compress bool
}

// Connection is the top-level handle: one TCP/QUIC/NetBIOS socket, one
// credit/message-id space, one pending-request table, and (once
// negotiated) one signing/sealing context. It is the package's
// Connection Handler (§4.4) wired to its collaborators.
type Connection struct {
	cfg *Config

	transport Transport
	backend   Backend

	credits *CreditAllocator
	pending *PendingTable

	crypto      atomic.Pointer[CryptoContext]
	compressors *compressorRegistry
	preproc     atomic.Pointer[Preprocessor]

	// sessions holds per-SessionRef CryptoContexts registered by a
	// higher layer via RegisterSession (§3 SessionRef, §6
	// Connection::register_session), keyed by session id. A session id
	// with no entry here falls back to the connection's own crypto
	// (the context this Connection derived itself in sessionSetup).
	sessions sync.Map // uint64 -> *CryptoContext

	preauthHash []byte
	dialect     SMBDialect
	serverGUID  [16]byte

	state     atomic.Int32
	closeMu   sync.Mutex
	closeOnce sync.Once
	closeCh   chan struct{}

	logger  Logger
	metrics *Metrics
}

// Dial opens a transport, negotiates a dialect, establishes a session,
// and returns a Connection in StateReady. On any failure the
// underlying transport is closed and a *Error is returned.
func Dial(ctx context.Context, cfg *Config) (*Connection, error) {
	cfgCopy := *cfg
	cfgCopy.setDefaults()
	if err := cfgCopy.Validate(); err != nil {
		return nil, wrapError("Dial", KindUnsupported, err)
	}

	c := &Connection{
		cfg:         &cfgCopy,
		credits:     NewCreditAllocator(1, cfgCopy.Metrics),
		pending:     newPendingTable(cfgCopy.Metrics),
		preauthHash: InitPreauthHash(),
		logger:      cfgCopy.Logger,
		metrics:     cfgCopy.Metrics,
		closeCh:     make(chan struct{}),
	}
	c.state.Store(int32(StateNew))
	if cfgCopy.CompressionEnabled {
		c.compressors = defaultCompressorRegistry()
	}
	c.preproc.Store(NewPreprocessor(nil, c.compressors, c.metrics))

	dialCtx, cancel := context.WithTimeout(ctx, cfgCopy.ConnTimeout)
	defer cancel()

	err := withRetry(dialCtx, cfgCopy.RetryPolicy, c.logger, func() error {
		t, derr := OpenTransport(dialCtx, cfgCopy.Transport, cfgCopy.Endpoint)
		if derr != nil {
			return derr
		}
		c.transport = t
		return nil
	})
	if err != nil {
		return nil, wrapError("Dial", KindTransportIo, err)
	}
	c.state.Store(int32(StateTCPOpen))

	c.backend = newBackendFor(cfgCopy.Backend, cfgCopy.SendQueueDepth)
	if err := c.backend.Start(c.transport, c.onFrame); err != nil {
		c.transport.Close()
		return nil, wrapError("Dial", KindTransportIo, err)
	}

	c.state.Store(int32(StateNegotiating))
	if err := c.negotiate(dialCtx); err != nil {
		c.fail(err)
		return nil, err
	}
	c.state.Store(int32(StateNegotiated))

	if err := c.sessionSetup(dialCtx); err != nil {
		c.fail(err)
		return nil, err
	}
	c.state.Store(int32(StateReady))

	return c, nil
}

func newBackendFor(kind BackendKind, queueDepth int) Backend {
	switch kind {
	case BackendMultiThreaded:
		return NewMultiThreadedBackend(queueDepth)
	case BackendCooperative:
		return NewCooperativeBackend(nil)
	default:
		return NewSingleThreadedBackend()
	}
}

// negotiate runs the client side of SMB2 NEGOTIATE (§4.3), updating
// the preauth integrity hash over both the raw request and raw
// response bytes before any key is derived from it.
func (c *Connection) negotiate(ctx context.Context) error {
	req := NewNegotiateRequest(c.cfg)
	body := req.Marshal()

	ids, err := c.credits.Allocate(1)
	if err != nil {
		return wrapError("negotiate", KindInsufficientCredits, err)
	}

	hdr := &Header{
		StructureSize: smb2HeaderSize,
		Command:       CommandNegotiate,
		CreditRequest: 1,
		MessageID:     ids.Start,
	}
	raw := append(hdr.Marshal(), body...)
	c.preauthHash = UpdatePreauthHash(c.preauthHash, raw)

	entry := c.pending.insert(ids.Start, 1)
	if err := c.backend.EnqueueSend(raw); err != nil {
		return wrapError("negotiate", KindTransportIo, err)
	}

	reply, err := c.waitEntry(ctx, entry, c.cfg.ConnTimeout)
	if err != nil {
		return err
	}
	if reply.Err != nil {
		return reply.Err
	}
	c.credits.UpdateFromReply(ids.Start, reply.Header.CreditRequest)
	c.preauthHash = UpdatePreauthHash(c.preauthHash, append(reply.Header.Marshal(), reply.Payload...))

	resp, err := ParseNegotiateResponse(reply.Payload)
	if err != nil {
		return err
	}
	supported := false
	for _, d := range c.cfg.Dialects {
		if d == resp.Dialect {
			supported = true
			break
		}
	}
	if !supported {
		return wrapError("negotiate", KindUnsupported, ErrUnsupportedDialect)
	}
	if c.cfg.SigningRequired && resp.SecurityMode&securityModeSigningRequired == 0 && resp.SecurityMode&securityModeSigningEnabled == 0 {
		return newError("negotiate", KindUnsupported, "server did not offer signing")
	}
	if c.cfg.EncryptionRequired && resp.Capabilities&capabilityEncryption == 0 {
		return newError("negotiate", KindUnsupported, "server did not offer encryption")
	}

	c.dialect = resp.Dialect
	c.serverGUID = resp.ServerGUID
	return nil
}

// sessionSetup drives SecurityContext through one or more SESSION_SETUP
// round-trips, then derives signing/sealing keys from the resulting
// session key (§4.3, §6).
func (c *Connection) sessionSetup(ctx context.Context) error {
	sc := c.cfg.SecurityContext
	token, err := sc.InitialToken()
	if err != nil {
		return wrapError("sessionSetup", KindSecurityViolation, err)
	}

	var sessionID uint64
	for {
		complete, serverToken, newSessionID, err := c.sessionSetupRoundTrip(ctx, sessionID, token)
		if err != nil {
			return err
		}
		sessionID = newSessionID
		if complete {
			break
		}
		token, complete, err = sc.Step(serverToken)
		if err != nil {
			return wrapError("sessionSetup", KindSecurityViolation, err)
		}
		if complete {
			break
		}
	}

	sessionKey, err := sc.SessionKey()
	if err != nil {
		return wrapError("sessionSetup", KindSecurityViolation, err)
	}
	if len(sessionKey) == 0 {
		// Guest/anonymous: no signing or sealing context is installed;
		// the connection operates unauthenticated-unsigned.
		return nil
	}

	signingAlgo := SigningAESCMAC
	cipherAlgo := CipherAES128GCM
	if c.dialect == SMB3_1_1 {
		signingAlgo = SigningAESGMAC
	}
	crypto := NewCryptoContext(c.dialect, sessionKey, signingAlgo, cipherAlgo, c.cfg.EncryptionRequired, c.preauthHash, c.metrics)
	c.crypto.Store(crypto)
	c.preproc.Store(NewPreprocessor(crypto, c.compressors, c.metrics))
	c.RegisterSession(sessionID, crypto)
	return nil
}

// RegisterSession installs crypto as the signing/sealing context for
// sessionID (§3 SessionRef; §6 Connection::register_session). Higher
// layers that drive their own SESSION_SETUP — binding a second session
// onto an already-Ready connection, or rekeying an existing one — call
// this once the session key is established; Send/SendMany and inbound
// reply dispatch for that session id use crypto from that point on. A
// session id with no registration uses the connection's own default
// CryptoContext (installed by this Connection's own sessionSetup, if
// any).
func (c *Connection) RegisterSession(sessionID uint64, crypto *CryptoContext) {
	c.sessions.Store(sessionID, crypto)
}

// UnregisterSession removes sessionID's CryptoContext (§3 SessionRef:
// "unregistered on logoff"). Subsequent Send calls for that session id
// fall back to the connection's own default context, if any.
func (c *Connection) UnregisterSession(sessionID uint64) {
	c.sessions.Delete(sessionID)
}

// cryptoFor resolves the CryptoContext to use for sessionID: the
// session-specific context registered via RegisterSession if one
// exists, otherwise the connection's own default context (which may
// itself be nil, for an unauthenticated/unsigned connection).
func (c *Connection) cryptoFor(sessionID uint64) *CryptoContext {
	if v, ok := c.sessions.Load(sessionID); ok {
		return v.(*CryptoContext)
	}
	return c.crypto.Load()
}

// preprocessorFor resolves the Preprocessor to wrap/unwrap a frame for
// sessionID: the connection's default Preprocessor when its crypto
// applies, or a fresh one built around the registered session's own
// CryptoContext otherwise. Compression codecs are connection-wide, not
// per-session, so they carry over either way.
func (c *Connection) preprocessorFor(sessionID uint64) *Preprocessor {
	crypto := c.cryptoFor(sessionID)
	if crypto == c.crypto.Load() {
		return c.preproc.Load()
	}
	return NewPreprocessor(crypto, c.compressors, c.metrics)
}

// sessionSetupRoundTrip sends one SESSION_SETUP request carrying token
// and returns whether the exchange is complete, the server's returned
// token (if STATUS_MORE_PROCESSING_REQUIRED), and the session id.
func (c *Connection) sessionSetupRoundTrip(ctx context.Context, sessionID uint64, token []byte) (complete bool, serverToken []byte, newSessionID uint64, err error) {
	body := marshalSessionSetupRequest(token)
	ids, allocErr := c.credits.Allocate(1)
	if allocErr != nil {
		return false, nil, 0, wrapError("sessionSetup", KindInsufficientCredits, allocErr)
	}

	hdr := &Header{
		StructureSize: smb2HeaderSize,
		Command:       CommandSessionSetup,
		CreditRequest: 1,
		MessageID:     ids.Start,
		SessionID:     sessionID,
	}
	raw := append(hdr.Marshal(), body...)
	c.preauthHash = UpdatePreauthHash(c.preauthHash, raw)

	entry := c.pending.insert(ids.Start, 1)
	if sendErr := c.backend.EnqueueSend(raw); sendErr != nil {
		c.credits.Release(ids.Start, 1)
		return false, nil, 0, wrapError("sessionSetup", KindTransportIo, sendErr)
	}

	reply, waitErr := c.waitEntry(ctx, entry, c.cfg.ConnTimeout)
	if waitErr != nil {
		return false, nil, 0, waitErr
	}
	c.credits.UpdateFromReply(ids.Start, reply.Header.CreditRequest)

	if reply.Err != nil {
		if e, ok := reply.Err.(*Error); ok && e.Kind == KindServerStatus && e.Status == STATUS_MORE_PROCESSING_REQUIRED {
			c.preauthHash = UpdatePreauthHash(c.preauthHash, append(reply.Header.Marshal(), reply.Payload...))
			return false, parseSessionSetupSecurityBuffer(reply.Payload), reply.Header.SessionID, nil
		}
		return false, nil, 0, reply.Err
	}
	c.preauthHash = UpdatePreauthHash(c.preauthHash, append(reply.Header.Marshal(), reply.Payload...))
	return true, nil, reply.Header.SessionID, nil
}

// marshalSessionSetupRequest builds the fixed part of SESSION_SETUP
// (MS-SMB2 2.2.5) around an opaque security blob.
func marshalSessionSetupRequest(securityBlob []byte) []byte {
	w := newByteWriter(24 + len(securityBlob))
	w.WriteUint16(25) // StructureSize
	w.WriteByte8(0)   // Flags
	w.WriteByte8(securityModeSigningByte())
	w.WriteUint32(0) // Capabilities
	w.WriteUint32(0)                              // Channel
	w.WriteUint16(uint16(smb2HeaderSize + 24))    // SecurityBufferOffset, from start of SMB2 header
	w.WriteUint16(uint16(len(securityBlob)))
	w.WriteUint64(0) // PreviousSessionId
	w.WriteBytes(securityBlob)
	w.PadTo8()
	return w.Bytes()
}

func securityModeSigningByte() byte { return byte(securityModeSigningEnabled) }

// parseSessionSetupSecurityBuffer extracts the security blob from a
// SESSION_SETUP response body using the best-effort byteReader, since
// this field is not signature/seal-critical on its own (the whole
// message is, and that's verified separately).
func parseSessionSetupSecurityBuffer(body []byte) []byte {
	r := newByteReader(body)
	r.Skip(2) // StructureSize
	r.Skip(2) // SessionFlags
	offset := r.ReadUint16()
	length := r.ReadUint16()
	start := int(offset) - smb2HeaderSize
	if start < 0 || start+int(length) > len(body) {
		return nil
	}
	return body[start : start+int(length)]
}

// Send issues one request and waits for its final reply.
func (c *Connection) Send(ctx context.Context, req Request, opts SendOptions) (*Reply, error) {
	if ConnState(c.state.Load()) != StateReady {
		return nil, wrapError("Send", KindDisconnected, ErrDisconnected)
	}

	n := creditsForPayload(len(req.Body), 0)
	ids, err := c.credits.Allocate(n)
	if err != nil {
		return nil, err
	}

	hdr := &Header{
		StructureSize: smb2HeaderSize,
		CreditCharge:  n,
		Command:       req.Command,
		CreditRequest: n,
		MessageID:     ids.Start,
		SessionID:     req.SessionID,
	}
	hdr.SetTreeID(req.TreeID)
	if req.Related {
		hdr.Flags |= flagRelatedOps
	}

	crypto := c.cryptoFor(req.SessionID)
	raw := c.signIfNeeded(append(hdr.Marshal(), req.Body...), crypto)

	entry := c.pending.insert(ids.Start, uint32(n))
	wire, err := c.preprocessorFor(req.SessionID).Wrap(raw, WrapOptions{
		Encrypt:    crypto != nil && c.cfg.EncryptionRequired,
		SessionID:  req.SessionID,
		Compress:   opts.Compress,
		CompressAs: CompressionLZ4,
	})
	if err != nil {
		c.credits.Release(ids.Start, n)
		c.pending.completeFinal(ids.Start, Reply{})
		return nil, err
	}

	if err := c.backend.EnqueueSend(wire); err != nil {
		c.credits.Release(ids.Start, n)
		c.pending.completeFinal(ids.Start, Reply{})
		return nil, wrapError("Send", KindTransportIo, err)
	}
	c.metrics.incFramesSent()

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.cfg.OpTimeout
	}
	reply, err := c.waitEntry(ctx, entry, timeout)
	if err != nil {
		return nil, err
	}
	if reply.Header != nil {
		c.credits.UpdateFromReply(ids.Start, reply.Header.CreditRequest)
	}
	if reply.Err != nil {
		return &reply, reply.Err
	}
	return &reply, nil
}

// SendMany compounds reqs into a single wire frame (§4.6) and returns
// one Reply per request, in order.
func (c *Connection) SendMany(ctx context.Context, reqs []Request, opts SendOptions) ([]*Reply, error) {
	if ConnState(c.state.Load()) != StateReady {
		return nil, wrapError("SendMany", KindDisconnected, ErrDisconnected)
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	group := NewCompoundGroup()
	ids := make([]uint64, len(reqs))
	credits := make([]uint16, len(reqs))
	entries := make([]*PendingEntry, len(reqs))

	for i, req := range reqs {
		n := creditsForPayload(len(req.Body), 0)
		idr, err := c.credits.Allocate(n)
		if err != nil {
			for j := 0; j < i; j++ {
				c.credits.Release(ids[j], credits[j])
				c.pending.completeFinal(ids[j], Reply{})
			}
			return nil, err
		}
		hdr := &Header{
			StructureSize: smb2HeaderSize,
			CreditCharge:  n,
			Command:       req.Command,
			CreditRequest: n,
			MessageID:     idr.Start,
			SessionID:     req.SessionID,
		}
		hdr.SetTreeID(req.TreeID)
		if req.Related {
			hdr.Flags |= flagRelatedOps
		}
		ids[i], credits[i] = idr.Start, n
		entries[i] = c.pending.insert(idr.Start, uint32(n))
		group.Add(c.signIfNeeded(append(hdr.Marshal(), req.Body...), c.cryptoFor(req.SessionID)))
	}

	envelopeCrypto := c.cryptoFor(reqs[0].SessionID)
	wire, err := c.preprocessorFor(reqs[0].SessionID).Wrap(group.Build(), WrapOptions{
		Encrypt:   envelopeCrypto != nil && c.cfg.EncryptionRequired,
		SessionID: reqs[0].SessionID,
	})
	if err != nil {
		return nil, err
	}
	if err := c.backend.EnqueueSend(wire); err != nil {
		return nil, wrapError("SendMany", KindTransportIo, err)
	}
	c.metrics.incFramesSent()

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.cfg.OpTimeout
	}
	replies := make([]*Reply, len(reqs))
	for i, entry := range entries {
		r, err := c.waitEntry(ctx, entry, timeout)
		if err != nil {
			return replies, err
		}
		if r.Header != nil {
			c.credits.UpdateFromReply(ids[i], r.Header.CreditRequest)
		}
		replies[i] = &r
	}
	return replies, nil
}

// NotifyEvent is one delivery from a NotifySubscribe subscription: a
// completed CHANGE_NOTIFY reply, or the terminal error that ended the
// subscription.
type NotifyEvent struct {
	Reply *Reply
	Err   error
}

// NotifySubscription is the live handle returned by NotifySubscribe.
// Events delivers one NotifyEvent per completed CHANGE_NOTIFY cycle;
// the channel is closed once the subscription ends, whether by Close,
// context cancellation, or a terminal error.
type NotifySubscription struct {
	events chan NotifyEvent
	cancel context.CancelFunc
}

// Events returns the channel subscription deliveries arrive on.
func (s *NotifySubscription) Events() <-chan NotifyEvent { return s.events }

// Close ends the subscription: no further CHANGE_NOTIFY requests are
// issued, and Events is closed once any in-flight one returns.
func (s *NotifySubscription) Close() { s.cancel() }

// NotifySubscribe is the Connection Handler's notify_subscribe
// operation (§2 component 7, §4.6): it issues req — a CHANGE_NOTIFY
// request, expected to ride the async-pending path of §4.4/§9 on the
// server — and, unlike a single Send, keeps the subscription alive by
// resubmitting the identical request after each completed reply, so
// the caller sees one NotifyEvent per change-notification cycle until
// it calls Close or ctx is done. This is deliberately not just "Send
// once and read the async-pending reply": a bare Send only ever
// observes one notification; notify_subscribe is the standing
// registration a directory watcher needs.
func (c *Connection) NotifySubscribe(ctx context.Context, req Request, opts SendOptions) *NotifySubscription {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &NotifySubscription{events: make(chan NotifyEvent, 1), cancel: cancel}

	go func() {
		defer close(sub.events)
		for {
			reply, err := c.Send(subCtx, req, opts)
			if subCtx.Err() != nil {
				return
			}
			select {
			case sub.events <- NotifyEvent{Reply: reply, Err: err}:
			case <-subCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	return sub
}

// signIfNeeded sets the SIGNED flag, then computes and stamps the
// signature over raw (header+body, Signature field already zero) using
// crypto, the session-appropriate CryptoContext resolved by the caller
// via cryptoFor.
func (c *Connection) signIfNeeded(raw []byte, crypto *CryptoContext) []byte {
	if crypto == nil {
		return raw
	}
	raw[16] = byte(flagSigned) | raw[16]
	sig := crypto.sign(raw)
	copy(raw[48:64], sig)
	return raw
}

// waitEntry blocks on entry until it resolves, ctx is done, or timeout
// elapses, cancelling the entry in the latter two cases (§5 cancel
// propagation, P7).
//
// The single-threaded backend has no dedicated receive goroutine (§4.5,
// §5: "each send drives the receive loop until its own reply arrives;
// other in-flight request slots are satisfied as a side effect"), so
// for that backend this is also the only place frames ever get read off
// the wire; waitEntrySingleThreaded below does that driving.
func (c *Connection) waitEntry(ctx context.Context, entry *PendingEntry, timeout time.Duration) (Reply, error) {
	if _, ok := c.backend.(*singleThreadedBackend); ok {
		return c.waitEntrySingleThreaded(ctx, entry, timeout)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-entry.Done():
		return r, nil
	case <-ctx.Done():
		c.cancelEntry(entry.messageID)
		return Reply{}, wrapError("waitEntry", KindCancelled, ctx.Err())
	case <-timeoutCh:
		c.cancelEntry(entry.messageID)
		return Reply{}, wrapError("waitEntry", KindCancelled, context.DeadlineExceeded)
	case <-c.closeCh:
		return Reply{}, wrapError("waitEntry", KindDisconnected, ErrDisconnected)
	}
}

// waitEntrySingleThreaded repeatedly pulls one frame off the transport
// (which, via onFrame, may resolve this entry or any other outstanding
// one) until entry itself resolves, ctx is done, or timeout elapses.
// No goroutine is started here; the backend's RecvNext performs each
// transport read on a short-lived helper goroutine so that recvCtx can
// interrupt it.
func (c *Connection) waitEntrySingleThreaded(ctx context.Context, entry *PendingEntry, timeout time.Duration) (Reply, error) {
	recvCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		recvCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		select {
		case r := <-entry.Done():
			return r, nil
		case <-c.closeCh:
			return Reply{}, wrapError("waitEntry", KindDisconnected, ErrDisconnected)
		default:
		}

		if _, err := c.backend.RecvNext(recvCtx); err != nil {
			select {
			case r := <-entry.Done():
				return r, nil
			default:
			}
			c.cancelEntry(entry.messageID)
			if ctx.Err() != nil {
				return Reply{}, wrapError("waitEntry", KindCancelled, ctx.Err())
			}
			if recvCtx.Err() != nil {
				return Reply{}, wrapError("waitEntry", KindCancelled, context.DeadlineExceeded)
			}
			c.fail(err)
			return Reply{}, wrapError("waitEntry", KindTransportIo, err)
		}
	}
}

// cancelEntry cancels messageID's PendingEntry and, per §4.4/§5, emits
// an SMB2_CANCEL bearing the async id when the entry had already been
// marked AsyncRegistered by an interim STATUS_PENDING reply. The eventual
// real reply, when it arrives, finds no entry and is dropped by
// dispatchReply's lookup-miss path.
func (c *Connection) cancelEntry(messageID uint64) {
	asyncID, wasAsync, found := c.pending.cancel(messageID)
	if !found || !wasAsync {
		return
	}
	c.sendCancel(asyncID)
}

// sendCancel builds and enqueues a fire-and-forget SMB2_CANCEL request
// for the async operation identified by asyncID (MS-SMB2 2.2.30). It
// does not register a PendingEntry: the server sends no reply to a
// CANCEL itself, only the eventual (now-discarded) reply to the
// operation being cancelled.
func (c *Connection) sendCancel(asyncID uint64) {
	ids, err := c.credits.Allocate(1)
	if err != nil {
		c.logger.Printf("cancel: could not allocate message id: %v", err)
		return
	}
	hdr := &Header{
		StructureSize: smb2HeaderSize,
		CreditCharge:  1,
		Command:       CommandCancel,
		MessageID:     ids.Start,
	}
	hdr.SetAsyncID(asyncID)
	// The CANCEL header is built with SessionId left at zero (AsyncId
	// occupies the Reserved/TreeId bytes, not SessionId), so it goes out
	// under the connection's own default context rather than a
	// per-session one.
	crypto := c.crypto.Load()
	raw := c.signIfNeeded(append(hdr.Marshal(), cancelBody()...), crypto)
	wire, err := c.preproc.Load().Wrap(raw, WrapOptions{
		Encrypt: crypto != nil && c.cfg.EncryptionRequired,
	})
	if err != nil {
		c.credits.Release(ids.Start, 1)
		c.logger.Printf("cancel: wrap failed: %v", err)
		return
	}
	if err := c.backend.EnqueueSend(wire); err != nil {
		c.credits.Release(ids.Start, 1)
		c.logger.Printf("cancel: enqueue failed: %v", err)
		return
	}
	c.metrics.incFramesSent()
	// CANCEL gets no reply of its own (the discarded real reply belongs
	// to the cancelled operation, already removed from the pending
	// table), so nothing will ever return this credit via
	// UpdateFromReply; reclaim it immediately to keep P6 (reserved
	// credits return to 0 once no request needs them) intact.
	c.credits.Release(ids.Start, 1)
}

// cancelBody is SMB2 CANCEL's fixed 4-byte body: StructureSize(2)=4,
// Reserved(2).
func cancelBody() []byte {
	return []byte{0x04, 0x00, 0x00, 0x00}
}

// onFrame is the Backend's frame-arrival callback: it unwraps any
// TRANSFORM/COMPRESSION envelope, walks any compound chain, verifies
// signatures, and dispatches each member to its PendingEntry.
func (c *Connection) onFrame(wire []byte) {
	c.metrics.incFramesReceived()
	preproc := c.preproc.Load()
	if sessionID, ok := PeekTransformSessionID(wire); ok {
		preproc = c.preprocessorFor(sessionID)
	}
	plain, err := preproc.Unwrap(wire)
	if err != nil {
		c.fail(err)
		return
	}
	replies, err := WalkCompoundReply(plain)
	if err != nil {
		c.fail(err)
		return
	}
	for _, cr := range replies {
		c.dispatchReply(cr)
	}
}

func (c *Connection) dispatchReply(cr CompoundReply) {
	hdr := cr.Header

	if hdr.IsSigned() {
		if crypto := c.cryptoFor(hdr.SessionID); crypto != nil {
			unsigned := append(hdr.Marshal(), cr.Body...)
			copy(unsigned[48:64], make([]byte, 16))
			if !crypto.verify(unsigned, hdr.Signature[:]) {
				c.fail(newError("dispatchReply", KindSecurityViolation, "signature verification failed"))
				return
			}
		}
	}

	if hdr.Status == STATUS_PENDING {
		if hdr.IsAsync() {
			c.pending.markInterimAsync(hdr.MessageID, hdr.AsyncID())
		}
		return
	}

	reply := Reply{Header: hdr, Payload: cr.Body}
	if hdr.Status.IsError() {
		reply.Err = serverStatusError("dispatchReply", hdr.Status)
	} else if hdr.Status == STATUS_MORE_PROCESSING_REQUIRED {
		reply.Err = serverStatusError("dispatchReply", hdr.Status)
	}

	var found bool
	if hdr.IsAsync() {
		_, found = c.pending.completeFinalByAsyncID(hdr.AsyncID(), reply)
	}
	if !found {
		_, found = c.pending.completeFinal(hdr.MessageID, reply)
	}
	if !found {
		// §4.4 "Error on lookup miss" / §7: unmatched replies are logged
		// and dropped, never surfaced as a connection-fatal error.
		c.metrics.incFramesUnmatched()
		c.logger.Printf("dropped unmatched reply: command=%s message_id=%d", hdr.Command, hdr.MessageID)
	}
}

// fail moves the connection to StateFailed, drains every pending
// request with err, and closes the transport (§5, §7 propagation).
func (c *Connection) fail(err error) {
	c.closeMu.Lock()
	if ConnState(c.state.Load()) == StateFailed || ConnState(c.state.Load()) == StateClosed {
		c.closeMu.Unlock()
		return
	}
	c.state.Store(int32(StateFailed))
	c.closeMu.Unlock()

	c.logger.Printf("connection failed: %v", err)
	c.pending.drain(err)
	c.closeOnce.Do(func() { close(c.closeCh) })
	if c.backend != nil {
		c.backend.Stop()
	}
}

// Close gracefully tears down the connection: it moves to StateClosing,
// drains any still-outstanding requests with ErrDisconnected, and
// releases the transport and backend.
func (c *Connection) Close() error {
	c.closeMu.Lock()
	prev := ConnState(c.state.Load())
	if prev == StateClosed || prev == StateClosing {
		c.closeMu.Unlock()
		return nil
	}
	c.state.Store(int32(StateClosing))
	c.closeMu.Unlock()

	c.pending.drain(wrapError("Close", KindDisconnected, ErrDisconnected))
	c.closeOnce.Do(func() { close(c.closeCh) })

	var err error
	if c.backend != nil {
		err = c.backend.Stop()
	}
	c.state.Store(int32(StateClosed))
	return err
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

// Dialect returns the negotiated dialect (valid once State is at least
// StateNegotiated).
func (c *Connection) Dialect() SMBDialect { return c.dialect }
