package smb3

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TransportKind selects the byte-stream transport a Connection dials.
type TransportKind int

const (
	// TransportTCP is direct-TCP on port 445: no added framing beyond
	// the 4-byte big-endian length prefix with the top byte reserved
	// zero (NetBIOS-style, but no session service).
	TransportTCP TransportKind = iota
	// TransportNetBIOS is the NetBIOS session service on port 139. It
	// uses the same 4-byte length-prefixed framing as TransportTCP; no
	// NetBIOS SESSION REQUEST handshake is performed.
	TransportNetBIOS
	// TransportQUIC is SMB-over-QUIC on port 443: frames travel on one
	// bidirectional stream, each preceded by a 4-byte big-endian length.
	TransportQUIC
)

func (t TransportKind) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportNetBIOS:
		return "netbios"
	case TransportQUIC:
		return "quic"
	default:
		return "unknown"
	}
}

// BackendKind selects which Worker Backend implementation drives a
// Connection's transport.
type BackendKind int

const (
	// BackendSingleThreaded drives send and receive inline on the
	// caller's goroutine.
	BackendSingleThreaded BackendKind = iota
	// BackendMultiThreaded spawns one dedicated send goroutine and one
	// dedicated receive goroutine per connection.
	BackendMultiThreaded
	// BackendCooperative runs every connection's receive task on a
	// shared bounded goroutine pool; sends are written inline on the
	// caller's goroutine.
	BackendCooperative
)

func (b BackendKind) String() string {
	switch b {
	case BackendSingleThreaded:
		return "single-threaded"
	case BackendMultiThreaded:
		return "multi-threaded"
	case BackendCooperative:
		return "cooperative"
	default:
		return "unknown"
	}
}

// Config holds everything needed to dial and negotiate a Connection.
type Config struct {
	// Endpoint is "host:port", handed unchanged to the transport dialer;
	// a missing port is not filled in here (ParseEndpoint fills in 445).
	Endpoint  string
	Transport TransportKind
	Backend   BackendKind

	// Dialects offered during NEGOTIATE, highest preference first.
	// Defaults to SupportedDialects.
	Dialects []SMBDialect

	// SigningRequired/EncryptionRequired reject a negotiation that
	// cannot satisfy them with KindUnsupported.
	SigningRequired    bool
	EncryptionRequired bool

	// CompressionEnabled installs the compression codec registry (see
	// compression.go) on the Connection. The NEGOTIATE request proposes
	// LZ4 whenever 3.1.1 is offered, whatever this field says.
	CompressionEnabled bool

	// SecurityContext drives SESSION_SETUP token exchange. Defaults to
	// an anonymous/guest context if nil.
	SecurityContext SecurityContext

	// ConnTimeout bounds the initial TCP/QUIC dial and NEGOTIATE
	// round-trip. OpTimeout is the default per-request timeout when
	// SendOptions.Timeout is zero. IdleTimeout is defaulted but nothing
	// in this package reads it: a Connection is not closed for idleness.
	ConnTimeout time.Duration
	OpTimeout   time.Duration
	IdleTimeout time.Duration

	// SendQueueDepth bounds the multi-threaded backend's send queue (see
	// backend_multi.go); the single-threaded and cooperative backends
	// have no send queue and ignore it.
	SendQueueDepth int

	// RetryPolicy governs retrying Dial/negotiate on a retryable error
	// (nil = DefaultRetryPolicy).
	RetryPolicy *RetryPolicy

	// Logger receives structured debug/warn/error output (nil = no
	// logging, equivalent to NullLogger).
	Logger Logger

	// Metrics receives counters/gauges for observability (nil = no-op).
	Metrics *Metrics
}

// setDefaults fills unset fields with the runtime's defaults.
func (c *Config) setDefaults() {
	if len(c.Dialects) == 0 {
		c.Dialects = append([]SMBDialect(nil), SupportedDialects...)
	}
	if c.ConnTimeout == 0 {
		c.ConnTimeout = 30 * time.Second
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = 60 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.SendQueueDepth == 0 {
		c.SendQueueDepth = 64
	}
	if c.RetryPolicy == nil {
		c.RetryPolicy = defaultRetryPolicy
	}
	if c.Logger == nil {
		c.Logger = NullLogger{}
	}
	if c.SecurityContext == nil {
		c.SecurityContext = NewGuestSecurityContext()
	}
}

// Validate reports whether the configuration can be dialed.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidConfig)
	}
	for _, d := range c.Dialects {
		found := false
		for _, s := range SupportedDialects {
			if s == d {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: dialect %s is below the minimum supported (3.0)", ErrInvalidConfig, d)
		}
	}
	if c.EncryptionRequired {
		hasEncryptCapableDialect := false
		for _, d := range c.Dialects {
			if d >= SMB3_0 {
				hasEncryptCapableDialect = true
				break
			}
		}
		if !hasEncryptCapableDialect {
			return fmt.Errorf("%w: encryption required but no offered dialect supports it", ErrInvalidConfig)
		}
	}
	return nil
}

// defaultPort returns the conventional port for a TransportKind.
func (t TransportKind) defaultPort() int {
	switch t {
	case TransportNetBIOS:
		return 139
	case TransportQUIC:
		return 443
	default:
		return 445
	}
}

// ParseEndpoint parses "smb://[user:pass@]host[:port]" into a Config.
// Only the connection-runtime-relevant fields (Endpoint, Transport) are
// populated; credentials, if present, are not consumed here — they
// belong to the SecurityContext a higher layer constructs.
func ParseEndpoint(raw string) (*Config, error) {
	// Allow a bare "host[:port]" with no scheme.
	if !strings.Contains(raw, "://") {
		raw = "smb://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "" && u.Scheme != "smb" {
		return nil, fmt.Errorf("%w: invalid scheme %q (expected \"smb\")", ErrInvalidConfig, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidConfig)
	}

	port := TransportTCP.defaultPort()
	if p := u.Port(); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid port: %v", ErrInvalidConfig, err)
		}
		port = parsed
	}

	cfg := &Config{
		Endpoint:  fmt.Sprintf("%s:%d", host, port),
		Transport: TransportTCP,
	}
	cfg.setDefaults()
	return cfg, nil
}
