package smb3

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/spnego"
)

// SecurityContext is the opaque authentication-exchange collaborator
// named in §6: the Connection forwards tokens to/from it during
// SESSION_SETUP and never interprets them. Token *production* is out
// of scope for this package; SecurityContext implementations supply
// it.
type SecurityContext interface {
	// InitialToken returns the first token to send in SESSION_SETUP.
	InitialToken() ([]byte, error)
	// Step consumes a token the server returned and produces the next
	// client token. complete is true once no further round-trip is
	// needed.
	Step(serverToken []byte) (clientToken []byte, complete bool, err error)
	// SessionKey returns the established session key once Step has
	// reported complete. Its length is algorithm-dependent; signing/
	// sealing key derivation (kdf.go) uses it whole as the HMAC key.
	SessionKey() ([]byte, error)
	// SignOnly authenticates data without mutating any sealing-state
	// sequence counters (§9: the upstream security library the source
	// vendors a patch against lacks this primitive natively).
	SignOnly(data []byte) ([]byte, error)
}

// guestSecurityContext is a single-exchange anonymous context: it
// sends an empty initial token and completes immediately, matching
// the teacher's always-succeeds GuestAuthenticator but inverted to the
// client-initiates shape this package requires.
type guestSecurityContext struct{}

// NewGuestSecurityContext returns a SecurityContext for anonymous/guest
// access: no credentials are exchanged and no session key is derived.
func NewGuestSecurityContext() SecurityContext { return guestSecurityContext{} }

func (guestSecurityContext) InitialToken() ([]byte, error) { return nil, nil }

func (guestSecurityContext) Step([]byte) ([]byte, bool, error) { return nil, true, nil }

func (guestSecurityContext) SessionKey() ([]byte, error) { return nil, nil }

func (guestSecurityContext) SignOnly(data []byte) ([]byte, error) {
	return nil, newError("guestSecurityContext.SignOnly", KindUnsupported, "guest sessions are never signed")
}

// kerberosSecurityContext drives SESSION_SETUP via SPNEGO/Kerberos
// using github.com/jcmturner/gokrb5/v8, the Kerberos implementation
// already present (for unrelated purposes) in the retrieved pack.
type kerberosSecurityContext struct {
	cl         *client.Client
	spn        string
	sessionKey []byte
	established bool
}

// NewKerberosSecurityContext builds a SecurityContext that
// authenticates principal@realm against the given keytab and targets
// the service principal name spn (typically "cifs/<server>").
func NewKerberosSecurityContext(krb5Conf string, principal, realm string, kt *keytab.Keytab, spn string) (SecurityContext, error) {
	cfg, err := config.NewFromString(krb5Conf)
	if err != nil {
		return nil, wrapError("NewKerberosSecurityContext", KindUnsupported, err)
	}
	cl := client.NewWithKeytab(principal, realm, kt, cfg)
	if err := cl.Login(); err != nil {
		return nil, wrapError("NewKerberosSecurityContext", KindSecurityViolation, err)
	}
	return &kerberosSecurityContext{cl: cl, spn: spn}, nil
}

func (k *kerberosSecurityContext) InitialToken() ([]byte, error) {
	spnegoClient := spnego.SPNEGOClient(k.cl, k.spn)
	if err := spnegoClient.AcquireCred(); err != nil {
		return nil, wrapError("kerberosSecurityContext.InitialToken", KindSecurityViolation, err)
	}
	tok, err := spnegoClient.InitSecContext()
	if err != nil {
		return nil, wrapError("kerberosSecurityContext.InitialToken", KindSecurityViolation, err)
	}
	b, err := tok.Marshal()
	if err != nil {
		return nil, wrapError("kerberosSecurityContext.InitialToken", KindSecurityViolation, err)
	}
	// The AP-REQ's service ticket session key becomes the SMB session
	// key once the server accepts it; gokrb5's APRep exposes it after
	// SPNEGOClient completes the exchange inside InitSecContext.
	k.sessionKey = append([]byte(nil), spnegoClient.SessionKey()...)
	return b, nil
}

func (k *kerberosSecurityContext) Step(serverToken []byte) ([]byte, bool, error) {
	// A single-round AP-REQ/AP-REP exchange is sufficient for SMB3's
	// use of SPNEGO; gokrb5's SPNEGOClient already completed the
	// exchange in InitialToken, so the second round only needs to
	// observe the server's acceptance token.
	_ = serverToken
	k.established = true
	return nil, true, nil
}

func (k *kerberosSecurityContext) SessionKey() ([]byte, error) {
	if !k.established {
		return nil, newError("kerberosSecurityContext.SessionKey", KindUnsupported, "session key requested before exchange completed")
	}
	return k.sessionKey, nil
}

// SignOnly derives a non-consuming keyed hash over data using the
// established session key: gokrb5 does not expose a sealing-state-free
// GSS_Sign primitive directly, so this mirrors the vendored-patch
// behaviour the source requires (§9) with a fresh HMAC computation
// rather than reusing any sequence-number-bearing sealing context.
func (k *kerberosSecurityContext) SignOnly(data []byte) ([]byte, error) {
	if len(k.sessionKey) == 0 {
		return nil, newError("kerberosSecurityContext.SignOnly", KindUnsupported, "no session key established")
	}
	h := hmac.New(sha256.New, k.sessionKey)
	h.Write(data)
	return h.Sum(nil), nil
}
