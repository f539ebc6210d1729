package authenticator

import (
	"crypto/rand"
	"io"
	"log/slog"
	"time"

	"github.com/go-ctap/softauthn/pkg/credstore"
	"github.com/go-ctap/softauthn/pkg/crypto"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/ldclabs/cose/key"
)

// AttestationType selects how MakeCredential responses are attested.
type AttestationType byte

const (
	// AttestationTypeNone emits a packed statement with an empty map.
	AttestationTypeNone AttestationType = iota
	// AttestationTypeSelf signs the attestation with the freshly created
	// credential key itself.
	AttestationTypeSelf
)

type Options struct {
	Logger  *slog.Logger
	EncMode cbor.EncMode
	Random  io.Reader
	Clock   func() uint64

	AAGUID          uuid.UUID
	Algorithms      []key.Alg
	AttestationType AttestationType

	AlwaysUv                       bool
	MakeCredUvNotRqd               bool
	NoMcGaPermissionsWithClientPin bool

	UserPresence     UserPresenceFunc
	UserVerification UserVerificationFunc
	Store            credstore.Store
	LoadPINHash      func() ([]byte, error)
}

type Option func(*Options)

func WithLogger(logger *slog.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

func WithEncMode(encMode cbor.EncMode) Option {
	return func(opts *Options) {
		opts.EncMode = encMode
	}
}

// WithRandom overrides the random-byte source. It feeds credential ids,
// token keys, and hmac-secret seeds; credential key pairs come from the COSE
// library, which draws from the operating system directly.
func WithRandom(random io.Reader) Option {
	return func(opts *Options) {
		opts.Random = random
	}
}

// WithClock overrides the millisecond wall clock.
func WithClock(clock func() uint64) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

func WithAAGUID(aaguid uuid.UUID) Option {
	return func(opts *Options) {
		opts.AAGUID = aaguid
	}
}

// WithAlgorithms sets the supported COSE algorithms in authenticator
// preference order.
func WithAlgorithms(algs ...key.Alg) Option {
	return func(opts *Options) {
		opts.Algorithms = algs
	}
}

func WithAttestationType(t AttestationType) Option {
	return func(opts *Options) {
		opts.AttestationType = t
	}
}

// WithAlwaysUv requires user verification for every credential operation.
func WithAlwaysUv() Option {
	return func(opts *Options) {
		opts.AlwaysUv = true
	}
}

// WithMakeCredUvNotRqd controls whether non-discoverable credential creation
// may proceed without user verification.
func WithMakeCredUvNotRqd(v bool) Option {
	return func(opts *Options) {
		opts.MakeCredUvNotRqd = v
	}
}

// WithNoMcGaPermissionsWithClientPin refuses mc/ga token permissions while a
// client PIN is set, surfacing CTAP2_ERR_OPERATION_DENIED where the protocol
// leaves the choice open.
func WithNoMcGaPermissionsWithClientPin() Option {
	return func(opts *Options) {
		opts.NoMcGaPermissionsWithClientPin = true
	}
}

func WithUserPresence(up UserPresenceFunc) Option {
	return func(opts *Options) {
		opts.UserPresence = up
	}
}

// WithUserVerification registers a built-in user-verification method.
// Without it the authenticator advertises no uv capability and relies on
// pinUvAuthTokens.
func WithUserVerification(uv UserVerificationFunc) Option {
	return func(opts *Options) {
		opts.UserVerification = uv
	}
}

func WithStore(store credstore.Store) Option {
	return func(opts *Options) {
		opts.Store = store
	}
}

// WithPINHashLoader supplies the stored PIN hash from an external keystore.
// Without it the PIN set via ClientPIN lives only in process memory.
func WithPINHashLoader(load func() ([]byte, error)) Option {
	return func(opts *Options) {
		opts.LoadPINHash = load
	}
}

func NewOptions(opts ...Option) *Options {
	encMode, _ := cbor.CTAP2EncOptions().EncMode()
	oo := &Options{
		Logger:  slog.Default(),
		EncMode: encMode,
		Random:  rand.Reader,
		Clock: func() uint64 {
			return uint64(time.Now().UnixMilli())
		},
		Algorithms:       crypto.DefaultAlgorithms,
		AttestationType:  AttestationTypeNone,
		MakeCredUvNotRqd: true,
		UserPresence: func(UserPresenceRequest) UserPresenceResult {
			return UserPresenceAccepted
		},
		Store: credstore.NewMemoryStore(64, nil),
	}

	for _, opt := range opts {
		opt(oo)
	}

	return oo
}
