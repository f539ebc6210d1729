package pinuvauth

import (
	"fmt"
	"io"

	"github.com/go-ctap/softauthn/pkg/ctaptypes"

	"github.com/samber/mo"
)

// Token is one pinUvAuthToken slot. The authenticator keeps one per
// protocol; a slot is idle until ClientPIN issues it to the platform, and a
// completed user-presence check under it degrades it again.
type Token struct {
	Number ctaptypes.PinUvAuthProtocol

	key          []byte
	inUse        bool
	permissions  ctaptypes.Permission
	rpID         mo.Option[string]
	userPresent  bool
	userVerified bool
}

func NewToken(number ctaptypes.PinUvAuthProtocol, rand io.Reader) (*Token, error) {
	t := &Token{Number: number}
	if err := t.Rotate(rand); err != nil {
		return nil, err
	}

	return t, nil
}

// Rotate replaces the token key with fresh random bytes and resets all
// session state. The old key is erased first.
func (t *Token) Rotate(rand io.Reader) error {
	t.Zeroize()

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand, key); err != nil {
		return fmt.Errorf("pinuvauth: cannot generate token key: %w", err)
	}

	t.key = key
	return nil
}

// BeginSession marks the token as issued with the given permissions and
// optional RP binding. A PIN proof verifies the user without testing
// presence, so userVerified starts true and userPresent false; a request that
// completes a user-presence check under the token clears both flags.
func (t *Token) BeginSession(permissions ctaptypes.Permission, rpID mo.Option[string]) {
	t.inUse = true
	t.permissions = permissions
	t.rpID = rpID
	t.userPresent = false
	t.userVerified = true
}

// Key exposes the raw token key so ClientPIN can encrypt it to the platform.
func (t *Token) Key() []byte {
	return t.key
}

func (t *Token) InUse() bool {
	return t.inUse
}

// Verify checks mac over message with the token key using the slot's
// protocol. A token that was never issued verifies nothing.
func (t *Token) Verify(message []byte, mac []byte) bool {
	if !t.inUse {
		return false
	}
	return Verify(t.Number, t.key, message, mac)
}

func (t *Token) HasPermission(p ctaptypes.Permission) bool {
	return t.permissions&p != 0
}

// RPID returns the RP the token is bound to, if any.
func (t *Token) RPID() mo.Option[string] {
	return t.rpID
}

// BindRPID binds an unbound token to rpID. Binding is first-use-wins; a token
// already bound keeps its RP.
func (t *Token) BindRPID(rpID string) {
	if t.rpID.IsAbsent() {
		t.rpID = mo.Some(rpID)
	}
}

func (t *Token) GetUserPresentFlagValue() bool {
	return t.userPresent
}

func (t *Token) GetUserVerifiedFlagValue() bool {
	return t.userVerified
}

func (t *Token) ClearUserPresentFlag() {
	t.userPresent = false
}

func (t *Token) ClearUserVerifiedFlag() {
	t.userVerified = false
}

// ClearPermissionsExceptLbw drops every permission except largeBlobWrite.
// The RP binding survives if and only if the lbw bit survives (CTAP §6.5.5.7).
func (t *Token) ClearPermissionsExceptLbw() {
	t.permissions &= ctaptypes.PermissionLargeBlobWrite
	if t.permissions == ctaptypes.PermissionNone {
		t.rpID = mo.None[string]()
	}
}

// Zeroize erases the token key and resets all session state.
func (t *Token) Zeroize() {
	for i := range t.key {
		t.key[i] = 0
	}
	t.key = nil
	t.inUse = false
	t.permissions = ctaptypes.PermissionNone
	t.rpID = mo.None[string]()
	t.userPresent = false
	t.userVerified = false
}
