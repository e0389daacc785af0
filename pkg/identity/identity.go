// Package identity tracks this client's own inbox/installation and
// gates the device-sync worker, which blocks in WaitReady until
// MarkReady has been called before creating or joining its sync group. Credential verification —
// recovering an account address from a wallet signature over an
// installation grant — is out of scope for this package; it only
// defines the CredentialVerifier seam a real implementation plugs
// into, following the same bootstrap-then-register sequencing an
// installation's key-package registration goes through before it is
// ready.
package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/xmtp/mlsengine/pkg/log"
	"github.com/xmtp/mlsengine/pkg/types"
)

// CredentialVerifier validates that credential authorizes
// installationKey to act on behalf of inboxID. A real implementation
// verifies a recoverable ECDSA or smart-contract-wallet signature over
// a grant-messaging-access association (out of scope here); this seam
// lets callers depend only on the verification outcome. No package in
// this module implements or calls it.
type CredentialVerifier interface {
	Verify(inboxID string, installationKey []byte, credential []byte) error
}

// ErrCredentialInvalid is returned by a CredentialVerifier when the
// signature does not authorize the claimed inbox/installation pair.
// Non-retryable.
var ErrCredentialInvalid = fmt.Errorf("identity: credential verification failed")

// Identity is this client's own inbox and installation, plus a
// readiness gate the device-sync worker blocks on before it creates or
// joins the sync group.
type Identity struct {
	inboxID        string
	installationID []byte

	mu      sync.Mutex
	ready   bool
	readyCh chan struct{}
}

// New creates an Identity for the given inbox/installation, not yet
// ready.
func New(inboxID string, installationID []byte) *Identity {
	return &Identity{
		inboxID:        inboxID,
		installationID: installationID,
		readyCh:        make(chan struct{}),
	}
}

// InboxID returns the owning inbox's id.
func (id *Identity) InboxID() string { return id.inboxID }

// InstallationID returns this installation's key.
func (id *Identity) InstallationID() []byte { return id.installationID }

// IsReady reports whether MarkReady has been called.
func (id *Identity) IsReady() bool {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.ready
}

// MarkReady signals that this installation has completed key-package
// registration and is ready to participate in groups. Idempotent.
func (id *Identity) MarkReady() {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.ready {
		return
	}
	id.ready = true
	close(id.readyCh)
	log.WithInstallation(id.installationID).Info().Str("inbox_id", id.inboxID).Msg("installation ready")
}

// WaitReady blocks until MarkReady has been called or ctx is done.
// This is the device-sync worker's init suspension point.
func (id *Identity) WaitReady(ctx context.Context) error {
	select {
	case <-id.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AsInstallation returns this identity's durable Installation record
// for storage.
func (id *Identity) AsInstallation(createdAtNS int64) *types.Installation {
	return &types.Installation{
		ID:          id.installationID,
		InboxID:     id.inboxID,
		CreatedAtNS: createdAtNS,
	}
}
