package upload

import "context"

// Uploader mirrors registered artifact versions to remote object storage.
type Uploader interface {
	// Preflight verifies that the remote bucket is reachable and writable.
	// Writes a small marker object to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// MirrorVersion uploads every file in dir under
	// <prefix>/<user>/<version>/, preserving the relative layout.
	MirrorVersion(ctx context.Context, user, version, dir string) error
}
