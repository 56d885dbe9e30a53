package upload

import "context"

// Uploader uploads run artifacts to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// Upload uploads all files in a run directory under
	// prefix + "/runs/" + dirname.
	Upload(ctx context.Context, runDir string) error

	// UploadIndex writes index.json under the configured prefix.
	UploadIndex(ctx context.Context, data []byte) error
}
