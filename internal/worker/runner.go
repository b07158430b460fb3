package worker

import (
	"context"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Runner executes one job payload and returns its raw output. A returned
// error means the job Failed; the job itself is never retried. Implementations
// must honor ctx cancellation. A panic escaping Run is treated as a worker
// crash rather than a job failure.
type Runner interface {
	Run(ctx context.Context, job Job) ([]byte, error)
}

// OutputDigest returns the BLAKE3 hex digest of a job's output, carried in
// the result so the dispatcher can verify what it stores.
func OutputDigest(output []byte) string {
	sum := blake3.Sum256(output)
	return hex.EncodeToString(sum[:])
}
