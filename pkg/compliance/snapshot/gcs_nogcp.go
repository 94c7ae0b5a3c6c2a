//go:build !gcp

package snapshot

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, bucket, object string) (Store, error) {
	return nil, fmt.Errorf("GCS snapshots are not enabled in this build (use -tags gcp)")
}
