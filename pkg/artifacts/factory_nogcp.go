//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
)

func newGCSStoreFromEnv(context.Context) (Store, error) {
	return nil, fmt.Errorf("%w: gcs (rebuild with -tags gcp)", ErrBackendDisabled)
}
