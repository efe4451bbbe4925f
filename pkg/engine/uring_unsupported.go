//go:build !linux

package engine

import "github.com/pkg/errors"

func newUring(d Deps) (Engine, error) {
	return nil, errors.New("io_engine uring is only supported on Linux")
}
