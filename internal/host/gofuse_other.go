//go:build !linux && !darwin

package host

import (
	"errors"

	"github.com/arma3/DokanPbo/internal/vfs"
)

const goFuseAvailable = false

func newGoFuse(*vfs.FS, Options) (Backend, error) {
	return nil, errors.New("the gofuse backend is only available on linux and darwin")
}
