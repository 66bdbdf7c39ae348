//go:build !(linux && amd64)

package native

import (
	"errors"

	"github.com/radctl/radctl/pkg/regs"
	"github.com/radctl/radctl/pkg/target"
)

// ErrNativeBackendUnsupported is returned by every operation on platforms
// without a native backend.
var ErrNativeBackendUnsupported = errors.New("native backend not supported on this platform")

// ErrNoProcesses is returned by Run when no process is tracked.
var ErrNoProcesses = target.ErrNoProcesses

// Layer is a placeholder that fails every operation.
type Layer struct{}

var _ target.Layer = (*Layer)(nil)

// New returns ErrNativeBackendUnsupported.
func New() (*Layer, error) {
	return nil, ErrNativeBackendUnsupported
}

func (*Layer) Launch(target.LaunchConfig) (target.ID, error) {
	return 0, ErrNativeBackendUnsupported
}

func (*Layer) Attach(uint64) (target.ID, error) { return 0, ErrNativeBackendUnsupported }

func (*Layer) Kill(target.ID, uint32) error { return ErrNativeBackendUnsupported }

func (*Layer) Detach(target.ID) error { return ErrNativeBackendUnsupported }

func (*Layer) Run(target.RunControl) (target.Event, error) {
	return target.Event{}, ErrNativeBackendUnsupported
}

func (*Layer) Halt() error { return ErrNativeBackendUnsupported }

func (*Layer) ReadMemory(target.ID, uint64, []byte) (int, error) {
	return 0, ErrNativeBackendUnsupported
}

func (*Layer) WriteMemory(target.ID, uint64, []byte) error { return ErrNativeBackendUnsupported }

func (*Layer) ReadRegisters(target.ID) (*regs.AMD64, error) {
	return nil, ErrNativeBackendUnsupported
}

func (*Layer) WriteRegisters(target.ID, *regs.AMD64) error { return ErrNativeBackendUnsupported }

func (*Layer) Arch(target.ID) target.Arch { return target.ArchNull }

func (*Layer) Close() error { return nil }
