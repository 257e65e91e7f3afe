package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/nicktill/sitegrid/pkg/config"
	"github.com/nicktill/sitegrid/pkg/tagfile"
)

// Ingest limits
const (
	MaxFileBytes     = config.MaxTagFileBytes
	MaxEpochsPerFile = 2_000_000

	// MaxSwathWidth bounds the distance between left and right tips, in
	// metres. Wider pairs are treated as position glitches.
	MaxSwathWidth = 25.0

	// MaxEpochGap ends a swath run; the next epoch starts a new one.
	MaxEpochGap = 10 * time.Second
)

var (
	// ErrRejectedFile wraps every failure caused by the file's content
	ErrRejectedFile = errors.New("tag file rejected")

	// ErrFileTooLarge is returned when a TAG file exceeds MaxFileBytes
	ErrFileTooLarge = fmt.Errorf("tag file too large (max %d bytes)", MaxFileBytes)

	// ErrNoMachine is returned when a file carries no hardware id or machine name
	ErrNoMachine = errors.New("tag file does not identify a machine")

	// ErrNoEpochs is returned when a file decodes to zero epochs
	ErrNoEpochs = errors.New("tag file contains no epochs")

	// ErrTooManyEpochs is returned when a file exceeds MaxEpochsPerFile
	ErrTooManyEpochs = fmt.Errorf("too many epochs in tag file (max %d)", MaxEpochsPerFile)

	// ErrUnknownMachine is returned when removing passes of a machine the
	// project has never seen
	ErrUnknownMachine = errors.New("machine not registered in project")

	// ErrUnknownProject is returned when removing from a project that has no
	// site model
	ErrUnknownProject = errors.New("project not found")
)

// ValidateResult checks a decoded file against the ingest limits.
func ValidateResult(res *tagfile.Result) error {
	if machineKey(res.Machine) == "" {
		return ErrNoMachine
	}
	if len(res.Epochs) == 0 {
		return ErrNoEpochs
	}
	if len(res.Epochs) > MaxEpochsPerFile {
		return fmt.Errorf("%w: file has %d", ErrTooManyEpochs, len(res.Epochs))
	}
	return nil
}

// machineKey is the identity a file's passes are registered under.
func machineKey(m tagfile.MachineInfo) string {
	if m.HardwareID != "" {
		return m.HardwareID
	}
	return m.Name
}
