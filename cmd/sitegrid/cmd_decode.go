package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicktill/sitegrid/pkg/ingest"
	"github.com/nicktill/sitegrid/pkg/tagfile"
)

var (
	decodeEpochs bool
	decodeStrict bool
)

// DecodeReport is what `sitegrid decode` prints.
type DecodeReport struct {
	File         string                `json:"file"`
	Machine      tagfile.MachineInfo   `json:"machine"`
	Epochs       int                   `json:"epochs"`
	Start        time.Time             `json:"start,omitzero"`
	End          time.Time             `json:"end,omitzero"`
	Stats        tagfile.Stats         `json:"stats"`
	ProofingRuns []tagfile.ProofingRun `json:"proofing_runs,omitempty"`
	Valid        bool                  `json:"valid"`
	Problem      string                `json:"problem,omitempty"`
	EpochList    []tagfile.Epoch       `json:"epoch_list,omitempty"`
}

// decodeFile decodes path and reports on it. A file that fails part way
// still produces a report of what was decoded, with Valid unset.
func decodeFile(path string, strict bool) (DecodeReport, *tagfile.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return DecodeReport{}, nil, err
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() > ingest.MaxFileBytes {
		return DecodeReport{}, nil, ingest.ErrFileTooLarge
	}

	d := tagfile.NewDecoder(logger)
	d.StrictEpochs = strict
	res, decodeErr := d.Decode(f)
	if res == nil {
		return DecodeReport{}, nil, fmt.Errorf("decode %s: %w", path, decodeErr)
	}

	rep := DecodeReport{
		File:         path,
		Machine:      res.Machine,
		Epochs:       len(res.Epochs),
		Stats:        res.Stats,
		ProofingRuns: res.ProofingRuns,
	}
	if n := len(res.Epochs); n > 0 {
		rep.Start, rep.End = res.Epochs[0].Time, res.Epochs[n-1].Time
	}
	problem := errors.Join(decodeErr, ingest.ValidateResult(res))
	rep.Valid = problem == nil
	if problem != nil {
		rep.Problem = problem.Error()
	}
	return rep, res, nil
}

func runDecode(cmd *cobra.Command, args []string) error {
	rep, res, err := decodeFile(args[0], decodeStrict)
	if err != nil {
		return err
	}
	if decodeEpochs {
		rep.EpochList = res.Epochs
	}
	return writeJSON(cmd.OutOrStdout(), rep)
}
