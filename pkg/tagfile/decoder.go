package tagfile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/nicktill/sitegrid/pkg/logging"
)

// ProofingRun is a named interval bracketed by PRS and PRE markers.
type ProofingRun struct {
	Name  string
	Start time.Time
	End   time.Time
}

// Stats counts what happened while decoding one file.
type Stats struct {
	Values          int
	Epochs          int
	DroppedEpochs   int // closed before both WEEK and TIME were seen
	DiscardedEpochs int // had a rejected value while StrictEpochs was set
	Rejected        map[string]int
	Unhandled       map[string]int
}

// RejectedTotal sums Rejected.
func (s Stats) RejectedTotal() int {
	n := 0
	for _, c := range s.Rejected {
		n += c
	}
	return n
}

// Result is the decoded content of one TAG file.
type Result struct {
	Epochs       []Epoch
	Machine      MachineInfo
	ProofingRuns []ProofingRun
	Stats        Stats
}

// Decoder turns TAG files into epochs. A Decoder holds configuration only
// and may be shared between goroutines.
type Decoder struct {
	// Registry routes values; nil means DefaultRegistry.
	Registry *Registry

	// StrictEpochs discards an epoch in which any value was rejected. By
	// default only the rejected value is skipped.
	StrictEpochs bool

	// OnState, if set, observes every state transition.
	OnState func(from, to State)

	Logger *slog.Logger
}

// NewDecoder returns a decoder using the default registry.
func NewDecoder(logger *slog.Logger) *Decoder {
	return &Decoder{Registry: DefaultRegistry(), Logger: logger}
}

// DecodeFile opens and decodes path.
func (d *Decoder) DecodeFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return d.Decode(f)
}

type decodeRun struct {
	d       *Decoder
	reg     *Registry
	logger  *slog.Logger
	state   State
	acc     *Accumulator
	res     *Result
	openRun *ProofingRun
}

func (run *decodeRun) to(s State) {
	if run.d.OnState != nil {
		run.d.OnState(run.state, s)
	}
	run.state = s
}

// Decode reads a complete TAG file. Dictionary failures return a nil result
// and an error matching ErrMalformedDictionary. A failure in the value
// stream returns the epochs decoded before it together with the error.
func (d *Decoder) Decode(r io.Reader) (*Result, error) {
	res := &Result{Stats: Stats{Rejected: make(map[string]int), Unhandled: make(map[string]int)}}
	run := &decodeRun{
		d:      d,
		reg:    d.Registry,
		logger: logging.OrDefault(d.Logger),
		acc:    NewAccumulator(),
		res:    res,
	}
	if run.reg == nil {
		run.reg = DefaultRegistry()
	}

	tr := NewReader(r)
	if err := tr.ReadHeader(); err != nil {
		return nil, err
	}
	run.to(ReadingDictionary)
	if _, err := tr.ReadDictionary(); err != nil {
		return nil, err
	}
	run.to(AwaitingEpochData)

	for {
		v, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			run.finish()
			return run.res, err
		}
		run.apply(v)
	}
	run.finish()
	return run.res, nil
}

func (run *decodeRun) apply(v Value) {
	run.res.Stats.Values++
	isTime := v.Entry.Name == TagTime

	if isTime && run.state == AccumulatingEpoch {
		run.to(EmittingEpoch)
		run.closeEpoch()
		run.to(AccumulatingEpoch)
	}

	handled, accepted := run.reg.Dispatch(run.acc, v)
	switch {
	case !handled:
		run.res.Stats.Unhandled[v.Entry.Name]++
	case !accepted:
		run.res.Stats.Rejected[v.Entry.Name]++
		run.acc.rejected = true
		run.logger.Debug("tag value rejected", "value", v.String(), "offset", v.Offset)
	}

	if isTime && run.state == AwaitingEpochData {
		run.to(AccumulatingEpoch)
	}
}

func (run *decodeRun) closeEpoch() {
	defer run.acc.resetEpoch()

	t, ok := run.acc.Time()
	if !ok {
		run.res.Stats.DroppedEpochs++
		return
	}
	run.proofing(t)
	if run.d.StrictEpochs && run.acc.rejected {
		run.res.Stats.DiscardedEpochs++
		return
	}
	run.res.Epochs = append(run.res.Epochs, run.acc.snapshot(t))
	run.res.Stats.Epochs++
}

func (run *decodeRun) proofing(t time.Time) {
	if run.acc.ProofEnd && run.openRun != nil {
		run.openRun.End = t
		run.res.ProofingRuns = append(run.res.ProofingRuns, *run.openRun)
		run.openRun = nil
	}
	if run.acc.ProofStart != "" {
		if run.openRun != nil {
			run.openRun.End = t
			run.res.ProofingRuns = append(run.res.ProofingRuns, *run.openRun)
		}
		run.openRun = &ProofingRun{Name: run.acc.ProofStart, Start: t}
	}
}

func (run *decodeRun) finish() {
	if run.state == AccumulatingEpoch {
		run.to(EmittingEpoch)
		run.closeEpoch()
	}
	run.to(EndOfFile)

	if run.openRun != nil {
		end := run.openRun.Start
		if n := len(run.res.Epochs); n > 0 {
			end = run.res.Epochs[n-1].Time
		}
		run.openRun.End = end
		run.res.ProofingRuns = append(run.res.ProofingRuns, *run.openRun)
		run.openRun = nil
	}
	run.res.Machine = run.acc.Machine

	run.logger.Debug("tag file decoded",
		"epochs", run.res.Stats.Epochs,
		"values", run.res.Stats.Values,
		"rejected", run.res.Stats.RejectedTotal(),
		"dropped", run.res.Stats.DroppedEpochs)
}

// String summarises a result for logs and the CLI.
func (r *Result) String() string {
	var first, last time.Time
	if n := len(r.Epochs); n > 0 {
		first, last = r.Epochs[0].Time, r.Epochs[n-1].Time
	}
	return fmt.Sprintf("%d epochs [%s, %s] machine=%q rejected=%d",
		len(r.Epochs), first.Format(time.RFC3339), last.Format(time.RFC3339),
		r.Machine.HardwareID, r.Stats.RejectedTotal())
}
