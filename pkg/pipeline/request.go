package pipeline

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/nicktill/sitegrid/pkg/aggregation"
	"github.com/nicktill/sitegrid/pkg/cellpass"
	"github.com/nicktill/sitegrid/pkg/filter"
	"github.com/nicktill/sitegrid/pkg/subgridtree"
	"github.com/nicktill/sitegrid/pkg/wire"
)

const (
	requestVersion  = 1
	responseVersion = 1
)

// RequestKind tags what a worker computes for a page.
type RequestKind uint8

const (
	// RequestSummary returns a partial aggregator.
	RequestSummary RequestKind = iota + 1
	// RequestCellPasses returns the filtered passes of every cell.
	RequestCellPasses
)

func (k RequestKind) String() string {
	switch k {
	case RequestSummary:
		return "summary"
	case RequestCellPasses:
		return "cell_passes"
	}
	return fmt.Sprintf("request(%d)", uint8(k))
}

// Request is one page of work. It travels between nodes in the encoding of
// MarshalBinary.
type Request struct {
	Kind    RequestKind
	TaskID  uuid.UUID
	Page    int
	Project uuid.UUID
	Filters []filter.Filter

	Aggregation aggregation.Config
	Attribute   cellpass.Attribute // KindCellDatum only

	Origins []subgridtree.Origin
}

// Fingerprint identifies the query a request belongs to, independent of its
// page and origins. Requests with equal fingerprints compute equal
// per-subgrid results.
func (r *Request) Fingerprint() uint64 {
	w := wire.NewWriter(requestVersion, 128)
	w.U8(uint8(r.Kind))
	for i := range r.Filters {
		r.Filters[i].Encode(w)
	}
	aggregation.EncodeConfig(w, r.Aggregation)
	w.U8(uint8(r.Attribute))
	return xxhash.Sum64(w.Bytes())
}

// MarshalBinary encodes the request behind a version byte.
func (r Request) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter(requestVersion, 128+8*len(r.Origins))
	w.U8(uint8(r.Kind))
	w.Raw(r.TaskID[:])
	w.U32(uint32(r.Page))
	w.Raw(r.Project[:])
	w.U8(uint8(len(r.Filters)))
	for i := range r.Filters {
		r.Filters[i].Encode(w)
	}
	aggregation.EncodeConfig(w, r.Aggregation)
	w.U8(uint8(r.Attribute))
	w.U32(uint32(len(r.Origins)))
	for _, o := range r.Origins {
		w.U32(o.X)
		w.U32(o.Y)
	}
	return w.Bytes(), nil
}

// UnmarshalBinary decodes a request. Unknown versions fail with
// wire.ErrUnknownVersion.
func (r *Request) UnmarshalBinary(data []byte) error {
	rd, err := wire.NewReader("request", data, requestVersion)
	if err != nil {
		return err
	}
	var out Request
	out.Kind = RequestKind(rd.U8())
	copy(out.TaskID[:], rd.Raw(16))
	out.Page = int(rd.U32())
	copy(out.Project[:], rd.Raw(16))
	if n := int(rd.U8()); n > 0 {
		out.Filters = make([]filter.Filter, 0, n)
		for i := 0; i < n && rd.Err() == nil; i++ {
			out.Filters = append(out.Filters, filter.Decode(rd))
		}
	}
	out.Aggregation = aggregation.DecodeConfig(rd)
	out.Attribute = cellpass.Attribute(rd.U8())
	if n := int(rd.U32()); n > 0 {
		out.Origins = make([]subgridtree.Origin, 0, min(n, rd.Remaining()/8))
		for i := 0; i < n && rd.Err() == nil; i++ {
			out.Origins = append(out.Origins, subgridtree.Origin{X: rd.U32(), Y: rd.U32()})
		}
	}
	if err := rd.Finish(); err != nil {
		return err
	}
	*r = out
	return nil
}

// CellPasses is the filtered pass list of one cell.
type CellPasses struct {
	CellX, CellY uint32
	Passes       []cellpass.CellPass
}

// Response is a worker's answer to one Request. Err is set when the worker
// could not compute the page; the remaining fields are then meaningless.
type Response struct {
	Kind     RequestKind
	TaskID   uuid.UUID
	Page     int
	Err      string
	Subgrids int // leaves scanned

	Aggregator aggregation.Aggregator // RequestSummary
	Cells      []CellPasses           // RequestCellPasses
}

// MarshalBinary encodes the response behind a version byte.
func (r Response) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter(responseVersion, 256)
	w.U8(uint8(r.Kind))
	w.Raw(r.TaskID[:])
	w.U32(uint32(r.Page))
	w.Str(r.Err)
	w.U32(uint32(r.Subgrids))
	switch r.Kind {
	case RequestSummary:
		r.Aggregator.Encode(w)
	case RequestCellPasses:
		w.U32(uint32(len(r.Cells)))
		for _, c := range r.Cells {
			w.U32(c.CellX)
			w.U32(c.CellY)
			w.U32(uint32(len(c.Passes)))
			for _, p := range c.Passes {
				p.Encode(w)
			}
		}
	}
	return w.Bytes(), nil
}

// UnmarshalBinary decodes a response.
func (r *Response) UnmarshalBinary(data []byte) error {
	rd, err := wire.NewReader("response", data, responseVersion)
	if err != nil {
		return err
	}
	var out Response
	out.Kind = RequestKind(rd.U8())
	copy(out.TaskID[:], rd.Raw(16))
	out.Page = int(rd.U32())
	out.Err = rd.Str()
	out.Subgrids = int(rd.U32())
	switch out.Kind {
	case RequestSummary:
		out.Aggregator = aggregation.Decode(rd)
	case RequestCellPasses:
		if n := int(rd.U32()); n > 0 {
			out.Cells = make([]CellPasses, 0, min(n, rd.Remaining()/12))
			for i := 0; i < n && rd.Err() == nil; i++ {
				c := CellPasses{CellX: rd.U32(), CellY: rd.U32()}
				m := int(rd.U32())
				c.Passes = make([]cellpass.CellPass, 0, min(m, rd.Remaining()/cellpass.RecordSize))
				for j := 0; j < m && rd.Err() == nil; j++ {
					c.Passes = append(c.Passes, cellpass.Decode(rd))
				}
				out.Cells = append(out.Cells, c)
			}
		}
	default:
		rd.Fail(fmt.Errorf("unknown request kind %d", out.Kind))
	}
	if err := rd.Finish(); err != nil {
		return err
	}
	*r = out
	return nil
}
