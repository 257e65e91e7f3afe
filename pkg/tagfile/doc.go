// Package tagfile decodes TAG files, the binary telemetry logs written by
// compaction and earthworks machines.
//
// A file is a "TAG1" header, a dictionary that declares each tag's id, name
// and value type, and a stream of (id, value) records. Values accumulate
// into running state through matchers registered by tag name. A TIME value
// marks the start of a new epoch; when the next one arrives the previous
// epoch is emitted with a snapshot of the accumulated attributes and
// positions.
//
//	d := tagfile.NewDecoder(logger)
//	res, err := d.DecodeFile("machine.tag")
//	for _, e := range res.Epochs {
//		...
//	}
package tagfile
