// Package export writes the cell passes of a site model for use outside
// sitegrid.
//
// # Supported Formats
//
// JSON Format:
//   - One object per pass with cell address, cell centre in grid metres,
//     time, machine hardware id and every non-null measurement
//   - Includes export metadata (project, cell size, cell and pass counts)
//
// CSV Format:
//   - Fixed columns suitable for spreadsheets and GIS tools
//   - Null measurements are empty fields
//
// Either format can be gzip compressed.
//
// # Filtering
//
// ExportOptions restricts the export by time range, cell extents and
// machine. Passes are written ordered by cell row, then column, then time.
//
// # CLI
//
//	sitegrid export -p <project> --format csv --gzip -o passes.csv.gz
package export
