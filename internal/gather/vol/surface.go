package vol

import (
	"sort"
	"strconv"
	"strings"

	"marketfill/internal/dlapi"
	"marketfill/internal/domain"
)

// Output columns of the surface request.
const (
	SurfacePrefix  = "EOD_IMPLIED_VOLATILITY_SURFACE."
	SnapshotColumn = "LAST_UPDATE_DATE_EOD"
	pointSeparator = "|"
)

// Surface point columns with a typed representation. Cells that do not
// parse are dropped from the point.
var (
	numericColumns = map[string]bool{
		SurfacePrefix + "MONEY_DELTA":   true,
		SurfacePrefix + "OPT_STRIKE_PX": true,
		SurfacePrefix + "IVOL":          true,
	}
	dateColumns = map[string]bool{
		SurfacePrefix + "BC_EXP_DATE": true,
	}
)

// ExplodeSurfaces turns one record per identifier into one row per surface
// point. Every column starting with SurfacePrefix holds the points of the
// surface joined by "|"; point i takes element i of each such column, and
// the scalar columns are repeated on every point. Seq is the point index. A
// record without surface points yields a single row with its scalars.
//
// Records without an identifier or a parseable snapshot date are counted in
// dropped.
func ExplodeSurfaces(t *dlapi.Table) (rows []domain.Row, dropped int) {
	if t.Len() == 0 {
		return nil, 0
	}

	var surface, scalar []int
	for i, col := range t.Columns {
		switch {
		case strings.HasPrefix(col, SurfacePrefix):
			surface = append(surface, i)
		case col == dlapi.IdentifierColumn || col == SnapshotColumn:
		default:
			scalar = append(scalar, i)
		}
	}

	for i := range t.Records {
		rawID, ok := t.Value(i, dlapi.IdentifierColumn)
		if !ok {
			dropped++
			continue
		}
		rawDate, ok := t.Value(i, SnapshotColumn)
		if !ok {
			dropped++
			continue
		}
		snapshot, err := dlapi.ParseDate(rawDate)
		if err != nil {
			dropped++
			continue
		}
		id := domain.NewIdentifier(rawID)

		scalars := make(map[string]string, len(scalar))
		for _, c := range scalar {
			if v, ok := t.Value(i, t.Columns[c]); ok {
				scalars[t.Columns[c]] = v
			}
		}

		points := make(map[string][]string, len(surface))
		n := 0
		for _, c := range surface {
			v, ok := t.Value(i, t.Columns[c])
			if !ok {
				continue
			}
			parts := strings.Split(v, pointSeparator)
			points[t.Columns[c]] = parts
			n = max(n, len(parts))
		}

		if n == 0 {
			rows = append(rows, domain.Row{Identifier: id, Date: snapshot, Fields: scalars})
			continue
		}
		for seq := 0; seq < n; seq++ {
			fields := make(map[string]string, len(scalars)+len(points))
			for k, v := range scalars {
				fields[k] = v
			}
			for col, parts := range points {
				if seq >= len(parts) {
					continue
				}
				if v, ok := pointValue(col, parts[seq]); ok {
					fields[col] = v
				}
			}
			rows = append(rows, domain.Row{Identifier: id, Date: snapshot, Seq: seq, Fields: fields})
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Identifier != rows[j].Identifier {
			return rows[i].Identifier < rows[j].Identifier
		}
		return rows[i].Seq < rows[j].Seq
	})
	return rows, dropped
}

// pointValue normalizes one surface cell, reporting false for nulls and
// values that fail to parse.
func pointValue(col, raw string) (string, bool) {
	v := strings.TrimSpace(raw)
	if dlapi.IsNull(v) {
		return "", false
	}
	switch {
	case numericColumns[col]:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return "", false
		}
		return strconv.FormatFloat(f, 'f', -1, 64), true
	case dateColumns[col]:
		d, err := dlapi.ParseDate(v)
		if err != nil {
			return "", false
		}
		return d.Format(domain.DateFormat), true
	}
	return v, true
}
