package memory

import (
	"sort"

	"github.com/zeusync/canvassync/internal/core/record"
)

func sortedRecords(m map[record.ID]record.Record) []record.Record {
	out := make([]record.Record, 0, len(m))
	for _, rec := range m {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
