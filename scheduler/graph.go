package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"spoolgo/scheduler/store"
)

// phaseColors styles DOT nodes by status phase.
var phaseColors = map[Phase]string{
	PhaseNone:    "black",
	PhaseSubmit:  "blue",
	PhaseRunning: "orange",
	PhaseDone:    "green",
	PhaseFailed:  "red",
	PhaseCancel:  "gray",
}

// GraphDOT renders the dependency graph of a row and all its ancestors as
// DOT text. Rendering to an image is left to an external tool; this only
// hands over the id graph with labels and status.
func GraphDOT(st *store.Store, id int64) (string, error) {
	visited := map[int64]*store.Row{}
	if err := collectAncestors(st, id, visited); err != nil {
		return "", err
	}

	ids := make([]int64, 0, len(visited))
	for rowID := range visited {
		ids = append(ids, rowID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	b.WriteString("digraph workflow {\n")
	b.WriteString("\trankdir=TB;\n")
	for _, rowID := range ids {
		row := visited[rowID]
		status, _ := ParseStatus(row.Status)
		label := fmt.Sprintf("%d", rowID)
		if row.Label != "" {
			label += " " + row.Label
		}
		phase := string(status.Phase)
		if phase == "" {
			phase = "no status"
		}
		fmt.Fprintf(&b, "\t%d [label=\"%s\\n%s\" color=%s];\n",
			rowID, label, phase, phaseColors[status.Phase])
	}
	for _, rowID := range ids {
		for _, parentID := range visited[rowID].Parents {
			fmt.Fprintf(&b, "\t%d -> %d;\n", parentID, rowID)
		}
	}
	b.WriteString("}\n")
	return b.String(), nil
}

func collectAncestors(st *store.Store, id int64, visited map[int64]*store.Row) error {
	if _, ok := visited[id]; ok {
		return nil
	}
	row, err := st.GetRow(id)
	if err != nil {
		return err
	}
	visited[id] = row
	for _, parentID := range row.Parents {
		if err := collectAncestors(st, parentID, visited); err != nil {
			return err
		}
	}
	return nil
}
