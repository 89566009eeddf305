// ABOUTME: Branch resolver deciding whether a connection currently carries data.
// ABOUTME: Branching outputs are consulted only on the connection's own port, never through the flat view.
package engine

import "github.com/2389-research/flowline/workflow"

// HasData reports whether conn carries data given the committed outputs.
func HasData(conn workflow.Connection, store *OutputStore) bool {
	return len(EdgeItems(conn, store)) > 0
}

// EdgeItems returns the items conn delivers. For a branching source only the
// branch named by conn.SourceOutput is read.
func EdgeItems(conn workflow.Connection, store *OutputStore) workflow.Items {
	out, ok := store.view(conn.Source)
	if !ok {
		return nil
	}
	if out.IsBranching() {
		items, _ := out.Branch(conn.SourceOutput)
		return items
	}
	return out.Main()
}
