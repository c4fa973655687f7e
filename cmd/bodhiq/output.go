package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/mit-bodhiq/bodhiq/internal/model"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatUpdate renders one progress update as a single text line.
func formatUpdate(u model.AgentUpdate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-18s %-10s", u.Timestamp.Format("15:04:05.000"), u.AgentName, u.Status.DisplayName())
	if u.Result != nil && u.Status.IsTerminal() {
		fmt.Fprintf(&b, " %6dms", u.Result.ExecutionTimeMs)
	}
	if u.ErrorMessage != "" {
		fmt.Fprintf(&b, "  %s", u.ErrorMessage)
	}
	return b.String()
}
