package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/nfrund/listsync/internal/handlers"
	"github.com/nfrund/listsync/internal/snapshot"
)

func checkFormat() error {
	switch outputFormat {
	case "table", "json":
		return nil
	default:
		return fmt.Errorf("unsupported output format %q, use 'table' or 'json'", outputFormat)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeListsTable(w io.Writer, lists *handlers.ListsResponse) {
	fmt.Fprintf(w, "Topics: %d  Subscribers: %d\n\n", lists.TopicCount, lists.SubscriberCount)
	if len(lists.Topics) == 0 {
		fmt.Fprintln(w, "No lists found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVERSION\tITEMS\tSUBSCRIBERS")
	fmt.Fprintln(tw, "---\t-------\t-----\t-----------")
	for _, t := range lists.Topics {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", truncateString(t.Key, 48), t.Version, t.Items, t.Subscribers)
	}
	tw.Flush()
}

func writeItemsTable(w io.Writer, key string, version int64, items []snapshot.Item) {
	fmt.Fprintf(w, "%s v%d (%d items)\n", key, version, len(items))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, item := range items {
		body, err := json.Marshal(item)
		if err != nil {
			body = []byte(fmt.Sprintf("%v", map[string]any(item)))
		}
		id, ok := item.ID()
		if !ok {
			id = "-"
		}
		fmt.Fprintf(tw, "  %s\t%s\n", id, truncateString(string(body), 96))
	}
	tw.Flush()
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
