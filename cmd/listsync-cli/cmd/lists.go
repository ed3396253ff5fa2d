package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nfrund/listsync/internal/snapshot"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show registry statistics and every known list",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkFormat(); err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		lists, err := c.Lists(cmd.Context())
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return writeJSON(cmd.OutOrStdout(), lists)
		}
		writeListsTable(cmd.OutOrStdout(), lists)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the current snapshot of a list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkFormat(); err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		snap, err := c.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return writeJSON(cmd.OutOrStdout(), snap)
		}
		writeItemsTable(cmd.OutOrStdout(), snap.Key, snap.Version, snap.Items)
		return nil
	},
}

var pushCmd = &cobra.Command{
	Use:   "push <key> [file]",
	Short: "Replace a list with a JSON array of items",
	Long: `Push reads a JSON array of objects from file, or from stdin when file is
omitted or "-", and hands it to the server as the new full content of the list.

Examples:
  listsync-cli push issues issues.json
  echo '[{"id":"1","title":"Bug"}]' | listsync-cli push issues`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if len(args) == 2 && args[1] != "-" {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		items, err := readItems(in)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Push(cmd.Context(), args[0], items)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued %d items for %s\n", res.Items, res.Key)
		return nil
	},
}

func readItems(r io.Reader) ([]snapshot.Item, error) {
	var items []snapshot.Item
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode items: expected a JSON array of objects: %w", err)
	}
	if items == nil {
		items = []snapshot.Item{}
	}
	return items, nil
}

func init() {
	rootCmd.AddCommand(statsCmd, getCmd, pushCmd)
}
