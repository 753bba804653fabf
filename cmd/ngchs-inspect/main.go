// Command ngchs-inspect prints the history kept in a pebble message store,
// e.g. one of the peer databases written by ngchs-sim --data-dir.
package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/juanpablocruz/ngchs/pkg/model"
	"github.com/juanpablocruz/ngchs/pkg/msgstore/pebblestore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		limit int
		group uint64
	)
	cmd := &cobra.Command{
		Use:          "ngchs-inspect [database-path]",
		Short:        "Dump the message history of a pebble store",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := pebblestore.Open(args[0], pebblestore.WithReadOnly())
			if err != nil {
				return err
			}
			defer s.Close()
			return dump(cmd.OutOrStdout(), s, model.ContactID(group), limit)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "messages per group, newest first, 0=all")
	cmd.Flags().Uint64Var(&group, "group", 0, "only this group contact id, 0=all")
	return cmd
}

func dump(w io.Writer, s *pebblestore.Store, only model.ContactID, limit int) error {
	groups, err := s.Groups()
	if err != nil {
		return err
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	for _, g := range groups {
		if only != 0 && g != only {
			continue
		}
		reg, ok := s.Registry(g)
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "group %d\n", g)
		fmt.Fprintln(tw, "  id\tfrom\tmid\ttimestamp\twritten\tsynced_by\treceived_by\ttext")
		shown := 0
		err := reg.Descending(func(m *model.Message) bool {
			if limit > 0 && shown == limit {
				return false
			}
			shown++
			fmt.Fprintf(tw, "  %d\t%d\t%08x\t%s\t%s\t%d\t%d\t%s\n",
				m.ID, m.From, m.MessageID,
				m.Timestamp.UTC().Format(time.DateTime), written(m),
				len(m.SyncedBy), len(m.ReceivedBy), quote(m.Text, 40))
			return true
		})
		if err != nil {
			return fmt.Errorf("group %d: %w", g, err)
		}
		fmt.Fprintln(tw)
	}
	return nil
}

func written(m *model.Message) string {
	if !m.HasWritten() {
		return "-"
	}
	return m.TimestampWritten.UTC().Format(time.DateTime)
}

func quote(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		s = string(r[:n-1]) + "…"
	}
	return strconv.Quote(s)
}
