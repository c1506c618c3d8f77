package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/resonant/internal/archive"
	"github.com/danmuck/resonant/internal/protocol"
)

func newArchiveCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Read streams archived by recv --archive",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "resonant.db", "archive database")

	var (
		typeName string
		limit    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List archived streams, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := archive.NewSQLiteSink(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			p := archive.ListParams{Limit: limit}
			if typeName != "" {
				t, err := protocol.MsgTypeFromName(typeName)
				if err != nil {
					return err
				}
				p.Type = &t
			}
			records, err := store.List(cmd.Context(), p)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTREAM\tTYPE\tBYTES\tFRAMES\tSTRONG\tCOMPLETED")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%s\t%s\n",
					r.ID, r.StreamID, r.Type, r.Size, r.Frames, formatHash(r.StrongHash), r.CompletedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&typeName, "type", "", "only list this message type")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	var out string
	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Write the bytes of one archived stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := archive.NewSQLiteSink(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			r, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(r.Bytes)
				return err
			}
			return os.WriteFile(out, r.Bytes, 0o644)
		},
	}
	get.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")

	cmd.AddCommand(list, get)
	return cmd
}
