package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/opd-ai/peerpost"
	"github.com/opd-ai/peerpost/backoff"
	"github.com/opd-ai/peerpost/queue"
	"github.com/spf13/cobra"
)

// openStore opens the configured queue for offline inspection. It must not
// run while a node holds the same database.
func (a *app) openStore() (*queue.Store, error) {
	backend, err := peerpost.OpenBackend(a.cfg.Queue)
	if err != nil {
		return nil, err
	}
	store := queue.NewStore(backend, queue.Options{Backoff: backoff.Backoff{Tiers: a.cfg.Queue.Backoff}})
	if _, err := store.Load(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func (a *app) queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the outbound queue",
	}

	var recipient string
	ls := &cobra.Command{
		Use:   "ls",
		Short: "List undelivered messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			msgs := store.List()
			if recipient != "" {
				msgs = store.Pending(recipient)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tRECIPIENT\tSTATUS\tATTEMPTS\tNEXT RETRY\tLAST ERROR")
			for _, m := range msgs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					m.ID, m.RecipientID, m.Status, m.Attempts,
					m.NextRetryAt.Format(time.RFC3339), m.LastError)
			}
			return w.Flush()
		},
	}
	ls.Flags().StringVar(&recipient, "recipient", "", "only show messages for this peer id")

	var retention time.Duration
	clean := &cobra.Command{
		Use:   "clean",
		Short: "Remove delivered and permanently failed messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if retention == 0 {
				retention = a.cfg.Delivery.Retention
			}
			removed, err := store.Cleanup(time.Now(), retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d\n", removed)
			return nil
		},
	}
	clean.Flags().DurationVar(&retention, "retention", 0, "keep delivered messages younger than this (default from config)")

	cmd.AddCommand(ls, clean)
	return cmd
}
