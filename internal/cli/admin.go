package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const envAdminToken = "YTGATE_ADMIN_TOKEN"

type adminFlags struct {
	server string
	token  string
	json   bool
}

func newAdminCommand(rt *runtimeState) *cobra.Command {
	af := &adminFlags{}
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Inspect and manage the abuse governor of a running server",
	}
	cmd.PersistentFlags().StringVar(&af.server, "server", "http://localhost:8080", "server base URL")
	cmd.PersistentFlags().StringVar(&af.token, "token", "", "admin bearer token (default $"+envAdminToken+")")
	cmd.PersistentFlags().BoolVar(&af.json, "json", false, "print raw JSON instead of tables")

	cmd.AddCommand(
		newAdminBlockedCommand(rt, af),
		newAdminSessionsCommand(rt, af),
		newAdminStatsCommand(rt, af),
		newAdminBlockCommand(rt, af),
		newAdminUnblockCommand(rt, af),
		newAdminClearCommand(rt, af),
		newAdminAuditCommand(rt, af),
		newAdminWatchCommand(rt, af),
	)
	return cmd
}

func (af *adminFlags) client() (*adminClient, error) {
	token := af.token
	if token == "" {
		token = os.Getenv(envAdminToken)
	}
	return newAdminClient(af.server, token)
}

func newAdminBlockedCommand(rt *runtimeState, af *adminFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "blocked",
		Short: "List blocked clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := af.client()
			if err != nil {
				return err
			}
			blocks, err := c.Blocked(cmd.Context())
			if err != nil {
				return err
			}
			if af.json {
				return writeJSONValue(rt.out, blocks)
			}
			writeBlockedTable(rt.out, blocks)
			return nil
		},
	}
}

func newAdminSessionsCommand(rt *runtimeState, af *adminFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List active rate windows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := af.client()
			if err != nil {
				return err
			}
			sessions, err := c.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			if af.json {
				return writeJSONValue(rt.out, sessions)
			}
			writeSessionsTable(rt.out, sessions)
			return nil
		},
	}
}

func newAdminStatsCommand(rt *runtimeState, af *adminFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show governor counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := af.client()
			if err != nil {
				return err
			}
			st, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if af.json {
				return writeJSONValue(rt.out, st)
			}
			writeStatsTable(rt.out, st)
			return nil
		},
	}
}

func newAdminBlockCommand(rt *runtimeState, af *adminFlags) *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "block <ip>",
		Short: "Block a client manually",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if minutes < 0 {
				return fmt.Errorf("--minutes must not be negative")
			}
			c, err := af.client()
			if err != nil {
				return err
			}
			info, err := c.Block(cmd.Context(), args[0], minutes)
			if err != nil {
				return err
			}
			if af.json {
				return writeJSONValue(rt.out, info)
			}
			fmt.Fprintf(rt.out, "%s %s blocked until %s\n", okStyle.Render("✓"), info.Key, formatTime(info.UnblockAt))
			return nil
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 0, "block duration in minutes (0 uses the server default)")
	return cmd
}

func newAdminUnblockCommand(rt *runtimeState, af *adminFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <ip>",
		Short: "Lift a block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := af.client()
			if err != nil {
				return err
			}
			if err := c.Unblock(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(rt.out, "%s %s unblocked\n", okStyle.Render("✓"), args[0])
			return nil
		},
	}
}

func newAdminClearCommand(rt *runtimeState, af *adminFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Lift every block",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := af.client()
			if err != nil {
				return err
			}
			n, err := c.Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(rt.out, "%s cleared %d block(s)\n", okStyle.Render("✓"), n)
			return nil
		},
	}
}

func newAdminAuditCommand(rt *runtimeState, af *adminFlags) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recorded governor events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := af.client()
			if err != nil {
				return err
			}
			page, err := c.Audit(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			if af.json {
				return writeJSONValue(rt.out, page)
			}
			writeAuditTable(rt.out, page.Events)
			fmt.Fprintln(rt.out, mutedStyle.Render(fmt.Sprintf("showing %d of %d", len(page.Events), page.Total)))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of events")
	cmd.Flags().IntVar(&offset, "offset", 0, "events to skip")
	return cmd
}

func newAdminWatchCommand(rt *runtimeState, af *adminFlags) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of governor stats and blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := af.client()
			if err != nil {
				return err
			}
			if interval < 500*time.Millisecond {
				interval = 500 * time.Millisecond
			}
			return runWatch(cmd.Context(), c, interval, rt.out)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	return cmd
}
