package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matheus3301/offsync/internal/api"
	"github.com/matheus3301/offsync/internal/config"
	"github.com/matheus3301/offsync/internal/conflict"
	"github.com/matheus3301/offsync/internal/profile"
	"github.com/matheus3301/offsync/internal/queue"
	"github.com/matheus3301/offsync/internal/record"
)

func init() {
	enqueueCmd.Flags().StringVar(&enqueueID, "id", "", "record id (generated for create when empty)")
	enqueueCmd.Flags().StringVar(&enqueueData, "data", "", "record JSON, or - to read stdin")
	enqueueCmd.Flags().StringVar(&enqueueTitle, "title", "", "shorthand for content.title")
	enqueueCmd.Flags().StringSliceVar(&enqueueTags, "tag", nil, "tag to set (repeatable)")
	enqueueCmd.Flags().BoolVar(&enqueueClearTags, "clear-tags", false, "remove every tag (update)")
	enqueueCmd.MarkFlagsMutuallyExclusive("tag", "clear-tags")

	resolveCmd.Flags().StringVar(&resolvePolicy, "policy", "", "use_local, use_remote or merge (default merge)")
	watchCmd.Flags().StringVar(&watchPrefix, "prefix", "", "only stream kinds with this prefix (sync., queue.)")

	queueCmd.AddCommand(queueListCmd, queueClearCmd)
	rootCmd.AddCommand(statusCmd, syncCmd, enqueueCmd, resolveCmd, getCmd, queueCmd,
		autosyncCmd, intervalCmd, watchCmd, defaultProfileCmd, profilesCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(st)
			}
			fmt.Printf("Profile:    %s\n", st.Profile)
			fmt.Printf("State:      %s\n", st.State)
			fmt.Printf("Pending:    %d\n", st.PendingCount)
			fmt.Printf("Last sync:  %s\n", formatTime(st.LastSyncAt))
			if st.AutoSyncEnabled {
				fmt.Printf("Auto-sync:  every %d min, next %s\n", st.IntervalMinutes, formatTime(st.NextSyncAt))
			} else {
				fmt.Printf("Auto-sync:  off\n")
			}
			if st.EventsDropped > 0 {
				fmt.Printf("Dropped:    %d events\n", st.EventsDropped)
			}
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync pass now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			res, err := c.Sync(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(res)
			}
			fmt.Printf("uploaded %d, downloaded %d, conflicts %d, errors %d in %dms\n",
				res.Uploaded, res.Downloaded, res.Conflicts, res.Errors, res.DurationMs)
			for _, f := range res.Failed {
				fmt.Printf("  dropped #%d %s %s after %d attempts: %s\n", f.Seq, f.Action, f.ID, f.Attempts, f.Err)
			}
			return nil
		})
	},
}

var (
	enqueueID    string
	enqueueData  string
	enqueueTitle string
	enqueueTags  []string

	enqueueClearTags bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <create|update|delete>",
	Short: "Queue a local mutation",
	Long: `Queue a create, update or delete. The record body comes from --data
(JSON, or - for stdin) and is overlaid with --id, --title and --tag.

  offsyncctl enqueue create --title "Groceries" --tag home
  offsyncctl enqueue update --id 3f2a... --data '{"content":{"body":"milk"}}'
  offsyncctl enqueue delete --id 3f2a...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, err := queue.ParseAction(args[0])
		if err != nil {
			return err
		}
		rec, err := buildRecord(cmd.InOrStdin())
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			it, err := c.Enqueue(ctx, action, rec)
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(it)
			}
			fmt.Printf("queued #%d %s %s\n", it.Seq, it.Action, it.ID)
			return nil
		})
	},
}

func buildRecord(stdin io.Reader) (record.Record, error) {
	var rec record.Record
	if enqueueData != "" {
		data := []byte(enqueueData)
		if enqueueData == "-" {
			var err error
			if data, err = io.ReadAll(stdin); err != nil {
				return record.Record{}, err
			}
		}
		var err error
		if rec, err = record.Unmarshal(data); err != nil {
			return record.Record{}, err
		}
	}
	if enqueueID != "" {
		rec.ID = enqueueID
	}
	if enqueueTitle != "" {
		if rec.Content == nil {
			rec.Content = map[string]any{}
		}
		rec.Content["title"] = enqueueTitle
	}
	if len(enqueueTags) > 0 {
		rec.Tags = enqueueTags
	}
	if enqueueClearTags {
		rec.Tags = []string{}
	}
	return rec, nil
}

var resolvePolicy string

var resolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Reconcile the local and remote copies of a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := conflict.ParsePolicy(resolvePolicy)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			rec, err := c.ResolveConflict(ctx, args[0], policy)
			if err != nil {
				return err
			}
			return printJSON(rec)
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print the local copy of a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			rec, err := c.GetRecord(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(rec)
		})
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or clear pending mutations",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending mutations in order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			items, err := c.ListQueue(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(items)
			}
			if len(items) == 0 {
				fmt.Println("queue is empty")
				return nil
			}
			for _, it := range items {
				line := fmt.Sprintf("#%-4d %-6s %s  queued %s", it.Seq, it.Action, it.ID, formatTime(it.EnqueuedAt))
				if it.AttemptCount > 0 {
					line += fmt.Sprintf("  attempts=%d last_error=%q", it.AttemptCount, it.LastError)
				}
				fmt.Println(line)
			}
			return nil
		})
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every pending mutation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			n, err := c.ClearQueue(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("cleared %d item(s)\n", n)
			return nil
		})
	},
}

var autosyncCmd = &cobra.Command{
	Use:       "autosync <on|off>",
	Short:     "Turn periodic sync on or off",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled bool
		switch strings.ToLower(args[0]) {
		case "on", "true":
			enabled = true
		case "off", "false":
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			st, err := c.SetAutoSync(ctx, enabled)
			if err != nil {
				return err
			}
			fmt.Printf("auto-sync %s\n", map[bool]string{true: "on", false: "off"}[st.AutoSyncEnabled])
			return nil
		})
	},
}

var intervalCmd = &cobra.Command{
	Use:   "interval <minutes>",
	Short: "Change the auto-sync period",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		minutes, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("minutes: %w", err)
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			st, err := c.SetInterval(ctx, minutes)
			if err != nil {
				return err
			}
			fmt.Printf("auto-sync interval %d min\n", st.IntervalMinutes)
			return nil
		})
	},
}

var watchPrefix string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream engine events as JSON lines",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name := profileName()
		c, err := api.Dial(profile.SocketPath(name))
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		enc := json.NewEncoder(os.Stdout)
		err = c.WatchEvents(cmd.Context(), watchPrefix, func(env api.EventEnvelope) error {
			return enc.Encode(env)
		})
		if cmd.Context().Err() != nil {
			return nil
		}
		return err
	},
}

var defaultProfileCmd = &cobra.Command{
	Use:   "default-profile <name>",
	Short: "Set the profile used when --profile is omitted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := profile.ValidateName(args[0]); err != nil {
			return err
		}
		path := profile.GlobalConfigPath()
		cfg, err := config.LoadGlobal(path)
		if err != nil {
			cfg = &config.Global{}
		}
		cfg.DefaultProfile = args[0]
		if err := config.SaveGlobal(path, cfg); err != nil {
			return err
		}
		fmt.Printf("default profile set to %q\n", args[0])
		return nil
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List profiles and whether their daemon is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		infos, err := profile.List()
		if err != nil {
			return err
		}
		type row struct {
			profile.Info
			Running bool `json:"running"`
		}
		rows := make([]row, len(infos))
		for i, info := range infos {
			rows[i] = row{Info: info, Running: daemonRunning(info.Name)}
		}
		if jsonFlag {
			return printJSON(rows)
		}
		if len(rows) == 0 {
			fmt.Println("no profiles yet (start offsyncd to create one)")
			return nil
		}
		for _, r := range rows {
			mark := " "
			if r.Default {
				mark = "*"
			}
			state := "stopped"
			if r.Running {
				state = "running"
			}
			fmt.Printf("%s %-20s %s\n", mark, r.Name, state)
		}
		return nil
	},
}
