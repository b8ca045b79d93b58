package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/offsync/internal/api"
	"github.com/matheus3301/offsync/internal/lock"
	"github.com/matheus3301/offsync/internal/profile"
)

var (
	profileFlag string
	jsonFlag    bool
	timeoutFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "offsyncctl",
	Short:         "Control a running offsync daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return profile.ValidateName(profileName())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 30*time.Second, "request timeout")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", describe(err))
		stop()
		os.Exit(1)
	}
}

func profileName() string {
	return profile.Resolve(profileFlag)
}

// withClient dials the daemon of the active profile and runs fn with a
// request-scoped context.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *api.Client) error) error {
	name := profileName()
	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
	defer cancel()
	if err := fn(ctx, c); err != nil {
		if grpcstatus.Code(err) == codes.Unavailable && !daemonRunning(name) {
			return fmt.Errorf("no daemon running for profile %q (start offsyncd --profile %s)", name, name)
		}
		return err
	}
	return nil
}

func daemonRunning(name string) bool {
	owner, err := lock.Inspect(profile.LockPath(name))
	return err == nil && owner.PID != 0
}

// describe strips the gRPC envelope from daemon errors.
func describe(err error) string {
	if st, ok := grpcstatus.FromError(err); ok {
		return st.Message()
	}
	return err.Error()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
