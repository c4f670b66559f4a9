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
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/taskchat/internal/api"
	"github.com/matheus3301/taskchat/internal/profile"
)

var (
	profileFlag string
	jsonOut     bool
	timeout     time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "taskchatctl",
		Short:         "Control a running taskchatd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "per-command timeout")

	root.AddCommand(
		statusCmd(),
		conversationsCmd(),
		refreshCmd(),
		openCmd(),
		closeCmd(),
		moreCmd(),
		messagesCmd(),
		sendCmd(),
		readCmd(),
		chatCmd(),
		tokenCmd(),
		watchCmd(),
		configCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", describe(err))
		os.Exit(1)
	}
}

func profileName() (string, error) {
	name := profile.Resolve(profileFlag)
	if err := profile.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// withClient dials the profile's daemon and runs fn under the command timeout.
// Canceling parent, for example with Ctrl-C, aborts the call.
func withClient(parent context.Context, fn func(ctx context.Context, c *api.Client) error) error {
	name, err := profileName()
	if err != nil {
		return err
	}
	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return fn(ctx, c)
}

// describe strips the gRPC wrapping so users see the daemon's message.
func describe(err error) string {
	if st, ok := grpcstatus.FromError(err); ok {
		return fmt.Sprintf("%s (%s)", st.Message(), st.Code())
	}
	return err.Error()
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
