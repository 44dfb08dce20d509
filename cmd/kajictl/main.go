// kajictl is a command-line client for a kaji server. It speaks the same
// API as the Go SDK and reuses its run stream for live watching.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kajihq/kaji/pkg/runstate"
	sdk "github.com/kajihq/kaji/sdk/go/kaji"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "kajictl",
	Short: "Client for the kaji agent-run server",
	Long: `kajictl routes requests, starts and cancels agent runs, and follows a
run's event stream from the terminal.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer(), "kaji server base URL")

	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(escalateCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(healthCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultServer() string {
	if v := os.Getenv("KAJI_SERVER"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func newClient() (*sdk.Client, error) {
	return sdk.NewClient(sdk.Config{BaseURL: serverURL})
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func routeCmd() *cobra.Command {
	var attachments bool
	cmd := &cobra.Command{
		Use:   "route <text>",
		Short: "Classify a request without starting anything",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			decision, err := client.Route(cmd.Context(), strings.Join(args, " "), attachments)
			if err != nil {
				return err
			}
			return printJSON(decision)
		},
	}
	cmd.Flags().BoolVar(&attachments, "attachments", false, "mark the request as carrying attachments")
	return cmd
}

func dispatchCmd() *cobra.Command {
	var attachments bool
	cmd := &cobra.Command{
		Use:   "dispatch <text>",
		Short: "Route a request and start a run if the agent path wins",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			result, err := client.Dispatch(cmd.Context(), strings.Join(args, " "), attachments)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().BoolVar(&attachments, "attachments", false, "mark the request as carrying attachments")
	return cmd
}

func escalateCmd() *cobra.Command {
	var response string
	cmd := &cobra.Command{
		Use:   "escalate <text>",
		Short: "Check a chat answer for escalation and promote the request on a hit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			result, err := client.Escalate(cmd.Context(), strings.Join(args, " "), response)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&response, "response", "", "the chat answer to scan")
	_ = cmd.MarkFlagRequired("response")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show the server's health report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			health, err := client.Health(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(health)
		},
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "run", Short: "Manage agent runs"}
	cmd.AddCommand(runStartCmd())
	cmd.AddCommand(runGetCmd())
	cmd.AddCommand(runListCmd())
	cmd.AddCommand(runCancelCmd())
	cmd.AddCommand(runWatchCmd())
	cmd.AddCommand(runStateCmd())
	return cmd
}

func runStartCmd() *cobra.Command {
	var (
		minSources  int
		verifyFacts bool
		mustCreate  []string
		maxIter     int
		watch       bool
	)
	cmd := &cobra.Command{
		Use:   "start <objective>",
		Short: "Start a run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			req := sdk.StartRunRequest{Objective: strings.Join(args, " ")}
			if minSources > 0 || verifyFacts || len(mustCreate) > 0 {
				req.Requirements = &sdk.Requirements{
					MinSources:  minSources,
					MustCreate:  mustCreate,
					VerifyFacts: verifyFacts,
				}
			}
			if maxIter > 0 {
				req.Config = &sdk.RunConfig{MaxIterations: maxIter}
			}

			run, err := client.StartRun(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !watch {
				return printJSON(run)
			}
			fmt.Printf("run %s started\n", run.ID)
			return watchRun(cmd, client, run.ID)
		},
	}
	cmd.Flags().IntVar(&minSources, "min-sources", 0, "minimum sources required (0 = derive from objective)")
	cmd.Flags().BoolVar(&verifyFacts, "verify-facts", false, "require deep-verified sources")
	cmd.Flags().StringSliceVar(&mustCreate, "create", nil, "artifact types that must be created")
	cmd.Flags().IntVar(&maxIter, "max-iterations", 0, "iteration cap (0 = server default)")
	cmd.Flags().BoolVar(&watch, "watch", false, "follow the run's event stream after starting")
	return cmd
}

func runGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			run, err := client.GetRun(cmd.Context(), runID)
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}
}

func runListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			runs, err := client.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to return")
	return cmd
}

func runCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cooperative cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			result, err := client.CancelRun(cmd.Context(), runID)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func runStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <run-id>",
		Short: "Show the folded state of a run's full event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			state, err := client.RunState(cmd.Context(), runID)
			if err != nil {
				return err
			}
			return printJSON(state)
		},
	}
}

func runWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow a run's event stream until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			return watchRun(cmd, client, runID)
		},
	}
}

func watchRun(cmd *cobra.Command, client *sdk.Client, runID uuid.UUID) error {
	stream := client.Stream(runID, 0, sdk.StreamConfig{})
	defer stream.Destroy()

	stream.OnConnectionModeChange(func(mode runstate.ConnectionMode) {
		fmt.Fprintf(os.Stderr, "-- connection: %s\n", mode)
	})

	var lastPrinted int64
	stream.Subscribe(func(s runstate.FlatRunState) {
		for _, e := range s.Events {
			if e.Seq <= lastPrinted {
				continue
			}
			lastPrinted = e.Seq
			fmt.Printf("%6d  %-22s %s\n", e.Seq, e.Type, compactData(e.Data))
		}
	})

	select {
	case <-cmd.Context().Done():
		return nil
	case <-stream.Done():
	}
	if err := stream.Err(); err != nil {
		return err
	}

	state := stream.State()
	fmt.Printf("\nrun %s: %s (%d events, %d sources, %d artifacts)\n",
		runID, state.Status, len(state.Events), len(state.Sources), len(state.Artifacts))
	if state.FinalResponse != "" {
		fmt.Printf("\n%s\n", state.FinalResponse)
	}
	if state.Error != "" {
		return fmt.Errorf("run failed: %s", state.Error)
	}
	return nil
}

// compactData renders an event payload on one line, truncated for scanning.
func compactData(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	s := string(data)
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}
