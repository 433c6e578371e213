package ctl

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"visiond/pkg/types"
)

// buildRootCmd is a convenience for help-only fallbacks.
func buildRootCmd() *cobra.Command { return buildRootCmdWith(defaultConfig()) }

// buildRootCmdWith constructs the Cobra command tree wired to a daemon client.
func buildRootCmdWith(cfg *Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "visionctl",
		Short:         "Client for the visiond inference daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags -> Config
	root.PersistentFlags().String("addr", cfg.Addr, "Daemon base URL (defaults VISIOND_ADDR or http://127.0.0.1:8080)")
	root.PersistentFlags().Duration("timeout", cfg.Timeout, "HTTP request timeout")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if f := cmd.InheritedFlags().Lookup("addr"); f != nil {
			if v := f.Value.String(); v != "" {
				cfg.Addr = v
			}
		}
		if f := cmd.InheritedFlags().Lookup("timeout"); f != nil {
			if d, err := time.ParseDuration(f.Value.String()); err == nil && d > 0 {
				cfg.Timeout = d
			}
		}
	}
	client := func() *Client { return NewClient(cfg.Addr, cfg.Timeout) }

	// models
	modelsCmd := &cobra.Command{Use: "models", Short: "List catalog models", Example: "  visionctl models", RunE: func(cmd *cobra.Command, args []string) error {
		models, err := client().Models(cmd.Context())
		if err != nil {
			return err
		}
		for _, m := range models {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s/%s/%s\n", m.ID, m.Name, m.Spec.Backend, m.Spec.RuntimeVersion, m.Spec.HardwareClass)
		}
		return nil
	}}
	root.AddCommand(modelsCmd)

	// status
	statusCmd := &cobra.Command{Use: "status", Short: "Show daemon status", Example: "  visionctl status", RunE: func(cmd *cobra.Command, args []string) error {
		st, err := client().Status(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, st)
	}}
	root.AddCommand(statusCmd)

	// metrics
	metricsCmd := &cobra.Command{Use: "metrics", Short: "Show daemon metrics summary", RunE: func(cmd *cobra.Command, args []string) error {
		m, err := client().Metrics(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, m)
	}}
	root.AddCommand(metricsCmd)

	// env group
	envCmd := &cobra.Command{Use: "env", Short: "Inspect, provision and repair environments", RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("env requires a subcommand: list|provision|repair")
	}}
	envList := &cobra.Command{Use: "list", Short: "List known environments", Example: "  visionctl env list", RunE: func(cmd *cobra.Command, args []string) error {
		envs, err := client().Environments(cmd.Context())
		if err != nil {
			return err
		}
		for _, e := range envs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s/%s/%s\t%s\n", e.Key, e.Status, e.Spec.Backend, e.Spec.RuntimeVersion, e.Spec.HardwareClass, e.Root)
		}
		return nil
	}}
	envRepair := &cobra.Command{Use: "repair <key>", Short: "Re-provision an environment from scratch", Example: "  visionctl env repair 9f86d081…", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		env, err := client().Repair(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, env)
	}}
	envProvision := &cobra.Command{Use: "provision <model>", Short: "Warm the environment a model needs", Example: "  visionctl env provision yolov5", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		env, err := client().Provision(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, env)
	}}
	envCmd.AddCommand(envList, envProvision, envRepair)
	root.AddCommand(envCmd)

	// hw
	hwCmd := &cobra.Command{Use: "hw", Short: "Show the daemon's detected hardware capability", RunE: func(cmd *cobra.Command, args []string) error {
		st, err := client().Status(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, st.Capability)
	}}
	root.AddCommand(hwCmd)

	// invoke
	var (
		payload     string
		payloadFile string
		timeoutMs   int
		wait        bool
		interval    time.Duration
	)
	invokeCmd := &cobra.Command{Use: "invoke <model>", Short: "Submit an inference call", Example: "  visionctl invoke yolov5 --payload '{\"image\":\"/data/cat.jpg\"}' --wait", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := loadPayload(payload, payloadFile)
		if err != nil {
			return err
		}
		cl := client()
		id, err := cl.Invoke(cmd.Context(), types.InvokeRequest{Model: args[0], Payload: raw, TimeoutMs: timeoutMs})
		if err != nil {
			return err
		}
		if !wait {
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		}
		st, err := cl.Wait(cmd.Context(), id, interval)
		if err != nil {
			return err
		}
		if err := printJSON(cmd, st); err != nil {
			return err
		}
		if st.State != types.CallSucceeded {
			return fmt.Errorf("call %s %s: %s", id, st.State, st.Error)
		}
		return nil
	}}
	invokeCmd.Flags().StringVar(&payload, "payload", "", "Inline JSON payload")
	invokeCmd.Flags().StringVar(&payloadFile, "payload-file", "", "Read JSON payload from file (- for stdin)")
	invokeCmd.Flags().IntVar(&timeoutMs, "timeout-ms", 0, "Call timeout in milliseconds (0 uses the server default)")
	invokeCmd.Flags().BoolVar(&wait, "wait", false, "Poll until the call finishes")
	invokeCmd.Flags().DurationVar(&interval, "poll-interval", 250*time.Millisecond, "Polling interval with --wait")
	root.AddCommand(invokeCmd)

	// call group
	callCmd := &cobra.Command{Use: "call", Short: "Inspect and cancel calls", RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("call requires a subcommand: status|wait|cancel")
	}}
	callStatus := &cobra.Command{Use: "status <call-id>", Short: "Show the state of one call", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		st, err := client().CallStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, st)
	}}
	callWait := &cobra.Command{Use: "wait <call-id>", Short: "Poll a call until it finishes", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		st, err := client().Wait(cmd.Context(), args[0], 250*time.Millisecond)
		if err != nil {
			return err
		}
		return printJSON(cmd, st)
	}}
	callCancel := &cobra.Command{Use: "cancel <call-id>", Short: "Request cancellation of a call", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := client().Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, resp)
	}}
	callCmd.AddCommand(callStatus, callWait, callCancel)
	root.AddCommand(callCmd)

	// completion command
	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(os.Stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(os.Stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(os.Stdout, true) }})
	completionCmd.AddCommand(&cobra.Command{Use: "powershell", Short: "PowerShell completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenPowerShellCompletionWithDesc(os.Stdout) }})
	root.AddCommand(completionCmd)

	return root
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadPayload resolves the invoke payload from --payload or --payload-file
// and validates that it is well-formed JSON before sending it anywhere.
func loadPayload(inline, file string) (json.RawMessage, error) {
	var raw []byte
	switch {
	case inline != "" && file != "":
		return nil, fmt.Errorf("--payload and --payload-file are mutually exclusive")
	case inline != "":
		raw = []byte(inline)
	case file == "-":
		b, err := readAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		raw = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		raw = []byte("{}")
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}
