package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/grimoire/agent"
	"github.com/petal-labs/grimoire/bus"
	"github.com/petal-labs/grimoire/config"
	"github.com/petal-labs/grimoire/graph"
	"github.com/petal-labs/grimoire/loader"
	"github.com/petal-labs/grimoire/plugins/coreplugin"
	"github.com/petal-labs/grimoire/runtime"
)

// runAgentID is the agent one-shot runs execute under.
const runAgentID = "cli"

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a spell file once",
		Long: "Load a spell file, deliver one message to its core/onMessage nodes " +
			"and print the graph outputs once the event settles.",
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}

	cmd.Flags().StringP("input", "i", "", "Input data as inline JSON object")
	cmd.Flags().StringP("input-file", "f", "", "Input data from a JSON file")
	cmd.Flags().StringP("content", "c", "", "Message content (sets inputs.content)")
	cmd.Flags().String("channel", "", "Message channel")
	cmd.Flags().StringArray("secret", nil, "Run secret as key=value (repeatable)")
	cmd.Flags().StringArray("var", nil, "Public variable as key=value (repeatable)")
	cmd.Flags().StringP("output", "o", "", "Write the result to file (default: stdout)")
	cmd.Flags().String("format", "pretty", "Output format: json | text | pretty")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Execution timeout")
	cmd.Flags().Bool("dry-run", false, "Validate only, do not execute")
	cmd.Flags().Bool("stream", false, "Write spell telemetry to stderr as JSON lines")

	return cmd
}

// runResult is the outcome written by the run command.
type runResult struct {
	SpellID   string         `json:"spellId"`
	EventID   string         `json:"eventId"`
	Status    string         `json:"status"`
	Outputs   map[string]any `json:"outputs"`
	Actions   []runAction    `json:"actions,omitempty"`
	ElapsedMs int64          `json:"elapsedMs"`
}

type runAction struct {
	Action string `json:"action"`
	Data   any    `json:"data,omitempty"`
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	reg, err := nodeRegistry()
	if err != nil {
		return exitError(exitRuntime, "assembling node registry: %v", err)
	}
	sp, err := loadSpellForRun(cmd, filePath, reg)
	if err != nil {
		return err
	}

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "Validation successful.")
		return nil
	}

	req, err := buildRunRequest(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(cmd, cmd.ErrOrStderr(), config.LogConfig{Level: "warn"})
	if err != nil {
		return err
	}

	ctx, cancel, timeout := runContext(cmd)
	defer cancel()

	b := bus.NewMemBus(bus.MemBusConfig{})
	defer func() { _ = b.Close() }()
	actions, err := b.Subscribe(ctx, bus.ActionTopic(runAgentID))
	if err != nil {
		return exitError(exitRuntime, "subscribing to actions: %v", err)
	}
	defer func() { _ = actions.Close() }()

	schedCfg := runtime.DefaultConfig()
	if stream, _ := cmd.Flags().GetBool("stream"); stream {
		schedCfg.Telemetry = streamTelemetry(cmd.ErrOrStderr())
	}

	a, err := agent.New(agent.Config{
		ID:        runAgentID,
		Providers: extraProviders(),
		Scheduler: schedCfg,
		Bus:       b,
		Logger:    logger,
	})
	if err != nil {
		return exitError(exitRuntime, "creating agent: %v", err)
	}
	defer stopAgent(a)

	if err := a.LoadSpell(ctx, *sp); err != nil {
		return exitError(exitRuntime, "loading spell: %v", err)
	}
	sched, ok := a.Scheduler(sp.ID)
	if !ok {
		return exitError(exitRuntime, "spell %s not loaded", sp.ID)
	}

	out, err := sched.Run(ctx, req)
	if err != nil {
		return runRuntimeError(ctx, timeout, err)
	}

	// Dispose flushes the telemetry still held by the debounce windows.
	stopAgent(a)

	return writeOutput(cmd, runResult{
		SpellID:   sp.ID,
		EventID:   out.EventID,
		Status:    string(out.Status),
		Outputs:   out.Outputs,
		Actions:   drainActions(actions),
		ElapsedMs: out.Elapsed.Milliseconds(),
	})
}

func loadSpellForRun(cmd *cobra.Command, filePath string, types graph.NodeTypes) (*graph.Spell, error) {
	sp, err := loader.LoadSpell(filePath, loader.WithNodeTypes(types))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		var diagErr *loader.DiagnosticError
		if errors.As(err, &diagErr) {
			printDiagnosticsText(cmd.ErrOrStderr(), diagErr.Diagnostics)
			return nil, exitError(exitValidation, "validation failed")
		}
		return nil, exitError(exitWrongSchema, "%v", err)
	}
	return sp, nil
}

func runContext(cmd *cobra.Command) (context.Context, context.CancelFunc, time.Duration) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return ctx, cancel, timeout
}

func runRuntimeError(ctx context.Context, timeout time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return exitError(exitTimeout, "execution timed out after %s", timeout)
	}
	return exitError(exitRuntime, "execution failed: %v", err)
}

func stopAgent(a *agent.Agent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Stop(ctx)
}

// buildRunRequest creates the message delivered to the spell from the input
// flags.
func buildRunRequest(cmd *cobra.Command) (runtime.RunRequest, error) {
	inputs, err := readInputs(cmd)
	if err != nil {
		return runtime.RunRequest{}, err
	}
	if content, _ := cmd.Flags().GetString("content"); content != "" {
		inputs["content"] = content
	}

	secretFlags, _ := cmd.Flags().GetStringArray("secret")
	secrets, err := parseAssignments(secretFlags)
	if err != nil {
		return runtime.RunRequest{}, exitError(exitInputParse, "invalid --secret: %v", err)
	}
	varFlags, _ := cmd.Flags().GetStringArray("var")
	vars, err := parseAssignments(varFlags)
	if err != nil {
		return runtime.RunRequest{}, exitError(exitInputParse, "invalid --var: %v", err)
	}
	publicVars := make(map[string]any, len(vars))
	for k, v := range vars {
		publicVars[k] = v
	}

	channel, _ := cmd.Flags().GetString("channel")
	return runtime.RunRequest{
		Dependency:      coreplugin.EmitterKey,
		EventName:       coreplugin.MessageReceived,
		Inputs:          inputs,
		Secrets:         secrets,
		PublicVariables: publicVars,
		Channel:         channel,
	}, nil
}

// readInputs decodes --input or --input-file.
func readInputs(cmd *cobra.Command) (map[string]any, error) {
	inputStr, _ := cmd.Flags().GetString("input")
	inputFile, _ := cmd.Flags().GetString("input-file")

	if inputStr != "" && inputFile != "" {
		return nil, exitError(exitInputParse, "cannot specify both --input and --input-file")
	}
	if inputStr == "" && inputFile == "" {
		return make(map[string]any), nil
	}

	var data []byte
	if inputStr != "" {
		data = []byte(inputStr)
	} else {
		var err error
		data, err = os.ReadFile(inputFile) // #nosec G304 -- path from user CLI flag
		if err != nil {
			return nil, exitError(exitFileNotFound, "reading input file: %v", err)
		}
	}

	var inputs map[string]any
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, exitError(exitInputParse, "parsing input JSON: %v", err)
	}
	if inputs == nil {
		inputs = make(map[string]any)
	}
	return inputs, nil
}

// parseAssignments parses key=value pairs.
func parseAssignments(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

// streamTelemetry writes relayed telemetry events as JSON lines.
func streamTelemetry(w io.Writer) runtime.EventHandler {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(e runtime.Event) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(e.Fields())
	}
}

// drainActions collects the action messages published so far. The memory
// bus delivers synchronously, so every action of a settled run is buffered.
func drainActions(sub bus.Subscription) []runAction {
	var out []runAction
	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return out
			}
			name, _ := msg.Payload["action"].(string)
			out = append(out, runAction{Action: name, Data: msg.Payload["data"]})
		default:
			return out
		}
	}
}

// writeOutput formats and writes the run result.
func writeOutput(cmd *cobra.Command, res runResult) error {
	format, _ := cmd.Flags().GetString("format")
	outputPath, _ := cmd.Flags().GetString("output")

	var output string
	switch format {
	case "json":
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return exitError(exitRuntime, "marshaling output: %v", err)
		}
		output = string(data)
	case "text":
		output = formatText(res)
	case "pretty":
		output = formatPretty(res)
	default:
		return exitError(exitInputParse, "unknown format %q (use json, text, or pretty)", format)
	}

	if outputPath != "" {
		if err := os.WriteFile(outputPath, []byte(output+"\n"), 0600); err != nil {
			return exitError(exitRuntime, "writing output file: %v", err)
		}
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), output)
	return nil
}

// formatText returns the single graph output, or one name=value line per
// output.
func formatText(res runResult) string {
	keys := sortedKeys(res.Outputs)
	if len(keys) == 1 {
		return fmt.Sprintf("%v", res.Outputs[keys[0]])
	}
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s=%v", k, res.Outputs[k]))
	}
	return strings.Join(lines, "\n")
}

// formatPretty returns a human-readable summary of the run.
func formatPretty(res runResult) string {
	var sb strings.Builder

	sb.WriteString("=== Output ===\n")
	for _, k := range sortedKeys(res.Outputs) {
		sb.WriteString(fmt.Sprintf("  %s: %v\n", k, res.Outputs[k]))
	}

	if len(res.Actions) > 0 {
		sb.WriteString(fmt.Sprintf("\n=== Actions (%d) ===\n", len(res.Actions)))
		for _, a := range res.Actions {
			sb.WriteString(fmt.Sprintf("  [%s] %v\n", a.Action, a.Data))
		}
	}

	sb.WriteString("\n=== Event ===\n")
	sb.WriteString(fmt.Sprintf("  Spell:   %s\n", res.SpellID))
	sb.WriteString(fmt.Sprintf("  ID:      %s\n", res.EventID))
	sb.WriteString(fmt.Sprintf("  Status:  %s\n", res.Status))
	sb.WriteString(fmt.Sprintf("  Elapsed: %dms\n", res.ElapsedMs))

	return sb.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
