package cli

import (
	"encoding/json"
	"fmt"

	backend "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/petal-labs/grimoire/queue"
)

// NewEnqueueCmd creates the "enqueue" subcommand.
func NewEnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a run job for an agent",
		Long:  "Push a run job onto the Redis job queue configured in redis.addr and redis.queue_key.",
		Args:  cobra.NoArgs,
		RunE:  runEnqueue,
	}

	cmd.Flags().String("config", "", "Path to grimoire.yaml (default: ./grimoire.yaml, then ~/.grimoire/config.yaml)")
	cmd.Flags().String("agent-id", "", "Target agent (default: agent.id)")
	cmd.Flags().String("spell", "", "Spell to run (default: the agent's root spell)")
	cmd.Flags().Bool("subspell", false, "Run --spell as a subspell of the agent")
	cmd.Flags().String("component", "", "Component name passed with the inputs")
	cmd.Flags().StringP("input", "i", "", "Input data as inline JSON object")
	cmd.Flags().StringP("input-file", "f", "", "Input data from a JSON file")
	cmd.Flags().StringP("content", "c", "", "Message content (sets inputs.content)")
	cmd.Flags().StringArray("secret", nil, "Run secret as key=value (repeatable)")
	cmd.Flags().StringArray("var", nil, "Public variable as key=value (repeatable)")
	cmd.Flags().Bool("json", false, "Print the queued job as JSON")

	return cmd
}

func runEnqueue(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Redis.Enabled() {
		return exitError(exitConfig, "redis.addr is required to enqueue jobs")
	}

	agentID, _ := cmd.Flags().GetString("agent-id")
	if agentID == "" {
		agentID = cfg.Agent.ID
	}
	if agentID == "" {
		return exitError(exitInputParse, "no target agent: set --agent-id or agent.id")
	}

	req, err := buildRunRequest(cmd)
	if err != nil {
		return err
	}

	job := queue.NewJob(agentID)
	job.SpellID, _ = cmd.Flags().GetString("spell")
	job.RunSubspell, _ = cmd.Flags().GetBool("subspell")
	job.ComponentName, _ = cmd.Flags().GetString("component")
	job.Inputs = req.Inputs
	if len(req.Secrets) > 0 {
		job.Secrets = req.Secrets
	}
	if len(req.PublicVariables) > 0 {
		job.PublicVariables = req.PublicVariables
	}
	if job.RunSubspell && job.SpellID == "" {
		return exitError(exitInputParse, "--subspell requires --spell")
	}

	client := backend.NewUniversalClient(&backend.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = client.Close() }()

	q := queue.NewRedisQueue(client, queue.WithKey(cfg.Redis.QueueKey))
	if err := q.Push(cmd.Context(), job); err != nil {
		return exitError(exitRuntime, "queueing job: %v", err)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued job %s for agent %s\n", job.ID, agentID)
	return nil
}
