package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petal-labs/grimoire/queue"
)

func enqueueConfig(t *testing.T, addr string) string {
	t.Helper()
	return writeTestFile(t, "grimoire.yaml", fmt.Sprintf(`
agent:
  id: a1
redis:
  addr: %s
  queue_key: test:jobs
`, addr))
}

func popJob(t *testing.T, mr *miniredis.Miniredis) queue.Job {
	t.Helper()
	raw, err := mr.Lpop("test:jobs")
	require.NoError(t, err)
	var job queue.Job
	require.NoError(t, json.Unmarshal([]byte(raw), &job))
	return job
}

func TestEnqueue_PushesJob(t *testing.T) {
	mr := miniredis.RunT(t)
	cfgPath := enqueueConfig(t, mr.Addr())

	stdout, _, err := executeCommand(newTestRoot(), "enqueue", "--config", cfgPath,
		"-c", "hi", "--input", `{"channel": "web"}`, "--secret", "token=abc", "--var", "lang=en")
	require.NoError(t, err)
	assert.Contains(t, stdout, "for agent a1")

	job := popJob(t, mr)
	assert.Equal(t, "a1", job.AgentID)
	assert.NotEmpty(t, job.ID)
	assert.True(t, strings.Contains(stdout, job.ID))
	assert.Equal(t, map[string]any{"content": "hi", "channel": "web"}, job.Inputs)
	assert.Equal(t, map[string]string{"token": "abc"}, job.Secrets)
	assert.Equal(t, map[string]any{"lang": "en"}, job.PublicVariables)
}

func TestEnqueue_SubspellAndJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	cfgPath := enqueueConfig(t, mr.Addr())

	stdout, _, err := executeCommand(newTestRoot(), "enqueue", "--config", cfgPath,
		"--agent-id", "a2", "--spell", "child", "--subspell", "--json")
	require.NoError(t, err)

	var printed queue.Job
	require.NoError(t, json.Unmarshal([]byte(stdout), &printed))
	job := popJob(t, mr)
	assert.Equal(t, printed.ID, job.ID)
	assert.Equal(t, "a2", job.AgentID)
	assert.Equal(t, "child", job.SpellID)
	assert.True(t, job.RunSubspell)
}

func TestEnqueue_SubspellRequiresSpell(t *testing.T) {
	mr := miniredis.RunT(t)
	cfgPath := enqueueConfig(t, mr.Addr())

	_, _, err := executeCommand(newTestRoot(), "enqueue", "--config", cfgPath, "--subspell")
	assert.Equal(t, exitInputParse, exitCode(t, err))
	assert.Zero(t, len(mr.Keys()))
}

func TestEnqueue_RequiresRedis(t *testing.T) {
	cfgPath := writeTestFile(t, "grimoire.yaml", "agent:\n  id: a1\n")
	_, _, err := executeCommand(newTestRoot(), "enqueue", "--config", cfgPath)
	assert.Equal(t, exitConfig, exitCode(t, err))
}

func TestServe_RequiresAgentID(t *testing.T) {
	cfgPath := writeTestFile(t, "grimoire.yaml", "log:\n  level: info\n")
	_, _, err := executeCommand(newTestRoot(), "serve", "--config", cfgPath)
	assert.Equal(t, exitConfig, exitCode(t, err))
}

func TestServe_BadConfig(t *testing.T) {
	cfgPath := writeTestFile(t, "grimoire.yaml", "bogus: true\n")
	_, _, err := executeCommand(newTestRoot(), "serve", "--config", cfgPath)
	assert.Equal(t, exitConfig, exitCode(t, err))
}
