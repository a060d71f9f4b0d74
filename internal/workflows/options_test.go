package workflows

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"
)

// A lost worker must be detected within the 30s heartbeat window for the
// activity kinds that stream or block.
func TestHeartbeatWindows(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()

	wf := func(ctx workflow.Context) error {
		llm := workflow.GetActivityOptions(llmOptions(ctx, 0))
		if llm.HeartbeatTimeout > 30*time.Second {
			return fmt.Errorf("llm heartbeat window too wide: %s", llm.HeartbeatTimeout)
		}
		if llm.StartToCloseTimeout != 10*time.Minute {
			return fmt.Errorf("llm default start-to-close: %s", llm.StartToCloseTimeout)
		}
		sb := workflow.GetActivityOptions(sandboxOptions(ctx))
		if sb.HeartbeatTimeout > 30*time.Second {
			return fmt.Errorf("sandbox heartbeat window too wide: %s", sb.HeartbeatTimeout)
		}
		return nil
	}
	env.RegisterWorkflow(wf)
	env.ExecuteWorkflow(wf)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
}
