package coordinator

import (
	"sync"
	"time"

	playbook "github.com/parchmint/playbook-engine"
)

// RunMetrics tracks statistics about batch execution.
type RunMetrics struct {
	NodesExecuted    int
	NodesSucceeded   int
	NodesFailed      int
	NodesSkipped     int
	ModelCalls       int
	InputTokens      int
	OutputTokens     int
	TotalDuration    time.Duration
	LongestNodeTime  time.Duration
	ShortestNodeTime time.Duration

	mu sync.Mutex // Protects metrics updates
}

// reset clears the counters for a new run.
func (m *RunMetrics) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.NodesExecuted = 0
	m.NodesSucceeded = 0
	m.NodesFailed = 0
	m.NodesSkipped = 0
	m.ModelCalls = 0
	m.InputTokens = 0
	m.OutputTokens = 0
	m.TotalDuration = 0
	m.LongestNodeTime = 0
	m.ShortestNodeTime = 0
}

// recordNode folds one node result into the counters.
func (m *RunMetrics) recordNode(result *playbook.ToolResult, skipped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if skipped {
		m.NodesSkipped++
		return
	}

	m.NodesExecuted++
	if result.Success {
		m.NodesSucceeded++
	} else {
		m.NodesFailed++
	}

	m.ModelCalls += result.Execution.ModelCalls
	m.InputTokens += result.Execution.InputTokens
	m.OutputTokens += result.Execution.OutputTokens

	duration := result.Execution.Duration()
	m.TotalDuration += duration
	if duration > m.LongestNodeTime {
		m.LongestNodeTime = duration
	}
	if duration > 0 && (m.ShortestNodeTime == 0 || duration < m.ShortestNodeTime) {
		m.ShortestNodeTime = duration
	}
}

// Copy returns a copy without the mutex.
func (m *RunMetrics) Copy() RunMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return RunMetrics{
		NodesExecuted:    m.NodesExecuted,
		NodesSucceeded:   m.NodesSucceeded,
		NodesFailed:      m.NodesFailed,
		NodesSkipped:     m.NodesSkipped,
		ModelCalls:       m.ModelCalls,
		InputTokens:      m.InputTokens,
		OutputTokens:     m.OutputTokens,
		TotalDuration:    m.TotalDuration,
		LongestNodeTime:  m.LongestNodeTime,
		ShortestNodeTime: m.ShortestNodeTime,
	}
}
