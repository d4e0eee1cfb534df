package workflow

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/evolvant/cohort/internal/fault"
	"github.com/evolvant/cohort/internal/instructions"
	"github.com/evolvant/cohort/internal/store"
)

// debrief folds one run's outcome back into the agents, writes the
// deliverable files and, unless the kickoff disabled evolution, gives the
// evolution engine a look at everyone who worked. Failures here degrade the
// debrief, never the run outcome.
func (e *Engine) debrief(crew *store.Crew, agents []*store.Agent, r *run, result *store.CrewResult) {
	if result == nil {
		return
	}
	_, _, _, _, applied := r.live.Snapshot()
	result.InstructionsApplied = applied

	byID := make(map[string]*store.Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}

	perAgentTasks := make(map[string]int, len(agents))
	for _, tr := range result.TaskResults {
		a := byID[tr.AgentID]
		if a == nil {
			continue
		}
		perAgentTasks[a.ID]++
		if tr.Success {
			a.TasksCompleted++
			a.ConsecutiveFailures = 0
		} else {
			a.TasksFailed++
			a.ConsecutiveFailures++
		}
		// exponential moving average over task duration
		if a.AvgTaskSeconds == 0 {
			a.AvgTaskSeconds = tr.Seconds
		} else {
			a.AvgTaskSeconds = a.AvgTaskSeconds*0.7 + tr.Seconds*0.3
		}
	}

	for _, a := range agents {
		n := perAgentTasks[a.ID]
		if n == 0 {
			continue
		}
		a.Collaboration = a.Collaboration*0.8 + result.Dynamics.Collaboration*0.2
		a.Experiences = append(a.Experiences,
			fmt.Sprintf("workflow %s: worked %d task(s) for crew %q", r.workflowID, n, crew.Name))
		instructions.DecayBoosts(a, n)

		should, cause := e.evo.ShouldEvolve(a, false)
		a.Reflections = append(a.Reflections, store.Reflection{
			At:           time.Now().UTC(),
			Summary:      fmt.Sprintf("after workflow %s: %d/%d lifetime tasks succeeded", r.workflowID, a.TasksCompleted, a.TaskCount()),
			ShouldEvolve: should,
		})
		if err := e.store.SaveAgent(a); err != nil {
			e.logger.Warn("debrief save agent", zap.String("agent_id", a.ID), zap.Error(err))
			continue
		}

		if should && r.allowEvolution {
			strategy := e.evo.ChooseStrategy(a)
			if _, err := e.evo.Evolve(a.ID, cause, strategy, false); err != nil && !fault.Is(err, fault.Conflict) {
				e.logger.Warn("post-run evolution",
					zap.String("agent_id", a.ID),
					zap.String("strategy", strategy),
					zap.Error(err))
			}
		}
	}

	result.Deliverables = e.writeDeliverables(r.workflowID, crew, result)
}

// writeDeliverables stores per-task outputs and the consolidated report,
// returning the filenames that made it to disk.
func (e *Engine) writeDeliverables(workflowID string, crew *store.Crew, result *store.CrewResult) []string {
	var names []string
	for _, tr := range result.TaskResults {
		path, err := e.output.WriteTaskResult(workflowID, tr.Index, tr.Output)
		if err != nil {
			e.logger.Warn("write task deliverable",
				zap.String("workflow_id", workflowID),
				zap.Int("task", tr.Index),
				zap.Error(err))
			continue
		}
		names = append(names, filepath.Base(path))
	}

	path, err := e.output.WriteFinalReport(workflowID, finalReport(crew, result))
	if err != nil {
		e.logger.Warn("write final report", zap.String("workflow_id", workflowID), zap.Error(err))
		return names
	}
	return append(names, filepath.Base(path))
}

func finalReport(crew *store.Crew, result *store.CrewResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Final Report: %s\n\n", crew.Name)
	fmt.Fprintf(&b, "%s\n\n", result.Summary)

	succeeded := 0
	for _, tr := range result.TaskResults {
		if tr.Success {
			succeeded++
		}
	}
	fmt.Fprintf(&b, "Tasks: %d/%d succeeded\n", succeeded, len(result.TaskResults))
	fmt.Fprintf(&b, "Instructions applied mid-run: %d\n\n", result.InstructionsApplied)

	if len(result.Insights) > 0 {
		b.WriteString("Insights:\n")
		for _, s := range result.Insights {
			fmt.Fprintf(&b, "  - %s\n", s)
		}
		b.WriteString("\n")
	}
	if len(result.Lessons) > 0 {
		b.WriteString("Lessons:\n")
		for _, s := range result.Lessons {
			fmt.Fprintf(&b, "  - %s\n", s)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Team dynamics: collaboration %.2f, communication %.2f, fairness %.2f\n",
		result.Dynamics.Collaboration, result.Dynamics.Communication, result.Dynamics.Fairness)
	return b.String()
}
