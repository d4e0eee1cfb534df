package instructions

import (
	"strings"

	"github.com/evolvant/cohort/internal/fault"
	"github.com/evolvant/cohort/internal/store"
)

// Boost deltas by strength word. Absent a strength word the default applies.
const (
	BoostSlight  = 0.1
	BoostDefault = 0.2
	BoostStrong  = 0.3
)

// BoostTaskSpan is how many tasks a skill boost stays active for before the
// original trait value is restored.
const BoostTaskSpan = 3

// ParseSkillBoost extracts the target trait and delta from a skill_boost
// instruction's content. The content must mention exactly one trait name;
// "slight"/"slightly" and "strong"/"strongly" scale the delta.
func ParseSkillBoost(content string) (trait string, delta float64, err error) {
	lower := strings.ToLower(content)

	for _, name := range store.TraitNames {
		// risk_taking also matches "risk taking" and "risk-taking"
		variants := []string{name, strings.ReplaceAll(name, "_", " "), strings.ReplaceAll(name, "_", "-")}
		for _, v := range variants {
			if strings.Contains(lower, v) {
				if trait != "" && trait != name {
					return "", 0, fault.New(fault.InvalidArgument, "skill_boost names more than one trait")
				}
				trait = name
			}
		}
	}
	if trait == "" {
		return "", 0, fault.New(fault.InvalidArgument, "skill_boost names no known trait")
	}

	delta = BoostDefault
	if strings.Contains(lower, "slight") {
		delta = BoostSlight
	} else if strings.Contains(lower, "strong") {
		delta = BoostStrong
	}
	return trait, delta, nil
}

// ApplyBoost raises the trait on the agent and records the original value
// so it can be restored after BoostTaskSpan tasks. A second boost on the
// same trait refreshes the span but keeps the earliest original.
func ApplyBoost(agent *store.Agent, trait string, delta float64) {
	current, ok := agent.Traits.Get(trait)
	if !ok {
		return
	}
	if agent.Boosts == nil {
		agent.Boosts = make(map[string]store.Boost)
	}
	b, exists := agent.Boosts[trait]
	if !exists {
		b = store.Boost{Original: current}
	}
	b.RemainingTasks = BoostTaskSpan
	agent.Boosts[trait] = b
	agent.Traits.Set(trait, current+delta)
}

// DecayBoosts counts one finished task against every active boost and
// restores traits whose span ran out.
func DecayBoosts(agent *store.Agent, tasksFinished int) {
	for trait, b := range agent.Boosts {
		b.RemainingTasks -= tasksFinished
		if b.RemainingTasks <= 0 {
			agent.Traits.Set(trait, b.Original)
			delete(agent.Boosts, trait)
			continue
		}
		agent.Boosts[trait] = b
	}
}
