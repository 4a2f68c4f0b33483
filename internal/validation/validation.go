// Package validation gates definitions and batches before the engine touches
// the system. Nothing here mutates state.
package validation

import (
	"fmt"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"tweakengine/internal/definition"
	"tweakengine/internal/tweakerr"
	"tweakengine/internal/tweakid"
)

const (
	// MaxTier is the highest tier a definition may declare.
	MaxTier = 3
	// MaxBatchActions caps apply actions across one batch.
	MaxBatchActions = 50
)

// tierBatchLimit is the largest batch allowed per tier.
var tierBatchLimit = [MaxTier + 1]int{20, 10, 3, 1}

// Active is a tweak that currently holds its base id.
type Active struct {
	ID            tweakid.ID
	ConflictsWith []tweakid.ID
}

// ValidateDefinition checks the internal consistency rules of a single definition.
func ValidateDefinition(def *definition.Definition) error {
	if def == nil {
		return tweakerr.Validationf("", "definition is nil")
	}
	if def.Tier < 0 || def.Tier > MaxTier {
		return tweakerr.Validationf("tier", "tier %d outside 0-%d", def.Tier, MaxTier)
	}
	switch def.Risk {
	case definition.RiskLow, definition.RiskMedium, definition.RiskHigh:
	default:
		return tweakerr.Validationf("risk_level", "unknown risk level %q", def.Risk)
	}
	if def.Tier >= 2 && def.Risk == definition.RiskLow {
		return tweakerr.Validationf("risk_level", "tier %d tweaks cannot be low risk", def.Tier)
	}
	if def.Tier == 3 {
		if def.Risk != definition.RiskHigh {
			return tweakerr.Validationf("risk_level", "tier 3 tweaks must be high risk")
		}
		if def.RollbackGuaranteed {
			return tweakerr.Validationf("rollback_guaranteed", "tier 3 tweaks cannot guarantee rollback")
		}
	}
	if !def.RollbackGuaranteed && strings.TrimSpace(def.RollbackLimitations) == "" {
		return tweakerr.Validationf("rollback_limitations", "required when rollback is not guaranteed")
	}

	if len(def.Scope) == 0 {
		return tweakerr.Validationf("scope", "at least one scope is required")
	}
	for i, s := range def.Scope {
		if !slices.Contains(definition.Scopes, s) {
			return tweakerr.Validationf(fmt.Sprintf("scope.%d", i), "unknown scope %q", s)
		}
	}
	if def.HasScope(definition.ScopeBoot) && !def.RequiresReboot {
		return tweakerr.Validationf("requires_reboot", "boot scoped tweaks must require a reboot")
	}

	switch def.VerifySemantics {
	case definition.VerifyDeferred:
		if strings.TrimSpace(def.VerifyNotes) == "" {
			return tweakerr.Validationf("verify_notes", "deferred verification needs explanatory notes")
		}
	case definition.VerifyRuntime:
		if def.RequiresReboot {
			return tweakerr.Validationf("verify_semantics", "a reboot-required tweak cannot be verified at runtime")
		}
	default:
		return tweakerr.Validationf("verify_semantics", "unknown verify semantics %q", def.VerifySemantics)
	}

	if len(def.Apply) == 0 {
		return tweakerr.Validationf("actions.apply", "at least one apply action is required")
	}

	if err := checkRefs("conflicts_with", def.ID, def.ConflictsWith); err != nil {
		return err
	}
	return checkRefs("dependencies", def.ID, def.Dependencies)
}

func checkRefs(field string, self tweakid.ID, refs []tweakid.ID) error {
	seen := mapset.NewThreadUnsafeSet[string]()
	for i, ref := range refs {
		if !seen.Add(ref.String()) {
			return tweakerr.Validationf(fmt.Sprintf("%s.%d", field, i), "duplicate entry %s", ref)
		}
		if self.Matches(ref) {
			return tweakerr.Validationf(fmt.Sprintf("%s.%d", field, i), "tweak references itself")
		}
	}
	return nil
}

// ValidateComposition checks a batch against itself and the active tweaks.
// It applies to batches of one as well.
func ValidateComposition(batch []*definition.Definition, active []Active) error {
	if len(batch) == 0 {
		return tweakerr.Validationf("batch", "batch is empty")
	}
	if err := checkHomogeneity(batch); err != nil {
		return err
	}

	bases := mapset.NewThreadUnsafeSet[string]()
	for _, a := range active {
		bases.Add(a.ID.Base())
	}
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, d := range batch {
		if !seen.Add(d.ID.Base()) {
			return tweakerr.Validationf("batch", "%s appears more than once in the batch", d.ID.Base())
		}
		if bases.Contains(d.ID.Base()) {
			return tweakerr.Validationf("batch", "%s is already active", d.ID.Base())
		}
	}

	if err := checkConflicts(batch, active); err != nil {
		return err
	}
	if err := checkCycles(batch); err != nil {
		return err
	}
	for _, d := range batch {
		for _, dep := range d.Dependencies {
			if !slices.ContainsFunc(active, func(a Active) bool { return a.ID.Matches(dep) }) {
				return tweakerr.Validationf("dependencies", "%s depends on %s, which is not active", d.ID, dep)
			}
		}
	}

	tier := batch[0].Tier
	if limit := tierBatchLimit[tier]; len(batch) > limit {
		return tweakerr.Validationf("batch", "tier %d batches are limited to %d tweaks, got %d", tier, limit, len(batch))
	}
	total := 0
	for _, d := range batch {
		total += len(d.Apply)
	}
	if total > MaxBatchActions {
		return tweakerr.Validationf("batch", "batch has %d actions, limit is %d", total, MaxBatchActions)
	}
	return nil
}

// ValidateAdmission re-checks one definition against the active tweaks just
// before its history entry is created: its base id must be free, no conflict
// may exist in either direction, and every dependency must still be active.
// The batch-level rules of ValidateComposition do not change in between and
// are not repeated.
func ValidateAdmission(def *definition.Definition, active []Active) error {
	for _, a := range active {
		if a.ID.Base() == def.ID.Base() {
			return tweakerr.Validationf("batch", "%s is already active as %s", def.ID.Base(), a.ID)
		}
	}
	if err := checkConflicts([]*definition.Definition{def}, active); err != nil {
		return err
	}
	for _, dep := range def.Dependencies {
		if !slices.ContainsFunc(active, func(a Active) bool { return a.ID.Matches(dep) }) {
			return tweakerr.Validationf("dependencies", "%s depends on %s, which is not active", def.ID, dep)
		}
	}
	return nil
}

func checkHomogeneity(batch []*definition.Definition) error {
	first := batch[0]
	if first.Tier < 0 || first.Tier > MaxTier {
		return tweakerr.Validationf("tier", "tier %d outside 0-%d", first.Tier, MaxTier)
	}
	boot := first.HasScope(definition.ScopeBoot)

	for _, d := range batch[1:] {
		switch {
		case d.Tier != first.Tier:
			return tweakerr.Validationf("tier", "mixed tiers in batch: %s is tier %d, %s is tier %d", first.ID, first.Tier, d.ID, d.Tier)
		case d.RequiresReboot != first.RequiresReboot:
			return tweakerr.Validationf("requires_reboot", "batch mixes reboot and non-reboot tweaks (%s, %s)", first.ID, d.ID)
		case d.RollbackGuaranteed != first.RollbackGuaranteed:
			return tweakerr.Validationf("rollback_guaranteed", "batch mixes guaranteed and non-guaranteed rollback (%s, %s)", first.ID, d.ID)
		case d.VerifySemantics != first.VerifySemantics:
			return tweakerr.Validationf("verify_semantics", "batch mixes %s and %s verification", first.VerifySemantics, d.VerifySemantics)
		case d.HasScope(definition.ScopeBoot) != boot:
			return tweakerr.Validationf("scope", "batch mixes boot and non-boot tweaks (%s, %s)", first.ID, d.ID)
		}
	}

	if len(batch) > 1 {
		if first.Tier == 3 {
			return tweakerr.Validationf("batch", "tier 3 tweaks must be applied alone")
		}
		if !first.RollbackGuaranteed {
			return tweakerr.Validationf("batch", "tweaks without guaranteed rollback must be applied alone")
		}
	}
	return nil
}

func checkConflicts(batch []*definition.Definition, active []Active) error {
	conflict := func(a, b tweakid.ID) error {
		return tweakerr.Validationf("conflicts_with", "%s conflicts with %s", a, b)
	}

	for i, d := range batch {
		for _, a := range active {
			if slices.ContainsFunc(d.ConflictsWith, a.ID.Matches) {
				return conflict(d.ID, a.ID)
			}
			if slices.ContainsFunc(a.ConflictsWith, d.ID.Matches) {
				return conflict(a.ID, d.ID)
			}
		}
		for j, o := range batch {
			if i != j && slices.ContainsFunc(d.ConflictsWith, o.ID.Matches) {
				return conflict(d.ID, o.ID)
			}
		}
	}
	return nil
}

// checkCycles rejects dependency cycles among batch members.
func checkCycles(batch []*definition.Definition) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(batch))

	var visit func(i int, path []string) error
	visit = func(i int, path []string) error {
		path = append(path, batch[i].ID.String())
		switch state[i] {
		case visiting:
			return tweakerr.Validationf("dependencies", "dependency cycle: %s", strings.Join(path, " -> "))
		case done:
			return nil
		}
		state[i] = visiting
		for _, dep := range batch[i].Dependencies {
			for j, o := range batch {
				if o.ID.Matches(dep) {
					if err := visit(j, path); err != nil {
						return err
					}
				}
			}
		}
		state[i] = done
		return nil
	}

	for i := range batch {
		if err := visit(i, nil); err != nil {
			return err
		}
	}
	return nil
}
