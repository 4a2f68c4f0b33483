package definition

import (
	"fmt"
	"strings"

	"tweakengine/internal/action"
)

// Explain renders a read-only, human-readable account of what applying def
// would do and how it can be undone.
func Explain(def *Definition) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s (%s)\n", def.Name, def.ID)
	if def.Description != "" && def.Description != def.Name {
		fmt.Fprintf(&b, "  %s\n", def.Description)
	}
	fmt.Fprintf(&b, "\nTier %d, %s risk, scope: %s\n", def.Tier, def.Risk, joinScopes(def.Scope))

	if def.RequiresReboot {
		b.WriteString("Requires a reboot to take effect.\n")
	}
	if def.RollbackGuaranteed {
		b.WriteString("Rollback: guaranteed from recorded snapshots.\n")
	} else {
		fmt.Fprintf(&b, "Rollback: NOT guaranteed. %s\n", def.RollbackLimitations)
	}

	b.WriteString("\nApply:\n")
	for i, a := range def.Apply {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, action.Describe(a))
	}

	switch {
	case def.VerifySemantics == VerifyDeferred:
		fmt.Fprintf(&b, "\nVerification deferred: %s\n", def.VerifyNotes)
	case len(def.Verify) == 0:
		b.WriteString("\nNo verification checks declared.\n")
	default:
		b.WriteString("\nVerify:\n")
	}
	for i, a := range def.Verify {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, action.Describe(a))
	}

	if len(def.ConflictsWith) > 0 {
		fmt.Fprintf(&b, "\nConflicts with: %s\n", joinIDs(def.ConflictsWith))
	}
	if len(def.Dependencies) > 0 {
		fmt.Fprintf(&b, "Depends on: %s\n", joinIDs(def.Dependencies))
	}
	return b.String()
}

func joinScopes(s []Scope) string {
	parts := make([]string, len(s))
	for i, v := range s {
		parts[i] = string(v)
	}
	return strings.Join(parts, ", ")
}

func joinIDs[T fmt.Stringer](ids []T) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}
