// Package migration validates and applies migration plans that move
// running process instances from one process-definition version to
// another, preserving token position and variable scope.
//
// Validation failures are data, not errors: each instance gets a
// report, and an instance with a non-empty report is left completely
// untouched. The instance-level rewrite is all-or-nothing.
package migration

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"process-engine/internal/models"
	"process-engine/internal/store"
)

// InstanceFailure collects the reasons one source scope cannot be
// migrated.
type InstanceFailure struct {
	SourceScopeID string   `json:"source_scope_id"`
	Reasons       []string `json:"reasons"`
}

// InstanceReport is the per-instance validation result. For a clean
// report, EnteredScopeIDs lists the target scopes the instance enters
// for the first time; their enter listeners fire on migration.
type InstanceReport struct {
	ProcessInstanceID string            `json:"process_instance_id"`
	Failures          []InstanceFailure `json:"failures,omitempty"`
	EnteredScopeIDs   []string          `json:"entered_scope_ids,omitempty"`
}

// OK reports whether the instance passed validation.
func (r InstanceReport) OK() bool { return len(r.Failures) == 0 }

// String renders the report in a form suitable for incident messages.
func (r InstanceReport) String() string {
	if r.OK() {
		return fmt.Sprintf("process instance %s: ok", r.ProcessInstanceID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "process instance %s cannot be migrated:", r.ProcessInstanceID)
	for _, f := range r.Failures {
		fmt.Fprintf(&b, " [%s: %s]", f.SourceScopeID, strings.Join(f.Reasons, "; "))
	}
	return b.String()
}

func (r *InstanceReport) addFailure(scopeID, reason string) {
	for i := range r.Failures {
		if r.Failures[i].SourceScopeID == scopeID {
			r.Failures[i].Reasons = append(r.Failures[i].Reasons, reason)
			return
		}
	}
	r.Failures = append(r.Failures, InstanceFailure{SourceScopeID: scopeID, Reasons: []string{reason}})
}

// BuildPlan checks the structural validity of a set of mapping
// instructions between two definitions. A malformed plan aborts the
// whole operation before any instance is considered.
func BuildPlan(source, target models.ProcessDefinition, instructions []models.MigrationInstruction) (models.MigrationPlan, error) {
	if len(instructions) == 0 {
		return models.MigrationPlan{}, fmt.Errorf("migration plan has no instructions")
	}
	seen := make(map[string]bool)
	for _, in := range instructions {
		if in.SourceActivityID == "" || in.TargetActivityID == "" {
			return models.MigrationPlan{}, fmt.Errorf("migration instruction with empty activity id")
		}
		if seen[in.SourceActivityID] {
			return models.MigrationPlan{}, fmt.Errorf("duplicate migration instruction for activity %q", in.SourceActivityID)
		}
		seen[in.SourceActivityID] = true
		if _, ok := source.ActivityByID(in.SourceActivityID); !ok {
			return models.MigrationPlan{}, fmt.Errorf("source activity %q does not exist in definition %s", in.SourceActivityID, source.ID)
		}
		if _, ok := target.ActivityByID(in.TargetActivityID); !ok {
			return models.MigrationPlan{}, fmt.Errorf("target activity %q does not exist in definition %s", in.TargetActivityID, target.ID)
		}
	}
	return models.MigrationPlan{
		SourceProcessDefinitionID: source.ID,
		TargetProcessDefinitionID: target.ID,
		Instructions:              instructions,
	}, nil
}

// Validate builds the per-instance report for one source instance. The
// instance itself is not modified.
func Validate(plan models.MigrationPlan, source, target models.ProcessDefinition, inst models.ProcessInstance) InstanceReport {
	report := InstanceReport{ProcessInstanceID: inst.ID}

	if inst.ProcessDefinitionID != plan.SourceProcessDefinitionID {
		report.addFailure(inst.ID, fmt.Sprintf("instance belongs to definition %s, plan migrates from %s", inst.ProcessDefinitionID, plan.SourceProcessDefinitionID))
		return report
	}

	for _, ai := range inst.ActivityInstances {
		if ai.ActivityID == "" {
			// Process-scope root, carried over implicitly.
			continue
		}
		targetID, ok := plan.TargetFor(ai.ActivityID)
		if !ok {
			report.addFailure(ai.ActivityID, "no migration instruction for activity")
			continue
		}
		targetAct, ok := target.ActivityByID(targetID)
		if !ok {
			report.addFailure(ai.ActivityID, fmt.Sprintf("target activity %q does not exist", targetID))
			continue
		}
		validateScopeNesting(&report, plan, source, target, ai.ActivityID, targetAct)
	}

	for _, ti := range inst.TransitionInstances {
		targetID, ok := plan.TargetFor(ti.ActivityID)
		if !ok {
			report.addFailure(ti.ActivityID, "no migration instruction for transition target activity")
			continue
		}
		if _, ok := target.ActivityByID(targetID); !ok {
			report.addFailure(ti.ActivityID, fmt.Sprintf("transition target activity %q no longer exists", targetID))
		}
	}

	return report
}

// validateScopeNesting checks that the mapped target sits under the
// image of the source's nearest mapped ancestor scope, and that the
// mapping does not cross a multi-instance body boundary.
func validateScopeNesting(report *InstanceReport, plan models.MigrationPlan, source, target models.ProcessDefinition, sourceActivityID string, targetAct models.Activity) {
	if miDepth(source, sourceActivityID) != miDepth(target, targetAct.ID) {
		report.addFailure(sourceActivityID, "mapping crosses a multi-instance body boundary")
	}

	ancestor, mapped := nearestMappedAncestor(plan, source, sourceActivityID)
	if !mapped {
		// Nearest mapped scope is the process root; the target may sit
		// anywhere.
		return
	}
	expectedParent, _ := plan.TargetFor(ancestor)
	if !isAncestor(target, expectedParent, targetAct.ID) {
		report.addFailure(sourceActivityID,
			fmt.Sprintf("target activity %q is not nested under %q, the image of its source scope %q", targetAct.ID, expectedParent, ancestor))
	}
}

// nearestMappedAncestor walks the scope chain upwards and returns the
// first ancestor activity covered by a plan instruction.
func nearestMappedAncestor(plan models.MigrationPlan, def models.ProcessDefinition, activityID string) (string, bool) {
	act, ok := def.ActivityByID(activityID)
	if !ok {
		return "", false
	}
	for parent := act.ParentID; parent != ""; {
		if _, mapped := plan.TargetFor(parent); mapped {
			return parent, true
		}
		pa, ok := def.ActivityByID(parent)
		if !ok {
			return "", false
		}
		parent = pa.ParentID
	}
	return "", false
}

// isAncestor reports whether ancestorID appears on activityID's parent
// chain.
func isAncestor(def models.ProcessDefinition, ancestorID, activityID string) bool {
	act, ok := def.ActivityByID(activityID)
	if !ok {
		return false
	}
	for parent := act.ParentID; parent != ""; {
		if parent == ancestorID {
			return true
		}
		pa, ok := def.ActivityByID(parent)
		if !ok {
			return false
		}
		parent = pa.ParentID
	}
	return false
}

// miDepth counts multi-instance bodies strictly above an activity.
func miDepth(def models.ProcessDefinition, activityID string) int {
	depth := 0
	act, ok := def.ActivityByID(activityID)
	if !ok {
		return 0
	}
	for parent := act.ParentID; parent != ""; {
		pa, ok := def.ActivityByID(parent)
		if !ok {
			break
		}
		if pa.MultiInstance {
			depth++
		}
		parent = pa.ParentID
	}
	return depth
}

// Executor validates and applies migrations against the store.
type Executor struct {
	st  store.Store
	log *zap.Logger
}

// NewExecutor wires a migration executor.
func NewExecutor(st store.Store, log *zap.Logger) *Executor {
	return &Executor{st: st, log: log}
}

// ValidateInstances builds reports for a set of instances without
// touching any of them.
func (e *Executor) ValidateInstances(ctx context.Context, plan models.MigrationPlan, instanceIDs []string) ([]InstanceReport, error) {
	source, target, err := e.definitions(ctx, plan)
	if err != nil {
		return nil, err
	}
	reports := make([]InstanceReport, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		inst, err := e.st.GetProcessInstance(ctx, id)
		if err != nil {
			if err == store.ErrNotFound {
				reports = append(reports, InstanceReport{
					ProcessInstanceID: id,
					Failures:          []InstanceFailure{{SourceScopeID: id, Reasons: []string{"process instance does not exist"}}},
				})
				continue
			}
			return nil, err
		}
		report := Validate(plan, source, target, inst)
		if report.OK() {
			// Dry-run view of what a real migration would enter.
			_, report.EnteredScopeIDs = buildRewrite(plan, target, inst)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Migrate validates one instance and, if the report is clean, applies
// the rewrite atomically. A non-empty report leaves the instance
// bit-for-bit unchanged.
func (e *Executor) Migrate(ctx context.Context, plan models.MigrationPlan, instanceID string) (InstanceReport, error) {
	source, target, err := e.definitions(ctx, plan)
	if err != nil {
		return InstanceReport{}, err
	}
	inst, err := e.st.GetProcessInstance(ctx, instanceID)
	if err != nil {
		return InstanceReport{}, fmt.Errorf("load process instance %s: %w", instanceID, err)
	}

	report := Validate(plan, source, target, inst)
	if !report.OK() {
		return report, nil
	}

	rewrite, entered := buildRewrite(plan, target, inst)
	applied, err := e.st.ApplyInstanceMigration(ctx, rewrite)
	if err != nil {
		return report, fmt.Errorf("apply migration for instance %s: %w", instanceID, err)
	}
	if !applied {
		// Version check failed: something else mutated the instance
		// between validation and apply. The caller retries.
		return report, fmt.Errorf("instance %s was modified concurrently", instanceID)
	}
	report.EnteredScopeIDs = entered
	e.log.Info("instance migrated",
		zap.String("process_instance_id", instanceID),
		zap.String("target_definition_id", plan.TargetProcessDefinitionID),
		zap.Strings("entered_scope_ids", entered))
	return report, nil
}

func (e *Executor) definitions(ctx context.Context, plan models.MigrationPlan) (models.ProcessDefinition, models.ProcessDefinition, error) {
	source, err := e.st.GetProcessDefinition(ctx, plan.SourceProcessDefinitionID)
	if err != nil {
		return models.ProcessDefinition{}, models.ProcessDefinition{}, fmt.Errorf("load source definition %s: %w", plan.SourceProcessDefinitionID, err)
	}
	target, err := e.st.GetProcessDefinition(ctx, plan.TargetProcessDefinitionID)
	if err != nil {
		return models.ProcessDefinition{}, models.ProcessDefinition{}, fmt.Errorf("load target definition %s: %w", plan.TargetProcessDefinitionID, err)
	}
	return source, target, nil
}

// buildRewrite maps every token onto its target-side counterpart. The
// arena shape and instance ids are preserved; only definition
// references move. Scopes named in the plan are not re-entered; target
// ancestor scopes that are nobody's instruction target come back in the
// second return as newly entered, so their enter listeners can run.
func buildRewrite(plan models.MigrationPlan, target models.ProcessDefinition, inst models.ProcessInstance) (store.InstanceMigration, []string) {
	acts := make([]models.ActivityInstance, len(inst.ActivityInstances))
	mappedTargets := make(map[string]bool)
	for _, in := range plan.Instructions {
		mappedTargets[in.TargetActivityID] = true
	}

	enteredSet := make(map[string]bool)
	for i, ai := range inst.ActivityInstances {
		out := ai
		if ai.ActivityID != "" {
			targetID, _ := plan.TargetFor(ai.ActivityID)
			out.ActivityID = targetID
			for _, scope := range ancestorScopes(target, targetID) {
				if !mappedTargets[scope] {
					enteredSet[scope] = true
				}
			}
		}
		acts[i] = out
	}

	trans := make([]models.TransitionInstance, len(inst.TransitionInstances))
	for i, ti := range inst.TransitionInstances {
		out := ti
		targetID, _ := plan.TargetFor(ti.ActivityID)
		out.ActivityID = targetID
		trans[i] = out
	}

	entered := make([]string, 0, len(enteredSet))
	for scope := range enteredSet {
		entered = append(entered, scope)
	}
	sort.Strings(entered)

	return store.InstanceMigration{
		ProcessInstanceID:         inst.ID,
		ExpectedVersion:           inst.Version,
		TargetProcessDefinitionID: plan.TargetProcessDefinitionID,
		ActivityInstances:         acts,
		TransitionInstances:       trans,
	}, entered
}

// ancestorScopes lists the scope activities above an activity, nearest
// first.
func ancestorScopes(def models.ProcessDefinition, activityID string) []string {
	var scopes []string
	act, ok := def.ActivityByID(activityID)
	if !ok {
		return nil
	}
	for parent := act.ParentID; parent != ""; {
		pa, ok := def.ActivityByID(parent)
		if !ok {
			break
		}
		if pa.Scope {
			scopes = append(scopes, pa.ID)
		}
		parent = pa.ParentID
	}
	return scopes
}
