package installer

// State is a step of one install call.
type State string

const (
	StateIdle                 State = "idle"
	StateTrackerLoaded        State = "tracker-loaded"
	StateFiltered             State = "filtered"
	StateConflictChecked      State = "conflict-checked"
	StateValidated            State = "validated"
	StateDependenciesResolved State = "dependencies-resolved"
	StatePreHooksRun          State = "pre-hooks-run"
	StatePackagesInstalled    State = "packages-installed"
	StateConfigured           State = "configured"
	StatePostHooksRun         State = "post-hooks-run"
	StateTracked              State = "tracked"
	StateRollingBack          State = "rolling-back"
	StateReported             State = "reported"
)

// mutating reports whether the project may have been changed by the time s
// is reached.
func (s State) mutating() bool {
	switch s {
	case StateIdle, StateTrackerLoaded, StateFiltered, StateConflictChecked, StateValidated, StateDependenciesResolved:
		return false
	default:
		return true
	}
}
