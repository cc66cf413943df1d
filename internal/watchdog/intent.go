package watchdog

// RestartIntent is why a restart happens. It decides whether the log is
// rotated or continued.
type RestartIntent int

const (
	Scheduled RestartIntent = iota + 1
	SpontaneousCrash
	UserRequested
	CrashLoopRecovery
)

func (i RestartIntent) String() string {
	switch i {
	case Scheduled:
		return "scheduled"
	case SpontaneousCrash:
		return "spontaneous_crash"
	case UserRequested:
		return "user_requested"
	case CrashLoopRecovery:
		return "crash_loop_recovery"
	default:
		return "unknown"
	}
}

// FreshLog reports whether the restart archives the current log and opens
// a new one. Every other restart keeps appending to the current file.
func (i RestartIntent) FreshLog() bool { return i == Scheduled }
