package marker

// SessionState is the externally observable position of an update session in
// its progression.
type SessionState = string

const (
	StateIdle        SessionState = "idle"
	StateValidating  SessionState = "validating"
	StateBackingUp   SessionState = "backing-up"
	StateInstalling  SessionState = "installing"
	StateConfirming  SessionState = "confirming"
	StateCompleted   SessionState = "completed"
	StateRollingBack SessionState = "rolling-back"
	StateRolledBack  SessionState = "rolled-back"
	StateFatal       SessionState = "fatal"
)

// Resting reports whether the state permits a new session to begin. Fatal is
// resting in the sense that no session is in flight, though the engine will
// refuse new installs until reset.
func Resting(s SessionState) bool {
	switch s {
	case StateIdle, StateCompleted, StateRolledBack, StateFatal:
		return true
	}
	return false
}

// CommandAction is the operation requested by the manager device.
type CommandAction = string

const (
	ActionCheckForUpdate CommandAction = "check-for-update"
	ActionInstallUpdate  CommandAction = "install-update"
	ActionCancel         CommandAction = "cancel"
)

// KnownAction reports whether the action is one the engine handles.
func KnownAction(a CommandAction) bool {
	switch a {
	case ActionCheckForUpdate, ActionInstallUpdate, ActionCancel:
		return true
	}
	return false
}

// ErrorKind classifies failures for the status channel. The manager device is
// the sole consumer; the engine never renders these for a user itself.
type ErrorKind = string

const (
	ErrorNone                ErrorKind = ""
	ErrorInvalidCommand      ErrorKind = "invalid-command"
	ErrorPackageMissing      ErrorKind = "package-missing"
	ErrorChecksumMismatch    ErrorKind = "checksum-mismatch"
	ErrorSignatureInvalid    ErrorKind = "signature-invalid"
	ErrorInsufficientStorage ErrorKind = "insufficient-storage"
	ErrorBackupFailed        ErrorKind = "backup-failed"
	ErrorInstallFailed       ErrorKind = "install-failed"
	ErrorInstallUnconfirmed  ErrorKind = "install-unconfirmed"
	ErrorRestoreFailed       ErrorKind = "restore-failed"
	ErrorFatal               ErrorKind = "fatal"
)
