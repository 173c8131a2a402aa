package marker

type Key = string

const (
	// Prefix is the common base for the engine's bus message field names.
	Prefix = "com.augmentos.lenswatch"

	// FieldAction carries the requested CommandAction on inbound messages.
	FieldAction Key = "action"
	// FieldPackageRef names the staged package an InstallUpdate targets.
	FieldPackageRef Key = "packageRef"
	// FieldRequestID is the opaque correlation token echoed back in every
	// status message for the originating command.
	FieldRequestID Key = "requestId"
	// FieldState carries the SessionState in outbound status messages.
	FieldState Key = "state"
	// FieldDetail is a human-readable elaboration for the manager's UI.
	FieldDetail Key = "detail"
	// FieldErrorKind carries the ErrorKind taxonomy value when present.
	FieldErrorKind Key = "errorKind"
)
