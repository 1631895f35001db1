package upload

// State enumerates the observable states of one upload attempt.
type State int

// State values. Idle is the zero value: no attempt has run yet.
const (
	StateIdle State = iota
	StateUploading
	StateSuccess
	StateFailed
	StateNeedsConsent
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUploading:
		return "uploading"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	case StateNeedsConsent:
		return "needs-consent"
	default:
		return "unknown"
	}
}

// Status is the transient outcome of one orchestrator invocation. It is
// never persisted; history rows are the durable record.
type Status struct {
	State State

	// Set for StateSuccess.
	FileName     string
	SizeBytes    int64
	RemoteFileID string

	// Set for StateFailed.
	Kind Kind
	Err  error
}

func successStatus(fileName string, sizeBytes int64, remoteFileID string) Status {
	return Status{
		State:        StateSuccess,
		FileName:     fileName,
		SizeBytes:    sizeBytes,
		RemoteFileID: remoteFileID,
	}
}

func failedStatus(kind Kind, err error) Status {
	return Status{State: StateFailed, Kind: kind, Err: err}
}

func consentStatus() Status {
	return Status{State: StateNeedsConsent}
}
