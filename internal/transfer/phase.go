package transfer

// Phase is the lifecycle position of a transfer. The ordinal is exposed to
// presentation code, so values must not be reordered.
type Phase int

const (
	PhaseCreated Phase = iota
	PhasePreparing
	PhaseEncrypting
	PhaseDecrypting
	PhaseStarted
	PhaseInProgress
	PhaseFinished
	PhaseError
	PhaseCancelled
)

var phaseNames = map[Phase]string{
	PhaseCreated:    "created",
	PhasePreparing:  "preparing",
	PhaseEncrypting: "encrypting",
	PhaseDecrypting: "decrypting",
	PhaseStarted:    "started",
	PhaseInProgress: "in_progress",
	PhaseFinished:   "finished",
	PhaseError:      "error",
	PhaseCancelled:  "cancelled",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}

	return "unknown"
}

// IsTerminal reports whether no further transitions can happen.
func (p Phase) IsTerminal() bool {
	return p == PhaseFinished || p == PhaseError || p == PhaseCancelled
}

// ParsePhase is the inverse of String. Unknown names map to PhaseCreated.
func ParsePhase(s string) Phase {
	for p, name := range phaseNames {
		if name == s {
			return p
		}
	}

	return PhaseCreated
}

// Direction tells uploads and downloads apart in logs, metrics and history.
type Direction string

const (
	DirectionDownload Direction = "download"
	DirectionUpload   Direction = "upload"
)
