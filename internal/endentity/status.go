package endentity

// transitions lists the edges of the status graph besides the edges every
// status has: to itself, to NEW (administrator reset) and to REVOKED.
// REVOKED has no outgoing edge here. Reinstating certificates on hold is
// the only way back to GENERATED and is done by the revocation path.
var transitions = map[Status][]Status{
	StatusNew:         {StatusGenerated, StatusInProcess, StatusFailed, StatusInitialized, StatusKeyRecovery, StatusHistorical},
	StatusFailed:      {StatusInProcess, StatusGenerated, StatusKeyRecovery, StatusHistorical},
	StatusInitialized: {StatusInProcess, StatusGenerated, StatusFailed, StatusKeyRecovery, StatusHistorical},
	StatusInProcess:   {StatusGenerated, StatusFailed, StatusKeyRecovery, StatusHistorical},
	StatusGenerated:   {StatusKeyRecovery, StatusHistorical},
	StatusKeyRecovery: {StatusInProcess, StatusInitialized, StatusGenerated, StatusFailed, StatusHistorical},
	StatusHistorical:  {StatusKeyRecovery},
	StatusRevoked:     nil,
}

// CanTransition reports whether an end entity may move from one status to
// another.
func CanTransition(from, to Status) bool {
	if _, ok := transitions[to]; !ok {
		return false
	}
	if from == to || to == StatusNew || to == StatusRevoked {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanAuthenticate reports whether an end entity in the status may enroll
// with its password.
func CanAuthenticate(s Status) bool {
	switch s {
	case StatusNew, StatusFailed, StatusInProcess, StatusKeyRecovery:
		return true
	}
	return false
}

// PrintsUserData reports whether entering the status prints user data.
func PrintsUserData(s Status) bool {
	switch s {
	case StatusNew, StatusKeyRecovery, StatusInitialized:
		return true
	}
	return false
}
