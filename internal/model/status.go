package model

// IntegrationStatus is the lifecycle state of a platform connection.
type IntegrationStatus string

const (
	StatusDisconnected IntegrationStatus = "disconnected"
	StatusConnecting   IntegrationStatus = "connecting"
	StatusConnected    IntegrationStatus = "connected"
	StatusSyncing      IntegrationStatus = "syncing"
	StatusError        IntegrationStatus = "error"
)

var transitions = map[IntegrationStatus][]IntegrationStatus{
	StatusDisconnected: {StatusConnecting},
	StatusConnecting:   {StatusConnected, StatusError, StatusDisconnected},
	StatusConnected:    {StatusSyncing, StatusConnecting, StatusDisconnected},
	StatusSyncing:      {StatusConnected, StatusError},
	StatusError:        {StatusConnecting, StatusSyncing, StatusConnected, StatusDisconnected},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
// A failed sync never lands in disconnected; only an explicit disconnect does.
func (s IntegrationStatus) CanTransition(next IntegrationStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// AfterSync returns the status an integration settles in once a sync finishes.
// Only revoked credentials flip it to error; any other failure keeps it connected.
func AfterSync(revoked bool) IntegrationStatus {
	if revoked {
		return StatusError
	}
	return StatusConnected
}
