package realtime

import "fmt"

// Banner is the connectivity notice shown while the channel is unhealthy.
type Banner struct {
	Visible bool
	Message string
	Retry   bool
}

// Banner derives the notice from the status. It is hidden exactly when the
// channel is connected and no error is pending.
func (s Status) Banner() Banner {
	if s.State == StateConnected && s.LastError == "" {
		return Banner{}
	}
	b := Banner{Visible: true, Retry: true}
	switch {
	case s.Exhausted:
		b.Message = "Connection lost. " + s.LastError
	case s.State == StateReconnecting:
		b.Message = fmt.Sprintf("Reconnecting (attempt %d of %d)", s.Attempt+1, s.Max)
		b.Retry = false
	case s.State == StateConnecting:
		b.Message = "Connecting"
		b.Retry = false
	case s.LastError != "":
		b.Message = "Not connected: " + s.LastError
	default:
		b.Message = "Not connected"
	}
	return b
}
