package session

import (
	"fmt"
	"strings"
)

// Phase is the automation session's position in the login/navigate/download cycle.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseCredentialsSubmitted
	PhaseMFAPending
	PhaseDeviceTrustPrompt
	PhaseAuthenticated
	PhaseNavigating
	PhaseDownloadReady
	PhaseDownloaded
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseInit:                 "INIT",
	PhaseCredentialsSubmitted: "CREDENTIALS_SUBMITTED",
	PhaseMFAPending:           "MFA_PENDING",
	PhaseDeviceTrustPrompt:    "DEVICE_TRUST_PROMPT",
	PhaseAuthenticated:        "AUTHENTICATED",
	PhaseNavigating:           "NAVIGATING",
	PhaseDownloadReady:        "DOWNLOAD_READY",
	PhaseDownloaded:           "DOWNLOADED",
	PhaseFailed:               "FAILED",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// ParsePhase accepts the upper-case names used in logs and bank configs.
func ParsePhase(s string) (Phase, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for p, name := range phaseNames {
		if name == want {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// authenticated reports whether navigation is allowed from p.
func (p Phase) authenticated() bool {
	switch p {
	case PhaseAuthenticated, PhaseDownloadReady, PhaseDownloaded:
		return true
	}
	return false
}

// State is a snapshot of the session's bookkeeping.
type State struct {
	Phase         Phase
	InstitutionID string
	LastError     error
	RetryCount    int // retries spent on the current (or last failed) transition
}
