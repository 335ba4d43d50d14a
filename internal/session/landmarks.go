package session

import (
	"fmt"

	"github.com/dvloznov/bank-sync/internal/config"
)

// Landmark is one recognizable page element and the phase it leads to.
// Reject landmarks end authentication with domain.ErrAuthRejected.
type Landmark struct {
	Selector string
	Next     Phase
	Reject   bool
}

// LandmarkTable lists, per phase, the candidate landmarks in priority order.
// The first candidate found on a poll wins, so rejection messages come first.
type LandmarkTable map[Phase][]Landmark

// DefaultLandmarks covers the flows seen across supported portals: optional
// MFA or CAPTCHA, an optional device-trust prompt, then the dashboard.
func DefaultLandmarks() LandmarkTable {
	return LandmarkTable{
		PhaseCredentialsSubmitted: {
			{Selector: SelLoginError, Next: PhaseFailed, Reject: true},
			{Selector: SelDashboard, Next: PhaseAuthenticated},
			{Selector: SelOTPField, Next: PhaseMFAPending},
			{Selector: SelCaptchaField, Next: PhaseMFAPending},
			{Selector: SelDeviceTrust, Next: PhaseDeviceTrustPrompt},
		},
		PhaseMFAPending: {
			{Selector: SelMFAError, Next: PhaseFailed, Reject: true},
			{Selector: SelLoginError, Next: PhaseFailed, Reject: true},
			{Selector: SelDashboard, Next: PhaseAuthenticated},
			{Selector: SelDeviceTrust, Next: PhaseDeviceTrustPrompt},
		},
		PhaseDeviceTrustPrompt: {
			{Selector: SelDashboard, Next: PhaseAuthenticated},
			{Selector: SelOTPField, Next: PhaseMFAPending},
		},
		PhaseNavigating: {
			{Selector: SelDownloadPanel, Next: PhaseDownloadReady},
			{Selector: SelDownload, Next: PhaseDownloadReady},
		},
	}
}

// WithOverrides replaces whole phase entries with those from a bank config.
func (t LandmarkTable) WithOverrides(specs map[string][]config.LandmarkSpec) (LandmarkTable, error) {
	out := make(LandmarkTable, len(t))
	for p, lms := range t {
		out[p] = append([]Landmark(nil), lms...)
	}
	for phaseName, entries := range specs {
		from, err := ParsePhase(phaseName)
		if err != nil {
			return nil, fmt.Errorf("landmarks: %w", err)
		}
		lms := make([]Landmark, 0, len(entries))
		for _, e := range entries {
			next := PhaseFailed
			if !e.Reject {
				next, err = ParsePhase(e.Next)
				if err != nil {
					return nil, fmt.Errorf("landmarks %s: %w", phaseName, err)
				}
			}
			if e.Selector == "" {
				return nil, fmt.Errorf("landmarks %s: selector is required", phaseName)
			}
			lms = append(lms, Landmark{Selector: e.Selector, Next: next, Reject: e.Reject})
		}
		out[from] = lms
	}
	return out, nil
}
