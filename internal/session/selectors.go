package session

import (
	"fmt"
	"strings"

	"github.com/dvloznov/bank-sync/internal/domain"
)

// Logical selector names. Bank configs map these to locators.
const (
	SelUsername      = "login.username_field"
	SelPassword      = "login.password_field"
	SelLoginSubmit   = "login.submit_button"
	SelLoginError    = "login.error"
	SelOTPField      = "mfa.otp_field"
	SelCaptchaField  = "mfa.captcha_field"
	SelMFASubmit     = "mfa.submit_button"
	SelMFAError      = "mfa.error"
	SelDeviceTrust   = "device_trust.prompt"
	SelTrustRemember = "device_trust.remember_checkbox"
	SelTrustContinue = "device_trust.continue_button"
	SelDashboard     = "dashboard.marker"
	SelAccountLink   = "nav.account_link" // may contain {code}
	SelActivityLink  = "nav.activity_link"
	SelDownloadPanel = "download.panel"
	SelAccountSelect = "download.account_select"
	SelStartDate     = "download.start_date_field"
	SelEndDate       = "download.end_date_field"
	SelFormatOption  = "download.format_option"
	SelDownload      = "download.download_button"
	SelLogout        = "logout.button"
)

// codePlaceholder is replaced with the institution's account code.
const codePlaceholder = "{code}"

// Selectors maps logical names to driver locators.
type Selectors map[string]string

// Lookup returns the locator for name or an ErrMissingSelector error.
func (s Selectors) Lookup(name string) (string, error) {
	if loc, ok := s.Optional(name); ok {
		return loc, nil
	}
	return "", fmt.Errorf("%w: %s", domain.ErrMissingSelector, name)
}

// Optional returns the locator for name when configured.
func (s Selectors) Optional(name string) (string, bool) {
	loc, ok := s[name]
	loc = strings.TrimSpace(loc)
	return loc, ok && loc != ""
}

// Expand substitutes the account code into a templated locator.
func Expand(locator, code string) string {
	return strings.ReplaceAll(locator, codePlaceholder, code)
}
