package extractor

import (
	"github.com/dvloznov/bank-sync/internal/config"
	"github.com/dvloznov/bank-sync/internal/session"
)

const (
	ChaseID      = "chase"
	WellsFargoID = "wells_fargo"
)

// Chase is the built-in Chase configuration. Checking exports carry a
// header and signed amounts; card exports flag debits in the Type column.
func Chase() config.Bank {
	return config.Bank{
		InstitutionID:   ChaseID,
		DisplayName:     "Chase",
		LoginURL:        "https://secure.chase.com/web/auth/dashboard",
		Accounts:        []string{"checking", "credit"},
		DateInputFormat: "01/02/2006",
		Selectors: map[string]string{
			session.SelUsername:      "#userId-input-field",
			session.SelPassword:      "#password-input-field",
			session.SelLoginSubmit:   `button[type="submit"]`,
			session.SelLoginError:    `//div[contains(@class, "logon-error")]`,
			session.SelOTPField:      "#otpcode_input-input-field",
			session.SelMFASubmit:     `button[data-testid="requestIdentificationCodeSubmit"]`,
			session.SelDeviceTrust:   `//label[contains(text(), "Remember this device")]`,
			session.SelTrustRemember: "#rememberComputer",
			session.SelTrustContinue: `button[data-testid="requestIdentificationCode"]`,
			session.SelDashboard:     ".account-tile",
			session.SelAccountLink:   `//div[contains(@class, "account-tile") and contains(., "{code}")]`,
			session.SelActivityLink:  `//a[contains(text(), "Download")]`,
			session.SelDownloadPanel: "#download-type-select",
			session.SelFormatOption:  `//option[contains(text(), "CSV")]`,
			session.SelStartDate:     "#start-date-input-field",
			session.SelEndDate:       "#end-date-input-field",
			session.SelDownload:      `button[data-testid="download-button"]`,
			session.SelLogout:        "#brand_bar_sign_in_out",
		},
		AccountCodes: map[string]string{
			"checking": "CHECKING",
			"savings":  "SAVINGS",
			"credit":   "CREDIT_CARD",
		},
		Layouts: map[string]config.Layout{
			"default": {
				Columns:    []string{"details", "transaction_date", "description", "amount", "type", "balance", "check_number"},
				HasHeader:  true,
				DateFormat: "01/02/2006",
				Sign:       config.SignAsIs,
			},
			"credit": {
				Columns:        []string{"transaction_date", "post_date", "description", "bank_category", "type", "amount", "memo"},
				HasHeader:      true,
				DateFormat:     "01/02/2006",
				PostDateFormat: "01/02/2006",
				Sign:           config.SignByType,
				TypeColumn:     "type",
				DebitValues:    []string{"Sale", "Fee", "Debit"},
				SkipDescriptions: []string{
					"AUTOMATIC PAYMENT - THANK",
				},
			},
		},
	}
}

// WellsFargo is the built-in Wells Fargo configuration. Its exports have no
// header: date, amount, two unused columns, description.
func WellsFargo() config.Bank {
	return config.Bank{
		InstitutionID:   WellsFargoID,
		DisplayName:     "Wells Fargo",
		LoginURL:        "https://connect.secure.wellsfargo.com/auth/login/present",
		Accounts:        []string{"checking"},
		DateInputFormat: "01/02/2006",
		Selectors: map[string]string{
			session.SelUsername:      "#j_username",
			session.SelPassword:      "#j_password",
			session.SelLoginSubmit:   `[data-testid="signon-button"]`,
			session.SelLoginError:    `//div[contains(text(), "we do not recognize your username and/or password")]`,
			session.SelOTPField:      "#otp",
			session.SelMFASubmit:     `//button[span[text()="Continue"]]`,
			session.SelDashboard:     `//*[@id="S_ACCOUNTS"]/div/div/span`,
			session.SelActivityLink:  `//*[text()="Download Account Activity"]`,
			session.SelDownloadPanel: "#fromDate",
			session.SelAccountSelect: "#downloadAccountSelect",
			session.SelStartDate:     "#fromDate",
			session.SelEndDate:       "#toDate",
			session.SelFormatOption:  `[data-testid="radio-fileFormat-commaDelimited"]`,
			session.SelDownload:      `[data-testid="download-button"]`,
			session.SelLogout:        `//a[text()="Sign Off"]`,
		},
		AccountCodes: map[string]string{
			"checking": "DDA",
			"savings":  "SDA",
			"credit":   "CCA",
		},
		Layouts: map[string]config.Layout{
			"default": {
				Columns:    []string{"transaction_date", "amount", "-", "-", "description"},
				DateFormat: "01/02/2006",
				Sign:       config.SignAsIs,
				SkipDescriptions: []string{
					"ONLINE PAYMENT THANK YOU",
					"AUTOMATIC PAYMENT - THANK YOU",
				},
				StripPrefixes: []string{"PURCHASE AUTHORIZED ON", "RECURRING PAYMENT AUTHORIZED ON"},
			},
		},
	}
}
