package model

import (
	"strings"
	"time"
)

type CredentialKind string

const (
	KindPaybill CredentialKind = "paybill"
	KindTill    CredentialKind = "till"
)

type PaybillAccount struct {
	Shortcode string
}

type TillAccount struct {
	TillNumber string
	// StoreNumber is the head-office shortcode that signs buy-goods requests.
	StoreNumber string
}

// GatewayCredentials holds exactly one of Paybill or Till.
type GatewayCredentials struct {
	Tenant         string
	ConsumerKey    string
	ConsumerSecret string
	Passkey        string
	Paybill        *PaybillAccount
	Till           *TillAccount
}

func (c GatewayCredentials) Kind() CredentialKind {
	if c.Till != nil {
		return KindTill
	}
	return KindPaybill
}

// BusinessShortcode is the shortcode used to sign and address charges.
func (c GatewayCredentials) BusinessShortcode() string {
	if c.Till != nil {
		return c.Till.StoreNumber
	}
	if c.Paybill != nil {
		return c.Paybill.Shortcode
	}
	return ""
}

// PartyB is the account receiving funds.
func (c GatewayCredentials) PartyB() string {
	if c.Till != nil {
		return c.Till.TillNumber
	}
	return c.BusinessShortcode()
}

func (c GatewayCredentials) Validate() error {
	if strings.TrimSpace(c.Tenant) == "" {
		return &ValidationError{Field: "tenant", Reason: "is required"}
	}
	if (c.Paybill == nil) == (c.Till == nil) {
		return &ValidationError{Field: "type", Reason: "exactly one of paybill or till is required"}
	}
	if c.ConsumerKey == "" {
		return &ValidationError{Field: "consumer_key", Reason: "is required"}
	}
	if c.ConsumerSecret == "" {
		return &ValidationError{Field: "consumer_secret", Reason: "is required"}
	}
	if c.Passkey == "" {
		return &ValidationError{Field: "passkey", Reason: "is required"}
	}
	if c.Paybill != nil && !isDigits(c.Paybill.Shortcode) {
		return &ValidationError{Field: "shortcode", Reason: "must be numeric"}
	}
	if c.Till != nil {
		if !isDigits(c.Till.TillNumber) {
			return &ValidationError{Field: "till_number", Reason: "must be numeric"}
		}
		if !isDigits(c.Till.StoreNumber) {
			return &ValidationError{Field: "store_number", Reason: "must be numeric"}
		}
	}
	return nil
}

// CredentialsInput is the flat, tagged form operators submit.
type CredentialsInput struct {
	Type           string `json:"type"`
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
	Passkey        string `json:"passkey"`
	Shortcode      string `json:"shortcode,omitempty"`
	TillNumber     string `json:"till_number,omitempty"`
	StoreNumber    string `json:"store_number,omitempty"`
}

// Credentials converts the tagged input into its variant, rejecting fields
// that belong to the other tag.
func (in CredentialsInput) Credentials(tenant string) (GatewayCredentials, error) {
	out := GatewayCredentials{
		Tenant:         strings.TrimSpace(tenant),
		ConsumerKey:    strings.TrimSpace(in.ConsumerKey),
		ConsumerSecret: strings.TrimSpace(in.ConsumerSecret),
		Passkey:        strings.TrimSpace(in.Passkey),
	}
	switch CredentialKind(strings.ToLower(strings.TrimSpace(in.Type))) {
	case KindPaybill:
		if in.TillNumber != "" {
			return GatewayCredentials{}, &ValidationError{Field: "till_number", Reason: "not allowed for paybill"}
		}
		if in.StoreNumber != "" {
			return GatewayCredentials{}, &ValidationError{Field: "store_number", Reason: "not allowed for paybill"}
		}
		out.Paybill = &PaybillAccount{Shortcode: strings.TrimSpace(in.Shortcode)}
	case KindTill:
		if in.Shortcode != "" {
			return GatewayCredentials{}, &ValidationError{Field: "shortcode", Reason: "not allowed for till"}
		}
		out.Till = &TillAccount{
			TillNumber:  strings.TrimSpace(in.TillNumber),
			StoreNumber: strings.TrimSpace(in.StoreNumber),
		}
	default:
		return GatewayCredentials{}, &ValidationError{Field: "type", Reason: "must be paybill or till"}
	}
	if err := out.Validate(); err != nil {
		return GatewayCredentials{}, err
	}
	return out, nil
}

// CredentialSummary is the only read view of stored credentials.
type CredentialSummary struct {
	Tenant               string
	Kind                 CredentialKind
	ShortcodeHint        string
	CallbackURL          string
	CallbackRegisteredAt *time.Time
	UpdatedAt            time.Time
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
