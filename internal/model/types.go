package model

import (
	"strings"
	"time"
)

type SessionStatus string

const (
	SessionPendingPayment SessionStatus = "pending_payment"
	SessionActive         SessionStatus = "active"
	SessionExpired        SessionStatus = "expired"
	SessionDisconnected   SessionStatus = "disconnected"
)

type SessionSource string

const (
	SourcePayment SessionSource = "payment"
	SourceVoucher SessionSource = "voucher"
)

type ProvisionState string

const (
	// ProvisionNone means no confirmation has arrived yet.
	ProvisionNone ProvisionState = "none"
	// ProvisionPending means the session is paid or redeemed and awaits router provisioning.
	ProvisionPending ProvisionState = "pending"
	ProvisionDone    ProvisionState = "done"
	// ProvisionFailed means retries are exhausted; an operator has to intervene.
	ProvisionFailed ProvisionState = "failed"
)

type ManagedRouter struct {
	ID      string
	Name    string
	Address string
	APIPort int
	// Tenant selects the gateway credentials used to charge on this router.
	Tenant   string
	Username string
	// PasswordSealed is the vault ciphertext of the management password.
	PasswordSealed string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Session struct {
	ID                string
	Reference         string
	RouterID          string
	PlanID            string
	Key               string
	Source            SessionSource
	PayerPhone        string
	Status            SessionStatus
	ProvisionState    ProvisionState
	ProvisionAttempts int
	ProvisionError    string
	NextAttemptAt     *time.Time
	FailureReason     string
	QueueName         string
	ConfirmedAt       *time.Time
	StartedAt         *time.Time
	EndsAt            *time.Time
	StoppedAt         *time.Time
	LastSeenAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Expired reports whether an Active session has run past its end time.
func (s *Session) Expired(now time.Time) bool {
	return s.Status == SessionActive && s.EndsAt != nil && now.After(*s.EndsAt)
}

type Voucher struct {
	Code       string
	Password   string
	PlanID     string
	RouterID   string
	Consumed   bool
	ConsumedBy string
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// Reference is the activation guard key for a voucher.
func (v Voucher) Reference() string {
	return VoucherReference(v.RouterID, v.Code)
}

func VoucherReference(routerID, code string) string {
	return "vch_" + routerID + "_" + code
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

type Payment struct {
	Reference         string
	Tenant            string
	SessionID         string
	Amount            int64
	Phone             string
	CheckoutRequestID string
	Status            PaymentStatus
	ResultCode        string
	ResultDesc        string
	Receipt           string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Account is a router-side secret. LimitBytesOut caps the bytes delivered to
// the subscriber per session; zero is unlimited.
type Account struct {
	ID            string
	Username      string
	Password      string
	Service       string
	Profile       string
	Comment       string
	LimitBytesOut int64
	Disabled      bool
}

type ActiveSession struct {
	ID       string
	Username string
	Service  string
	CallerID string
	Address  string
	Uptime   string
}

// Matches reports whether the live session belongs to key, which may be a
// username or a MAC address.
func (a ActiveSession) Matches(key string) bool {
	return key != "" && (a.Username == key || equalFoldMAC(a.CallerID, key))
}

// Queue is a router-side simple queue. Rate fields are kept in router
// composite encoding ("upload/download").
type Queue struct {
	ID             string
	Name           string
	Target         string
	MaxLimit       string
	BurstLimit     string
	BurstThreshold string
	BurstTime      string
	Priority       int
	Parent         string
	Comment        string
	Disabled       bool
}

func equalFoldMAC(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca == '-' {
			ca = ':'
		}
		if cb == '-' {
			cb = ':'
		}
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// NormalizeKey trims a session key and renders MAC addresses in lower-case
// colon form so the same device always maps to the same key.
func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if len(key) != 17 {
		return key
	}
	out := []byte(strings.ToLower(key))
	for i := 2; i < len(out); i += 3 {
		if out[i] != ':' && out[i] != '-' {
			return key
		}
		out[i] = ':'
	}
	for i, c := range out {
		if i%3 == 2 {
			continue
		}
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return key
		}
	}
	return string(out)
}
