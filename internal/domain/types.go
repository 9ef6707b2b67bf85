// Package domain defines the core value types shared across the supervisor:
// broker identities, credentials, account snapshots, session events and the
// soft-error result object returned by trading operations.
package domain

import "time"

// UpstreamRejectedMessage is the error text returned to callers whenever the
// gateway rejects a trading request or cannot be reached.
const UpstreamRejectedMessage = "Error retrieving accounts."

// Identity is the logical owner triple of a broker session. BrokerID is the
// registry key.
type Identity struct {
	UserID     string `json:"user_id"`
	StrategyID string `json:"strategy_id"`
	BrokerID   string `json:"broker_id"`
}

// Matches reports whether the identity equals the given triple.
func (id Identity) Matches(userID, strategyID, brokerID string) bool {
	return id.UserID == userID && id.StrategyID == strategyID && id.BrokerID == brokerID
}

// Credentials is an opaque username/secret pair. Sessions relying on manual
// login carry empty credentials.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Empty reports whether no credentials were supplied.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

// AccountInfo is the account summary returned by getAccountInfo.
type AccountInfo struct {
	Currency  string  `json:"currency"`
	Balance   float64 `json:"balance"`
	PL        float64 `json:"pl"`
	Margin    float64 `json:"margin"`
	Available float64 `json:"available"`
}

// Result is the uniform reply object of session operations. Failures are
// carried in-band under the "error" key rather than returned as Go errors.
type Result map[string]any

// ErrorResult builds a soft error result.
func ErrorResult(msg string) Result {
	return Result{"error": msg}
}

// Rejected is the soft error result for a failed upstream call.
func Rejected() Result {
	return ErrorResult(UpstreamRejectedMessage)
}

// Err returns the error message carried by the result, or "".
func (r Result) Err() string {
	if r == nil {
		return ""
	}
	msg, _ := r["error"].(string)
	return msg
}

// Event names pushed to session subscribers.
const (
	EventGatewayLoaded = "gateway_loaded"
	EventLoggedIn      = "logged_in"
	EventLoginFailed   = "login_failed"
	EventRestarting    = "restarting"
	EventStopped       = "stopped"
)

// SessionInfo is a point-in-time view of a session, used by
// get_existing_users, the status API and the session ledger.
type SessionInfo struct {
	Identity
	Port                int       `json:"port"`
	Parent              bool      `json:"is_parent"`
	State               string    `json:"state"`
	GatewayLoaded       bool      `json:"gateway_loaded"`
	LoggedIn            bool      `json:"logged_in"`
	ServerAuthenticated bool      `json:"server_authenticated"`
	Restarts            int       `json:"restarts"`
	CreatedAt           time.Time `json:"created_at"`
}

// AccountSnapshot is an AccountInfo observation archived for one account.
type AccountSnapshot struct {
	Time      time.Time
	BrokerID  string
	AccountID string
	AccountInfo
}
