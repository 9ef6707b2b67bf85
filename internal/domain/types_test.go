package domain

import (
	"encoding/json"
	"testing"
)

func TestIdentityMatches(t *testing.T) {
	id := Identity{UserID: "u1", StrategyID: "s1", BrokerID: "b1"}

	if !id.Matches("u1", "s1", "b1") {
		t.Error("expected identity to match its own triple")
	}
	if id.Matches("u1", "s1", "b2") {
		t.Error("expected identity not to match a different broker id")
	}
	if id.Matches("u2", "s1", "b1") {
		t.Error("expected identity not to match a different user id")
	}
}

func TestCredentialsEmpty(t *testing.T) {
	if !(Credentials{}).Empty() {
		t.Error("zero-value Credentials should be empty")
	}
	if (Credentials{Username: "trader"}).Empty() {
		t.Error("Credentials with a username should not be empty")
	}
}

func TestResultErr(t *testing.T) {
	if got := Rejected().Err(); got != "Error retrieving accounts." {
		t.Errorf("Rejected().Err() = %q, want %q", got, "Error retrieving accounts.")
	}
	if got := (Result{"accounts": []string{"U1"}}).Err(); got != "" {
		t.Errorf("Err() on success result = %q, want empty", got)
	}

	var nilResult Result
	if got := nilResult.Err(); got != "" {
		t.Errorf("Err() on nil result = %q, want empty", got)
	}
}

func TestAccountInfoJSON(t *testing.T) {
	info := AccountInfo{Currency: "USD", Balance: 1500, Margin: 200, Available: 1300}

	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"currency", "balance", "pl", "margin", "available"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("AccountInfo JSON missing key %q: %s", key, data)
		}
	}
}
