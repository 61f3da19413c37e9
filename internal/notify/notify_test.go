package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func signCallback(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyCallbackAcceptsMatchingSignature(t *testing.T) {
	body := []byte(`{"action_id":"approve","payout_id":"pout_1"}`)
	sig := signCallback("secret", body)
	if !VerifyCallback("secret", body, sig) {
		t.Fatalf("expected matching callback signature to verify")
	}
}

func TestVerifyCallbackRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"action_id":"approve","payout_id":"pout_1"}`)
	sig := signCallback("secret", body)
	if VerifyCallback("other-secret", body, sig) {
		t.Fatalf("expected callback signed with a different secret to fail")
	}
}

func TestParseCallbackAcceptsApproveAndDeny(t *testing.T) {
	for _, action := range []string{"approve", "deny"} {
		body := []byte(fmt.Sprintf(`{"action_id":%q,"payout_id":"pout_1","user_name":"alice"}`, action))
		got, err := ParseCallback(body, time.Now())
		if err != nil {
			t.Fatalf("parse %s: %v", action, err)
		}
		if got.ActionID != action || got.PayoutID != "pout_1" {
			t.Fatalf("unexpected callback: %+v", got)
		}
	}
}

func TestParseCallbackRejectsUnknownAction(t *testing.T) {
	body := []byte(`{"action_id":"snooze","payout_id":"pout_1"}`)
	if _, err := ParseCallback(body, time.Now()); err == nil {
		t.Fatalf("expected unknown action_id to be rejected")
	}
}

func TestParseCallbackRejectsMissingPayoutID(t *testing.T) {
	body := []byte(`{"action_id":"approve"}`)
	if _, err := ParseCallback(body, time.Now()); err == nil {
		t.Fatalf("expected missing payout_id to be rejected")
	}
}

func TestParseCallbackAcceptsFreshTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := fmt.Sprintf("%d", now.Add(-30*time.Second).Unix())
	body := []byte(fmt.Sprintf(`{"action_id":"approve","payout_id":"pout_1","ts":%q}`, ts))

	if _, err := ParseCallback(body, now); err != nil {
		t.Fatalf("expected timestamp within the replay window to pass: %v", err)
	}
}

func TestParseCallbackRejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := fmt.Sprintf("%d", now.Add(-10*time.Minute).Unix())
	body := []byte(fmt.Sprintf(`{"action_id":"approve","payout_id":"pout_1","ts":%q}`, ts))

	if _, err := ParseCallback(body, now); err == nil {
		t.Fatalf("expected timestamp outside the replay window to be rejected")
	}
}

func TestParseCallbackRejectsFutureTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := fmt.Sprintf("%d", now.Add(10*time.Minute).Unix())
	body := []byte(fmt.Sprintf(`{"action_id":"approve","payout_id":"pout_1","ts":%q}`, ts))

	if _, err := ParseCallback(body, now); err == nil {
		t.Fatalf("expected a timestamp far in the future (clock skew) to be rejected")
	}
}

func TestParseCallbackRejectsMalformedTimestamp(t *testing.T) {
	body := []byte(`{"action_id":"approve","payout_id":"pout_1","ts":"not-a-number"}`)
	if _, err := ParseCallback(body, time.Now()); err == nil {
		t.Fatalf("expected malformed ts to be rejected")
	}
}

func TestCallbackActionRoundTripsJSON(t *testing.T) {
	action := CallbackAction{ActionID: "deny", PayoutID: "pout_1", UserName: "bob", Channel: "ops"}
	b, err := json.Marshal(action)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got CallbackAction
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != action {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, action)
	}
}
