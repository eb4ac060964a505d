package forge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignatureAcceptsMatchingMAC(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"event":"pr.merged"}`)
	if !VerifySignature(secret, body, sign(secret, body)) {
		t.Fatal("expected matching signature to verify")
	}
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"event":"pr.merged"}`)
	sig := sign([]byte("right"), body)
	if VerifySignature([]byte("wrong"), body, sig) {
		t.Fatal("expected mismatched secret to fail verification")
	}
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	secret := []byte("s3cret")
	sig := sign(secret, []byte(`{"event":"pr.merged"}`))
	if VerifySignature(secret, []byte(`{"event":"pr.closed"}`), sig) {
		t.Fatal("expected tampered body to fail verification")
	}
}

func TestVerifySignatureFailsClosedOnEmptySecret(t *testing.T) {
	body := []byte(`{"event":"pr.merged"}`)
	if VerifySignature(nil, body, sign([]byte(""), body)) {
		t.Fatal("expected empty secret to always fail verification")
	}
}
