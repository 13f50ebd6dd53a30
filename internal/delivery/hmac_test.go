package delivery

import "testing"

func TestSignBody_RoundTripsWithVerify(t *testing.T) {
	body := []byte(`{"chain_id":1}`)
	sig := signBody(body, "topsecret")

	if !verifySignature(body, "topsecret", sig) {
		t.Fatal("expected a freshly computed signature to verify")
	}
}

func TestSignBody_HasSha256Prefix(t *testing.T) {
	sig := signBody([]byte("hello"), "key")
	if len(sig) < 7 || sig[:7] != "sha256=" {
		t.Fatalf("expected signature to start with sha256=, got %q", sig)
	}
}

func TestVerifySignature_RejectsWrongSecret(t *testing.T) {
	body := []byte(`{"chain_id":1}`)
	sig := signBody(body, "topsecret")

	if verifySignature(body, "wrongsecret", sig) {
		t.Fatal("expected verification to fail with the wrong secret")
	}
}

func TestVerifySignature_RejectsTamperedBody(t *testing.T) {
	body := []byte(`{"chain_id":1}`)
	sig := signBody(body, "topsecret")

	if verifySignature([]byte(`{"chain_id":2}`), "topsecret", sig) {
		t.Fatal("expected verification to fail once the body has changed")
	}
}
