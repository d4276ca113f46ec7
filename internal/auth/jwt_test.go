package auth

import (
	"testing"
)

func TestDeviceTokenRoundTrip(t *testing.T) {
	a := NewAuthenticator("test-secret", "activation-secret")

	token, err := a.GenerateDeviceToken("device-42")
	if err != nil {
		t.Fatalf("GenerateDeviceToken: %v", err)
	}

	claims, err := a.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.DeviceID != "device-42" {
		t.Errorf("DeviceID = %q, want device-42", claims.DeviceID)
	}
	if claims.Role != "device" {
		t.Errorf("Role = %q, want device", claims.Role)
	}
}

func TestValidateToken_WrongSecret(t *testing.T) {
	issuer := NewAuthenticator("secret-a", "x")
	verifier := NewAuthenticator("secret-b", "x")

	token, err := issuer.GenerateDeviceToken("device-1")
	if err != nil {
		t.Fatalf("GenerateDeviceToken: %v", err)
	}
	if _, err := verifier.ValidateToken(token); err == nil {
		t.Error("token verified under wrong secret")
	}
}

func TestValidateToken_Garbage(t *testing.T) {
	a := NewAuthenticator("secret", "x")
	if _, err := a.ValidateToken("not.a.jwt"); err == nil {
		t.Error("garbage token verified")
	}
}

func TestActivationSignature(t *testing.T) {
	a := NewAuthenticator("jwt", "activation-secret")

	sig := a.ActivationSignature("SN-001", "challenge-abc")
	if sig == "" {
		t.Fatal("empty signature")
	}

	if !a.VerifyActivation("SN-001", "challenge-abc", sig) {
		t.Error("valid signature rejected")
	}
	if a.VerifyActivation("SN-002", "challenge-abc", sig) {
		t.Error("signature accepted for wrong serial")
	}
	if a.VerifyActivation("SN-001", "challenge-xyz", sig) {
		t.Error("signature accepted for wrong challenge")
	}
	if a.VerifyActivation("SN-001", "challenge-abc", sig+"00") {
		t.Error("tampered signature accepted")
	}

	other := NewAuthenticator("jwt", "different-secret")
	if other.VerifyActivation("SN-001", "challenge-abc", sig) {
		t.Error("signature accepted under different activation secret")
	}
}

func TestChallengeLifecycle(t *testing.T) {
	a := NewAuthenticator("jwt", "activation-secret")

	challenge, err := a.IssueChallenge("SN-001")
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	if challenge == "" {
		t.Fatal("empty challenge")
	}

	if a.ConsumeChallenge("SN-002", challenge) {
		t.Error("challenge redeemed for wrong serial")
	}
	if a.ConsumeChallenge("SN-001", "made-up") {
		t.Error("unissued challenge value redeemed")
	}
	// The failed attempt above already burned the outstanding
	// challenge; issue again for the happy path.
	challenge, err = a.IssueChallenge("SN-001")
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	if !a.ConsumeChallenge("SN-001", challenge) {
		t.Error("valid challenge rejected")
	}
	if a.ConsumeChallenge("SN-001", challenge) {
		t.Error("challenge redeemed twice")
	}
}

func TestIssueChallenge_ReplacesOutstanding(t *testing.T) {
	a := NewAuthenticator("jwt", "activation-secret")

	first, err := a.IssueChallenge("SN-001")
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	second, err := a.IssueChallenge("SN-001")
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	if first == second {
		t.Fatal("reissued challenge did not change")
	}
	if a.ConsumeChallenge("SN-001", first) {
		t.Error("superseded challenge redeemed")
	}
}
