package crypto

import (
	"testing"
)

func TestSecureWipe(t *testing.T) {
	kp, err := GenerateKeyPair("")
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}
	raw, err := kp.Private.MarshalBinary()
	if err != nil {
		t.Fatalf("Failed to marshal private key: %v", err)
	}

	allZero := true
	for _, b := range raw {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Fatalf("Private key is all zeros before wiping, test cannot proceed")
	}

	if err := SecureWipe(raw); err != nil {
		t.Fatalf("SecureWipe failed: %v", err)
	}
	for i, b := range raw {
		if b != 0 {
			t.Fatalf("SecureWipe left byte %d set", i)
		}
	}
}

func TestSecureWipeNil(t *testing.T) {
	if err := SecureWipe(nil); err == nil {
		t.Fatal("SecureWipe(nil) should fail")
	}
}

func TestZeroBytes(t *testing.T) {
	testData := []byte{1, 2, 3, 4, 5}
	ZeroBytes(testData)
	for i, b := range testData {
		if b != 0 {
			t.Fatalf("ZeroBytes failed to zero byte at position %d", i)
		}
	}

	// Must not panic.
	ZeroBytes(nil)
	ZeroBytes([]byte{})
}
