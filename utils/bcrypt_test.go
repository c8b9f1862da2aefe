package utils

import "testing"

func TestHashPasswordRoundTrip(t *testing.T) {
	hashed, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	// stored as a string column, compared back from that representation
	stored := string(hashed)
	if err := ComparePassword(stored, "s3cret"); err != nil {
		t.Fatalf("ComparePassword with correct password: %v", err)
	}
	if err := ComparePassword(stored, "wrong"); err == nil {
		t.Fatal("expected mismatch error for wrong password")
	}
}
