package auth

import (
	"strings"
	"testing"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("s3cret-pass")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "pbkdf2:sha256:") {
		t.Fatalf("unexpected hash format %q", hash)
	}
	if !VerifyPassword(hash, "s3cret-pass") {
		t.Fatal("correct password rejected")
	}
	if VerifyPassword(hash, "wrong-pass") {
		t.Fatal("wrong password accepted")
	}
}

func TestHashesAreSalted(t *testing.T) {
	first, err := HashPassword("same-password")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	second, err := HashPassword("same-password")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if first == second {
		t.Fatal("two hashes of the same password are identical")
	}
	if !VerifyPassword(first, "same-password") || !VerifyPassword(second, "same-password") {
		t.Fatal("salted hashes failed to verify")
	}
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	cases := []string{
		"",
		"not-a-hash",
		"pbkdf2:sha256:abc$00$00",
		"pbkdf2:md5:1000$00$00",
		"pbkdf2:sha256:1000$zz$00",
		"pbkdf2:sha256:1000$00$zz",
	}
	for _, encoded := range cases {
		if VerifyPassword(encoded, "anything") {
			t.Fatalf("malformed hash %q verified", encoded)
		}
	}
}

func TestHashPasswordRejectsEmpty(t *testing.T) {
	if _, err := HashPassword(""); err == nil {
		t.Fatal("empty password accepted")
	}
}

func TestVerifyImportedHash(t *testing.T) {
	// A fixed vector generated with 1000 iterations to keep the test fast.
	const encoded = "pbkdf2:sha256:1000$73616c7473616c7473616c7473616c74$88e079994c4c5e2ebbdef33aaa9e298c601c45043eee20f2e2e17f9f21c7c55f"
	if !VerifyPassword(encoded, "migrated-password") {
		t.Fatal("imported hash rejected")
	}
}
