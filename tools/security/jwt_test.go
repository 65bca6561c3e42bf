package security

import (
	"testing"
	"time"
)

func TestGenerateVerifyRoundtrip(t *testing.T) {
	opts := DefaultOptions([]byte("secret-1"))

	tok, exp, err := Generate(opts, Identity{UserID: "u42", Role: "seller"})
	if err != nil {
		t.Fatal(err)
	}
	if !exp.After(time.Now()) {
		t.Fatal("expiry in the past")
	}

	id, err := VerifyAccessToken(opts, tok)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != "u42" || id.Role != "seller" || id.IsGuest {
		t.Fatalf("wrong identity: %+v", id)
	}
}

func TestGuestClaim(t *testing.T) {
	opts := DefaultOptions([]byte("secret-1"))
	tok, _, err := Generate(opts, Identity{UserID: "g1", IsGuest: true})
	if err != nil {
		t.Fatal(err)
	}
	id, err := VerifyAccessToken(opts, tok)
	if err != nil {
		t.Fatal(err)
	}
	if !id.IsGuest {
		t.Fatal("guest flag lost")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	tok, _, err := Generate(DefaultOptions([]byte("secret-1")), Identity{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyAccessToken(DefaultOptions([]byte("secret-2")), tok); err == nil {
		t.Fatal("token verified with the wrong secret")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	opts := Options{Secret: []byte("secret-1"), TTL: time.Nanosecond}
	tok, _, err := Generate(opts, Identity{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := VerifyAccessToken(opts, tok); err == nil {
		t.Fatal("expired token verified")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	opts := DefaultOptions([]byte("secret-1"))
	for _, tok := range []string{"", "abc", "a.b.c"} {
		if _, err := VerifyAccessToken(opts, tok); err == nil {
			t.Fatalf("garbage token %q verified", tok)
		}
	}
}

func TestUnsupportedAlg(t *testing.T) {
	if _, _, err := Generate(Options{Secret: []byte("x"), Alg: "RS256"}, Identity{UserID: "u"}); err == nil {
		t.Fatal("asymmetric alg accepted")
	}
}
