package handle

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestEnsurePrefixIdempotent(t *testing.T) {
	prefix := Prefix("u1")
	first := EnsurePrefix("bot", prefix)
	if first != "u1:bot" {
		t.Fatalf("got %q", first)
	}
	second := EnsurePrefix(first, prefix)
	if second != first {
		t.Fatalf("EnsurePrefix not idempotent: %q != %q", second, first)
	}
}

func TestStripPrefixRoundTrip(t *testing.T) {
	prefix := Prefix("u1")
	if got := StripPrefix(EnsurePrefix("bot", prefix), prefix); got != "bot" {
		t.Fatalf("got %q", got)
	}
	// stripPrefix(ensurePrefix(h)) == identity when h already has no prefix.
	if got := StripPrefix("bot", prefix); got != "bot" {
		t.Fatalf("got %q", got)
	}
}

// TestEnsurePrefixIsAlwaysIdempotent covers Invariant 2 ("for any handle,
// applying EnsurePrefix twice with the same prefix yields the same result as
// applying it once") across generated handles and prefixes, rather than the
// single fixed example above.
func TestEnsurePrefixIsAlwaysIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("EnsurePrefix(EnsurePrefix(h, p), p) == EnsurePrefix(h, p)", prop.ForAll(
		func(h, p string) bool {
			once := EnsurePrefix(h, p)
			twice := EnsurePrefix(once, p)
			return twice == once
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestOwnerLocalRoundTripForAnyQualifiedHandle covers the owner/local
// decomposition half of Invariant 2: for any non-empty client id and local
// name built through Prefix and EnsurePrefix, Owner and Local recover the
// pieces that were joined.
func TestOwnerLocalRoundTripForAnyQualifiedHandle(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	nonEmptyAlpha := gen.AlphaString().SuchThat(func(s string) bool { return s != "" })

	properties.Property("Owner/Local recover the clientID and local name joined by Prefix", prop.ForAll(
		func(clientID, local string) bool {
			qualified := EnsurePrefix(local, Prefix(clientID))
			owner, ok := Owner(qualified)
			if !ok || owner != clientID {
				return false
			}
			return Local(qualified) == local
		},
		nonEmptyAlpha,
		nonEmptyAlpha,
	))

	properties.TestingRun(t)
}

func TestOwnerAndLocal(t *testing.T) {
	owner, ok := Owner("u1:bot")
	if !ok || owner != "u1" {
		t.Fatalf("got %q, %v", owner, ok)
	}
	if _, ok := Owner("bot"); ok {
		t.Fatalf("expected no owner for bare handle")
	}
	if got := Local("u1:bot"); got != "bot" {
		t.Fatalf("got %q", got)
	}
	if got := Local("bot"); got != "bot" {
		t.Fatalf("got %q", got)
	}
}
