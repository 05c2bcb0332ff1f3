package ids

import (
	"strings"
	"testing"

	"github.com/oklog/ulid/v2"
)

func TestNewIsParseableAndSorted(t *testing.T) {
	a := New()
	b := New()
	if _, err := ulid.ParseStrict(a); err != nil {
		t.Fatalf("invalid ulid %q: %v", a, err)
	}
	if a >= b {
		t.Fatalf("ids not increasing: %s >= %s", a, b)
	}
}

func TestCodeFormat(t *testing.T) {
	code := Code(" mdm ")
	if !strings.HasPrefix(code, "MDM-") {
		t.Fatalf("unexpected prefix: %s", code)
	}
	suffix := strings.TrimPrefix(code, "MDM-")
	if len(suffix) != CodeLength {
		t.Fatalf("unexpected suffix length: %s", suffix)
	}
	for _, r := range suffix {
		if !strings.ContainsRune("0123456789ABCDEFGHJKMNPQRSTVWXYZ", r) {
			t.Fatalf("non crockford rune %q in %s", r, code)
		}
	}
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		c := Code("X")
		if seen[c] {
			t.Fatalf("duplicate code %s", c)
		}
		seen[c] = true
	}
}
