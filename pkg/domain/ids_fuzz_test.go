package domain

import (
	"testing"
	"unicode/utf8"

	dErrors "shepherd/pkg/domain-errors"
)

// Parsed person IDs round-trip; rejected input always carries invalid_input.
func FuzzParsePersonID(f *testing.F) {
	for _, seed := range []string{
		"",
		"3f2b7c1e-8d4a-4e6b-9a0c-2d5e7f901234",
		"00000000-0000-0000-0000-000000000000",
		"3F2B7C1E-8D4A-4E6B-9A0C-2D5E7F901234",
		"{3f2b7c1e-8d4a-4e6b-9a0c-2d5e7f901234}",
		"urn:uuid:3f2b7c1e-8d4a-4e6b-9a0c-2d5e7f901234",
		"3f2b7c1e-8d4a-4e6b-9a0c-2d5e7f901234\x00",
		string([]byte{0xff, 0xfe}),
	} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParsePersonID(input)
		if err != nil {
			if code, ok := dErrors.CodeOf(err); !ok || code != dErrors.CodeInvalidInput {
				t.Fatalf("ParsePersonID(%q) error %v has code %q", input, err, code)
			}
			return
		}
		if id.IsNil() {
			t.Fatalf("ParsePersonID(%q) accepted the nil ID", input)
		}
		if !utf8.ValidString(input) {
			t.Fatalf("ParsePersonID accepted non-UTF-8 input %q", input)
		}
		again, err := ParsePersonID(id.String())
		if err != nil || again != id {
			t.Fatalf("canonical form %q did not round-trip", id.String())
		}
	})
}

// Every ID kind accepts exactly the same strings.
func FuzzParseAllIDs(f *testing.F) {
	f.Add("3f2b7c1e-8d4a-4e6b-9a0c-2d5e7f901234")
	f.Add("")
	f.Add("pastor")

	f.Fuzz(func(t *testing.T, input string) {
		all := parsers()
		want := all[0](input) == nil
		for i, parse := range all[1:] {
			if (parse(input) == nil) != want {
				t.Fatalf("parser %d disagrees on %q", i+1, input)
			}
		}
	})
}

// Closed catalogs never accept a value outside their list.
func FuzzParseCatalogs(f *testing.F) {
	f.Add("visitor")
	f.Add("pastor")
	f.Add("PASTOR")
	f.Add("")

	f.Fuzz(func(t *testing.T, input string) {
		if stage, err := ParseFunnelStage(input); err == nil && stage.Order() < 0 {
			t.Fatalf("stage %q parsed but has no order", input)
		}
		if role, err := ParseRole(input); err == nil && string(role) != input {
			t.Fatalf("role %q parsed as %q", input, role)
		}
	})
}
