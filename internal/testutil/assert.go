package testutil

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/wesm/mailmirror/internal/mail"
)

// EquateEmpty treats nil and empty slices and maps as equal in cmp.Diff.
func EquateEmpty() cmp.Option {
	return cmpopts.EquateEmpty()
}

// AssertStrings compares two string slices element-by-element.
// It provides nicer %q formatting for string values.
func AssertStrings(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("got len %d, want %d: %q", len(got), len(want), got)
		return
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("at index %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

// IDs returns the ids of items in order.
func IDs(items []mail.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

// AssertIDs asserts that items have exactly the given ids, in order.
func AssertIDs(t *testing.T, items []mail.Item, want ...string) {
	t.Helper()
	AssertStrings(t, IDs(items), want...)
}

// AssertItemEqual fails with a diff when two items differ in any field.
func AssertItemEqual(t *testing.T, want, got mail.Item) {
	t.Helper()
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("item mismatch (-want +got):\n%s", diff)
	}
}

// MustNoErr fails the test immediately if err is non-nil.
// Use this for setup operations where failure means the test cannot proceed.
func MustNoErr(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}
