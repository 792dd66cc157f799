// Package testutil provides test helpers for mailmirror tests.
//
// The package is organized into focused files:
//   - assert.go: assertion helpers (MustNoErr, AssertStrings, AssertIDs, etc.)
//   - builders.go: mail.Item builders and collection generators
//   - ptr/: generic pointer helpers
package testutil
