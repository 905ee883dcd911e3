// Package ir provides the value and tuple types shared by every layer of the
// runtime.
//
// This package contains type definitions and encodings only. All other
// internal packages import ir; ir imports nothing internal. This keeps the
// tuple model the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Values are a closed set: Address, Int32, String, List and Bitset
//   - Comparing values of different kinds is an error, never a silent false
//   - Tuples are immutable; every "modification" returns a new Tuple
//   - Canonical encoding (canonical.go) is the only byte form used for
//     signing and content hashing
package ir
