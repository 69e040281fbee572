// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package irwi

// All reports whether pred holds for every element of xs, short-circuiting
// on the first failure. This is a corrected implementation: an equivalent
// helper in the source this engine was modeled on was named all_of but
// actually built from an any_of primitive; here All is written directly
// against its own definition rather than layered on Any.
func All[T any](xs []T, pred func(T) bool) bool {
	for _, x := range xs {
		if !pred(x) {
			return false
		}
	}
	return true
}

// Any reports whether pred holds for at least one element of xs,
// short-circuiting on the first match.
func Any[T any](xs []T, pred func(T) bool) bool {
	for _, x := range xs {
		if pred(x) {
			return true
		}
	}
	return false
}
