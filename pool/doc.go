// Package pool
// Author: momentics <momentics@gmail.com>
//
// Memory pooling for wspush.
// Connections borrow their fixed-size payload buffer on accept and return it
// on teardown, so churn does not reallocate large slices.
package pool
