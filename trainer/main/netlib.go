//go:build netlib

package main

import (
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

// -tags netlib でビルドすると cgo の BLAS を使います。
func init() {
	blas32.Use(netlib.Implementation{})
}
