//go:build cgo

package main

// Included only when cgo is enabled. Registers the netlib BLAS bindings
// so single-precision GEMM runs on the system BLAS (Accelerate on
// macOS, OpenBLAS on Linux) instead of the pure Go implementation.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Msg("CGO BLAS acceleration enabled (netlib)")
}
