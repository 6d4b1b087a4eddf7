// Package xctx aliases context.Context/CancelFunc to short names used across
// moar, following the teacher's utils/context package.
package xctx

import (
	"context"
	"time"
)

// T is a context.Context.
type T = context.Context

// F is a context.CancelFunc.
type F = context.CancelFunc

// Bg returns context.Background().
func Bg() T { return context.Background() }

// Cancel wraps context.WithCancel.
func Cancel(c T) (T, F) { return context.WithCancel(c) }

// Timeout wraps context.WithTimeout.
func Timeout(c T, d time.Duration) (T, F) { return context.WithTimeout(c, d) }
