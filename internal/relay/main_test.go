package relay_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain asserts every writer/liveness goroutine spawned by a Conn or
// Router in this package's tests has exited by the time the package's
// tests finish, matching the teacher's convention of guarding
// goroutine-heavy packages with goleak.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
