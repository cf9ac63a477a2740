package channel

import (
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// signalByName maps the SIGNAL envelope's string name to an os.Signal.
// Unknown names are reported to the caller so they can be logged and
// ignored rather than failing the channel. unix.SignalNum accepts the
// full "SIGTERM" spelling; bare "TERM" is normalized first.
func signalByName(name string) (os.Signal, bool) {
	n := strings.ToUpper(name)
	if !strings.HasPrefix(n, "SIG") {
		n = "SIG" + n
	}
	sig := unix.SignalNum(n)
	if sig == 0 {
		return nil, false
	}
	return sig, true
}
