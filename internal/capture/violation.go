//go:build !debug

package capture

import "firestige.xyz/camrelay/internal/log"

// violation reports misuse of the buffer lifecycle. Release builds log it and
// carry on with the state untouched.
func violation(err error) error {
	log.GetLogger().WithError(err).Error("buffer lifecycle violation")
	return err
}
