package supervisor

import "golang.org/x/sys/unix"

// isTerminal reports whether fd refers to a terminal, via a raw TCGETS
// ioctl through golang.org/x/sys/unix (the package network's TAP device
// uses for its TUNSETIFF ioctl) rather than pulling in a dedicated
// terminal-detection dependency.
func isTerminal(fd int) bool {
	_, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	return err == nil
}
