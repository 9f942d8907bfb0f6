//go:build unix && !linux

package reactor

func newPoller() (poller, error) {
	return newPollPoller()
}
