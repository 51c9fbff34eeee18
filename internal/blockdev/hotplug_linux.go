//go:build linux

package blockdev

import (
	"strings"

	"github.com/s-urbaniak/uevent"
)

// HotplugEvent reports a kernel add/remove uevent for a block device,
// translated from the raw netlink fields into what the zonectl watch verb
// needs to decide whether the configured device just appeared or
// disappeared.
type HotplugEvent struct {
	Action   string // "add" or "remove"
	DevPath  string
	Subsystem string
}

// WatchHotplug streams block-subsystem uevents until the underlying uevent
// socket errors out; if the reader stops draining the channel, the
// goroutine blocks on the send.
// Implementations consuming this are expected to match DevPath against the
// device node they opened via env.DevicePath.
func WatchHotplug() (<-chan HotplugEvent, error) {
	r, err := uevent.NewReader()
	if err != nil {
		return nil, err
	}
	dec := uevent.NewDecoder(r)
	out := make(chan HotplugEvent)
	go func() {
		defer close(out)
		defer r.Close()
		for {
			ev, err := dec.Decode()
			if err != nil {
				return
			}
			if !strings.EqualFold(ev.Subsystem, "block") {
				continue
			}
			out <- HotplugEvent{
				Action:    ev.Action,
				DevPath:   ev.Devpath,
				Subsystem: ev.Subsystem,
			}
		}
	}()
	return out, nil
}
