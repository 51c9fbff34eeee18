// Package blockdev implements zns.Device with a file-backed simulated
// zoned device, used by tests and the zonectl demo commands, and on Linux
// watches block-device hotplug uevents. It has no driver for a real zoned
// block device.
package blockdev
