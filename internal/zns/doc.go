// Package zns maps a log-structured key-value engine onto a zoned block
// device: it allocates zones to files based on expected lifetime and LSM
// level, exposes files as append-only extent lists, and reclaims zones
// dominated by dead data through a background cleaner.
//
// The device itself and the metadata journal are external collaborators;
// zns only consumes them through the Device interface in device.go and the
// MetadataWriter interface in writablefile.go. Concrete implementations
// live in internal/blockdev and internal/journal.
package zns
