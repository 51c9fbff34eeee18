package zns

import (
	"context"
	"testing"
)

func newTestZoneDevice(t *testing.T, numIO, numMeta, numReserved int, zoneSize int64, blockSize int) (*ZoneDevice, *fakeDevice) {
	t.Helper()
	total := numIO + numMeta + numReserved
	fd := newFakeDevice(total, zoneSize, blockSize)
	for i := 0; i < numMeta; i++ {
		fd.setKind(numIO+i, KindMeta)
	}
	for i := 0; i < numReserved; i++ {
		fd.setKind(numIO+numMeta+i, KindReserved)
	}
	zd, err := Open(context.Background(), fd, Config{
		MaxActive: total,
		MaxOpen:   total,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return zd, fd
}
