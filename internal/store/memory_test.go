package store

import "testing"

func TestMemoryStore_Contract(t *testing.T) {
	clock := newFakeClock()
	runKVContract(t, NewMemoryStoreWithClock(clock.Now), clock.Advance)
}

func TestKVSuspensionStore_Memory(t *testing.T) {
	runSuspensionContract(t, NewKVSuspensionStore(NewMemoryStore()))
}
