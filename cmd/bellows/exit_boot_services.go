package main

import (
	"fullerene/bellows/firmware"
	"fullerene/kernel"
)

// exitBootServicesWithRetry asks the firmware to exit boot services using
// mapKey, the key returned by the GetMemoryMap call buildHandoffRecord made.
// Any allocation between that call and this one (including the ones
// buildHandoffRecord itself made for the translated descriptor array and the
// record) can invalidate the key, which the firmware reports by failing the
// call; this retries exactly once, re-fetching a fresh key, rather than
// looping indefinitely.
func exitBootServicesWithRetry(bs *firmware.BootServices, mapKey uintptr) *kernel.Error {
	imageHandle := firmware.ImageHandle()

	if err := bs.ExitBootServices(imageHandle, mapKey); err == nil {
		return nil
	}

	_, freshKey, err := fetchMemoryMap(bs)
	if err != nil {
		return err
	}
	return bs.ExitBootServices(imageHandle, freshKey)
}
