package journal

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum computes the CRC32-IEEE checksum of an event's key
// fields. The timestamp is excluded.
func CalculateChecksum(eventType EventType, experiment string, seq uint64) uint32 {
	data := string(eventType) + "|" + experiment + "|" + strconv.FormatUint(seq, 10)
	return crc32.ChecksumIEEE([]byte(data))
}

// VerifyChecksum reports whether the stored checksum matches the event.
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event.Type, event.Experiment, event.Seq)
}
