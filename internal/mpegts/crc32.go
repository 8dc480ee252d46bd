package mpegts

import "errors"

var errCRC = errors.New("CRC32 mismatch")

// MPEG-2 CRC32 with polynomial 0x04C11DB7, no reflection.
var crc32Table [256]uint32

func init() {
	for i := range crc32Table {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crc32Table[i] = crc
	}
}

func computeCRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crc32Table[byte(crc>>24)^b]
	}
	return crc
}

// verifyCRC32 checks a section that ends in its own CRC; running the CRC
// over the whole section yields zero.
func verifyCRC32(data []byte) error {
	if len(data) < 4 || computeCRC32(data) != 0 {
		return errCRC
	}
	return nil
}

// appendCRC32 appends the CRC of section to it.
func appendCRC32(section []byte) []byte {
	crc := computeCRC32(section)
	return append(section, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}
