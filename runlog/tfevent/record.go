package tfevent

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Records use TFRecord framing, the container TensorBoard expects around
// every event message:
//
//	uint64 payload length (little-endian)
//	uint32 masked CRC-32C of the length bytes
//	byte   payload[length]
//	uint32 masked CRC-32C of the payload

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// maskCRC applies the rotation mask stored checksums carry on disk.
func maskCRC(c uint32) uint32 {
	return ((c >> 15) | (c << 17)) + 0xa282ead8
}

func maskedCRC(data []byte) uint32 {
	return maskCRC(crc32.Checksum(data, castagnoli))
}

// writeRecord frames one payload and writes it to w.
func writeRecord(w io.Writer, payload []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(len(payload)))
	binary.LittleEndian.PutUint32(header[8:12], maskedCRC(header[0:8]))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write record header: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write record payload: %v", err)
	}

	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(payload))
	if _, err := w.Write(footer[:]); err != nil {
		return fmt.Errorf("failed to write record footer: %v", err)
	}
	return nil
}

// readRecord reads one framed payload from r, verifying both checksums. At
// a clean end of stream it returns io.EOF.
func readRecord(r io.Reader) ([]byte, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read record header: %v", err)
	}

	length := binary.LittleEndian.Uint64(header[0:8])
	if got, want := maskedCRC(header[0:8]), binary.LittleEndian.Uint32(header[8:12]); got != want {
		return nil, fmt.Errorf("record length checksum mismatch: computed %08x, stored %08x", got, want)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read record payload: %v", err)
	}

	var footer [4]byte
	if _, err := io.ReadFull(r, footer[:]); err != nil {
		return nil, fmt.Errorf("failed to read record footer: %v", err)
	}
	if got, want := maskedCRC(payload), binary.LittleEndian.Uint32(footer[:]); got != want {
		return nil, fmt.Errorf("record payload checksum mismatch: computed %08x, stored %08x", got, want)
	}
	return payload, nil
}
