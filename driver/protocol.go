// Package driver implements the ST3215 register protocol over a serial
// transport. The ST3215 speaks the Feetech STS wire format: 0xFF 0xFF header,
// ID, length, instruction, parameters, ones-complement checksum, with
// little-endian multi-byte values.
package driver

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Instruction codes per the Feetech protocol specification.
const (
	instPing  byte = 0x01
	instRead  byte = 0x02
	instWrite byte = 0x03
)

// Special ID values.
const (
	BroadcastID = 0xFE
	MaxServoID  = 0xFD
)

// Packet header bytes.
const (
	headerByte1 = 0xFF
	headerByte2 = 0xFF
)

// StatusError holds the error flags returned in a servo status packet.
type StatusError byte

const (
	StatusVoltage     StatusError = 1 << 0
	StatusAngleLimit  StatusError = 1 << 1
	StatusOverheat    StatusError = 1 << 2
	StatusRange       StatusError = 1 << 3
	StatusChecksum    StatusError = 1 << 4
	StatusOverload    StatusError = 1 << 5
	StatusInstruction StatusError = 1 << 6
)

func (e StatusError) Error() string {
	if e == 0 {
		return "no error"
	}

	var msgs []string
	if e&StatusVoltage != 0 {
		msgs = append(msgs, "voltage")
	}
	if e&StatusAngleLimit != 0 {
		msgs = append(msgs, "angle limit")
	}
	if e&StatusOverheat != 0 {
		msgs = append(msgs, "overheat")
	}
	if e&StatusRange != 0 {
		msgs = append(msgs, "range")
	}
	if e&StatusChecksum != 0 {
		msgs = append(msgs, "checksum")
	}
	if e&StatusOverload != 0 {
		msgs = append(msgs, "overload")
	}
	if e&StatusInstruction != 0 {
		msgs = append(msgs, "instruction")
	}

	return fmt.Sprintf("servo status error: %v", msgs)
}

// HasError returns true if any error flag is set.
func (e StatusError) HasError() bool {
	return e != 0
}

// packet is a decoded status packet from a servo.
type packet struct {
	ID         byte
	Error      StatusError
	Parameters []byte
}

func encodeWord(value uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)
	return buf
}

func decodeWord(data []byte) uint16 {
	if len(data) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(data)
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return ^sum
}

// encodePacket constructs a wire-format instruction packet.
func encodePacket(id, instruction byte, params []byte) []byte {
	length := byte(len(params) + 2) // params + instruction + checksum

	buf := make([]byte, 0, 6+len(params))
	buf = append(buf, headerByte1, headerByte2)
	buf = append(buf, id)
	buf = append(buf, length)
	buf = append(buf, instruction)
	buf = append(buf, params...)
	buf = append(buf, checksum(buf[2:]))

	return buf
}

// decodePacket parses a status packet from raw bytes, scanning past any
// leading garbage to find the header.
func decodePacket(data []byte) (packet, error) {
	if len(data) < 6 {
		return packet{}, errors.New("packet too short")
	}

	headerIdx := -1
	for i := 0; i <= len(data)-6; i++ {
		if data[i] == headerByte1 && data[i+1] == headerByte2 {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return packet{}, errors.New("header not found")
	}

	data = data[headerIdx:]
	if len(data) < 6 {
		return packet{}, errors.New("packet too short after header")
	}

	id := data[2]
	length := int(data[3])

	totalLen := 4 + length // header(2) + id(1) + length(1) + [length bytes]
	if len(data) < totalLen {
		return packet{}, fmt.Errorf("incomplete packet: need %d bytes, have %d", totalLen, len(data))
	}

	expected := checksum(data[2 : totalLen-1])
	actual := data[totalLen-1]
	if expected != actual {
		return packet{}, fmt.Errorf("checksum mismatch: expected 0x%02X, got 0x%02X", expected, actual)
	}

	// Status packet format: [header][id][length][error][params...][checksum]
	pkt := packet{
		ID:    id,
		Error: StatusError(data[4]),
	}

	paramLen := length - 2 // error byte and checksum
	if paramLen > 0 {
		pkt.Parameters = make([]byte, paramLen)
		copy(pkt.Parameters, data[5:5+paramLen])
	}

	return pkt, nil
}

// expectedResponseLength returns the wire length of a status packet carrying
// dataLen parameter bytes.
func expectedResponseLength(dataLen int) int {
	// header(2) + id(1) + length(1) + error(1) + data(n) + checksum(1)
	return 6 + dataLen
}

func pingPacket(id byte) []byte {
	return encodePacket(id, instPing, nil)
}

func readPacket(id, address, length byte) []byte {
	return encodePacket(id, instRead, []byte{address, length})
}

func writePacket(id, address byte, data []byte) []byte {
	params := make([]byte, 1+len(data))
	params[0] = address
	copy(params[1:], data)
	return encodePacket(id, instWrite, params)
}
