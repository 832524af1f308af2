// Package wire implements the relay's framed bidirectional wire protocol:
// a five-byte header (one-byte type, four-byte little-endian length)
// followed by exactly that many payload bytes. See FrameType for the
// complete set of frame kinds and their direction/phase.
package wire

import "fmt"

// FrameType identifies the kind of a frame. Values are part of the wire
// format and must never change.
type FrameType uint8

const (
	// FrameWorkingDirectory is sent client->server during the prelude; its
	// payload is the UTF-8 relativized working directory.
	FrameWorkingDirectory FrameType = iota
	// FrameEnvironmentVariable is sent client->server during the prelude;
	// its payload is "NAME" or "NAME=VALUE".
	FrameEnvironmentVariable
	// FrameCommandArgument is sent client->server during the prelude; its
	// payload is one UTF-8 argument.
	FrameCommandArgument
	// FrameStartCommand terminates the prelude; its payload is the command
	// name. Exactly one is sent per session.
	FrameStartCommand
	// FrameStdinData carries stdin bytes client->server, and server->client
	// to request that the client close its local stdin. Zero length means
	// the sender has closed that direction.
	FrameStdinData
	// FrameStdoutData carries child stdout bytes server->client. Zero
	// length means the child closed stdout.
	FrameStdoutData
	// FrameStderrData carries child stderr bytes server->client. Zero
	// length means the child closed stderr.
	FrameStderrData
	// FrameTerminateCommand is sent client->server to request the child be
	// signaled to terminate. Payload is four zero bytes.
	FrameTerminateCommand
	// FrameExitCode is the terminal server->client frame; payload is the
	// four-byte little-endian signed child exit code.
	FrameExitCode
)

func (t FrameType) String() string {
	switch t {
	case FrameWorkingDirectory:
		return "WorkingDirectory"
	case FrameEnvironmentVariable:
		return "EnvironmentVariable"
	case FrameCommandArgument:
		return "CommandArgument"
	case FrameStartCommand:
		return "StartCommand"
	case FrameStdinData:
		return "StdinData"
	case FrameStdoutData:
		return "StdoutData"
	case FrameStderrData:
		return "StderrData"
	case FrameTerminateCommand:
		return "TerminateCommand"
	case FrameExitCode:
		return "ExitCode"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(t))
	}
}

// HeaderSize is the fixed size, in bytes, of a frame header: one type byte
// followed by a four-byte little-endian length.
const HeaderSize = 5

// MaxAllowedPayload bounds how large a single frame payload we will ever
// buffer for, independent of the 32-bit length field's range. It exists
// only to keep a misbehaving or hostile peer from forcing an unbounded
// allocation; the protocol itself permits any length up to 2^32-1.
const MaxAllowedPayload = 64 << 20 // 64 MiB

// TerminateCommandPayload is the fixed four-byte zero payload that
// accompanies every FrameTerminateCommand frame.
var TerminateCommandPayload = [4]byte{}

// EncodeHeader renders a frame header as five bytes: type followed by a
// little-endian uint32 length.
func EncodeHeader(t FrameType, length uint32) [HeaderSize]byte {
	var buf [HeaderSize]byte
	buf[0] = byte(t)
	buf[1] = byte(length)
	buf[2] = byte(length >> 8)
	buf[3] = byte(length >> 16)
	buf[4] = byte(length >> 24)
	return buf
}

// DecodeHeader parses a five-byte header. It is a pure function of its
// input: decoding never reads beyond the header bytes given to it.
func DecodeHeader(buf [HeaderSize]byte) (FrameType, uint32) {
	length := uint32(buf[1]) | uint32(buf[2])<<8 | uint32(buf[3])<<16 | uint32(buf[4])<<24
	return FrameType(buf[0]), length
}

// Frame is a fully decoded frame: type plus payload bytes.
type Frame struct {
	Type    FrameType
	Payload []byte
}
