// Package protocol encodes launcher control frames and decodes the launcher's
// response frames.
//
// Outbound command frame, 10 bytes:
//
//	0 0x5A  1 0xA5  2 0x83
//	3 upper wheel speed  0-100
//	4 lower wheel speed  0-100
//	5 pitch angle        0-90
//	6 yaw angle          0-90
//	7 feed speed         0-100
//	8 control bit        0 or 1
//	9 checksum, XOR of bytes 0-8
//
// Inbound response frame, 5 bytes:
//
//	0 0x5A  1 0xA5  2 0x82
//	3 response code (0 rejected, 1 accepted, 2 completed)
//	4 checksum, XOR of bytes 0-3
//
// The checksum is a plain XOR fold. The device firmware calls it a CRC but
// expects XOR.
package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	Header1        byte = 0x5A
	Header2        byte = 0xA5
	SourceApp      byte = 0x83
	SourceLauncher byte = 0x82

	CommandFrameLen  = 10
	ResponseFrameLen = 5

	MaxSpeed = 100
	MaxAngle = 90
)

var (
	ErrBadLength        = errors.New("bad frame length")
	ErrBadHeader        = errors.New("bad frame header")
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
)

// Command is one launcher setting. Fields outside their range are saturated
// by Clamp, never rejected.
type Command struct {
	UpperWheelSpeed int `json:"upper_wheel_speed" yaml:"upper_wheel_speed"`
	LowerWheelSpeed int `json:"lower_wheel_speed" yaml:"lower_wheel_speed"`
	PitchAngle      int `json:"pitch_angle" yaml:"pitch_angle"`
	YawAngle        int `json:"yaw_angle" yaml:"yaw_angle"`
	FeedSpeed       int `json:"feed_speed" yaml:"feed_speed"`
	ControlBit      int `json:"control_bit" yaml:"control_bit"`
}

func (c Command) String() string {
	return fmt.Sprintf("wheels=%d/%d pitch=%d yaw=%d feed=%d ctl=%d",
		c.UpperWheelSpeed, c.LowerWheelSpeed, c.PitchAngle, c.YawAngle, c.FeedSpeed, c.ControlBit)
}

// Clamp saturates every field to its range. It is idempotent.
func (c Command) Clamp() Command {
	return Command{
		UpperWheelSpeed: clamp(c.UpperWheelSpeed, MaxSpeed),
		LowerWheelSpeed: clamp(c.LowerWheelSpeed, MaxSpeed),
		PitchAngle:      clamp(c.PitchAngle, MaxAngle),
		YawAngle:        clamp(c.YawAngle, MaxAngle),
		FeedSpeed:       clamp(c.FeedSpeed, MaxSpeed),
		ControlBit:      clamp(c.ControlBit, 1),
	}
}

func clamp(v, hi int) int {
	return max(0, min(hi, v))
}

// CommandFrame is an encoded command.
type CommandFrame [CommandFrameLen]byte

// Bytes returns the frame as a slice, ready for a transport.
func (f CommandFrame) Bytes() []byte { return f[:] }

func (f CommandFrame) String() string { return hex.EncodeToString(f[:]) }

// ResponseFrame is an encoded launcher response.
type ResponseFrame [ResponseFrameLen]byte

func (f ResponseFrame) Bytes() []byte { return f[:] }

func (f ResponseFrame) String() string { return hex.EncodeToString(f[:]) }

// Checksum XOR-folds b.
func Checksum(b []byte) byte {
	var x byte
	for _, v := range b {
		x ^= v
	}
	return x
}

// Encode clamps cmd and frames it. It always succeeds.
func Encode(cmd Command) CommandFrame {
	c := cmd.Clamp()
	f := CommandFrame{
		Header1, Header2, SourceApp,
		byte(c.UpperWheelSpeed),
		byte(c.LowerWheelSpeed),
		byte(c.PitchAngle),
		byte(c.YawAngle),
		byte(c.FeedSpeed),
		byte(c.ControlBit),
	}
	f[CommandFrameLen-1] = Checksum(f[:CommandFrameLen-1])
	return f
}

// DecodeCommand validates an outbound frame and returns its command. It is
// the launcher's side of Encode and is used by simulators and diagnostics.
// Fields are returned as sent, without clamping.
func DecodeCommand(b []byte) (Command, error) {
	if err := check(b, CommandFrameLen, SourceApp); err != nil {
		return Command{}, err
	}
	return Command{
		UpperWheelSpeed: int(b[3]),
		LowerWheelSpeed: int(b[4]),
		PitchAngle:      int(b[5]),
		YawAngle:        int(b[6]),
		FeedSpeed:       int(b[7]),
		ControlBit:      int(b[8]),
	}, nil
}

// Kind classifies a response code.
type Kind int

const (
	Rejected Kind = iota
	Accepted
	Completed
	Unknown
)

func (k Kind) String() string {
	switch k {
	case Rejected:
		return "rejected"
	case Accepted:
		return "accepted"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText parses a name produced by MarshalText.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "rejected":
		*k = Rejected
	case "accepted":
		*k = Accepted
	case "completed":
		*k = Completed
	case "unknown":
		*k = Unknown
	default:
		return fmt.Errorf("unknown response kind %q", b)
	}
	return nil
}

// KindOf classifies a raw response code.
func KindOf(code byte) Kind {
	switch code {
	case 0:
		return Rejected
	case 1:
		return Accepted
	case 2:
		return Completed
	default:
		return Unknown
	}
}

// Response is a decoded launcher response. Code is kept even when Kind is
// Unknown.
type Response struct {
	Code byte `json:"code"`
	Kind Kind `json:"kind"`
}

func (r Response) String() string {
	if r.Kind == Unknown {
		return fmt.Sprintf("unknown(%d)", r.Code)
	}
	return r.Kind.String()
}

// Decode parses a 5-byte response frame. Length is checked first, then the
// header bytes, then the checksum.
func Decode(b []byte) (Response, error) {
	if err := check(b, ResponseFrameLen, SourceLauncher); err != nil {
		return Response{}, err
	}
	return Response{Code: b[3], Kind: KindOf(b[3])}, nil
}

// EncodeResponse frames a response code as the launcher would send it.
func EncodeResponse(code byte) ResponseFrame {
	f := ResponseFrame{Header1, Header2, SourceLauncher, code}
	f[ResponseFrameLen-1] = Checksum(f[:ResponseFrameLen-1])
	return f
}

func check(b []byte, n int, source byte) error {
	if len(b) != n {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrBadLength, len(b), n)
	}
	if b[0] != Header1 || b[1] != Header2 || b[2] != source {
		return fmt.Errorf("%w: % x", ErrBadHeader, b[:3])
	}
	if sum := Checksum(b[:n-1]); sum != b[n-1] {
		return fmt.Errorf("%w: computed %#02x, frame has %#02x", ErrChecksumMismatch, sum, b[n-1])
	}
	return nil
}
