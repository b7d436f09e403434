package gearman

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
)

const (
	// DefaultPort is the job server's registered port.
	DefaultPort = 4730

	// MaxUniqueSize is the protocol limit for unique job ids.
	MaxUniqueSize = 64

	// maxPacketSize bounds a single packet body.
	maxPacketSize = 64 * 1024 * 1024

	headerSize = 12
)

var (
	magicRequest  = [4]byte{0, 'R', 'E', 'Q'}
	magicResponse = [4]byte{0, 'R', 'E', 'S'}
)

// PacketType is the numeric command of a packet.
type PacketType uint32

const (
	PacketCanDo           PacketType = 1
	PacketCantDo          PacketType = 2
	PacketResetAbilities  PacketType = 3
	PacketPreSleep        PacketType = 4
	PacketNoop            PacketType = 6
	PacketSubmitJob       PacketType = 7
	PacketJobCreated      PacketType = 8
	PacketGrabJob         PacketType = 9
	PacketNoJob           PacketType = 10
	PacketJobAssign       PacketType = 11
	PacketWorkStatus      PacketType = 12
	PacketWorkComplete    PacketType = 13
	PacketWorkFail        PacketType = 14
	PacketEchoReq         PacketType = 16
	PacketEchoRes         PacketType = 17
	PacketSubmitJobBG     PacketType = 18
	PacketError           PacketType = 19
	PacketSubmitJobHigh   PacketType = 21
	PacketSetClientID     PacketType = 22
	PacketCanDoTimeout    PacketType = 23
	PacketWorkException   PacketType = 25
	PacketWorkData        PacketType = 28
	PacketWorkWarning     PacketType = 29
	PacketGrabJobUniq     PacketType = 30
	PacketJobAssignUniq   PacketType = 31
	PacketSubmitJobHighBG PacketType = 32
	PacketSubmitJobLow    PacketType = 33
	PacketSubmitJobLowBG  PacketType = 34
)

var packetNames = map[PacketType]string{
	PacketCanDo:           "CAN_DO",
	PacketCantDo:          "CANT_DO",
	PacketResetAbilities:  "RESET_ABILITIES",
	PacketPreSleep:        "PRE_SLEEP",
	PacketNoop:            "NOOP",
	PacketSubmitJob:       "SUBMIT_JOB",
	PacketJobCreated:      "JOB_CREATED",
	PacketGrabJob:         "GRAB_JOB",
	PacketNoJob:           "NO_JOB",
	PacketJobAssign:       "JOB_ASSIGN",
	PacketWorkStatus:      "WORK_STATUS",
	PacketWorkComplete:    "WORK_COMPLETE",
	PacketWorkFail:        "WORK_FAIL",
	PacketEchoReq:         "ECHO_REQ",
	PacketEchoRes:         "ECHO_RES",
	PacketSubmitJobBG:     "SUBMIT_JOB_BG",
	PacketError:           "ERROR",
	PacketSubmitJobHigh:   "SUBMIT_JOB_HIGH",
	PacketSetClientID:     "SET_CLIENT_ID",
	PacketCanDoTimeout:    "CAN_DO_TIMEOUT",
	PacketWorkException:   "WORK_EXCEPTION",
	PacketWorkData:        "WORK_DATA",
	PacketWorkWarning:     "WORK_WARNING",
	PacketGrabJobUniq:     "GRAB_JOB_UNIQ",
	PacketJobAssignUniq:   "JOB_ASSIGN_UNIQ",
	PacketSubmitJobHighBG: "SUBMIT_JOB_HIGH_BG",
	PacketSubmitJobLow:    "SUBMIT_JOB_LOW",
	PacketSubmitJobLowBG:  "SUBMIT_JOB_LOW_BG",
}

func (t PacketType) String() string {
	if name, ok := packetNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PACKET_%d", uint32(t))
}

// argCount is the number of NUL separated arguments a packet carries. The
// last argument is opaque data and may itself contain NUL bytes.
func argCount(t PacketType) int {
	switch t {
	case PacketSubmitJob, PacketSubmitJobBG, PacketSubmitJobHigh, PacketSubmitJobHighBG,
		PacketSubmitJobLow, PacketSubmitJobLowBG, PacketJobAssign, PacketWorkStatus:
		return 3
	case PacketJobAssignUniq:
		return 4
	case PacketWorkComplete, PacketWorkData, PacketWorkWarning, PacketWorkException,
		PacketError, PacketCanDoTimeout:
		return 2
	case PacketCanDo, PacketCantDo, PacketJobCreated, PacketWorkFail, PacketEchoReq,
		PacketEchoRes, PacketSetClientID:
		return 1
	default:
		return 0
	}
}

// Packet is one framed protocol message.
type Packet struct {
	Request bool
	Type    PacketType
	Args    [][]byte
}

func NewRequest(t PacketType, args ...[]byte) *Packet {
	return &Packet{Request: true, Type: t, Args: args}
}

func NewResponse(t PacketType, args ...[]byte) *Packet {
	return &Packet{Request: false, Type: t, Args: args}
}

// Arg returns argument i or nil when absent.
func (p *Packet) Arg(i int) []byte {
	if i < len(p.Args) {
		return p.Args[i]
	}
	return nil
}

// Bytes serializes the packet including its 12 byte header.
func (p *Packet) Bytes() []byte {
	body := bytes.Join(p.Args, []byte{0})
	buf := make([]byte, headerSize+len(body))
	if p.Request {
		copy(buf[0:4], magicRequest[:])
	} else {
		copy(buf[0:4], magicResponse[:])
	}
	binary.BigEndian.PutUint32(buf[4:8], uint32(p.Type))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(body)))
	copy(buf[headerSize:], body)
	return buf
}

// ReadPacket reads one packet from r.
func ReadPacket(r io.Reader) (*Packet, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	p := &Packet{}
	switch {
	case bytes.Equal(header[0:4], magicRequest[:]):
		p.Request = true
	case bytes.Equal(header[0:4], magicResponse[:]):
		p.Request = false
	default:
		return nil, errors.NewProtocolError(fmt.Sprintf("bad packet magic %q", header[0:4]), nil)
	}
	p.Type = PacketType(binary.BigEndian.Uint32(header[4:8]))

	size := binary.BigEndian.Uint32(header[8:12])
	if size > maxPacketSize {
		return nil, errors.NewProtocolError(fmt.Sprintf("packet too large: %d bytes", size), nil)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	if n := argCount(p.Type); n > 0 {
		p.Args = bytes.SplitN(body, []byte{0}, n)
	}
	return p, nil
}
