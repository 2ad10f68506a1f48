// Package proto defines the payload classes the hub understands, the per-node
// configuration record, and the binary control protocol spoken between hub and
// node over the control WebSocket.
package proto

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// StreamKind marks what kind of data a node does or should produce. It is a
// closed set: adding a kind requires coordinated changes on node, hub, and
// viewer.
type StreamKind string

const (
	StreamFFT    StreamKind = "fft"
	StreamZigBee StreamKind = "zigbee"
)

// streamKindTags is the wire index of each kind in the binary codec.
var streamKindTags = map[StreamKind]uint32{
	StreamFFT:    0,
	StreamZigBee: 1,
}

var streamKindByTag = map[uint32]StreamKind{
	0: StreamFFT,
	1: StreamZigBee,
}

// ParseStreamKind converts the textual form used in request paths.
func ParseStreamKind(s string) (StreamKind, error) {
	switch StreamKind(s) {
	case StreamFFT, StreamZigBee:
		return StreamKind(s), nil
	}
	return "", fmt.Errorf("unknown stream kind %q", s)
}

// FFTChunksPerTransfer is the number of equal chunks each fft payload is split
// into before forwarding to a viewer. The viewer's input buffer fits exactly
// one chunk, so every forwarded payload length must be divisible by it.
const FFTChunksPerTransfer = 20

// NodeConfig holds the tuning parameters for one SDR capture node.
//
// Ranges and steps follow the HackRF One: freq 1 MHz - 6 GHz, amp on/off,
// lna 0-40 in steps of 8, vga 0-62 in steps of 2, sample rate 1-20 Msps.
type NodeConfig struct {
	StreamKinds []StreamKind `json:"stream_kinds"`
	Freq        uint64       `json:"freq"`
	Amp         uint8        `json:"amp"`
	Lna         uint8        `json:"lna"`
	Vga         uint8        `json:"vga"`
	SampleRate  uint64       `json:"sample_rate"`
}

// Validate checks every field against its valid range.
func (c NodeConfig) Validate() error {
	if len(c.StreamKinds) == 0 {
		return fmt.Errorf("stream_kinds must not be empty")
	}
	seen := make(map[StreamKind]struct{}, len(c.StreamKinds))
	for _, k := range c.StreamKinds {
		if _, ok := streamKindTags[k]; !ok {
			return fmt.Errorf("unknown stream kind %q", k)
		}
		if _, dup := seen[k]; dup {
			return fmt.Errorf("duplicate stream kind %q", k)
		}
		seen[k] = struct{}{}
	}
	if c.Freq < 1_000_000 || c.Freq > 6_000_000_000 {
		return fmt.Errorf("freq %d out of range [1000000, 6000000000]", c.Freq)
	}
	if c.Amp > 1 {
		return fmt.Errorf("amp %d must be 0 or 1", c.Amp)
	}
	if c.Lna > 40 || c.Lna%8 != 0 {
		return fmt.Errorf("lna %d must be 0-40 in steps of 8", c.Lna)
	}
	if c.Vga > 62 || c.Vga%2 != 0 {
		return fmt.Errorf("vga %d must be 0-62 in steps of 2", c.Vga)
	}
	if c.SampleRate < 1_000_000 || c.SampleRate > 20_000_000 {
		return fmt.Errorf("sample_rate %d out of range [1000000, 20000000]", c.SampleRate)
	}
	return nil
}

// HasKind reports whether the config enables the given stream kind.
func (c NodeConfig) HasKind(kind StreamKind) bool {
	for _, k := range c.StreamKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// DefaultNodeConfig returns the configuration seeded for a node that has never
// been configured.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		StreamKinds: []StreamKind{StreamFFT},
		Freq:        1_000_000,
		Amp:         1,
		Lna:         0,
		Vga:         0,
		SampleRate:  4_000_000,
	}
}

// --- Control protocol ---
//
// Each WebSocket binary frame on the control connection carries exactly one
// message. Messages are a tagged union: little-endian uint32 variant index
// followed by the variant's fields. Strings carry a uint64 length prefix,
// stream-kind sets a uint64 count. Both sides reject unknown variant indices.

// ToHub is a message sent by a node to the hub.
type ToHub interface{ isToHub() }

// RequestConfig asks the hub for the node's current configuration.
type RequestConfig struct{}

// AckConfig confirms that the node applied the given configuration.
type AckConfig struct {
	Config NodeConfig
}

func (RequestConfig) isToHub() {}
func (AckConfig) isToHub()     {}

// ToNode is a message sent by the hub to a node.
type ToNode interface{ isToNode() }

// SendConfig delivers a configuration the node should apply.
type SendConfig struct {
	Config NodeConfig
}

// ErrorMsg surfaces a backend failure to the node. When Terminate is set the
// node must tear down its workers and reconnect from scratch.
type ErrorMsg struct {
	Msg       string
	Terminate bool
}

func (SendConfig) isToNode() {}
func (ErrorMsg) isToNode()   {}

const (
	tagRequestConfig = 0
	tagAckConfig     = 1

	tagSendConfig = 0
	tagError      = 1
)

// EncodeToHub serializes a node-to-hub message.
func EncodeToHub(m ToHub) ([]byte, error) {
	var b []byte
	switch m := m.(type) {
	case RequestConfig:
		b = binary.LittleEndian.AppendUint32(b, tagRequestConfig)
	case AckConfig:
		b = binary.LittleEndian.AppendUint32(b, tagAckConfig)
		b = appendConfig(b, m.Config)
	default:
		return nil, fmt.Errorf("unencodable node message %T", m)
	}
	return b, nil
}

// DecodeToHub deserializes a node-to-hub message.
func DecodeToHub(b []byte) (ToHub, error) {
	d := decoder{buf: b}
	tag, err := d.uint32()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagRequestConfig:
		if err := d.finish(); err != nil {
			return nil, err
		}
		return RequestConfig{}, nil
	case tagAckConfig:
		cfg, err := d.config()
		if err != nil {
			return nil, err
		}
		if err := d.finish(); err != nil {
			return nil, err
		}
		return AckConfig{Config: cfg}, nil
	}
	return nil, fmt.Errorf("unknown node message variant %d", tag)
}

// EncodeToNode serializes a hub-to-node message.
func EncodeToNode(m ToNode) ([]byte, error) {
	var b []byte
	switch m := m.(type) {
	case SendConfig:
		b = binary.LittleEndian.AppendUint32(b, tagSendConfig)
		b = appendConfig(b, m.Config)
	case ErrorMsg:
		b = binary.LittleEndian.AppendUint32(b, tagError)
		b = appendString(b, m.Msg)
		if m.Terminate {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	default:
		return nil, fmt.Errorf("unencodable hub message %T", m)
	}
	return b, nil
}

// DecodeToNode deserializes a hub-to-node message.
func DecodeToNode(b []byte) (ToNode, error) {
	d := decoder{buf: b}
	tag, err := d.uint32()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagSendConfig:
		cfg, err := d.config()
		if err != nil {
			return nil, err
		}
		if err := d.finish(); err != nil {
			return nil, err
		}
		return SendConfig{Config: cfg}, nil
	case tagError:
		msg, err := d.str()
		if err != nil {
			return nil, err
		}
		term, err := d.byte()
		if err != nil {
			return nil, err
		}
		if term > 1 {
			return nil, fmt.Errorf("invalid terminate flag %d", term)
		}
		if err := d.finish(); err != nil {
			return nil, err
		}
		return ErrorMsg{Msg: msg, Terminate: term == 1}, nil
	}
	return nil, fmt.Errorf("unknown hub message variant %d", tag)
}

func appendConfig(b []byte, c NodeConfig) []byte {
	// Kinds are written sorted by wire tag so equal configs encode equally.
	kinds := append([]StreamKind(nil), c.StreamKinds...)
	sort.Slice(kinds, func(i, j int) bool {
		return streamKindTags[kinds[i]] < streamKindTags[kinds[j]]
	})
	b = binary.LittleEndian.AppendUint64(b, uint64(len(kinds)))
	for _, k := range kinds {
		b = binary.LittleEndian.AppendUint32(b, streamKindTags[k])
	}
	b = binary.LittleEndian.AppendUint64(b, c.Freq)
	b = append(b, c.Amp, c.Lna, c.Vga)
	b = binary.LittleEndian.AppendUint64(b, c.SampleRate)
	return b
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint64(b, uint64(len(s)))
	return append(b, s...)
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.off+n > len(d.buf) {
		return nil, fmt.Errorf("truncated message: need %d bytes at offset %d of %d", n, d.off, len(d.buf))
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) byte() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) uint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) uint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *decoder) str() (string, error) {
	n, err := d.uint64()
	if err != nil {
		return "", err
	}
	if n > uint64(len(d.buf)-d.off) {
		return "", fmt.Errorf("string length %d exceeds message", n)
	}
	b, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) config() (NodeConfig, error) {
	var c NodeConfig
	n, err := d.uint64()
	if err != nil {
		return c, err
	}
	if n > uint64(len(streamKindTags)) {
		return c, fmt.Errorf("stream kind count %d exceeds known kinds", n)
	}
	for i := uint64(0); i < n; i++ {
		tag, err := d.uint32()
		if err != nil {
			return c, err
		}
		kind, ok := streamKindByTag[tag]
		if !ok {
			return c, fmt.Errorf("unknown stream kind variant %d", tag)
		}
		c.StreamKinds = append(c.StreamKinds, kind)
	}
	if c.Freq, err = d.uint64(); err != nil {
		return c, err
	}
	if c.Amp, err = d.byte(); err != nil {
		return c, err
	}
	if c.Lna, err = d.byte(); err != nil {
		return c, err
	}
	if c.Vga, err = d.byte(); err != nil {
		return c, err
	}
	if c.SampleRate, err = d.uint64(); err != nil {
		return c, err
	}
	return c, nil
}

func (d *decoder) finish() error {
	if d.off != len(d.buf) {
		return fmt.Errorf("%d trailing bytes after message", len(d.buf)-d.off)
	}
	return nil
}
