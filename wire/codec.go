package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"

	"github.com/gridem/replob/membership"
	"github.com/gridem/replob/serializer"
)

// writeFieldString is serializer.WriteFieldBytes specialized to strings,
// the length-prefixed framing the teacher uses throughout its wire code.
func writeFieldString(buf *bufio.Writer, s string) error {
	return serializer.WriteFieldBytes(buf, []byte(s))
}

func readFieldBytes(buf *bufio.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(buf, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(buf, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeUint8(buf *bufio.Writer, v uint8) error {
	return buf.WriteByte(v)
}

func readUint8(buf *bufio.Reader) (uint8, error) {
	return buf.ReadByte()
}

func writeUint32(buf *bufio.Writer, v uint32) error {
	return binary.Write(buf, binary.LittleEndian, v)
}

func readUint32(buf *bufio.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(buf, binary.LittleEndian, &v)
	return v, err
}

func writeUint64(buf *bufio.Writer, v uint64) error {
	return binary.Write(buf, binary.LittleEndian, v)
}

func readUint64(buf *bufio.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(buf, binary.LittleEndian, &v)
	return v, err
}

func writeInt64(buf *bufio.Writer, v int64) error {
	return binary.Write(buf, binary.LittleEndian, v)
}

func readInt64(buf *bufio.Reader) (int64, error) {
	var v int64
	err := binary.Read(buf, binary.LittleEndian, &v)
	return v, err
}

func writeNodeId(buf *bufio.Writer, n membership.NodeId) error {
	return writeUint32(buf, uint32(n))
}

func readNodeId(buf *bufio.Reader) (membership.NodeId, error) {
	v, err := readUint32(buf)
	return membership.NodeId(v), err
}

func writeMessageId(buf *bufio.Writer, id MessageId) error {
	if err := writeNodeId(buf, id.Origin); err != nil {
		return err
	}
	_, err := buf.Write(id.Nonce[:])
	return err
}

func readMessageId(buf *bufio.Reader) (MessageId, error) {
	origin, err := readNodeId(buf)
	if err != nil {
		return MessageId{}, err
	}
	var nonce [16]byte
	if _, err := io.ReadFull(buf, nonce[:]); err != nil {
		return MessageId{}, err
	}
	return MessageId{Origin: origin, Nonce: nonce}, nil
}

func writeUUID(buf *bufio.Writer, id uuid.UUID) error {
	_, err := buf.Write(id[:])
	return err
}

func readUUID(buf *bufio.Reader) (uuid.UUID, error) {
	var id uuid.UUID
	_, err := io.ReadFull(buf, id[:])
	return id, err
}

func writeNodeSet(buf *bufio.Writer, ns membership.NodeSet) error {
	ids := ns.Slice()
	if err := writeUint32(buf, uint32(len(ids))); err != nil {
		return err
	}
	for _, id := range ids {
		if err := writeNodeId(buf, id); err != nil {
			return err
		}
	}
	return nil
}

func readNodeSet(buf *bufio.Reader) (membership.NodeSet, error) {
	n, err := readUint32(buf)
	if err != nil {
		return membership.NodeSet{}, err
	}
	ids := make([]membership.NodeId, 0, n)
	for i := uint32(0); i < n; i++ {
		id, err := readNodeId(buf)
		if err != nil {
			return membership.NodeSet{}, err
		}
		ids = append(ids, id)
	}
	return membership.NewNodeSet(ids), nil
}

// EncodeAppCommand serializes one application command, tag-prefixed so
// DecodeAppCommand can dispatch back to the right type.
func EncodeAppCommand(cmd AppCommand) ([]byte, error) {
	var out bytes.Buffer
	buf := bufio.NewWriter(&out)
	if err := writeUint8(buf, uint8(cmd.Tag())); err != nil {
		return nil, err
	}
	if err := encodeAppCommandBody(buf, cmd); err != nil {
		return nil, err
	}
	if err := buf.Flush(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func encodeAppCommandBody(buf *bufio.Writer, cmd AppCommand) error {
	switch c := cmd.(type) {
	case RemoveNodeCommand:
		return writeNodeId(buf, c.Node)
	case ChronosAdvanceToCommand:
		return writeInt64(buf, c.NowUnixNano)
	case ChronosCompletedCommand:
		return writeNodeId(buf, c.Node)
	case ChronosScheduleCommand:
		if err := writeUUID(buf, c.EventID); err != nil {
			return err
		}
		if err := writeFieldString(buf, c.JobName); err != nil {
			return err
		}
		return writeInt64(buf, c.DueUnixNano)
	case KVSetCommand:
		if err := writeFieldString(buf, c.Key); err != nil {
			return err
		}
		if err := writeFieldString(buf, c.Value); err != nil {
			return err
		}
		hasValue := uint8(0)
		if c.HasValue {
			hasValue = 1
		}
		return writeUint8(buf, hasValue)
	case *KVGetCommand:
		return writeFieldString(buf, c.Key)
	default:
		return fmt.Errorf("wire: unknown app command type %T", cmd)
	}
}

// DecodeAppCommand reads back whatever EncodeAppCommand produced.
func DecodeAppCommand(data []byte) (AppCommand, error) {
	buf := bufio.NewReader(bytes.NewReader(data))
	tagByte, err := readUint8(buf)
	if err != nil {
		return nil, err
	}
	tag := Tag(tagByte)
	switch tag {
	case TagRemoveNode:
		id, err := readNodeId(buf)
		if err != nil {
			return nil, err
		}
		return RemoveNodeCommand{Node: id}, nil
	case TagChronosAdvanceTo:
		now, err := readInt64(buf)
		if err != nil {
			return nil, err
		}
		return ChronosAdvanceToCommand{NowUnixNano: now}, nil
	case TagChronosCompleted:
		id, err := readNodeId(buf)
		if err != nil {
			return nil, err
		}
		return ChronosCompletedCommand{Node: id}, nil
	case TagChronosSchedule:
		eventID, err := readUUID(buf)
		if err != nil {
			return nil, err
		}
		jobName, err := readFieldBytes(buf)
		if err != nil {
			return nil, err
		}
		due, err := readInt64(buf)
		if err != nil {
			return nil, err
		}
		return ChronosScheduleCommand{EventID: eventID, JobName: string(jobName), DueUnixNano: due}, nil
	case TagKVSet:
		key, err := readFieldBytes(buf)
		if err != nil {
			return nil, err
		}
		value, err := readFieldBytes(buf)
		if err != nil {
			return nil, err
		}
		hasValue, err := readUint8(buf)
		if err != nil {
			return nil, err
		}
		return KVSetCommand{Key: string(key), Value: string(value), HasValue: hasValue != 0}, nil
	case TagKVGet:
		key, err := readFieldBytes(buf)
		if err != nil {
			return nil, err
		}
		return &KVGetCommand{Key: string(key)}, nil
	default:
		return nil, fmt.Errorf("wire: unknown app command tag %d", tagByte)
	}
}

func writeCarrySet(buf *bufio.Writer, cs CarrySet) error {
	sorted := make(CarrySet, len(cs))
	copy(sorted, cs)
	sort.Sort(sorted)
	if err := writeUint32(buf, uint32(len(sorted))); err != nil {
		return err
	}
	for _, msg := range sorted {
		if err := writeMessageId(buf, msg.ID); err != nil {
			return err
		}
		encoded, err := EncodeAppCommand(msg.Cmd)
		if err != nil {
			return err
		}
		if err := serializer.WriteFieldBytes(buf, encoded); err != nil {
			return err
		}
	}
	return nil
}

func readCarrySet(buf *bufio.Reader) (CarrySet, error) {
	n, err := readUint32(buf)
	if err != nil {
		return nil, err
	}
	cs := make(CarrySet, 0, n)
	for i := uint32(0); i < n; i++ {
		id, err := readMessageId(buf)
		if err != nil {
			return nil, err
		}
		encoded, err := readFieldBytes(buf)
		if err != nil {
			return nil, err
		}
		cmd, err := DecodeAppCommand(encoded)
		if err != nil {
			return nil, err
		}
		cs = append(cs, CarryMsg{Cmd: cmd, ID: id})
	}
	sort.Sort(cs)
	return cs, nil
}

// EncodeMessage serializes a protocol-level message for the transport
// frame's payload (spec.md §6).
func EncodeMessage(msg Message) ([]byte, error) {
	var out bytes.Buffer
	buf := bufio.NewWriter(&out)
	if err := writeUint8(buf, uint8(msg.MessageTag())); err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case VoteMessage:
		if err := writeUint64(buf, m.Step); err != nil {
			return nil, err
		}
		if err := writeCarrySet(buf, m.Carries); err != nil {
			return nil, err
		}
		if err := writeNodeId(buf, m.Source); err != nil {
			return nil, err
		}
		if err := writeNodeSet(buf, m.Nodes); err != nil {
			return nil, err
		}
	case CommitMessage:
		if err := writeUint64(buf, m.Step); err != nil {
			return nil, err
		}
		if err := writeCarrySet(buf, m.Carries); err != nil {
			return nil, err
		}
	case HeartbeatMessage:
		if err := writeNodeId(buf, m.Source); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("wire: unknown message type %T", msg)
	}
	if err := buf.Flush(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// DecodeMessage reads back whatever EncodeMessage produced.
func DecodeMessage(data []byte) (Message, error) {
	buf := bufio.NewReader(bytes.NewReader(data))
	tagByte, err := readUint8(buf)
	if err != nil {
		return nil, err
	}
	switch Tag(tagByte) {
	case TagVote:
		step, err := readUint64(buf)
		if err != nil {
			return nil, err
		}
		carries, err := readCarrySet(buf)
		if err != nil {
			return nil, err
		}
		source, err := readNodeId(buf)
		if err != nil {
			return nil, err
		}
		nodes, err := readNodeSet(buf)
		if err != nil {
			return nil, err
		}
		return VoteMessage{Step: step, Carries: carries, Source: source, Nodes: nodes}, nil
	case TagCommit:
		step, err := readUint64(buf)
		if err != nil {
			return nil, err
		}
		carries, err := readCarrySet(buf)
		if err != nil {
			return nil, err
		}
		return CommitMessage{Step: step, Carries: carries}, nil
	case TagHeartbeat:
		source, err := readNodeId(buf)
		if err != nil {
			return nil, err
		}
		return HeartbeatMessage{Source: source}, nil
	default:
		return nil, fmt.Errorf("wire: unknown message tag %d", tagByte)
	}
}
