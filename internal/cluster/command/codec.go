package command

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"
	pb "google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Log entries are protobuf messages of the shape
//
//	message Command {
//	  int64 id = 1;
//	  string type = 2;
//	  google.protobuf.Timestamp time = 3;
//	  map<string, string> trace = 4;
//	  bytes payload = 5;
//	}
//
// The payload keeps the JSON form of the command value, variable documents
// are JSON values and keys need all 64 bits.
const (
	fieldId      protowire.Number = 1
	fieldType    protowire.Number = 2
	fieldTime    protowire.Number = 3
	fieldTrace   protowire.Number = 4
	fieldPayload protowire.Number = 5

	fieldEntryKey   protowire.Number = 1
	fieldEntryValue protowire.Number = 2
)

var errMalformed = errors.New("malformed command")

// Marshal encodes the command as a log entry. Equal commands encode to equal
// bytes.
func (c Command) Marshal() ([]byte, error) {
	var b []byte
	if c.Id != 0 {
		b = protowire.AppendTag(b, fieldId, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Id))
	}
	b = protowire.AppendTag(b, fieldType, protowire.BytesType)
	b = protowire.AppendString(b, string(c.Type))
	if !c.Time.IsZero() {
		ts, err := pb.MarshalOptions{Deterministic: true}.Marshal(timestamppb.New(c.Time))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal time of command %d: %w", c.Id, err)
		}
		b = protowire.AppendTag(b, fieldTime, protowire.BytesType)
		b = protowire.AppendBytes(b, ts)
	}
	for _, key := range slices.Sorted(maps.Keys(c.Trace)) {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldEntryKey, protowire.BytesType)
		entry = protowire.AppendString(entry, key)
		entry = protowire.AppendTag(entry, fieldEntryValue, protowire.BytesType)
		entry = protowire.AppendString(entry, c.Trace[key])
		b = protowire.AppendTag(b, fieldTrace, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Payload)
	return b, nil
}

// Unmarshal decodes a log entry. Unknown fields are skipped.
func Unmarshal(data []byte) (Command, error) {
	var c Command
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return c, fmt.Errorf("failed to unmarshal command: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == fieldId && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return c, fmt.Errorf("failed to unmarshal command id: %w", protowire.ParseError(n))
			}
			c.Id = int64(v)
			data = data[n:]
		case num == fieldType && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return c, fmt.Errorf("failed to unmarshal command type: %w", protowire.ParseError(n))
			}
			c.Type = Type(v)
			data = data[n:]
		case num == fieldTime && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return c, fmt.Errorf("failed to unmarshal command time: %w", protowire.ParseError(n))
			}
			var ts timestamppb.Timestamp
			if err := pb.Unmarshal(v, &ts); err != nil {
				return c, fmt.Errorf("failed to unmarshal command time: %w", err)
			}
			c.Time = ts.AsTime()
			data = data[n:]
		case num == fieldTrace && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return c, fmt.Errorf("failed to unmarshal command trace: %w", protowire.ParseError(n))
			}
			key, value, err := unmarshalEntry(v)
			if err != nil {
				return c, fmt.Errorf("failed to unmarshal command trace: %w", err)
			}
			if c.Trace == nil {
				c.Trace = map[string]string{}
			}
			c.Trace[key] = value
			data = data[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return c, fmt.Errorf("failed to unmarshal command payload: %w", protowire.ParseError(n))
			}
			c.Payload = slices.Clone(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return c, fmt.Errorf("failed to unmarshal command field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if c.Type == "" {
		return c, fmt.Errorf("failed to unmarshal command: %w: type is missing", errMalformed)
	}
	return c, nil
}

func unmarshalEntry(data []byte) (string, string, error) {
	var key, value string
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		data = data[n:]
		if typ != protowire.BytesType || (num != fieldEntryKey && num != fieldEntryValue) {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return "", "", protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeString(data)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		if num == fieldEntryKey {
			key = v
		} else {
			value = v
		}
		data = data[n:]
	}
	return key, value, nil
}
