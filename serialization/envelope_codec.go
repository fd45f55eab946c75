package serialization

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/glimte/relay/contracts"
)

// Field keys of the envelope block. The order here is the order on the wire.
const (
	keyID                   = "id"
	keyCorrelationID        = "correlation-id"
	keyMessageType          = "message-type"
	keySource               = "source"
	keyDestination          = "destination"
	keyReplyURI             = "reply-uri"
	keyContentType          = "content-type"
	keyAcceptedContentTypes = "accepted-content-types"
	keyStatus               = "status"
	keyOwnerID              = "owner-id"
	keyExecutionTime        = "execution-time"
	keyDeliverBy            = "deliver-by"
	keySentAt               = "sent-at"
	keyAttempts             = "attempts"
	keyAckRequested         = "ack-requested"
	keyReplyRequested       = "reply-requested"
)

// absent marks a nil slice or map, as opposed to an empty one
const absent = -1

type field struct {
	key   string
	value string
}

// Serialize encodes a batch of envelopes. An empty batch encodes to zero bytes, which
// is the ping frame on the wire.
func Serialize(envelopes []*contracts.Envelope) ([]byte, error) {
	if len(envelopes) == 0 {
		return []byte{}, nil
	}

	buf := new(bytes.Buffer)
	writeInt32(buf, len(envelopes))
	for i, env := range envelopes {
		if env == nil {
			return nil, &contracts.SerializationError{Op: fmt.Sprintf("encode envelope %d", i), Offset: buf.Len(), Err: errors.New("nil envelope")}
		}
		block, err := SerializeOne(env)
		if err != nil {
			return nil, err
		}
		writeInt32(buf, len(block))
		buf.Write(block)
	}
	return buf.Bytes(), nil
}

// DeserializeMany decodes a batch produced by Serialize. Zero bytes decode to an empty batch.
// On failure nothing is returned and the error matches contracts.ErrSerializationFailure.
func DeserializeMany(data []byte) ([]*contracts.Envelope, error) {
	if len(data) == 0 {
		return []*contracts.Envelope{}, nil
	}

	r := &reader{data: data}
	count, err := r.int32("read envelope count")
	if err != nil {
		return nil, err
	}
	// every envelope needs at least its own length prefix
	if count < 0 || count > len(data)/4 {
		return nil, r.fail("read envelope count", fmt.Errorf("invalid count %d", count))
	}

	envelopes := make([]*contracts.Envelope, 0, count)
	for i := 0; i < count; i++ {
		length, err := r.int32("read envelope length")
		if err != nil {
			return nil, err
		}
		start := r.pos
		block, err := r.bytes(length, "read envelope block")
		if err != nil {
			return nil, err
		}
		env, err := DeserializeOne(block)
		if err != nil {
			var serr *contracts.SerializationError
			if errors.As(err, &serr) {
				serr.Offset += start
			}
			return nil, err
		}
		envelopes = append(envelopes, env)
	}

	if r.remaining() != 0 {
		return nil, r.fail("read batch", fmt.Errorf("%d trailing bytes", r.remaining()))
	}
	return envelopes, nil
}

// SerializeOne encodes a single envelope block, the form stored as the body column
func SerializeOne(env *contracts.Envelope) ([]byte, error) {
	if env.ID == "" {
		return nil, &contracts.SerializationError{Op: "encode envelope", Err: errors.New("envelope has no id")}
	}

	buf := new(bytes.Buffer)

	fields := envelopeFields(env)
	writeInt32(buf, len(fields))
	for _, f := range fields {
		writeString(buf, f.key)
		writeString(buf, f.value)
	}

	if env.Headers == nil {
		writeInt32(buf, absent)
	} else {
		keys := make([]string, 0, len(env.Headers))
		for k := range env.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		writeInt32(buf, len(keys))
		for _, k := range keys {
			writeString(buf, k)
			writeString(buf, env.Headers[k])
		}
	}

	if env.Data == nil {
		writeInt32(buf, absent)
	} else {
		writeInt32(buf, len(env.Data))
		buf.Write(env.Data)
	}

	return buf.Bytes(), nil
}

// DeserializeOne decodes a block produced by SerializeOne
func DeserializeOne(block []byte) (*contracts.Envelope, error) {
	r := &reader{data: block}
	env := &contracts.Envelope{}

	count, err := r.int32("read field count")
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, r.fail("read field count", fmt.Errorf("invalid count %d", count))
	}
	for i := 0; i < count; i++ {
		key, err := r.string("read field key")
		if err != nil {
			return nil, err
		}
		value, err := r.string("read field " + key)
		if err != nil {
			return nil, err
		}
		if err := applyField(env, key, value); err != nil {
			return nil, r.fail("read field "+key, err)
		}
	}

	headerCount, err := r.int32("read header count")
	if err != nil {
		return nil, err
	}
	if headerCount != absent {
		if headerCount < 0 {
			return nil, r.fail("read header count", fmt.Errorf("invalid count %d", headerCount))
		}
		env.Headers = make(map[string]string, headerCount)
		for i := 0; i < headerCount; i++ {
			key, err := r.string("read header key")
			if err != nil {
				return nil, err
			}
			value, err := r.string("read header " + key)
			if err != nil {
				return nil, err
			}
			env.Headers[key] = value
		}
	}

	dataLength, err := r.int32("read data length")
	if err != nil {
		return nil, err
	}
	if dataLength != absent {
		data, err := r.bytes(dataLength, "read data")
		if err != nil {
			return nil, err
		}
		env.Data = append([]byte{}, data...)
	}

	if r.remaining() != 0 {
		return nil, r.fail("read envelope", fmt.Errorf("%d trailing bytes", r.remaining()))
	}
	if env.ID == "" {
		return nil, r.fail("read envelope", errors.New("envelope has no id"))
	}
	return env, nil
}

func envelopeFields(env *contracts.Envelope) []field {
	fields := make([]field, 0, 16)
	add := func(key, value string) {
		if value != "" {
			fields = append(fields, field{key, value})
		}
	}

	add(keyID, env.ID)
	add(keyCorrelationID, env.CorrelationID)
	add(keyMessageType, env.MessageType)
	add(keySource, env.Source)
	add(keyDestination, env.Destination)
	add(keyReplyURI, env.ReplyURI)
	add(keyContentType, env.ContentType)
	if env.AcceptedContentTypes != nil {
		// an empty list is kept distinct from nil
		fields = append(fields, field{keyAcceptedContentTypes, encodeList(env.AcceptedContentTypes)})
	}
	add(keyStatus, string(env.Status))
	add(keyOwnerID, env.OwnerID)
	if env.ExecutionTime != nil {
		add(keyExecutionTime, formatTime(*env.ExecutionTime))
	}
	if env.DeliverBy != nil {
		add(keyDeliverBy, formatTime(*env.DeliverBy))
	}
	if !env.SentAt.IsZero() {
		add(keySentAt, formatTime(env.SentAt))
	}
	if env.Attempts != 0 {
		add(keyAttempts, strconv.Itoa(env.Attempts))
	}
	if env.AckRequested {
		add(keyAckRequested, "true")
	}
	add(keyReplyRequested, env.ReplyRequested)
	return fields
}

func applyField(env *contracts.Envelope, key, value string) error {
	var err error
	switch key {
	case keyID:
		env.ID = value
	case keyCorrelationID:
		env.CorrelationID = value
	case keyMessageType:
		env.MessageType = value
	case keySource:
		env.Source = value
	case keyDestination:
		env.Destination = value
	case keyReplyURI:
		env.ReplyURI = value
	case keyContentType:
		env.ContentType = value
	case keyAcceptedContentTypes:
		env.AcceptedContentTypes, err = decodeList(value)
	case keyStatus:
		env.Status, err = contracts.ParseEnvelopeStatus(value)
	case keyOwnerID:
		env.OwnerID = value
	case keyExecutionTime:
		env.ExecutionTime, err = parseTimePtr(value)
	case keyDeliverBy:
		env.DeliverBy, err = parseTimePtr(value)
	case keySentAt:
		env.SentAt, err = time.Parse(time.RFC3339Nano, value)
	case keyAttempts:
		env.Attempts, err = strconv.Atoi(value)
	case keyAckRequested:
		env.AckRequested, err = strconv.ParseBool(value)
	case keyReplyRequested:
		env.ReplyRequested = value
	}
	// unknown keys are skipped so newer senders can add fields
	return err
}

// encodeList writes a count followed by length-prefixed items, the way headers are written
func encodeList(items []string) string {
	var buf bytes.Buffer
	writeInt32(&buf, len(items))
	for _, item := range items {
		writeString(&buf, item)
	}
	return buf.String()
}

func decodeList(value string) ([]string, error) {
	r := &reader{data: []byte(value)}
	count, err := r.int32("read list count")
	if err != nil {
		return nil, err
	}
	if count < 0 || count > r.remaining() {
		return nil, fmt.Errorf("invalid list count %d", count)
	}
	items := make([]string, 0, count)
	for i := 0; i < count; i++ {
		item, err := r.string("read list item")
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes in list", r.remaining())
	}
	return items, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimePtr(value string) (*time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func writeInt32(buf *bytes.Buffer, v int) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(int32(v)))
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], uint64(len(s)))
	buf.Write(b[:n])
	buf.WriteString(s)
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *reader) fail(op string, err error) error {
	return &contracts.SerializationError{Op: op, Offset: r.pos, Err: err}
}

func (r *reader) int32(op string) (int, error) {
	if r.remaining() < 4 {
		return 0, r.fail(op, errors.New("unexpected end of data"))
	}
	v := int32(binary.LittleEndian.Uint32(r.data[r.pos:]))
	r.pos += 4
	return int(v), nil
}

func (r *reader) bytes(n int, op string) ([]byte, error) {
	if n < 0 || n > r.remaining() {
		return nil, r.fail(op, fmt.Errorf("length %d exceeds remaining %d bytes", n, r.remaining()))
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) string(op string) (string, error) {
	length, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		return "", r.fail(op, errors.New("invalid string length"))
	}
	if length > uint64(r.remaining()-n) {
		return "", r.fail(op, fmt.Errorf("string length %d exceeds remaining data", length))
	}
	r.pos += n
	b, err := r.bytes(int(length), op)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
