package tcp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/serialization"
)

// Confirmation codes exchanged after a batch, UTF-16LE encoded.
// "Recieved" is misspelled on purpose; peers compare the exact bytes.
var (
	CodeReceived             = encodeCode("Recieved")
	CodeSerializationFailure = encodeCode("FailDesr")
	CodeProcessingFailure    = encodeCode("FailPrcs")
	CodeQueueDoesNotExist    = encodeCode("Qu-Exist")
	CodeAcknowledged         = encodeCode("Acknowledged")
)

// confirmationLength is shared by the four receiver codes
var confirmationLength = len(CodeReceived)

// MaxFrameLength bounds a single batch
const MaxFrameLength = 256 << 20

func encodeCode(code string) []byte {
	b, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(code))
	if err != nil {
		panic(fmt.Sprintf("tcp: encode confirmation code %q: %v", code, err))
	}
	return b
}

// DecodeCode renders a confirmation code for logs
func DecodeCode(b []byte) string {
	s, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(b)
	if err != nil {
		return fmt.Sprintf("%x", b)
	}
	return string(s)
}

// Send writes one length-prefixed batch to conn and dispatches the receiver's
// confirmation to callback. data may be nil, in which case the batch is serialized here.
// A returned error means no confirmation was read and no callback was invoked;
// deadlines are the caller's concern.
func Send(conn io.ReadWriter, batch *contracts.OutgoingBatch, data []byte, callback contracts.SenderCallback) error {
	if data == nil {
		var err error
		if data, err = serialization.Serialize(batch.Envelopes); err != nil {
			return err
		}
	}

	if err := writeFrame(conn, data); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}

	confirmation := make([]byte, confirmationLength)
	if _, err := io.ReadFull(conn, confirmation); err != nil {
		return fmt.Errorf("read confirmation: %w", err)
	}

	switch {
	case bytes.Equal(confirmation, CodeReceived):
		if _, err := conn.Write(CodeAcknowledged); err != nil {
			return fmt.Errorf("write acknowledgement: %w", err)
		}
		callback.Successful(batch)
	case bytes.Equal(confirmation, CodeSerializationFailure):
		callback.SerializationFailure(batch)
	case bytes.Equal(confirmation, CodeProcessingFailure):
		callback.ProcessingFailure(batch, contracts.ErrProcessingFailure)
	case bytes.Equal(confirmation, CodeQueueDoesNotExist):
		callback.QueueDoesNotExist(batch)
	default:
		callback.Failed(batch, fmt.Errorf("%w: %q", contracts.ErrUnknownConfirmation, DecodeCode(confirmation)))
	}
	return nil
}

// Receive reads one batch from conn, hands it to callback and answers with the
// matching confirmation code. Decode and handling failures are reported to the
// callback and answered on the wire; only I/O failures are returned.
func Receive(ctx context.Context, conn io.ReadWriter, callback contracts.ReceiverCallback, uri string) error {
	var length int32
	if err := binary.Read(conn, binary.LittleEndian, &length); err != nil {
		return fmt.Errorf("read length: %w", err)
	}

	if length == 0 {
		if _, err := conn.Write(CodeReceived); err != nil {
			return fmt.Errorf("write ping confirmation: %w", err)
		}
		readExpected(conn, CodeAcknowledged)
		return nil
	}

	envelopes, err := readBatch(conn, length)
	if err != nil {
		callback.Failed(ctx, err, nil)
		if _, werr := conn.Write(CodeSerializationFailure); werr != nil {
			return fmt.Errorf("write serialization failure: %w", werr)
		}
		return nil
	}

	status, err := received(ctx, callback, uri, envelopes)
	if err != nil {
		callback.Failed(ctx, err, envelopes)
		status = contracts.ReceivedProcessFailure
	}

	switch status {
	case contracts.ReceivedProcessFailure:
		_, err = conn.Write(CodeProcessingFailure)
	case contracts.ReceivedQueueDoesNotExist:
		_, err = conn.Write(CodeQueueDoesNotExist)
	default:
		if _, err = conn.Write(CodeReceived); err != nil {
			callback.NotAcknowledged(ctx, envelopes)
			break
		}
		if readExpected(conn, CodeAcknowledged) {
			callback.Acknowledged(ctx, envelopes)
		} else {
			callback.NotAcknowledged(ctx, envelopes)
		}
	}
	if err != nil {
		return fmt.Errorf("write confirmation: %w", err)
	}
	return nil
}

func readBatch(conn io.Reader, length int32) ([]*contracts.Envelope, error) {
	if length < 0 || length > MaxFrameLength {
		return nil, &contracts.SerializationError{Op: "read frame", Err: fmt.Errorf("invalid frame length %d", length)}
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, &contracts.SerializationError{Op: "read frame", Err: err}
	}
	return serialization.DeserializeMany(data)
}

// received contains panics raised by the callback so the peer still gets an answer
func received(ctx context.Context, callback contracts.ReceiverCallback, uri string, envelopes []*contracts.Envelope) (status contracts.ReceivedStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: receiver panic: %v", contracts.ErrProcessingFailure, r)
		}
	}()
	return callback.Received(ctx, uri, envelopes), nil
}

func writeFrame(w io.Writer, data []byte) error {
	frame := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	_, err := w.Write(frame)
	return err
}

// readExpected reports whether the next bytes on r are exactly expected
func readExpected(r io.Reader, expected []byte) bool {
	buf := make([]byte, len(expected))
	if _, err := io.ReadFull(r, buf); err != nil {
		return false
	}
	return bytes.Equal(buf, expected)
}

// isEOF reports a peer that hung up between exchanges
func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
