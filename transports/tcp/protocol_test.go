package tcp

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/serialization"
)

const testURI = "tcp://localhost:2201"

func TestWireCodes(t *testing.T) {
	t.Run("receiver codes share one width", func(t *testing.T) {
		for _, code := range [][]byte{CodeReceived, CodeSerializationFailure, CodeProcessingFailure, CodeQueueDoesNotExist} {
			assert.Len(t, code, 16)
		}
		assert.Equal(t, "Recieved", DecodeCode(CodeReceived))
	})

	t.Run("bytes match the golden file", func(t *testing.T) {
		var buf bytes.Buffer
		for _, c := range []struct {
			name string
			code []byte
		}{
			{"Recieved", CodeReceived},
			{"FailDesr", CodeSerializationFailure},
			{"FailPrcs", CodeProcessingFailure},
			{"Qu-Exist", CodeQueueDoesNotExist},
			{"Acknowledged", CodeAcknowledged},
		} {
			fmt.Fprintf(&buf, "%s %x\n", c.name, c.code)
		}

		var ping bytes.Buffer
		require.NoError(t, writeFrame(&ping, []byte{}))
		fmt.Fprintf(&buf, "ping %x\n", ping.Bytes())

		g := goldie.New(t)
		g.Assert(t, "wire_codes", buf.Bytes())
	})
}

// fakeReceiver reads one frame and answers with code, then collects whatever the sender writes next
func fakeReceiver(t *testing.T, conn net.Conn, code []byte) (frames <-chan []byte, trailing <-chan []byte) {
	t.Helper()
	frameCh := make(chan []byte, 1)
	restCh := make(chan []byte, 1)
	go func() {
		defer conn.Close()
		var length int32
		if err := binary.Read(conn, binary.LittleEndian, &length); err != nil {
			frameCh <- nil
			restCh <- nil
			return
		}
		frame := make([]byte, length)
		_, _ = io.ReadFull(conn, frame)
		frameCh <- frame
		_, _ = conn.Write(code)
		rest, _ := io.ReadAll(conn)
		restCh <- rest
	}()
	return frameCh, restCh
}

func TestSend(t *testing.T) {
	t.Run("FailDesr reports a serialization failure and writes no acknowledgement", func(t *testing.T) {
		client, server := net.Pipe()
		batch := contracts.NewOutgoingBatch(testURI, envelopes("a", "b", "c")...)
		data, err := serialization.Serialize(batch.Envelopes)
		require.NoError(t, err)

		frames, trailing := fakeReceiver(t, server, CodeSerializationFailure)
		cb := &mockSenderCallback{}
		cb.On("SerializationFailure", batch).Once()

		require.NoError(t, Send(client, batch, data, cb))
		client.Close()

		assert.Equal(t, data, <-frames)
		assert.Empty(t, <-trailing)
		cb.AssertExpectations(t)
		cb.AssertNumberOfCalls(t, "SerializationFailure", 1)
		cb.AssertNotCalled(t, "Successful", mock.Anything)
	})

	t.Run("Received is acknowledged", func(t *testing.T) {
		client, server := net.Pipe()
		batch := contracts.NewOutgoingBatch(testURI, envelopes("a")...)

		_, trailing := fakeReceiver(t, server, CodeReceived)
		cb := &mockSenderCallback{}
		cb.On("Successful", batch).Once()

		require.NoError(t, Send(client, batch, nil, cb))
		client.Close()

		assert.Equal(t, CodeAcknowledged, <-trailing)
		cb.AssertExpectations(t)
	})

	t.Run("maps every receiver code", func(t *testing.T) {
		tests := []struct {
			code   []byte
			method string
			args   []interface{}
		}{
			{CodeProcessingFailure, "ProcessingFailure", []interface{}{mock.Anything, contracts.ErrProcessingFailure}},
			{CodeQueueDoesNotExist, "QueueDoesNotExist", []interface{}{mock.Anything}},
			{[]byte("????????????????"), "Failed", []interface{}{mock.Anything, mock.Anything}},
		}

		for _, tt := range tests {
			t.Run(tt.method, func(t *testing.T) {
				client, server := net.Pipe()
				batch := contracts.NewOutgoingBatch(testURI, envelopes("a")...)

				_, trailing := fakeReceiver(t, server, tt.code)
				cb := &mockSenderCallback{}
				cb.On(tt.method, tt.args...).Once()

				require.NoError(t, Send(client, batch, nil, cb))
				client.Close()

				assert.Empty(t, <-trailing)
				cb.AssertExpectations(t)
			})
		}
	})

	t.Run("closed connection is an error with no callback", func(t *testing.T) {
		client, server := net.Pipe()
		server.Close()
		cb := &mockSenderCallback{}

		err := Send(client, contracts.NewOutgoingBatch(testURI, envelopes("a")...), nil, cb)

		assert.Error(t, err)
		assert.Empty(t, cb.Calls)
	})
}

func TestReceive(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, rcb contracts.ReceiverCallback) (net.Conn, <-chan error) {
		t.Helper()
		client, server := net.Pipe()
		done := make(chan error, 1)
		go func() {
			defer server.Close()
			done <- Receive(ctx, server, rcb, testURI)
		}()
		t.Cleanup(func() { client.Close() })
		return client, done
	}

	t.Run("ping is confirmed without reaching the callback", func(t *testing.T) {
		rcb := &mockReceiverCallback{}
		client, done := run(t, rcb)

		scb := &mockSenderCallback{}
		ping := contracts.NewOutgoingBatch(testURI)
		scb.On("Successful", ping).Once()

		require.NoError(t, Send(client, ping, []byte{}, scb))

		assert.NoError(t, <-done)
		scb.AssertExpectations(t)
		assert.Empty(t, rcb.Calls)
	})

	t.Run("accepted batch is acknowledged", func(t *testing.T) {
		rcb := &mockReceiverCallback{}
		rcb.On("Received", mock.Anything, testURI, hasIDs("a", "b")).Return(contracts.ReceivedSuccess).Once()
		rcb.On("Acknowledged", mock.Anything, hasIDs("a", "b")).Once()
		client, done := run(t, rcb)

		scb := &mockSenderCallback{}
		batch := contracts.NewOutgoingBatch(testURI, envelopes("a", "b")...)
		scb.On("Successful", batch).Once()

		require.NoError(t, Send(client, batch, nil, scb))

		assert.NoError(t, <-done)
		rcb.AssertExpectations(t)
		scb.AssertExpectations(t)
	})

	t.Run("callback verdicts become wire codes", func(t *testing.T) {
		tests := []struct {
			status contracts.ReceivedStatus
			method string
		}{
			{contracts.ReceivedProcessFailure, "ProcessingFailure"},
			{contracts.ReceivedQueueDoesNotExist, "QueueDoesNotExist"},
		}
		for _, tt := range tests {
			t.Run(tt.method, func(t *testing.T) {
				rcb := &mockReceiverCallback{}
				rcb.On("Received", mock.Anything, testURI, mock.Anything).Return(tt.status).Once()
				client, done := run(t, rcb)

				scb := &mockSenderCallback{}
				scb.On(tt.method, mock.Anything).Maybe()
				scb.On(tt.method, mock.Anything, mock.Anything).Maybe()

				require.NoError(t, Send(client, contracts.NewOutgoingBatch(testURI, envelopes("a")...), nil, scb))

				assert.NoError(t, <-done)
				scb.AssertNumberOfCalls(t, tt.method, 1)
				rcb.AssertNotCalled(t, "Acknowledged", mock.Anything, mock.Anything)
			})
		}
	})

	t.Run("undecodable batch is answered with FailDesr", func(t *testing.T) {
		rcb := &mockReceiverCallback{}
		rcb.On("Failed", mock.Anything, mock.Anything, mock.Anything).Once()
		client, done := run(t, rcb)

		go func() { _ = writeFrame(client, []byte("definitely not a batch")) }()
		code := make([]byte, 16)
		_, err := io.ReadFull(client, code)
		require.NoError(t, err)

		assert.Equal(t, CodeSerializationFailure, code)
		assert.NoError(t, <-done)
		rcb.AssertExpectations(t)
		failedWith := rcb.Calls[0].Arguments.Get(1).(error)
		assert.ErrorIs(t, failedWith, contracts.ErrSerializationFailure)
		assert.Nil(t, rcb.Calls[0].Arguments.Get(2))
	})

	t.Run("missing acknowledgement is reported", func(t *testing.T) {
		rcb := &mockReceiverCallback{}
		rcb.On("Received", mock.Anything, testURI, mock.Anything).Return(contracts.ReceivedSuccess).Once()
		rcb.On("NotAcknowledged", mock.Anything, hasIDs("a")).Once()
		client, done := run(t, rcb)

		data, err := serialization.Serialize(envelopes("a"))
		require.NoError(t, err)
		go func() { _ = writeFrame(client, data) }()

		code := make([]byte, 16)
		_, err = io.ReadFull(client, code)
		require.NoError(t, err)
		assert.Equal(t, CodeReceived, code)
		_, _ = client.Write([]byte("Revert"))
		client.Close()

		assert.NoError(t, <-done)
		rcb.AssertExpectations(t)
		rcb.AssertNotCalled(t, "Acknowledged", mock.Anything, mock.Anything)
	})

	t.Run("panicking callback is answered with FailPrcs", func(t *testing.T) {
		rcb := &mockReceiverCallback{}
		rcb.On("Received", mock.Anything, testURI, mock.Anything).Run(func(mock.Arguments) {
			panic("handler table corrupted")
		}).Return(contracts.ReceivedSuccess)
		rcb.On("Failed", mock.Anything, mock.Anything, hasIDs("a")).Once()
		client, done := run(t, rcb)

		scb := &mockSenderCallback{}
		scb.On("ProcessingFailure", mock.Anything, contracts.ErrProcessingFailure).Once()

		require.NoError(t, Send(client, contracts.NewOutgoingBatch(testURI, envelopes("a")...), nil, scb))

		assert.NoError(t, <-done)
		rcb.AssertExpectations(t)
		scb.AssertExpectations(t)
	})

	t.Run("peer hanging up before the length is an error", func(t *testing.T) {
		rcb := &mockReceiverCallback{}
		client, done := run(t, rcb)
		client.Close()

		select {
		case err := <-done:
			assert.Error(t, err)
		case <-time.After(time.Second):
			t.Fatal("receive did not return")
		}
		assert.Empty(t, rcb.Calls)
	})
}

func TestParseDestination(t *testing.T) {
	t.Run("parses host, port and queue", func(t *testing.T) {
		d, err := ParseDestination("tcp://billing.internal:2201/orders")
		require.NoError(t, err)

		assert.Equal(t, Destination{Host: "billing.internal", Port: 2201, Queue: "orders"}, d)
		assert.Equal(t, "billing.internal:2201", d.Address())
		assert.Equal(t, "tcp://billing.internal:2201/orders", d.String())
	})

	t.Run("queue defaults", func(t *testing.T) {
		d, err := ParseDestination("tcp://localhost:2201")
		require.NoError(t, err)
		assert.Equal(t, DefaultQueue, d.Queue)
		assert.Equal(t, "replies", QueueOf("tcp://localhost:2201/replies"))
		assert.Equal(t, DefaultQueue, QueueOf("::bad"))
	})

	t.Run("rejects bad uris", func(t *testing.T) {
		for _, uri := range []string{"http://localhost:80", "tcp://:2201", "tcp://localhost", "tcp://localhost:99999", "::"} {
			_, err := ParseDestination(uri)
			assert.Error(t, err, uri)
		}
	})
}
