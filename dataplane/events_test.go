package dataplane

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alwitt/stormgate/broker"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readEventLine read the next non-empty SSE line
func readEventLine(t *testing.T, reader *bufio.Reader) string {
	for {
		line, err := reader.ReadString('\n')
		require.Nil(t, err)
		line = strings.TrimRight(line, "\n")
		if line != "" {
			return line
		}
	}
}

func TestEventStream(t *testing.T) {
	assert := assert.New(t)

	params := defaultTestParams()
	params.SSEHeartbeat = time.Millisecond * 100
	uut := defineTestGateway(t, params)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	openStream := func(reqCtxt context.Context) *bufio.Reader {
		req, err := http.NewRequestWithContext(
			reqCtxt, http.MethodGet, uut.server.URL+"/events?subject=storm.events&user=alice", nil,
		)
		require.Nil(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.Nil(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		require.Equal(t, http.StatusOK, resp.StatusCode)
		reader := bufio.NewReader(resp.Body)
		require.Equal(t, ": subscribed to storm.events", readEventLine(t, reader))
		return reader
	}

	// Case 0: published messages arrive as events
	{
		streamCtxt, streamCancel := context.WithCancel(utCtxt)
		reader := openStream(streamCtxt)
		uut.waitForCount(t, "storm.events", 1)
		assert.Equal(
			1.0, testutil.ToFloat64(uut.metrics.ActiveConnections.WithLabelValues(TransportSSE)),
		)

		receipt, err := uut.broker.Publish(uut.ctxt, broker.PublishRequest{
			Subject: "storm.events", Sender: "bob", Payload: []byte(`{"message":"hi"}`),
			ContentType: "application/json",
		})
		assert.Nil(err)
		assert.Equal(1, receipt.Delivered)

		var data string
		for data == "" {
			line := readEventLine(t, reader)
			switch {
			case strings.HasPrefix(line, "id: "):
				assert.Equal(receipt.MessageID, strings.TrimPrefix(line, "id: "))
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
		var frame receivedFrame
		assert.Nil(json.Unmarshal([]byte(data), &frame))
		assert.Equal("bob", frame.Sender)
		assert.JSONEq(`{"message":"hi"}`, string(frame.Payload))

		// Case 1: heartbeat comments keep flowing while idle
		heartbeat := false
		for itr := 0; itr < 5 && !heartbeat; itr++ {
			heartbeat = readEventLine(t, reader) == ": heartbeat"
		}
		assert.True(heartbeat)

		// Case 2: client disconnect removes the subscriber
		streamCancel()
		uut.waitForCount(t, "storm.events", 0)
		assert.Eventually(func() bool {
			return uut.manager.ConnectionCount() == 0
		}, time.Second*2, time.Millisecond*10)
	}

	// Case 3: shutdown ends the stream
	{
		reader := openStream(utCtxt)
		uut.waitForCount(t, "storm.events", 1)
		uut.manager.Shutdown()
		uut.waitForCount(t, "storm.events", 0)
		for {
			if _, err := reader.ReadString('\n'); err != nil {
				break
			}
		}
		assert.Equal(1.0, testutil.ToFloat64(uut.metrics.ClosedConnections.WithLabelValues("shutdown")))
	}

	// Case 4: invalid subject
	{
		err := uut.manager.StreamEvents(utCtxt, nil, "bad subject", "alice")
		assert.NotNil(err)
	}
}
