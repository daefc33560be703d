/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package console

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/replbridge/pkg/testutil"
)

func TestRelayForwardsOutputAndInput(t *testing.T) {
	t.Parallel()

	log := testutil.NewLogForTesting(t.Name())
	var local testutil.LockedBuffer
	c := New(log, &local)
	target := &recordingTarget{}
	c.Attach(target)

	relay := NewRelay(c, log)
	srv := httptest.NewServer(relay.Router())
	defer srv.Close()
	defer relay.Shutdown()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/console"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("print(1)\n")))
	require.Eventually(t, func() bool {
		return len(target.Input()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "print(1)\n", target.Input()[0])

	// The echo of the input reaches the local display and the websocket client.
	require.Eventually(t, func() bool {
		return local.String() == "print(1)\n"
	}, 5*time.Second, 10*time.Millisecond)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, echoed, readErr := conn.ReadMessage()
	require.NoError(t, readErr)
	require.Equal(t, "print(1)\n", string(echoed))

	_, _ = c.Write([]byte("[1] 1\n"))
	_, out, readErr := conn.ReadMessage()
	require.NoError(t, readErr)
	require.Equal(t, "[1] 1\n", string(out))
}

func TestRelayStatus(t *testing.T) {
	t.Parallel()

	log := testutil.NewLogForTesting(t.Name())
	c := New(log)
	relay := NewRelay(c, log)
	srv := httptest.NewServer(relay.Router())
	defer srv.Close()

	getStatus := func() relayStatus {
		resp, err := http.Get(srv.URL + "/console/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var status relayStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		return status
	}

	require.Equal(t, relayStatus{Attached: false, Clients: 0}, getStatus())

	c.Attach(&recordingTarget{})
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/console", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool {
		return getStatus() == relayStatus{Attached: true, Clients: 1}
	}, 5*time.Second, 10*time.Millisecond)

	postResp, postErr := http.Post(srv.URL+"/console/status", "application/json", nil)
	require.NoError(t, postErr)
	_ = postResp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, postResp.StatusCode)
}
