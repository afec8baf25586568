// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

const sendTimeout = 5 * time.Second

// SendEvent pushes one event frame to the listener at addr. The private
// "_stamp" field is filled in with the current time when the caller did not
// set one. Test helpers and fake daemons use this to feed the bus.
func SendEvent(addr, sourceID, tag string, data map[string]any) error {
	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	if _, ok := payload[StampKey]; !ok {
		payload[StampKey] = time.Now().Format(StampLayout)
	}

	frame, err := json.Marshal([]any{sourceID, tag, payload})
	if err != nil {
		return fmt.Errorf("encoding event %q: %w", tag, err)
	}
	return sendFrame(addr, frame)
}

// sendSentinel delivers the shutdown sentinel: a bare JSON null.
func sendSentinel(addr string) error {
	return sendFrame(addr, []byte("null"))
}

func sendFrame(addr string, frame []byte) error {
	conn, err := net.DialTimeout("tcp", addr, sendTimeout)
	if err != nil {
		return fmt.Errorf("dialing event listener %s: %w", addr, err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	if _, err := conn.Write(append(frame, '\n')); err != nil {
		return fmt.Errorf("sending event frame to %s: %w", addr, err)
	}
	return nil
}
