/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package player

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"os"
	"time"
)

const socketIOTimeout = 2 * time.Second

// command sends one JSON command over mpv's IPC socket. A missing socket is
// not an error: the renderer may have exited, or never owned a socket at
// all. With expectResponse the first response line's "data" field is
// returned.
func (a *Adapter) command(payload map[string]any, expectResponse bool) (any, error) {
	if _, err := os.Stat(a.socketPath); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	conn, err := net.DialTimeout("unix", a.socketPath, socketIOTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(socketIOTimeout))

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(raw, '\n')); err != nil {
		return nil, err
	}
	if !expectResponse {
		return nil, nil
	}

	// mpv interleaves events with responses; scan lines until one carries a
	// data or error field.
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var resp map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue
		}
		if errStr, ok := resp["error"].(string); ok {
			if errStr != "success" {
				return nil, errors.New("mpv: " + errStr)
			}
			return resp["data"], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}
