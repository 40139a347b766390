// Package devices holds the capability handlers behind the command bridge.
// The hardware they drive is reached through small interfaces so that the
// handlers can run without it.
package devices

import (
	"errors"
	"fmt"
)

// ErrUnrecognizedCommand is returned for a command a handler does not know.
var ErrUnrecognizedCommand = errors.New("unrecognized command")

// offline is the state reported for a request the speaker cannot serve.
func offline() map[string]any {
	return map[string]any{"errorCode": "offline", "status": "ERROR"}
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v), true
	}
	return s, true
}
