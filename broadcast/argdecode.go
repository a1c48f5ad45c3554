package broadcast

import (
	"encoding/json"

	"github.com/TritonDataCenter/node-fast-messages/fast"
)

// isJSONObject reports whether raw decodes as a JSON object (as
// opposed to an array, string, number, bool, or null).
func isJSONObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	// null unmarshals into a map without error, leaving it nil.
	return json.Unmarshal(raw, &obj) == nil && obj != nil
}

func decodeMessagesArgs(rawArgs json.RawMessage) (MessagesArgs, error) {
	args, err := fast.DecodeArgs(rawArgs)
	if err != nil || len(args) != 1 {
		return MessagesArgs{}, ErrMessagesArgCount
	}
	if !isJSONObject(args[0]) {
		return MessagesArgs{}, ErrMessagesNotObject
	}

	var fields struct {
		ClientID json.RawMessage `json:"client_id"`
		Version  *int            `json:"version"`
	}
	if err := json.Unmarshal(args[0], &fields); err != nil {
		return MessagesArgs{}, ErrMessagesNotObject
	}

	var clientID string
	if fields.ClientID == nil || json.Unmarshal(fields.ClientID, &clientID) != nil || clientID == "" {
		return MessagesArgs{}, ErrMessagesClientID
	}

	return MessagesArgs{ClientID: clientID, Version: fields.Version}, nil
}

func decodePingArgs(rawArgs json.RawMessage) (PingArgs, error) {
	args, err := fast.DecodeArgs(rawArgs)
	if err != nil || len(args) != 1 {
		return PingArgs{}, ErrPingArgCount
	}
	if !isJSONObject(args[0]) {
		return PingArgs{}, ErrPingNotObject
	}

	var fields struct {
		ReqID json.RawMessage `json:"req_id"`
	}
	if err := json.Unmarshal(args[0], &fields); err != nil {
		return PingArgs{}, ErrPingNotObject
	}

	if fields.ReqID == nil {
		return PingArgs{}, nil
	}
	var reqID string
	if json.Unmarshal(fields.ReqID, &reqID) != nil {
		return PingArgs{}, ErrPingReqID
	}
	return PingArgs{ReqID: reqID}, nil
}
