package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/gateway"
	"github.com/openclaw/openclaw/internal/paths"
	"github.com/openclaw/openclaw/internal/session"
)

// callGateway dials the local gateway, performs one method call, and prints
// the result.
func callGateway(cfg *config.Config, method string, params any) error {
	url, err := gateway.BuildRelayWsUrl(cfg.Gateway.Port, cfg.Gateway.Token)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("failed to reach gateway (is it running?): %w", err)
	}
	defer conn.Close()

	id := uuid.New().String()
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(gateway.Frame{ID: id, Method: method, Params: paramsJSON}); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
	for {
		var frame gateway.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		if frame.ID != id {
			continue // stray event broadcast
		}
		if frame.Error != nil {
			return fmt.Errorf("%s: %s", frame.Error.Code, frame.Error.Message)
		}
		pretty, _ := json.MarshalIndent(json.RawMessage(frame.Result), "", "  ")
		fmt.Println(string(pretty))
		return nil
	}
}

func openPairingStore() (*session.PairingStore, error) {
	path, err := paths.StatePath("pairing.json")
	if err != nil {
		return nil, err
	}
	return session.NewPairingStore(path), nil
}
