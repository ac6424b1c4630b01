package main

import (
	"encoding/json"
	"fmt"

	"github.com/IITvamp/cmux/internal/config"
	"github.com/IITvamp/cmux/internal/server"
)

// call sends one request to the running daemon and decodes the data payload
// into out (when non-nil).
func call(action string, params any, out any) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var raw json.RawMessage
	if params != nil {
		raw, err = json.Marshal(params)
		if err != nil {
			return err
		}
	}

	resp, err := server.Call(cfg.SocketPath, server.Request{Action: action, Params: raw})
	if err != nil {
		return fmt.Errorf("is cmuxd running? %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("%s", resp.Error)
	}
	if out != nil && len(resp.Data) > 0 {
		return json.Unmarshal(resp.Data, out)
	}
	return nil
}
