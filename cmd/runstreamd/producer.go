package main

import (
	"context"
	"encoding/json"

	"github.com/dockrion/runstream/manager"
	"github.com/dockrion/runstream/stream"
)

// echoProducer is the development producer: it streams the input back in
// small token chunks and completes with the input payload. Deployments
// replace it by wiring their own gateway.ProducerFactory.
func echoProducer(input json.RawMessage) manager.Producer {
	return func(ctx context.Context, sc *stream.Context) (json.RawMessage, error) {
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		if err := sc.EmitProgress(ctx, "echo", 0, "echoing input"); err != nil {
			return nil, err
		}
		const chunk = 16
		text := string(input)
		for i := 0; i < len(text); i += chunk {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			end := min(i+chunk, len(text))
			finish := ""
			if end == len(text) {
				finish = "stop"
			}
			if err := sc.EmitToken(ctx, text[i:end], finish); err != nil {
				return nil, err
			}
		}
		if err := sc.EmitProgress(ctx, "echo", 1, "done"); err != nil {
			return nil, err
		}
		return input, nil
	}
}
