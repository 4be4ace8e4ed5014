package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kvet/queuert/pkg/queuert"
)

// registerExampleHandlers wires the bundled example.greet/example.farewell
// handlers: greet continues into farewell with the same name and no output
// of its own, and farewell completes the chain with a goodbye message. Demonstrates ContinueWith and
// output parsing against the registry declared in exampleRegistry.
func registerExampleHandlers(worker *queuert.Worker) {
	worker.Handle("example.greet", func(ctx context.Context, job *queuert.Job, cw *queuert.Completion) (json.RawMessage, error) {
		var in greetInput
		if err := json.Unmarshal(job.Input, &in); err != nil {
			return nil, fmt.Errorf("example.greet: unmarshal input: %w", err)
		}

		next, err := json.Marshal(greetInput{Name: in.Name})
		if err != nil {
			return nil, fmt.Errorf("example.greet: marshal continuation input: %w", err)
		}
		if err := cw.ContinueWith("example.farewell", next, queuert.Immediately()); err != nil {
			return nil, err
		}
		return nil, nil
	})

	worker.Handle("example.farewell", func(ctx context.Context, job *queuert.Job, cw *queuert.Completion) (json.RawMessage, error) {
		var in greetInput
		if err := json.Unmarshal(job.Input, &in); err != nil {
			return nil, fmt.Errorf("example.farewell: unmarshal input: %w", err)
		}
		return json.Marshal(greetOutput{Message: fmt.Sprintf("Goodbye, %s!", in.Name)})
	})
}
