package boardflow_test

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/petrijr/boardflow"
)

func registry() *boardflow.Registry {
	reg := boardflow.NewRegistry(boardflow.CoreKit())
	reg.Handle("uppercase", boardflow.HandlerFunc(upper))
	return reg
}

func upper(_ context.Context, in boardflow.InputValues, _ *boardflow.NodeContext) (boardflow.OutputValues, error) {
	s, ok := in["text"].(string)
	if !ok {
		return nil, fmt.Errorf("uppercase: expected string text, got %T", in["text"])
	}
	return boardflow.OutputValues{"text": strings.ToUpper(s)}, nil
}

func shout() *boardflow.BoardBuilder {
	return boardflow.NewBoard("shout").
		Input("in").
		Node("upper", "uppercase").
		Output("out").
		Wire("in", "text", "upper", "text").
		Wire("upper", "text", "out", "text")
}

// Example_runBoard runs a board in process with all inputs supplied up front.
func Example_runBoard() {
	ctx := context.Background()

	h := boardflow.NewHarness(boardflow.HarnessConfig{Registry: registry()})
	outputs, err := boardflow.RunBoard(ctx, h, shout().MustBuild(), boardflow.InputValues{"text": "hello"})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(outputs[0]["text"])
	// Output: HELLO
}

// Example_engine parks a run while it waits for input and continues it once
// the input is provided.
func Example_engine() {
	ctx := context.Background()

	eng := boardflow.NewInMemoryEngine(registry())
	shout().MustRegister(eng, "shout")

	rec, err := eng.Start(ctx, "shout", nil)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(rec.Status, rec.PendingInput.Node.ID)

	rec, err = eng.Provide(ctx, rec.ID, boardflow.InputValues{"text": "later"})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(rec.Status, rec.Outputs[0]["text"])
	// Output:
	// WAITING in
	// COMPLETED LATER
}
