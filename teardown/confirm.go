package teardown

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// PromptConfirmer asks on a terminal. Only "y" or "yes" approves.
type PromptConfirmer struct {
	In  io.Reader
	Out io.Writer
}

// RequestConfirmation prints the plan and reads one answer line.
func (p *PromptConfirmer) RequestConfirmation(ctx context.Context, req ConfirmationRequest) (*ConfirmationResponse, error) {
	fmt.Fprintln(p.Out, req.Message)
	for _, s := range req.Steps {
		switch {
		case s.Unresolved:
			fmt.Fprintf(p.Out, "  %-17s (owner unknown, skipped)\n", s.Type)
		case s.Billable:
			fmt.Fprintf(p.Out, "  %-17s %s (billable)\n", s.Type, s.ID)
		default:
			fmt.Fprintf(p.Out, "  %-17s %s\n", s.Type, s.ID)
		}
	}
	fmt.Fprint(p.Out, "Proceed? [y/N] ")

	answers := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(p.In).ReadString('\n')
		answers <- strings.ToLower(strings.TrimSpace(line))
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case answer := <-answers:
		approved := answer == "y" || answer == "yes"
		return &ConfirmationResponse{Approved: approved, Message: answer}, nil
	}
}
