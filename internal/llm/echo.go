package llm

import (
	"context"
	"iter"
	"time"

	"github.com/RichardoC/chatrooms/internal/models"
)

const echoPrefix = "This is a streamed reply to: "

// EchoClient is a development provider. It streams a canned reply that
// quotes the last user turn, one character at a time, without any network.
type EchoClient struct {
	delay time.Duration
}

var _ Client = &EchoClient{}

func NewEchoClient(delay time.Duration) *EchoClient {
	return &EchoClient{delay: delay}
}

func (c *EchoClient) Model() string { return "echo" }

func (c *EchoClient) Stream(ctx context.Context, turns []models.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		prompt, _ := lastUserTurn(turns)
		for _, r := range echoPrefix + prompt {
			if c.delay > 0 {
				t := time.NewTimer(c.delay)
				select {
				case <-ctx.Done():
					t.Stop()
					yield("", wrap("echo", context.Cause(ctx)))
					return
				case <-t.C:
				}
			} else if err := ctx.Err(); err != nil {
				yield("", wrap("echo", context.Cause(ctx)))
				return
			}
			if !yield(string(r), nil) {
				return
			}
		}
	}
}
