package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/pipeline"
)

const chatSystem = "You are Graphide, an assistant that explains vulnerability analysis results. Answer in Markdown."

// Chat answers free-form questions, optionally about one run.
type Chat struct {
	model *Model
}

// NewChat creates a chat agent backed by model.
func NewChat(model *Model) *Chat {
	return &Chat{model: model}
}

// Reply answers in.Message.
func (c *Chat) Reply(ctx context.Context, in domain.ChatInput) (domain.ChatOutput, error) {
	if strings.TrimSpace(in.Message) == "" {
		return domain.ChatOutput{}, domain.NewStageError(domain.ErrorFatal, "chat message is empty")
	}

	prompt := in.Message
	if in.Context != "" {
		prompt = fmt.Sprintf("Analysis context:\n%s\n\nQuestion:\n%s", in.Context, in.Message)
	}
	reply, err := c.model.Complete(ctx, chatSystem, prompt)
	if err != nil {
		return domain.ChatOutput{}, err
	}
	return domain.ChatOutput{Reply: strings.TrimSpace(reply)}, nil
}

// Client wraps the chat agent as the chat stage client.
func (c *Chat) Client(opts ...pipeline.LocalOption) *pipeline.LocalClient {
	opts = append([]pipeline.LocalOption{pipeline.WithFallbackKind(domain.ErrorUnavailable)}, opts...)
	return pipeline.NewLocalClient(domain.StageChat, pipeline.Typed(c.Reply), opts...)
}
