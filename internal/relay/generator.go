package relay

import (
	"context"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	modelpkg "github.com/stupiduntilnot/chatrelay/internal/model"
)

// Generator turns a message and its prior window into a model reply.
type Generator struct {
	Provider modelpkg.Provider
}

// GenerateReply assembles the two-message prompt and returns the model's
// text. Provider errors are returned unchanged.
func (g *Generator) GenerateReply(ctx context.Context, message string, prior []string, useContext bool) (string, error) {
	resp, err := g.complete(ctx, message, prior, useContext)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (g *Generator) complete(ctx context.Context, message string, prior []string, useContext bool) (modelpkg.CompletionResponse, error) {
	assembler := &ctxpkg.ContextAssembler{UseContext: useContext}
	return g.Provider.ChatCompletion(ctx, assembler.Assemble(message, prior))
}
