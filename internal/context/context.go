package context

// Compressor reduces the prior messages of a conversation to the window
// used for prompting.
type Compressor interface {
	Compress(messages []string) []string
}

// Assembler turns the incoming message and its prior window into the
// ordered message list sent to the model.
type Assembler interface {
	Assemble(message string, prior []string) []Message
}
