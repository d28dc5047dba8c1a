package llm

import (
	"fmt"
	"strings"
)

// ContextPrompt wraps rendered graph context and a question for the
// generation service.
func ContextPrompt(graphContext, question string) string {
	question = strings.TrimSpace(question)
	if question == "" {
		question = "Summarise what this memory neighbourhood says and which related memories matter most."
	}
	return fmt.Sprintf(`You are answering from an associative memory graph. Each memory has a type, a label and a karma weight in [0,1]; higher weight means the memory has been reinforced more recently and often. Relations are directed edges.

MEMORY CONTEXT:
%s

QUESTION: %s

Rules:
- Answer only from the memory context above
- Prefer high-weight memories when they disagree with low-weight ones
- Structurally analogous memories are hints, not facts about the focus memory
- If the context does not answer the question, say so in one sentence`, strings.TrimSpace(graphContext), question)
}
