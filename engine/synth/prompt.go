package synth

import (
	"fmt"
	"strings"

	"github.com/WessleyAI/groundwork/engine/domain"
)

// PromptMode selects how the question reaches the model.
type PromptMode string

const (
	// ModeSingle sends one user message holding context and question.
	ModeSingle PromptMode = "single"
	// ModeConversation appends the whole conversation after the system
	// message.
	ModeConversation PromptMode = "conversation"
)

// NotFoundAnswer is what the model is told to say when the context lacks
// the answer, and what strict mode answers without calling the model.
const NotFoundAnswer = "I don't know. The answer was not found in the available documents."

const groundedPrompt = `You are a helpful assistant answering questions using internal company documents. Answer **only** from the context below. If the answer is not clearly found, respond with "I don't know." and say that it is not in the available documents.

Context:
%s
`

const ungroundedPrompt = `You are a helpful assistant answering questions using internal company documents. No document in the knowledge base matched this question, so there is no context available. Tell the user that the answer was not found in the available documents. Do not answer from general knowledge.
`

// SystemPrompt returns the grounded prompt for contextText, or the
// degraded prompt when contextText is empty.
func SystemPrompt(contextText string) string {
	if strings.TrimSpace(contextText) == "" {
		return ungroundedPrompt
	}
	return fmt.Sprintf(groundedPrompt, contextText)
}

// BuildMessages assembles the prompt: one system message, then either a
// single user message or the conversation history.
func BuildMessages(mode PromptMode, contextText, question string, history []domain.Message) []domain.Message {
	msgs := []domain.Message{{Role: domain.RoleSystem, Content: SystemPrompt(contextText)}}

	if mode == ModeConversation && len(history) > 0 {
		for _, m := range history {
			if m.Role == domain.RoleSystem {
				continue
			}
			msgs = append(msgs, m)
		}
		return msgs
	}

	user := "Question: " + question
	if strings.TrimSpace(contextText) != "" {
		user = "Context:\n" + contextText + "\n\n" + user
	}
	return append(msgs, domain.Message{Role: domain.RoleUser, Content: user})
}
