package llm

import "fmt"

// TurnEndSystemPrompt instructs the model to judge whether a spoken interview
// answer is complete. It only ever sees transcripts, never audio.
const TurnEndSystemPrompt = `You watch a live transcript of a candidate answering a behavioral interview question out loud. The candidate has just gone quiet. Decide whether they have finished their answer.

Answer with JSON only: {"decision": "done" | "continue" | "ask", "reason": "<at most ten words>"}

RULES:
- "done": the answer reaches a natural conclusion (a result, a lesson, a summary sentence) and nothing is left hanging.
- "continue": the last sentence is unfinished, ends on a connective ("and", "so", "because"), or the answer has only set up the situation.
- "ask": you cannot tell. The candidate will be asked whether they are finished.
- Transcripts come from speech recognition: ignore missing punctuation, filler words and small recognition errors.
- Never judge the quality of the answer. Only judge whether it is over.
- When in doubt between "done" and "continue", pick "continue".`

// TurnEndUserPrompt renders the per-request message.
func TurnEndUserPrompt(question, transcript string) string {
	if question == "" {
		question = "(not provided)"
	}
	return fmt.Sprintf("QUESTION:\n%s\n\nTRANSCRIPT SO FAR:\n%s", question, transcript)
}
