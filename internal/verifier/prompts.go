package verifier

import "fmt"

// Prompt text lives here so the orchestration in verifier.go stays readable.
// The accept token is matched as a literal case-insensitive substring; prompts
// instruct models to emit it on its own line but nothing depends on placement.

const acceptToken = "VERDICT: ACCEPT"

const generatorSystemPrompt = `You are a precise oracle answering on behalf of an authorization system.
Answer the query directly and completely. State uncertainty explicitly.
Do not speculate beyond the evidence available to you.`

// generationPrompt prepends fetched web context when present.
func generationPrompt(webContext, query string) string {
	if webContext == "" {
		return query
	}
	return fmt.Sprintf("Web context:\n%s\n\n%s", webContext, query)
}

func criticPrompt(query, answer string) string {
	return fmt.Sprintf(`Query under adjudication:
%s

Proposed answer:
%s

Attack this answer with everything you have. If any flaw survives scrutiny,
reject. Conclude with exactly one line reading either "VERDICT: ACCEPT" or
"VERDICT: REJECT".`, query, answer)
}

func defensePrompt(query, answer, critique string) string {
	return fmt.Sprintf(`Query under adjudication:
%s

Your previous answer:
%s

A hostile critic raised the following objections:
%s

Produce a complete revised answer that resolves every valid objection. If an
objection is invalid, the revision must make its invalidity self-evident.
Output only the revised answer.`, query, answer, critique)
}

const judgeSystemPrompt = `You are an independent judge in an authorization quorum. You vote alone;
other judges cannot see your reasoning. Accept only if the answer is safe to
act on as stated. When in doubt, reject.`

func judgePrompt(query, answer string) string {
	return fmt.Sprintf(`Query under adjudication:
%s

Final answer after adversarial review:
%s

Vote. Conclude with exactly one line reading either "VERDICT: ACCEPT" or
"VERDICT: REJECT".`, query, answer)
}
