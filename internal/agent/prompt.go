package agent

import (
	"fmt"
	"strings"

	"github.com/ashureev/shsh-recon/internal/domain"
)

const defaultSystemPrompt = `You are a security reconnaissance assistant operating on behalf of an authorized operator.

Work in short Think, Act, Observe steps:
- Decide which single tool gives the most useful next piece of evidence.
- Call it, read the result, and decide again.
- Only state findings that appear in tool output you received in this conversation. Never invent hosts, ports, versions or vulnerabilities.
- Targets are domain names. Private, loopback and cloud metadata addresses are refused by the tools.
- When you have enough evidence, call generate_final_report, then answer with a concise Markdown summary of findings and recommended next steps.`

const compressInstructions = `Summarize the following security reconnaissance conversation as a technical state for another analyst.
Keep: the target(s), tools already run and what they showed, open findings (ports, services, versions, missing headers, vulnerabilities), and the operator's current objective.
Drop pleasantries and repeated output. Use terse bullet points.`

const fallbackNotice = "The previous request was rejected by the model provider. Tools are unavailable for this reply: answer from the conversation so far and say which checks could not be run."

const connectionLostMessage = "Connection to the language model was lost after several retries. No further steps were taken; tool results gathered so far are in the run logs. Please try again shortly."

const cancelledMessage = "Run cancelled by operator. Tool results gathered so far are in the run logs."

// toolOutcome is one executed tool call, kept for the degraded summary.
type toolOutcome struct {
	tool    string
	outcome domain.ToolOutcome
	err     string
}

// capReachedMessage summarizes a run that hit the iteration cap.
func capReachedMessage(maxIterations int, outcomes []toolOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stopped after %d reasoning steps without a final answer. Here is what was gathered:\n", maxIterations)
	if len(outcomes) == 0 {
		b.WriteString("- no tools were run\n")
	}
	for _, o := range outcomes {
		fmt.Fprintf(&b, "- %s: %s", o.tool, o.outcome)
		if o.err != "" {
			fmt.Fprintf(&b, " (%s)", o.err)
		}
		b.WriteString("\n")
	}
	b.WriteString("Raw output for each step is available in the run logs.")
	return b.String()
}

func summaryMessage(summary string) string {
	return "Summary of the conversation so far:\n" + summary
}
